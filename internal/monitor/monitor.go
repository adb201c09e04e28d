// Package monitor scores option quotes against their expiry cohort and
// selects the ones anomalous enough to alert on.
package monitor

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rewired-gh/optoracle/internal/models"
)

type Config struct {
	Window Window
	Params ScoringParams
	TopK   int
}

func DefaultConfig() Config {
	return Config{
		Window: DefaultWindow(),
		Params: DefaultScoringParams(),
		TopK:   10,
	}
}

// Evaluate scores every eligible quote in snapshot and returns the anomalies
// sorted by descending score. Equal scores keep snapshot order.
// It depends only on its arguments.
func Evaluate(snapshot models.MarketSnapshot, w models.ThresholdWeights, window *Window, p ScoringParams) []models.AnomalyRecord {
	agg := Aggregate(snapshot, window)
	return ScoreAggregation(agg, w, p)
}

// ScoreAggregation runs the scorer over an existing aggregation.
func ScoreAggregation(agg Aggregation, w models.ThresholdWeights, p ScoringParams) []models.AnomalyRecord {
	type indexed struct {
		rec   models.AnomalyRecord
		index int
	}
	var hits []indexed

	for _, cohort := range agg.Order {
		stats, ok := agg.Stats[cohort]
		if !ok {
			continue
		}
		for _, sq := range agg.Groups[cohort] {
			if rec, ok := Score(sq, stats, w, p); ok {
				hits = append(hits, indexed{rec: rec, index: sq.Index})
			}
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].rec.Score != hits[j].rec.Score {
			return hits[i].rec.Score > hits[j].rec.Score
		}
		return hits[i].index < hits[j].index
	})

	records := make([]models.AnomalyRecord, len(hits))
	for i, h := range hits {
		records[i] = h.rec
	}
	return records
}

// GroupByCohort bundles score-sorted records into one alert per cohort,
// ordered by each cohort's best score and truncated to topK cohorts (topK <= 0 keeps all).
func GroupByCohort(snapshot models.MarketSnapshot, records []models.AnomalyRecord, topK int) []models.CohortAlert {
	groups := make(map[string]*models.CohortAlert)
	var order []string

	for _, rec := range records {
		g, exists := groups[rec.CohortKey]
		if !exists {
			g = &models.CohortAlert{
				ID:             uuid.New().String(),
				CohortKey:      rec.CohortKey,
				Currency:       snapshot.Currency,
				ReferencePrice: snapshot.ReferencePrice,
				DetectedAt:     detectedAt(snapshot),
			}
			groups[rec.CohortKey] = g
			order = append(order, rec.CohortKey)
		}
		g.Records = append(g.Records, rec)
		if rec.Score > g.BestScore {
			g.BestScore = rec.Score
		}
	}

	result := make([]models.CohortAlert, 0, len(order))
	for _, key := range order {
		result = append(result, *groups[key])
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].BestScore > result[j].BestScore
	})

	if topK > 0 && len(result) > topK {
		result = result[:topK]
	}
	return result
}

func detectedAt(snapshot models.MarketSnapshot) time.Time {
	if snapshot.ObservedAt.IsZero() {
		return time.Now()
	}
	return snapshot.ObservedAt
}
