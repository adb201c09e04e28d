package monitor

import (
	"math"

	"github.com/rewired-gh/optoracle/internal/models"
)

// ScoringParams are the fixed calibration constants of the composite score.
// They are not optimised by the backtest, only the ThresholdWeights are.
type ScoringParams struct {
	TimeDecayWeight float64
	ScoreThreshold  float64
	MaxWindowHours  float64
}

func DefaultScoringParams() ScoringParams {
	return ScoringParams{
		TimeDecayWeight: 2.0,
		ScoreThreshold:  5.0,
		MaxWindowHours:  48,
	}
}

// ZScore is |value-mean|/stdDev, or 0 when the deviation is undefined.
func ZScore(value, mean, stdDev float64) float64 {
	if stdDev <= 0 || math.IsNaN(stdDev) {
		return 0
	}
	return math.Abs(value-mean) / stdDev
}

// TimeDecay maps hours to expiry onto [0,1], reaching 1 at expiry and 0 at maxWindowHours or later.
func TimeDecay(hoursToExpiry, maxWindowHours float64) float64 {
	if maxWindowHours <= 0 {
		return 0
	}
	d := (maxWindowHours - hoursToExpiry) / maxWindowHours
	return math.Max(0, math.Min(1, d))
}

func CompositeScore(priceZ, volumeZ, oiZ, timeDecay float64, w models.ThresholdWeights, p ScoringParams) float64 {
	return priceZ*w.PriceWeight +
		volumeZ*w.VolumeWeight +
		oiZ*w.OIWeight +
		timeDecay*p.TimeDecayWeight
}

func classify(priceZ, volumeZ float64) models.AnomalyKind {
	if priceZ > volumeZ {
		return models.PriceAnomaly
	}
	return models.VolumeAnomaly
}

// Score rates one quote against its cohort. The boolean reports whether the
// quote qualifies as an anomaly; quotes without a positive mark price never do.
func Score(sq ScoredQuote, stats models.CohortStatistics, w models.ThresholdWeights, p ScoringParams) (models.AnomalyRecord, bool) {
	q := sq.Quote
	if q.MarkPrice <= 0 {
		return models.AnomalyRecord{}, false
	}

	priceZ := ZScore(q.MarkPrice, stats.MeanPrice, stats.StdDevPrice)
	volumeZ := ZScore(q.Volume, stats.MeanVolume, stats.StdDevVolume)
	oiZ := ZScore(q.OpenInterest, stats.MeanOpenInterest, stats.StdDevOpenInterest)
	decay := TimeDecay(sq.HoursToExpiry, p.MaxWindowHours)
	score := CompositeScore(priceZ, volumeZ, oiZ, decay, w, p)

	if score < p.ScoreThreshold {
		return models.AnomalyRecord{}, false
	}

	return models.AnomalyRecord{
		Symbol:        q.Symbol,
		CohortKey:     sq.Expiry.Cohort,
		Kind:          classify(priceZ, volumeZ),
		Score:         score,
		PriceZ:        priceZ,
		VolumeZ:       volumeZ,
		OIZ:           oiZ,
		TimeDecay:     decay,
		HoursToExpiry: sq.HoursToExpiry,
		MarkPrice:     q.MarkPrice,
		Volume:        q.Volume,
		OpenInterest:  q.OpenInterest,
	}, true
}
