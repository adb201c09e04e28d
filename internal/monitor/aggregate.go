package monitor

import (
	"github.com/rewired-gh/optoracle/internal/expiry"
	"github.com/rewired-gh/optoracle/internal/models"
)

// Window bounds the hours-to-expiry of quotes eligible for scoring.
type Window struct {
	MinHours float64
	MaxHours float64
}

func DefaultWindow() Window {
	return Window{MinHours: 0.5, MaxHours: 48}
}

func (w Window) Contains(hours float64) bool {
	return hours >= w.MinHours && hours <= w.MaxHours
}

// ScoredQuote is a quote that survived parsing and window filtering.
type ScoredQuote struct {
	Quote         models.InstrumentQuote
	Expiry        expiry.Expiry
	HoursToExpiry float64
	// Index is the position of the quote in the source snapshot.
	Index int
}

// Aggregation is the cohort view of one snapshot.
type Aggregation struct {
	// Stats omits cohorts without a single positive mark price.
	Stats  map[string]models.CohortStatistics
	Groups map[string][]ScoredQuote
	// Order lists cohort keys in first-seen order.
	Order   []string
	Dropped int
}

// Aggregate groups the snapshot's quotes by expiry cohort and computes per-cohort
// statistics. A nil window keeps every quote with a parseable expiry.
// Hours to expiry are measured from snapshot.ObservedAt.
func Aggregate(snapshot models.MarketSnapshot, window *Window) Aggregation {
	agg := Aggregation{
		Stats:  make(map[string]models.CohortStatistics),
		Groups: make(map[string][]ScoredQuote),
	}

	for i, q := range snapshot.Quotes {
		exp, err := expiry.Parse(q.Symbol)
		if err != nil {
			agg.Dropped++
			continue
		}
		hours := exp.HoursToExpiry(snapshot.ObservedAt)
		if window != nil && !window.Contains(hours) {
			agg.Dropped++
			continue
		}

		if _, seen := agg.Groups[exp.Cohort]; !seen {
			agg.Order = append(agg.Order, exp.Cohort)
		}
		agg.Groups[exp.Cohort] = append(agg.Groups[exp.Cohort], ScoredQuote{
			Quote:         q,
			Expiry:        exp,
			HoursToExpiry: hours,
			Index:         i,
		})
	}

	for cohort, quotes := range agg.Groups {
		if stats, ok := ComputeStatistics(quotes); ok {
			agg.Stats[cohort] = stats
		}
	}

	return agg
}

// ComputeStatistics returns the cohort statistics of quotes. Each dimension is
// computed independently over its strictly positive members. The boolean is false
// when no quote has a positive mark price.
func ComputeStatistics(quotes []ScoredQuote) (models.CohortStatistics, bool) {
	var price, volume, oi welford
	for _, sq := range quotes {
		price.addPositive(sq.Quote.MarkPrice)
		volume.addPositive(sq.Quote.Volume)
		oi.addPositive(sq.Quote.OpenInterest)
	}
	if price.count == 0 {
		return models.CohortStatistics{}, false
	}

	return models.CohortStatistics{
		MeanPrice:           price.mean,
		StdDevPrice:         price.populationStdDev(),
		MeanVolume:          volume.mean,
		StdDevVolume:        volume.populationStdDev(),
		MeanOpenInterest:    oi.mean,
		StdDevOpenInterest:  oi.populationStdDev(),
		MemberCount:         len(quotes),
		PriceMembers:        price.count,
		VolumeMembers:       volume.count,
		OpenInterestMembers: oi.count,
	}, true
}
