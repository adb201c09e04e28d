package backtest

import (
	"fmt"
)

// Band is a qualitative grade of a success rate.
type Band string

const (
	Excellent Band = "EXCELLENT"
	Good      Band = "GOOD"
	Fair      Band = "FAIR"
	Poor      Band = "POOR"
)

// Recommendation is the verdict attached to the winning weights.
type Recommendation struct {
	Band Band
	Text string
}

func Recommend(successRate float64) Recommendation {
	switch {
	case successRate >= 70:
		return Recommendation{Excellent, "EXCELLENT: weights predict large moves reliably, apply them"}
	case successRate >= 50:
		return Recommendation{Good, "GOOD: weights beat chance, apply them and keep collecting history"}
	case successRate >= 30:
		return Recommendation{Fair, "FAIR: weights are weak, widen the candidate grid or the history window"}
	default:
		return Recommendation{Poor, "POOR: weights do not predict moves, keep the current configuration"}
	}
}

// Report is the outcome of a grid search.
type Report struct {
	Best           Result
	Recommendation Recommendation
	// Ranked holds every grid cell, best first.
	Ranked  []Result
	Samples int
}

func (r *Report) BestWeights() string {
	w := r.Best.Weights
	return fmt.Sprintf("price=%.2f volume=%.2f oi=%.2f", w.PriceWeight, w.VolumeWeight, w.OIWeight)
}
