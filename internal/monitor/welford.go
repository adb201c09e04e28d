package monitor

import (
	"math"
)

// welford accumulates a running mean and sum of squared deviations.
type welford struct {
	count int
	mean  float64
	m2    float64
}

func (w *welford) add(x float64) {
	w.count++
	delta := x - w.mean
	w.mean += delta / float64(w.count)
	delta2 := x - w.mean
	w.m2 += delta * delta2
}

// populationStdDev divides by n, not n-1: a cohort is the whole population.
func (w *welford) populationStdDev() float64 {
	if w.count == 0 {
		return 0
	}
	v := w.m2 / float64(w.count)
	if v < 0 {
		return 0
	}
	return math.Sqrt(v)
}

// addPositive feeds x only when it is strictly positive.
func (w *welford) addPositive(x float64) {
	if x > 0 {
		w.add(x)
	}
}
