// Package backtest replays stored snapshots through the anomaly scorer and
// grid-searches the threshold weights that best predict large reference moves.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/rewired-gh/optoracle/internal/logger"
	"github.com/rewired-gh/optoracle/internal/models"
	"github.com/rewired-gh/optoracle/internal/monitor"
)

// ErrEmptyGrid is returned when any candidate list is empty.
var ErrEmptyGrid = errors.New("empty weight grid")

// DefaultMoveThreshold is the relative reference move that makes an alert correct.
const DefaultMoveThreshold = 0.02

// Grid holds the candidate values of each weight.
type Grid struct {
	Price        []float64
	Volume       []float64
	OpenInterest []float64
}

// Size is the number of weight combinations in the grid.
func (g Grid) Size() int {
	return len(g.Price) * len(g.Volume) * len(g.OpenInterest)
}

// Combinations enumerates the Cartesian product, price outermost and open interest innermost.
func (g Grid) Combinations() []models.ThresholdWeights {
	out := make([]models.ThresholdWeights, 0, g.Size())
	for _, p := range g.Price {
		for _, v := range g.Volume {
			for _, o := range g.OpenInterest {
				out = append(out, models.ThresholdWeights{PriceWeight: p, VolumeWeight: v, OIWeight: o})
			}
		}
	}
	return out
}

// Result is the outcome of one backtest pass with a fixed weight vector.
type Result struct {
	Weights        models.ThresholdWeights
	TotalAlerts    int
	Successful     int
	FalsePositives int
	// SuccessRate is a percentage in [0,100]; Precision is the same ratio in [0,1].
	SuccessRate float64
	Precision   float64
}

// Optimizer runs backtests. The zero value is not usable; see New.
type Optimizer struct {
	Params        monitor.ScoringParams
	MoveThreshold float64
	// Workers bounds concurrent grid cells; <= 0 uses GOMAXPROCS.
	Workers int
}

func New(params monitor.ScoringParams) *Optimizer {
	return &Optimizer{
		Params:        params,
		MoveThreshold: DefaultMoveThreshold,
	}
}

// Run performs one backtest pass over samples with weights w. No hours-to-expiry
// window is applied: every quote with a parseable expiry is eligible.
// A sample counts once if it produced at least one anomaly.
func (o *Optimizer) Run(samples []models.BacktestSample, w models.ThresholdWeights) Result {
	res := Result{Weights: w}

	for i := range samples {
		s := &samples[i]
		records := monitor.Evaluate(s.Snapshot, w, nil, o.Params)
		if len(records) == 0 {
			continue
		}

		res.TotalAlerts++
		if o.moved(s) {
			res.Successful++
		} else {
			res.FalsePositives++
		}
	}

	if res.TotalAlerts > 0 {
		res.Precision = float64(res.Successful) / float64(res.TotalAlerts)
		res.SuccessRate = res.Precision * 100
	}
	return res
}

// moved reports whether the reference price moved at least MoveThreshold.
// A non-positive starting price cannot be judged and counts as a miss.
func (o *Optimizer) moved(s *models.BacktestSample) bool {
	ref := s.ReferencePriceAtAlertTime
	if ref <= 0 {
		return false
	}
	return math.Abs(s.FutureReferencePrice-ref)/ref >= o.MoveThreshold
}

// Optimize evaluates every combination of grid against samples and ranks them
// by descending success rate, keeping grid order among equals.
// A sample violating the snapshot contract fails the whole search with
// models.ErrInvalidSnapshot.
func (o *Optimizer) Optimize(ctx context.Context, samples []models.BacktestSample, grid Grid) (*Report, error) {
	combos := grid.Combinations()
	if len(combos) == 0 {
		return nil, fmt.Errorf("%w: %d price, %d volume, %d open interest candidates",
			ErrEmptyGrid, len(grid.Price), len(grid.Volume), len(grid.OpenInterest))
	}

	for i := range samples {
		if err := samples[i].Validate(); err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
	}

	workers := o.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	results := make([]Result, len(combos))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, w := range combos {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = o.Run(samples, w)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("grid search aborted: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].SuccessRate > results[j].SuccessRate
	})

	best := results[0]
	logger.Debug("Grid search over %d combinations and %d samples: best %.1f%% (price=%.2f volume=%.2f oi=%.2f, %d alerts)",
		len(combos), len(samples), best.SuccessRate,
		best.Weights.PriceWeight, best.Weights.VolumeWeight, best.Weights.OIWeight, best.TotalAlerts)

	return &Report{
		Best:           best,
		Recommendation: Recommend(best.SuccessRate),
		Ranked:         results,
		Samples:        len(samples),
	}, nil
}
