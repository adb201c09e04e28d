// Package engine drives evaluation cycles and threshold calibration:
// it fetches snapshots, scores them, gates alerts per cohort and dispatches
// the survivors.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rewired-gh/optoracle/internal/backtest"
	"github.com/rewired-gh/optoracle/internal/cooldown"
	"github.com/rewired-gh/optoracle/internal/logger"
	"github.com/rewired-gh/optoracle/internal/metrics"
	"github.com/rewired-gh/optoracle/internal/models"
	"github.com/rewired-gh/optoracle/internal/monitor"
)

// Feed supplies market snapshots.
type Feed interface {
	FetchSnapshot(ctx context.Context, currency string) (models.MarketSnapshot, error)
}

// Store persists snapshots, alerts and calibration runs.
type Store interface {
	SaveSnapshot(snap *models.MarketSnapshot) error
	AddAlert(alert *models.CohortAlert, notified bool) error
	LoadBacktestSamples(from, to time.Time, horizon time.Duration) ([]models.BacktestSample, error)
	SaveOptimization(run *models.OptimizationRun) error
	LatestOptimization() (*models.OptimizationRun, error)
}

// Notifier delivers alerts and calibration summaries.
type Notifier interface {
	Send(alerts []models.CohortAlert) error
	SendOptimization(run *models.OptimizationRun) error
}

// Config holds the engine's tunables.
type Config struct {
	Currencies []string
	Monitor    monitor.Config
	Cooldown   time.Duration

	Horizon  time.Duration
	Lookback time.Duration
	Grid     backtest.Grid
	// ApplyMinSuccessRate is the success rate (percent) a run needs before ApplyRun accepts it.
	ApplyMinSuccessRate float64
}

// Deps are the collaborators of an Engine. Notifier and Metrics may be nil.
type Deps struct {
	Feed      Feed
	Store     Store
	Tracker   *cooldown.Tracker
	Notifier  Notifier
	Metrics   *metrics.Metrics
	Optimizer *backtest.Optimizer
}

// Engine owns the live weights and the cooldown tracker.
type Engine struct {
	cfg       Config
	feed      Feed
	store     Store
	tracker   *cooldown.Tracker
	notifier  Notifier
	metrics   *metrics.Metrics
	optimizer *backtest.Optimizer

	mu          sync.RWMutex
	weights     models.ThresholdWeights
	lastCycleAt time.Time
	lastErr     error

	now func() time.Time
}

// CycleResult summarises one evaluation cycle.
type CycleResult struct {
	Snapshots  int
	Quotes     int
	Anomalies  []models.AnomalyRecord
	Dispatched []models.CohortAlert
	Suppressed []models.CohortAlert
	Notified   bool
}

// New creates an engine that starts with the given weights.
func New(cfg Config, deps Deps, weights models.ThresholdWeights) *Engine {
	tracker := deps.Tracker
	if tracker == nil {
		tracker = cooldown.New(nil)
	}
	optimizer := deps.Optimizer
	if optimizer == nil {
		optimizer = backtest.New(cfg.Monitor.Params)
	}
	return &Engine{
		cfg:       cfg,
		feed:      deps.Feed,
		store:     deps.Store,
		tracker:   tracker,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		optimizer: optimizer,
		weights:   weights,
		now:       time.Now,
	}
}

// Weights returns the weights used by the next cycle.
func (e *Engine) Weights() models.ThresholdWeights {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.weights
}

// SetWeights replaces the live weights.
func (e *Engine) SetWeights(w models.ThresholdWeights) {
	e.mu.Lock()
	e.weights = w
	e.mu.Unlock()
	logger.Info("Live weights set to price=%.2f volume=%.2f oi=%.2f", w.PriceWeight, w.VolumeWeight, w.OIWeight)
}

// LastCycle returns when the previous cycle finished and its error.
func (e *Engine) LastCycle() (time.Time, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastCycleAt, e.lastErr
}

// Evaluate fetches one snapshot per currency and scores it with the live
// weights. Nothing is persisted and no cooldown is consulted.
func (e *Engine) Evaluate(ctx context.Context) ([]models.MarketSnapshot, []models.AnomalyRecord, error) {
	weights := e.Weights()
	var snapshots []models.MarketSnapshot
	var records []models.AnomalyRecord
	for _, currency := range e.cfg.Currencies {
		snap, err := e.feed.FetchSnapshot(ctx, currency)
		if err != nil {
			return snapshots, records, fmt.Errorf("failed to fetch %s snapshot: %w", currency, err)
		}
		if err := snap.Validate(); err != nil {
			return snapshots, records, fmt.Errorf("%s snapshot: %w", currency, err)
		}
		snapshots = append(snapshots, snap)
		records = append(records, e.score(snap, weights)...)
	}
	return snapshots, records, nil
}

func (e *Engine) score(snap models.MarketSnapshot, w models.ThresholdWeights) []models.AnomalyRecord {
	window := e.cfg.Monitor.Window
	return monitor.Evaluate(snap, w, &window, e.cfg.Monitor.Params)
}

// RunCycle fetches, persists and scores one snapshot per currency, then
// dispatches the top cohort alerts that are not cooling down.
// A failed currency does not stop the others; its error is returned joined.
func (e *Engine) RunCycle(ctx context.Context) (*CycleResult, error) {
	start := time.Now()
	if e.metrics != nil {
		e.metrics.Cycles.Inc()
	}

	res, err := e.runCycle(ctx)

	e.mu.Lock()
	e.lastCycleAt = e.now()
	e.lastErr = err
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.CycleDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			e.metrics.CycleFailures.Inc()
		}
	}
	logger.Info("Evaluation cycle completed in %v", time.Since(start))
	return res, err
}

func (e *Engine) runCycle(ctx context.Context) (*CycleResult, error) {
	weights := e.Weights()
	res := &CycleResult{}
	var errs []error
	var candidates []models.CohortAlert

	for _, currency := range e.cfg.Currencies {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		snap, err := e.feed.FetchSnapshot(ctx, currency)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to fetch %s snapshot: %w", currency, err))
			continue
		}
		if err := snap.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s snapshot: %w", currency, err))
			continue
		}
		res.Snapshots++
		res.Quotes += len(snap.Quotes)
		logger.Debug("Fetched %s snapshot with %d quotes (index %.2f)", currency, len(snap.Quotes), snap.ReferencePrice)

		if e.store != nil {
			if err := e.store.SaveSnapshot(&snap); err != nil {
				logger.Warn("Failed to persist %s snapshot: %v", currency, err)
			}
		}

		records := e.score(snap, weights)
		res.Anomalies = append(res.Anomalies, records...)
		candidates = append(candidates, monitor.GroupByCohort(snap, records, 0)...)

		if e.metrics != nil {
			e.metrics.QuotesEvaluated.Add(float64(len(snap.Quotes)))
			for _, r := range records {
				e.metrics.Anomalies.WithLabelValues(string(r.Kind)).Inc()
			}
		}
	}
	logger.Info("Detected %d anomalies in %d cohorts", len(res.Anomalies), len(candidates))

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].BestScore > candidates[j].BestScore
	})

	now := e.now()
	allowed, suppressed := e.tracker.Filter(candidates, e.cfg.Cooldown, now)
	if k := e.cfg.Monitor.TopK; k > 0 && len(allowed) > k {
		allowed = allowed[:k]
	}
	res.Suppressed = suppressed
	for _, a := range suppressed {
		logger.Debug("Cohort %s suppressed by cooldown", cooldown.Key(a))
	}
	if e.metrics != nil {
		e.metrics.AlertsSuppressed.Add(float64(len(suppressed)))
	}

	if len(allowed) == 0 {
		return res, errors.Join(errs...)
	}

	delivered := true
	switch {
	case e.notifier == nil:
		// Without a notifier alerts go to the log; each cohort is claimed
		// atomically before it is logged.
		claimed := make([]models.CohortAlert, 0, len(allowed))
		for _, a := range allowed {
			ok, err := e.tracker.Acquire(cooldown.Key(a), e.cfg.Cooldown, now)
			if err != nil {
				logger.Warn("Failed to persist cooldown for %s: %v", cooldown.Key(a), err)
			}
			if !ok {
				res.Suppressed = append(res.Suppressed, a)
				continue
			}
			logger.Info("Alert %s: best score %.2f over %d quotes", cooldown.Key(a), a.BestScore, len(a.Records))
			claimed = append(claimed, a)
		}
		allowed = claimed
	default:
		if err := e.notifier.Send(allowed); err != nil {
			logger.Error("Failed to send alert notification: %v", err)
			delivered = false
			break
		}
		res.Notified = true
		logger.Info("Sent notification with %d cohort alerts", len(allowed))
		for _, a := range allowed {
			if err := e.tracker.RecordAlert(cooldown.Key(a), now); err != nil {
				logger.Warn("Failed to persist cooldown for %s: %v", cooldown.Key(a), err)
			}
		}
	}

	if e.store != nil {
		for i := range allowed {
			if err := e.store.AddAlert(&allowed[i], res.Notified); err != nil {
				logger.Warn("Failed to persist alert %s: %v", allowed[i].ID, err)
			}
		}
	}
	if delivered {
		res.Dispatched = allowed
		if e.metrics != nil {
			e.metrics.AlertsSent.Add(float64(len(allowed)))
		}
	}

	return res, errors.Join(errs...)
}

// Optimize grid-searches the weights over the stored history of the lookback
// window. Nothing is persisted and the live weights are left untouched.
func (e *Engine) Optimize(ctx context.Context) (*backtest.Report, *models.OptimizationRun, error) {
	if e.store == nil {
		return nil, nil, errors.New("optimization requires a store")
	}
	now := e.now()
	samples, err := e.store.LoadBacktestSamples(now.Add(-e.cfg.Lookback), now, e.cfg.Horizon)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load backtest samples: %w", err)
	}
	logger.Info("Calibrating over %d samples and %d weight combinations", len(samples), e.cfg.Grid.Size())

	report, err := e.optimizer.Optimize(ctx, samples, e.cfg.Grid)
	if err != nil {
		return nil, nil, fmt.Errorf("optimization failed: %w", err)
	}

	best := report.Best
	run := &models.OptimizationRun{
		CreatedAt:      now,
		Weights:        best.Weights,
		SuccessRate:    best.SuccessRate,
		Precision:      best.Precision,
		TotalAlerts:    best.TotalAlerts,
		Successful:     best.Successful,
		FalsePositives: best.FalsePositives,
		Band:           string(report.Recommendation.Band),
		Recommendation: report.Recommendation.Text,
		Samples:        report.Samples,
		GridSize:       e.cfg.Grid.Size(),
	}
	logger.Info("Best weights %s: %.1f%% success (%s)", report.BestWeights(), best.SuccessRate, report.Recommendation.Band)
	return report, run, nil
}

// Record persists run and announces it. A stored run is what RestoreWeights
// picks up on the next start.
func (e *Engine) Record(run *models.OptimizationRun) error {
	if e.store == nil {
		return errors.New("recording a run requires a store")
	}
	if err := e.store.SaveOptimization(run); err != nil {
		return fmt.Errorf("failed to save optimization run: %w", err)
	}
	if e.metrics != nil {
		e.metrics.OptimizationRuns.Inc()
		e.metrics.OptimizationRate.Set(run.SuccessRate)
	}
	if e.notifier != nil {
		if err := e.notifier.SendOptimization(run); err != nil {
			logger.Warn("Failed to send optimization summary: %v", err)
		}
	}
	return nil
}

// ApplyRun makes run's weights live if it produced alerts and meets the
// configured success rate. It reports whether the weights were applied.
func (e *Engine) ApplyRun(run *models.OptimizationRun) bool {
	if run == nil || run.TotalAlerts == 0 || run.SuccessRate < e.cfg.ApplyMinSuccessRate {
		return false
	}
	e.SetWeights(run.Weights)
	return true
}

// RestoreWeights applies the latest stored calibration, if any qualifies.
func (e *Engine) RestoreWeights() (bool, error) {
	if e.store == nil {
		return false, nil
	}
	run, err := e.store.LatestOptimization()
	if err != nil {
		return false, fmt.Errorf("failed to load latest optimization: %w", err)
	}
	return e.ApplyRun(run), nil
}
