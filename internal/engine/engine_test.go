package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/optoracle/internal/backtest"
	"github.com/rewired-gh/optoracle/internal/cooldown"
	"github.com/rewired-gh/optoracle/internal/metrics"
	"github.com/rewired-gh/optoracle/internal/models"
	"github.com/rewired-gh/optoracle/internal/monitor"
)

var (
	observedAt  = time.Date(2025, 11, 7, 7, 0, 0, 0, time.UTC)
	unitWeights = models.ThresholdWeights{PriceWeight: 1, VolumeWeight: 1, OIWeight: 1}
)

func q(symbol string, price, volume, oi float64) models.InstrumentQuote {
	return models.InstrumentQuote{Symbol: symbol, MarkPrice: price, Volume: volume, OpenInterest: oi}
}

// spike returns a snapshot whose single cohort has one outlier quote.
func spike(currency, day string) models.MarketSnapshot {
	return models.MarketSnapshot{
		Currency:       currency,
		ObservedAt:     observedAt,
		ReferencePrice: 3200,
		Quotes: []models.InstrumentQuote{
			q(currency+"-"+day+"-3000-C", 10, 1, 1),
			q(currency+"-"+day+"-3100-C", 10, 1, 1),
			q(currency+"-"+day+"-3200-P", 10, 1, 1),
			q(currency+"-"+day+"-3300-C", 100, 100, 100),
		},
	}
}

type fakeFeed struct {
	snapshots map[string]models.MarketSnapshot
	errs      map[string]error
	calls     int
}

func (f *fakeFeed) FetchSnapshot(_ context.Context, currency string) (models.MarketSnapshot, error) {
	f.calls++
	if err := f.errs[currency]; err != nil {
		return models.MarketSnapshot{}, err
	}
	return f.snapshots[currency], nil
}

type storedAlert struct {
	alert    models.CohortAlert
	notified bool
}

type fakeStore struct {
	snapshots []models.MarketSnapshot
	alerts    []storedAlert
	samples   []models.BacktestSample
	runs      []models.OptimizationRun
	from, to  time.Time
	horizon   time.Duration
}

func (s *fakeStore) SaveSnapshot(snap *models.MarketSnapshot) error {
	s.snapshots = append(s.snapshots, *snap)
	return nil
}

func (s *fakeStore) AddAlert(a *models.CohortAlert, notified bool) error {
	s.alerts = append(s.alerts, storedAlert{*a, notified})
	return nil
}

func (s *fakeStore) LoadBacktestSamples(from, to time.Time, horizon time.Duration) ([]models.BacktestSample, error) {
	s.from, s.to, s.horizon = from, to, horizon
	return s.samples, nil
}

func (s *fakeStore) SaveOptimization(run *models.OptimizationRun) error {
	run.ID = "run-1"
	s.runs = append(s.runs, *run)
	return nil
}

func (s *fakeStore) LatestOptimization() (*models.OptimizationRun, error) {
	if len(s.runs) == 0 {
		return nil, nil
	}
	run := s.runs[len(s.runs)-1]
	return &run, nil
}

type fakeNotifier struct {
	err  error
	sent [][]models.CohortAlert
	runs []*models.OptimizationRun
}

func (n *fakeNotifier) Send(alerts []models.CohortAlert) error {
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, alerts)
	return nil
}

func (n *fakeNotifier) SendOptimization(run *models.OptimizationRun) error {
	n.runs = append(n.runs, run)
	return nil
}

func testConfig(currencies ...string) Config {
	return Config{
		Currencies:          currencies,
		Monitor:             monitor.DefaultConfig(),
		Cooldown:            time.Hour,
		Horizon:             4 * time.Hour,
		Lookback:            7 * 24 * time.Hour,
		Grid:                backtest.Grid{Price: []float64{0, 1}, Volume: []float64{1}, OpenInterest: []float64{1}},
		ApplyMinSuccessRate: 50,
	}
}

type fixture struct {
	engine   *Engine
	feed     *fakeFeed
	store    *fakeStore
	notifier *fakeNotifier
	metrics  *metrics.Metrics
	clock    time.Time
}

func newFixture(cfg Config) *fixture {
	f := &fixture{
		feed:     &fakeFeed{snapshots: map[string]models.MarketSnapshot{}, errs: map[string]error{}},
		store:    &fakeStore{},
		notifier: &fakeNotifier{},
		metrics:  metrics.New(),
		clock:    observedAt,
	}
	f.engine = New(cfg, Deps{
		Feed:     f.feed,
		Store:    f.store,
		Tracker:  cooldown.New(nil),
		Notifier: f.notifier,
		Metrics:  f.metrics,
	}, unitWeights)
	f.engine.now = func() time.Time { return f.clock }
	return f
}

func TestRunCycle_DispatchesAndRecords(t *testing.T) {
	f := newFixture(testConfig("ETH"))
	f.feed.snapshots["ETH"] = spike("ETH", "7NOV25")

	res, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Snapshots)
	assert.Equal(t, 4, res.Quotes)
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, "ETH-7NOV25-3300-C", res.Anomalies[0].Symbol)
	require.Len(t, res.Dispatched, 1)
	assert.True(t, res.Notified)

	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, "2025-11-07", f.notifier.sent[0][0].CohortKey)
	require.Len(t, f.store.snapshots, 1)
	require.Len(t, f.store.alerts, 1)
	assert.True(t, f.store.alerts[0].notified)

	last, ok := f.engine.tracker.LastAlert("ETH:2025-11-07")
	require.True(t, ok)
	assert.True(t, last.Equal(observedAt))

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Cycles))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AlertsSent))
	assert.Equal(t, 4.0, testutil.ToFloat64(f.metrics.QuotesEvaluated))
	assert.Equal(t, 1, testutil.CollectAndCount(f.metrics.Anomalies))
}

func TestRunCycle_CooldownSuppresses(t *testing.T) {
	f := newFixture(testConfig("ETH"))
	f.feed.snapshots["ETH"] = spike("ETH", "7NOV25")

	_, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)

	f.clock = observedAt.Add(30 * time.Minute)
	res, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Dispatched)
	assert.Len(t, res.Suppressed, 1)
	assert.Len(t, f.notifier.sent, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AlertsSuppressed))

	f.clock = observedAt.Add(time.Hour)
	res, err = f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Dispatched, 1, "cooldown elapsed exactly")
	assert.Len(t, f.notifier.sent, 2)
}

func TestRunCycle_WithoutNotifierClaimsCohort(t *testing.T) {
	store := &fakeStore{}
	tracker := cooldown.New(nil)
	e := New(testConfig("ETH"), Deps{
		Feed:    &fakeFeed{snapshots: map[string]models.MarketSnapshot{"ETH": spike("ETH", "7NOV25")}},
		Store:   store,
		Tracker: tracker,
	}, unitWeights)
	e.now = func() time.Time { return observedAt }

	res, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Dispatched, 1)
	assert.False(t, res.Notified)
	require.Len(t, store.alerts, 1)
	assert.False(t, store.alerts[0].notified)

	last, ok := tracker.LastAlert("ETH:2025-11-07")
	require.True(t, ok)
	assert.True(t, last.Equal(observedAt))

	res, err = e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Dispatched)
	assert.Len(t, res.Suppressed, 1)
}

func TestRunCycle_FailedSendKeepsCohortOpen(t *testing.T) {
	f := newFixture(testConfig("ETH"))
	f.feed.snapshots["ETH"] = spike("ETH", "7NOV25")
	f.notifier.err = errors.New("telegram down")

	res, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Dispatched)
	assert.False(t, res.Notified)
	require.Len(t, f.store.alerts, 1)
	assert.False(t, f.store.alerts[0].notified)

	_, ok := f.engine.tracker.LastAlert("ETH:2025-11-07")
	assert.False(t, ok)

	f.notifier.err = nil
	res, err = f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Dispatched, 1)
}

func TestRunCycle_PartialFeedFailure(t *testing.T) {
	f := newFixture(testConfig("BTC", "ETH"))
	f.feed.errs["BTC"] = errors.New("boom")
	f.feed.snapshots["ETH"] = spike("ETH", "7NOV25")

	res, err := f.engine.RunCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BTC")
	assert.Equal(t, 1, res.Snapshots)
	assert.Len(t, res.Dispatched, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CycleFailures))

	at, lastErr := f.engine.LastCycle()
	assert.True(t, at.Equal(observedAt))
	assert.Equal(t, err, lastErr)
}

func TestRunCycle_InvalidSnapshotFails(t *testing.T) {
	f := newFixture(testConfig("BTC", "ETH"))
	f.feed.snapshots["BTC"] = models.MarketSnapshot{Currency: "BTC", ReferencePrice: 3000}
	f.feed.snapshots["ETH"] = spike("ETH", "7NOV25")

	res, err := f.engine.RunCycle(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInvalidSnapshot)
	assert.Contains(t, err.Error(), "BTC")
	assert.Equal(t, 1, res.Snapshots, "the invalid snapshot is neither counted nor stored")
	assert.Len(t, f.store.snapshots, 1)
	assert.Len(t, res.Dispatched, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CycleFailures))
}

func TestEvaluate_InvalidSnapshotFails(t *testing.T) {
	f := newFixture(testConfig("ETH"))
	f.feed.snapshots["ETH"] = models.MarketSnapshot{Currency: "ETH", ReferencePrice: 3000}

	snaps, records, err := f.engine.Evaluate(context.Background())
	require.ErrorIs(t, err, models.ErrInvalidSnapshot)
	assert.Empty(t, snaps)
	assert.Empty(t, records)
}

func TestRunCycle_CurrenciesCoolDownIndependently(t *testing.T) {
	f := newFixture(testConfig("BTC", "ETH"))
	f.feed.snapshots["BTC"] = spike("BTC", "7NOV25")
	f.feed.snapshots["ETH"] = spike("ETH", "7NOV25")

	res, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Dispatched, 2)
}

func TestRunCycle_TopK(t *testing.T) {
	cfg := testConfig("BTC", "ETH")
	cfg.Monitor.TopK = 1
	f := newFixture(cfg)
	f.feed.snapshots["BTC"] = spike("BTC", "7NOV25")
	f.feed.snapshots["ETH"] = spike("ETH", "7NOV25")

	res, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Dispatched, 1)
	assert.Equal(t, "BTC", res.Dispatched[0].Currency, "ties keep currency order")
}

func TestRunCycle_ZeroWeightsNoAlerts(t *testing.T) {
	f := newFixture(testConfig("ETH"))
	f.feed.snapshots["ETH"] = spike("ETH", "7NOV25")
	f.engine.SetWeights(models.ThresholdWeights{})

	res, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Anomalies)
	assert.Empty(t, f.notifier.sent)
}

func TestRunCycle_Cancelled(t *testing.T) {
	f := newFixture(testConfig("ETH"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine.RunCycle(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.feed.calls)
}

func TestEvaluate_NoSideEffects(t *testing.T) {
	f := newFixture(testConfig("ETH"))
	f.feed.snapshots["ETH"] = spike("ETH", "7NOV25")

	snaps, records, err := f.engine.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
	assert.Len(t, records, 1)
	assert.Empty(t, f.store.snapshots)
	assert.Empty(t, f.notifier.sent)
	_, ok := f.engine.tracker.LastAlert("ETH:2025-11-07")
	assert.False(t, ok)
}

func TestOptimize_SavesRunAndApplies(t *testing.T) {
	f := newFixture(testConfig("ETH"))
	f.store.samples = []models.BacktestSample{
		{Snapshot: spike("ETH", "7NOV25"), ReferencePriceAtAlertTime: 3200, FutureReferencePrice: 3300},
	}

	report, run, err := f.engine.Optimize(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Empty(t, f.store.runs, "optimize alone persists nothing")
	assert.Empty(t, f.notifier.runs)

	require.NoError(t, f.engine.Record(run))
	require.Len(t, f.store.runs, 1)
	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, 2, run.GridSize)
	assert.Equal(t, 1, run.Samples)
	assert.Equal(t, 100.0, run.SuccessRate)
	assert.Equal(t, "EXCELLENT", run.Band)
	assert.True(t, f.store.from.Equal(observedAt.Add(-7*24*time.Hour)))
	assert.Equal(t, 4*time.Hour, f.store.horizon)
	assert.Len(t, f.notifier.runs, 1)
	assert.Equal(t, 100.0, testutil.ToFloat64(f.metrics.OptimizationRate))

	// Optimize never touches live weights by itself.
	assert.Equal(t, unitWeights, f.engine.Weights())

	f.engine.SetWeights(models.ThresholdWeights{PriceWeight: 9, VolumeWeight: 9, OIWeight: 9})
	applied, err := f.engine.RestoreWeights()
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, run.Weights, f.engine.Weights())
}

func TestOptimize_EmptyHistory(t *testing.T) {
	f := newFixture(testConfig("ETH"))

	report, run, err := f.engine.Optimize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, backtest.Poor, report.Recommendation.Band)
	assert.Zero(t, run.TotalAlerts)
	assert.False(t, f.engine.ApplyRun(run), "a run without alerts is never applied")
}

func TestOptimize_EmptyGrid(t *testing.T) {
	cfg := testConfig("ETH")
	cfg.Grid.Volume = nil
	f := newFixture(cfg)

	_, _, err := f.engine.Optimize(context.Background())
	require.ErrorIs(t, err, backtest.ErrEmptyGrid)
	assert.Empty(t, f.store.runs)
}

func TestOptimize_RequiresStore(t *testing.T) {
	e := New(testConfig("ETH"), Deps{}, unitWeights)

	_, _, err := e.Optimize(context.Background())
	require.EqualError(t, err, "optimization requires a store")
	require.EqualError(t, e.Record(&models.OptimizationRun{}), "recording a run requires a store")
}

func TestApplyRun_Threshold(t *testing.T) {
	f := newFixture(testConfig("ETH"))
	w := models.ThresholdWeights{PriceWeight: 2, VolumeWeight: 1, OIWeight: 0.5}

	assert.False(t, f.engine.ApplyRun(nil))
	assert.False(t, f.engine.ApplyRun(&models.OptimizationRun{Weights: w, TotalAlerts: 10, SuccessRate: 49.9}))
	assert.Equal(t, unitWeights, f.engine.Weights())

	assert.True(t, f.engine.ApplyRun(&models.OptimizationRun{Weights: w, TotalAlerts: 10, SuccessRate: 50}))
	assert.Equal(t, w, f.engine.Weights())
}
