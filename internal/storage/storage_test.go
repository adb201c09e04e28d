package storage

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rewired-gh/optoracle/internal/models"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(100, ":memory:")
	if err != nil {
		t.Fatalf("failed to create test storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var base = time.Date(2025, 11, 7, 0, 0, 0, 0, time.UTC)

func testSnapshot(observedAt time.Time, ref float64) *models.MarketSnapshot {
	return &models.MarketSnapshot{
		Currency:       "ETH",
		ObservedAt:     observedAt,
		ReferencePrice: ref,
		Quotes: []models.InstrumentQuote{
			{Symbol: "ETH-7NOV25-3000-C", MarkPrice: 0.05, Volume: 10, OpenInterest: 100},
			{Symbol: "ETH-7NOV25-3300-P", MarkPrice: 0.02, Volume: 0, OpenInterest: 50},
		},
	}
}

func TestStorage_SaveAndLoadSnapshot(t *testing.T) {
	s := newTestStorage(t)
	snap := testSnapshot(base, 3200)

	if err := s.SaveSnapshot(snap); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if snap.ID == "" {
		t.Fatal("expected snapshot ID to be assigned")
	}

	got, err := s.LoadSnapshots(base.Add(-time.Hour), base.Add(time.Hour))
	if err != nil {
		t.Fatalf("LoadSnapshots: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d snapshots, want 1", len(got))
	}
	if !got[0].ObservedAt.Equal(base) {
		t.Errorf("observed at: got %v, want %v", got[0].ObservedAt, base)
	}
	if got[0].ReferencePrice != 3200 {
		t.Errorf("reference price: got %v", got[0].ReferencePrice)
	}
	if len(got[0].Quotes) != 2 || got[0].Quotes[1].Symbol != "ETH-7NOV25-3300-P" {
		t.Errorf("quotes not restored in order: %+v", got[0].Quotes)
	}
}

func TestStorage_SaveSnapshot_Invalid(t *testing.T) {
	s := newTestStorage(t)
	snap := &models.MarketSnapshot{ObservedAt: base}
	err := s.SaveSnapshot(snap)
	if !errors.Is(err, models.ErrInvalidSnapshot) {
		t.Fatalf("expected ErrInvalidSnapshot, got %v", err)
	}
}

func TestStorage_SaveSnapshot_DoesNotRotate(t *testing.T) {
	s, err := New(3, ":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	for i := 0; i < 5; i++ {
		if err := s.SaveSnapshot(testSnapshot(base.Add(time.Duration(i)*time.Minute), 3000)); err != nil {
			t.Fatalf("SaveSnapshot %d: %v", i, err)
		}
	}
	if n, _ := s.CountSnapshots(); n != 5 {
		t.Errorf("got %d snapshots before rotation, want 5", n)
	}
}

func TestStorage_LoadBacktestSamples(t *testing.T) {
	s := newTestStorage(t)
	prices := []float64{3000, 3010, 3100, 3050}
	for i, p := range prices {
		if err := s.SaveSnapshot(testSnapshot(base.Add(time.Duration(i)*time.Hour), p)); err != nil {
			t.Fatalf("SaveSnapshot: %v", err)
		}
	}

	samples, err := s.LoadBacktestSamples(base, base.Add(24*time.Hour), 2*time.Hour)
	if err != nil {
		t.Fatalf("LoadBacktestSamples: %v", err)
	}
	// Only the first two snapshots have an observation two hours later.
	if len(samples) != 2 {
		t.Fatalf("got %d samples, want 2", len(samples))
	}
	if samples[0].ReferencePriceAtAlertTime != 3000 || samples[0].FutureReferencePrice != 3100 {
		t.Errorf("sample 0: got %v -> %v", samples[0].ReferencePriceAtAlertTime, samples[0].FutureReferencePrice)
	}
	if samples[1].ReferencePriceAtAlertTime != 3010 || samples[1].FutureReferencePrice != 3050 {
		t.Errorf("sample 1: got %v -> %v", samples[1].ReferencePriceAtAlertTime, samples[1].FutureReferencePrice)
	}
	if len(samples[0].Snapshot.Quotes) != 2 {
		t.Errorf("sample snapshot lost its quotes")
	}
}

func TestStorage_LoadBacktestSamples_SkipsZeroReference(t *testing.T) {
	s := newTestStorage(t)
	_ = s.SaveSnapshot(testSnapshot(base, 0))
	_ = s.SaveSnapshot(testSnapshot(base.Add(time.Hour), 3000))

	samples, err := s.LoadBacktestSamples(base, base.Add(time.Hour), time.Hour)
	if err != nil {
		t.Fatalf("LoadBacktestSamples: %v", err)
	}
	if len(samples) != 0 {
		t.Errorf("expected zero-reference snapshot to be skipped, got %d samples", len(samples))
	}
}

func TestStorage_LoadBacktestSamples_SkipsHistoryGap(t *testing.T) {
	s := newTestStorage(t)
	// An outage between the two observations: the next index price is 10h
	// away, far past a 2h horizon plus its 1h tolerance.
	_ = s.SaveSnapshot(testSnapshot(base, 3000))
	_ = s.SaveSnapshot(testSnapshot(base.Add(10*time.Hour), 3600))
	_ = s.SaveSnapshot(testSnapshot(base.Add(12*time.Hour+50*time.Minute), 3300))

	samples, err := s.LoadBacktestSamples(base, base.Add(24*time.Hour), 2*time.Hour)
	if err != nil {
		t.Fatalf("LoadBacktestSamples: %v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("got %d samples, want 1", len(samples))
	}
	if samples[0].ReferencePriceAtAlertTime != 3600 || samples[0].FutureReferencePrice != 3300 {
		t.Errorf("sample within tolerance: got %v -> %v", samples[0].ReferencePriceAtAlertTime, samples[0].FutureReferencePrice)
	}
}

func TestStorage_RotateSnapshots(t *testing.T) {
	s, err := New(3, ":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	for i := 0; i < 5; i++ {
		if err := s.SaveSnapshot(testSnapshot(base.Add(time.Duration(i)*time.Minute), 3000)); err != nil {
			t.Fatalf("SaveSnapshot %d: %v", i, err)
		}
	}
	if err := s.RotateSnapshots(); err != nil {
		t.Fatalf("RotateSnapshots: %v", err)
	}

	n, err := s.CountSnapshots()
	if err != nil {
		t.Fatalf("CountSnapshots: %v", err)
	}
	if n != 3 {
		t.Errorf("got %d snapshots, want 3", n)
	}
	snaps, _ := s.LoadSnapshots(base.Add(-time.Hour), base.Add(time.Hour))
	if len(snaps) > 0 && !snaps[0].ObservedAt.Equal(base.Add(2*time.Minute)) {
		t.Errorf("oldest snapshots should have been evicted, first is %v", snaps[0].ObservedAt)
	}

	var orphaned int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM quotes WHERE snapshot_id NOT IN (SELECT id FROM snapshots)`).Scan(&orphaned); err != nil {
		t.Fatalf("count orphaned quotes: %v", err)
	}
	if orphaned != 0 {
		t.Errorf("expected cascading delete of quotes, %d orphaned", orphaned)
	}
}

func TestStorage_Cooldowns(t *testing.T) {
	s := newTestStorage(t)
	if err := s.SaveCooldown("2025-11-07", base); err != nil {
		t.Fatalf("SaveCooldown: %v", err)
	}
	if err := s.SaveCooldown("2025-11-07", base.Add(time.Hour)); err != nil {
		t.Fatalf("SaveCooldown overwrite: %v", err)
	}
	if err := s.SaveCooldown("2025-11-08", base); err != nil {
		t.Fatalf("SaveCooldown: %v", err)
	}

	got, err := s.LoadCooldowns()
	if err != nil {
		t.Fatalf("LoadCooldowns: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d cooldowns, want 2", len(got))
	}
	if !got["2025-11-07"].Equal(base.Add(time.Hour)) {
		t.Errorf("cooldown not overwritten: %v", got["2025-11-07"])
	}
}

func TestStorage_AddAlertAndTop(t *testing.T) {
	s := newTestStorage(t)

	for i, score := range []float64{5.0, 7.0, 3.0} {
		alert := &models.CohortAlert{
			ID:         fmt.Sprintf("alert-%d", i),
			CohortKey:  "2025-11-07",
			DetectedAt: base,
			Records: []models.AnomalyRecord{{
				Symbol:    fmt.Sprintf("ETH-7NOV25-%d-C", 3000+i*100),
				CohortKey: "2025-11-07",
				Kind:      models.PriceAnomaly,
				Score:     score,
			}},
		}
		if err := s.AddAlert(alert, true); err != nil {
			t.Fatalf("AddAlert: %v", err)
		}
	}

	top, err := s.GetTopAlerts(2)
	if err != nil {
		t.Fatalf("GetTopAlerts: %v", err)
	}
	if len(top) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(top))
	}
	if top[0].Score != 7.0 || top[1].Score != 5.0 {
		t.Errorf("alerts not sorted by score descending: %v, %v", top[0].Score, top[1].Score)
	}
	if top[0].Kind != models.PriceAnomaly {
		t.Errorf("kind: got %s", top[0].Kind)
	}

	if err := s.ClearAlerts(); err != nil {
		t.Fatalf("ClearAlerts: %v", err)
	}
	if top, _ := s.GetTopAlerts(10); len(top) != 0 {
		t.Errorf("expected 0 alerts after clear, got %d", len(top))
	}
}

func TestStorage_Optimizations(t *testing.T) {
	s := newTestStorage(t)

	latest, err := s.LatestOptimization()
	if err != nil {
		t.Fatalf("LatestOptimization: %v", err)
	}
	if latest != nil {
		t.Fatal("expected no optimization run yet")
	}

	older := &models.OptimizationRun{CreatedAt: base, Weights: models.ThresholdWeights{PriceWeight: 1}, Band: "POOR"}
	newer := &models.OptimizationRun{
		CreatedAt:   base.Add(time.Hour),
		Weights:     models.ThresholdWeights{PriceWeight: 2, VolumeWeight: 1.5, OIWeight: 0.5},
		SuccessRate: 62.5,
		Precision:   0.625,
		TotalAlerts: 8,
		Successful:  5,
		Band:        "GOOD",
		GridSize:    27,
	}
	for _, run := range []*models.OptimizationRun{older, newer} {
		if err := s.SaveOptimization(run); err != nil {
			t.Fatalf("SaveOptimization: %v", err)
		}
		if run.ID == "" {
			t.Error("expected run ID to be assigned")
		}
	}

	latest, err = s.LatestOptimization()
	if err != nil {
		t.Fatalf("LatestOptimization: %v", err)
	}
	if latest.ID != newer.ID {
		t.Errorf("latest: got %s, want %s", latest.ID, newer.ID)
	}
	if latest.Weights != newer.Weights {
		t.Errorf("weights: got %+v, want %+v", latest.Weights, newer.Weights)
	}
	if latest.Band != "GOOD" || latest.GridSize != 27 {
		t.Errorf("unexpected run: %+v", latest)
	}
}

func TestStorage_DefaultPath(t *testing.T) {
	s, err := New(10, "")
	if err != nil {
		t.Fatalf("New with empty path: %v", err)
	}
	defer s.Close()
}
