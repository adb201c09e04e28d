package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rewired-gh/optoracle/internal/logger"
	"github.com/rewired-gh/optoracle/internal/models"
)

// SaveSnapshot stores a snapshot and its quotes, assigning an ID when missing.
// The snapshot cap is enforced by RotateSnapshots.
func (s *Storage) SaveSnapshot(snap *models.MarketSnapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`INSERT INTO snapshots (id, currency, observed_at, reference_price) VALUES (?,?,?,?)`,
		snap.ID, snap.Currency, snap.ObservedAt.UnixNano(), snap.ReferencePrice)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO quotes (snapshot_id, position, symbol, mark_price, volume, open_interest)
		VALUES (?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare quote insert: %w", err)
	}
	defer stmt.Close()

	for i, q := range snap.Quotes {
		if _, err := stmt.Exec(snap.ID, i, q.Symbol, q.MarkPrice, q.Volume, q.OpenInterest); err != nil {
			return fmt.Errorf("failed to insert quote %s: %w", q.Symbol, err)
		}
	}

	return tx.Commit()
}

// LoadSnapshots returns snapshots observed in [from, to], oldest first.
func (s *Storage) LoadSnapshots(from, to time.Time) ([]models.MarketSnapshot, error) {
	rows, err := s.db.Query(`
		SELECT id, currency, observed_at, reference_price FROM snapshots
		WHERE observed_at >= ? AND observed_at <= ?
		ORDER BY observed_at ASC`, from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}

	var snaps []models.MarketSnapshot
	for rows.Next() {
		var snap models.MarketSnapshot
		var observedAtNano int64
		if err := rows.Scan(&snap.ID, &snap.Currency, &observedAtNano, &snap.ReferencePrice); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snap.ObservedAt = time.Unix(0, observedAtNano).UTC()
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	// Release the single connection before querying quotes.
	rows.Close()

	for i := range snaps {
		quotes, err := s.loadQuotes(snaps[i].ID)
		if err != nil {
			return nil, err
		}
		snaps[i].Quotes = quotes
	}
	return snaps, nil
}

func (s *Storage) loadQuotes(snapshotID string) ([]models.InstrumentQuote, error) {
	rows, err := s.db.Query(`
		SELECT symbol, mark_price, volume, open_interest FROM quotes
		WHERE snapshot_id = ? ORDER BY position ASC`, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("failed to query quotes: %w", err)
	}
	defer rows.Close()

	quotes := []models.InstrumentQuote{}
	for rows.Next() {
		var q models.InstrumentQuote
		if err := rows.Scan(&q.Symbol, &q.MarkPrice, &q.Volume, &q.OpenInterest); err != nil {
			return nil, fmt.Errorf("failed to scan quote: %w", err)
		}
		quotes = append(quotes, q)
	}
	return quotes, rows.Err()
}

// futureReferencePrice returns the reference price of the first snapshot of
// currency observed in [at, at+tolerance].
func (s *Storage) futureReferencePrice(currency string, at time.Time, tolerance time.Duration) (float64, bool, error) {
	var price float64
	err := s.db.QueryRow(`
		SELECT reference_price FROM snapshots
		WHERE currency = ? AND observed_at >= ? AND observed_at <= ?
		ORDER BY observed_at ASC LIMIT 1`, currency, at.UnixNano(), at.Add(tolerance).UnixNano()).Scan(&price)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to query future reference price: %w", err)
	}
	return price, true, nil
}

// LoadBacktestSamples pairs every snapshot observed in [from, to] with the
// reference price seen horizon later, accepting observations up to half a
// horizon late. Snapshots without such an observation, or with an unusable
// reference price, are skipped.
func (s *Storage) LoadBacktestSamples(from, to time.Time, horizon time.Duration) ([]models.BacktestSample, error) {
	snaps, err := s.LoadSnapshots(from, to)
	if err != nil {
		return nil, err
	}

	samples := make([]models.BacktestSample, 0, len(snaps))
	skipped := 0
	for _, snap := range snaps {
		future, ok, err := s.futureReferencePrice(snap.Currency, snap.ObservedAt.Add(horizon), horizon/2)
		if err != nil {
			return nil, err
		}
		if !ok {
			skipped++
			continue
		}
		sample := models.BacktestSample{
			Snapshot:                  snap,
			ReferencePriceAtAlertTime: snap.ReferencePrice,
			FutureReferencePrice:      future,
		}
		if err := sample.Validate(); err != nil {
			logger.Debug("Skipping snapshot %s: %v", snap.ID, err)
			skipped++
			continue
		}
		samples = append(samples, sample)
	}

	logger.Debug("Loaded %d backtest samples (%d skipped, horizon %v)", len(samples), skipped, horizon)
	return samples, nil
}

// RotateSnapshots keeps at most maxSnapshots newest snapshots by observed_at.
// Cascading deletes remove their quotes.
func (s *Storage) RotateSnapshots() error {
	if s.maxSnapshots <= 0 {
		return nil
	}
	_, err := s.db.Exec(`
		DELETE FROM snapshots WHERE id NOT IN (
			SELECT id FROM snapshots ORDER BY observed_at DESC LIMIT ?
		)`, s.maxSnapshots)
	if err != nil {
		return fmt.Errorf("failed to rotate snapshots: %w", err)
	}
	return nil
}

// CountSnapshots returns the number of stored snapshots.
func (s *Storage) CountSnapshots() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM snapshots`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count snapshots: %w", err)
	}
	return n, nil
}
