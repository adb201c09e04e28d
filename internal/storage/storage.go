// Package storage provides SQLite-backed persistence for snapshot history,
// cooldown state, dispatched alerts, and optimization runs.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/rewired-gh/optoracle/internal/models"
)

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db           *sql.DB
	maxSnapshots int
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/optoracle/data.db.
func New(maxSnapshots int, dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "optoracle", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	s := &Storage{db: db, maxSnapshots: maxSnapshots}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			id              TEXT PRIMARY KEY,
			currency        TEXT NOT NULL DEFAULT '',
			observed_at     INTEGER NOT NULL,
			reference_price REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_observed_at ON snapshots(currency, observed_at)`,
		`CREATE TABLE IF NOT EXISTS quotes (
			snapshot_id     TEXT NOT NULL REFERENCES snapshots(id) ON DELETE CASCADE,
			position        INTEGER NOT NULL,
			symbol          TEXT NOT NULL,
			mark_price      REAL NOT NULL,
			volume          REAL NOT NULL,
			open_interest   REAL NOT NULL,
			PRIMARY KEY (snapshot_id, position)
		)`,
		`CREATE TABLE IF NOT EXISTS cooldowns (
			cohort          TEXT PRIMARY KEY,
			sent_at         INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id              TEXT PRIMARY KEY,
			alert_id        TEXT NOT NULL,
			cohort          TEXT NOT NULL,
			currency        TEXT NOT NULL DEFAULT '',
			symbol          TEXT NOT NULL,
			kind            TEXT NOT NULL,
			score           REAL NOT NULL,
			price_z         REAL NOT NULL,
			volume_z        REAL NOT NULL,
			oi_z            REAL NOT NULL,
			time_decay      REAL NOT NULL,
			hours_to_expiry REAL NOT NULL,
			mark_price      REAL NOT NULL,
			volume          REAL NOT NULL,
			open_interest   REAL NOT NULL,
			reference_price REAL NOT NULL,
			detected_at     INTEGER NOT NULL,
			notified        INTEGER DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_detected_at ON alerts(detected_at)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_score ON alerts(score DESC)`,
		`CREATE TABLE IF NOT EXISTS optimization_runs (
			id              TEXT PRIMARY KEY,
			created_at      INTEGER NOT NULL,
			price_weight    REAL NOT NULL,
			volume_weight   REAL NOT NULL,
			oi_weight       REAL NOT NULL,
			success_rate    REAL NOT NULL,
			precision_ratio REAL NOT NULL,
			total_alerts    INTEGER NOT NULL,
			successful      INTEGER NOT NULL,
			false_positives INTEGER NOT NULL,
			band            TEXT NOT NULL,
			recommendation  TEXT NOT NULL,
			samples         INTEGER NOT NULL,
			grid_size       INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveCooldown records the last alert instant of a cohort.
func (s *Storage) SaveCooldown(cohort string, sentAt time.Time) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO cooldowns (cohort, sent_at) VALUES (?, ?)`,
		cohort, sentAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save cooldown: %w", err)
	}
	return nil
}

// LoadCooldowns returns every persisted cohort cooldown.
func (s *Storage) LoadCooldowns() (map[string]time.Time, error) {
	rows, err := s.db.Query(`SELECT cohort, sent_at FROM cooldowns`)
	if err != nil {
		return nil, fmt.Errorf("failed to query cooldowns: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var cohort string
		var sentAtNano int64
		if err := rows.Scan(&cohort, &sentAtNano); err != nil {
			return nil, fmt.Errorf("failed to scan cooldown: %w", err)
		}
		out[cohort] = time.Unix(0, sentAtNano).UTC()
	}
	return out, rows.Err()
}

// AddAlert stores every record of a cohort alert.
func (s *Storage) AddAlert(alert *models.CohortAlert, notified bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, r := range alert.Records {
		_, err := tx.Exec(`
			INSERT INTO alerts
				(id, alert_id, cohort, currency, symbol, kind, score, price_z, volume_z, oi_z,
				 time_decay, hours_to_expiry, mark_price, volume, open_interest,
				 reference_price, detected_at, notified)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			uuid.New().String(), alert.ID, r.CohortKey, alert.Currency, r.Symbol, string(r.Kind),
			r.Score, r.PriceZ, r.VolumeZ, r.OIZ, r.TimeDecay, r.HoursToExpiry,
			r.MarkPrice, r.Volume, r.OpenInterest,
			alert.ReferencePrice, alert.DetectedAt.UnixNano(), boolToInt(notified),
		)
		if err != nil {
			return fmt.Errorf("failed to insert alert: %w", err)
		}
	}
	return tx.Commit()
}

// GetTopAlerts returns the k highest-scoring stored anomaly records.
func (s *Storage) GetTopAlerts(k int) ([]models.AnomalyRecord, error) {
	rows, err := s.db.Query(`
		SELECT cohort, symbol, kind, score, price_z, volume_z, oi_z, time_decay,
		       hours_to_expiry, mark_price, volume, open_interest
		FROM alerts ORDER BY score DESC LIMIT ?`, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var records []models.AnomalyRecord
	for rows.Next() {
		var r models.AnomalyRecord
		var kind string
		err := rows.Scan(
			&r.CohortKey, &r.Symbol, &kind, &r.Score, &r.PriceZ, &r.VolumeZ, &r.OIZ, &r.TimeDecay,
			&r.HoursToExpiry, &r.MarkPrice, &r.Volume, &r.OpenInterest,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		r.Kind = models.AnomalyKind(kind)
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *Storage) ClearAlerts() error {
	if _, err := s.db.Exec(`DELETE FROM alerts`); err != nil {
		return fmt.Errorf("failed to clear alerts: %w", err)
	}
	return nil
}

// SaveOptimization persists a grid-search outcome, assigning an ID when missing.
func (s *Storage) SaveOptimization(run *models.OptimizationRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	_, err := s.db.Exec(`
		INSERT INTO optimization_runs
			(id, created_at, price_weight, volume_weight, oi_weight, success_rate, precision_ratio,
			 total_alerts, successful, false_positives, band, recommendation, samples, grid_size)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.CreatedAt.UnixNano(),
		run.Weights.PriceWeight, run.Weights.VolumeWeight, run.Weights.OIWeight,
		run.SuccessRate, run.Precision, run.TotalAlerts, run.Successful, run.FalsePositives,
		run.Band, run.Recommendation, run.Samples, run.GridSize,
	)
	if err != nil {
		return fmt.Errorf("failed to insert optimization run: %w", err)
	}
	return nil
}

// LatestOptimization returns the most recent run, or nil when none exists.
func (s *Storage) LatestOptimization() (*models.OptimizationRun, error) {
	row := s.db.QueryRow(`
		SELECT id, created_at, price_weight, volume_weight, oi_weight, success_rate, precision_ratio,
		       total_alerts, successful, false_positives, band, recommendation, samples, grid_size
		FROM optimization_runs ORDER BY created_at DESC LIMIT 1`)

	var run models.OptimizationRun
	var createdAtNano int64
	err := row.Scan(
		&run.ID, &createdAtNano,
		&run.Weights.PriceWeight, &run.Weights.VolumeWeight, &run.Weights.OIWeight,
		&run.SuccessRate, &run.Precision, &run.TotalAlerts, &run.Successful, &run.FalsePositives,
		&run.Band, &run.Recommendation, &run.Samples, &run.GridSize,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load optimization run: %w", err)
	}
	run.CreatedAt = time.Unix(0, createdAtNano).UTC()
	return &run, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
