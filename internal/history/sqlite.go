// Package history records triage runs. Every apply writes one Run into a
// local SQLite database; when a central DSN is configured the run is also
// mirrored to the fleet Postgres so the MSP side can see which endpoints
// are mid-triage.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/osiriscare/mptriage/internal/batch"
)

// Run is one recorded plan application.
type Run struct {
	RunID        string              `json:"run_id"`
	Plan         string              `json:"plan"`
	Target       string              `json:"target"`
	Transport    string              `json:"transport"`
	StartedAt    time.Time           `json:"started_at"`
	DurationSecs float64             `json:"duration_seconds"`
	Succeeded    int                 `json:"succeeded"`
	Failed       int                 `json:"failed"`
	Results      []batch.ApplyResult `json:"results"`
}

// SQLiteStore is the local run history, WAL mode for durability.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenSQLite opens (and if needed creates) the history database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	// The modernc driver takes pragmas as statements, not DSN parameters.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous=NORMAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set synchronous mode: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			plan TEXT NOT NULL,
			target TEXT NOT NULL,
			transport TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			duration_seconds REAL NOT NULL,
			succeeded INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			results BLOB NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create runs table: %w", err)
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// RecordRun inserts one run.
func (s *SQLiteStore) RecordRun(run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	results, err := json.Marshal(run.Results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO runs (run_id, plan, target, transport, started_at, duration_seconds, succeeded, failed, results)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.Plan, run.Target, run.Transport,
		run.StartedAt.UTC().Format(time.RFC3339), run.DurationSecs,
		run.Succeeded, run.Failed, results)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (s *SQLiteStore) ListRuns(limit int) ([]*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(`
		SELECT run_id, plan, target, transport, started_at, duration_seconds, succeeded, failed, results
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var r Run
		var startedAt string
		var results []byte
		if err := rows.Scan(&r.RunID, &r.Plan, &r.Target, &r.Transport, &startedAt,
			&r.DurationSecs, &r.Succeeded, &r.Failed, &results); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		if err := json.Unmarshal(results, &r.Results); err != nil {
			return nil, fmt.Errorf("parse results for %s: %w", r.RunID, err)
		}
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}

// Prune removes runs older than maxAge and returns how many were dropped.
func (s *SQLiteStore) Prune(maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge).UTC().Format(time.RFC3339)
	result, err := s.db.Exec(`DELETE FROM runs WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
