package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSubmitter mirrors runs to the central fleet database. Central
// visibility is best-effort: a failed submission is logged and the local
// SQLite record remains authoritative.
type PostgresSubmitter struct {
	pool *pgxpool.Pool
}

// NewPostgresSubmitter connects to the central database.
func NewPostgresSubmitter(ctx context.Context, connString string) (*PostgresSubmitter, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &PostgresSubmitter{pool: pool}, nil
}

// Close closes the connection pool.
func (p *PostgresSubmitter) Close() {
	p.pool.Close()
}

// SubmitRun upserts one run by run_id. Re-submitting after a network blip
// is safe.
func (p *PostgresSubmitter) SubmitRun(ctx context.Context, run *Run) error {
	results, err := json.Marshal(run.Results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO mptriage_runs (
			run_id, plan, target, transport, started_at,
			duration_seconds, succeeded, failed, results
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)
		ON CONFLICT (run_id) DO UPDATE SET
			duration_seconds = EXCLUDED.duration_seconds,
			succeeded = EXCLUDED.succeeded,
			failed = EXCLUDED.failed,
			results = EXCLUDED.results
	`, run.RunID, run.Plan, run.Target, run.Transport, run.StartedAt,
		run.DurationSecs, run.Succeeded, run.Failed, string(results))
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}

	log.Printf("[history] Mirrored run %s to central (%d ok, %d failed)", run.RunID, run.Succeeded, run.Failed)
	return nil
}
