package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS gateway_decisions (
	trace_id    TEXT PRIMARY KEY,
	state       TEXT NOT NULL,
	model       TEXT NOT NULL DEFAULT '',
	decisions   JSONB NOT NULL,
	tokens_in   INTEGER NOT NULL DEFAULT 0,
	tokens_out  INTEGER NOT NULL DEFAULT 0,
	cost_usd    DOUBLE PRECISION NOT NULL DEFAULT 0,
	latency_ms  DOUBLE PRECISION NOT NULL DEFAULT 0,
	degraded    BOOLEAN NOT NULL DEFAULT FALSE,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PGSink appends records to postgres through a pgx pool. One row per
// request, keyed by trace ID; replays of the same trace are ignored so the
// at-most-once writer can be retried safely from the outside.
type PGSink struct {
	pool *pgxpool.Pool
}

// NewPGSink opens a pool against the DSN and verifies connectivity.
func NewPGSink(ctx context.Context, dsn string) (*PGSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("persist: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("persist: ping: %w", err)
	}
	return &PGSink{pool: pool}, nil
}

// EnsureSchema creates the audit table when it does not exist yet.
func (s *PGSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, auditSchema); err != nil {
		return fmt.Errorf("persist: ensure schema: %w", err)
	}
	return nil
}

func (s *PGSink) Append(ctx context.Context, rec Record) error {
	decisions, err := json.Marshal(rec.Decisions)
	if err != nil {
		return fmt.Errorf("persist: encode decisions: %w", err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO gateway_decisions
			(trace_id, state, model, decisions, tokens_in, tokens_out,
			 cost_usd, latency_ms, degraded, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (trace_id) DO NOTHING`,
		rec.TraceID, rec.State, rec.Model, decisions, rec.TokensIn, rec.TokensOut,
		rec.CostUSD, rec.LatencyMs, rec.Degraded, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("persist: insert %s: %w", rec.TraceID, err)
	}
	return nil
}

// Close releases the pool. Call after a final Flush on the writer.
func (s *PGSink) Close() {
	s.pool.Close()
}
