package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS travel_plan_usage (
	id                TEXT PRIMARY KEY,
	session_id        TEXT NOT NULL,
	model_name        TEXT NOT NULL,
	prompt_tokens     INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	total_tokens      INTEGER NOT NULL,
	created_time      TIMESTAMPTZ NOT NULL,
	stage             TEXT NOT NULL DEFAULT '',
	partial           BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_travel_plan_usage_created ON travel_plan_usage(created_time);
CREATE INDEX IF NOT EXISTS idx_travel_plan_usage_session ON travel_plan_usage(session_id);
`

// PostgresStore persists usage to Postgres through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn, pings, and creates the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("usage postgres: parse config: %w", err)
	}
	cfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("usage postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("usage postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("usage postgres: migrate: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Append implements Sink.
func (s *PostgresStore) Append(ctx context.Context, rec Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO travel_plan_usage
			(id, session_id, model_name, prompt_tokens, completion_tokens, total_tokens, created_time, stage, partial)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.SessionID, rec.Model,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens,
		rec.CreatedTime.UTC(), rec.Stage, rec.Partial,
	)
	if err != nil {
		return fmt.Errorf("usage postgres: insert: %w", err)
	}
	return nil
}

// Summary implements Reporter.
func (s *PostgresStore) Summary(ctx context.Context, from, to time.Time) (*Report, error) {
	rep := &Report{From: from, To: to, ByModel: map[string]*Summary{}, BySession: map[string]*Summary{}}

	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0), COALESCE(SUM(total_tokens), 0)
		 FROM travel_plan_usage WHERE created_time >= $1 AND created_time < $2`,
		from.UTC(), to.UTC(),
	).Scan(&rep.Total.Records, &rep.Total.PromptTokens, &rep.Total.CompletionTokens, &rep.Total.TotalTokens)
	if err != nil {
		return nil, fmt.Errorf("usage postgres: summary: %w", err)
	}

	for col, dst := range map[string]map[string]*Summary{"model_name": rep.ByModel, "session_id": rep.BySession} {
		rows, err := s.pool.Query(ctx, fmt.Sprintf(
			`SELECT %s, COUNT(*), SUM(prompt_tokens), SUM(completion_tokens), SUM(total_tokens)
			 FROM travel_plan_usage WHERE created_time >= $1 AND created_time < $2
			 GROUP BY %s`, col, col),
			from.UTC(), to.UTC(),
		)
		if err != nil {
			return nil, fmt.Errorf("usage postgres: summary by %s: %w", col, err)
		}
		for rows.Next() {
			var key string
			var sum Summary
			if err := rows.Scan(&key, &sum.Records, &sum.PromptTokens, &sum.CompletionTokens, &sum.TotalTokens); err != nil {
				rows.Close()
				return nil, fmt.Errorf("usage postgres: scan by %s: %w", col, err)
			}
			dst[key] = &sum
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("usage postgres: summary by %s: %w", col, err)
		}
	}
	return rep, nil
}
