// Package usage records token usage per model call, keeps per-request
// totals, and persists records to SQLite or Postgres.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Record is the token usage of one model call.
type Record struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"session_id"`
	Model            string    `json:"model_name"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	CreatedTime      time.Time `json:"created_time"`

	// Stage names the pipeline stage ("plan", "plan_tools", "html",
	// "chat"). Partial marks estimated counts from a stream cut short.
	Stage   string `json:"stage,omitempty"`
	Partial bool   `json:"partial,omitempty"`
}

// Summary is an aggregate over records.
type Summary struct {
	Records          int   `json:"records"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Report is a usage summary over a time range.
type Report struct {
	From      time.Time           `json:"from"`
	To        time.Time           `json:"to"`
	Total     Summary             `json:"total"`
	ByModel   map[string]*Summary `json:"by_model"`
	BySession map[string]*Summary `json:"by_session"`
}

// Sink persists records.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

// Reporter summarises persisted records within [from, to).
type Reporter interface {
	Summary(ctx context.Context, from, to time.Time) (*Report, error)
}

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000Z"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS travel_plan_usage (
	id                TEXT PRIMARY KEY,
	session_id        TEXT NOT NULL,
	model_name        TEXT NOT NULL,
	prompt_tokens     INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	total_tokens      INTEGER NOT NULL,
	created_time      TEXT NOT NULL,
	stage             TEXT NOT NULL DEFAULT '',
	partial           INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_travel_plan_usage_created ON travel_plan_usage(created_time);
CREATE INDEX IF NOT EXISTS idx_travel_plan_usage_session ON travel_plan_usage(session_id);
`

// SQLiteStore is an append-only SQLite usage table. Safe for
// concurrent use; SQLite serializes writes.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path with the
// named driver: "sqlite3" (mattn, cgo) or "sqlite" (modernc, pure Go).
func OpenSQLite(driver, path string) (*SQLiteStore, error) {
	var dsn string
	switch driver {
	case "sqlite3":
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	case "sqlite":
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	default:
		return nil, fmt.Errorf("open usage database: unknown sqlite driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}
	s, err := NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an open database and creates the schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Append implements Sink.
func (s *SQLiteStore) Append(ctx context.Context, rec Record) error {
	partial := 0
	if rec.Partial {
		partial = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO travel_plan_usage
			(id, session_id, model_name, prompt_tokens, completion_tokens, total_tokens, created_time, stage, partial)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.SessionID,
		rec.Model,
		rec.PromptTokens,
		rec.CompletionTokens,
		rec.TotalTokens,
		rec.CreatedTime.UTC().Format(timeLayout),
		rec.Stage,
		partial,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// List returns the records of a session, oldest first.
func (s *SQLiteStore) List(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, model_name, prompt_tokens, completion_tokens, total_tokens, created_time, stage, partial
		 FROM travel_plan_usage WHERE session_id = ? ORDER BY created_time, id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var created string
		var partial int
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Model, &rec.PromptTokens, &rec.CompletionTokens,
			&rec.TotalTokens, &created, &rec.Stage, &partial); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		rec.CreatedTime, _ = time.Parse(timeLayout, created)
		rec.Partial = partial != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Summary implements Reporter.
func (s *SQLiteStore) Summary(ctx context.Context, from, to time.Time) (*Report, error) {
	rep := &Report{From: from, To: to, ByModel: map[string]*Summary{}, BySession: map[string]*Summary{}}
	args := []any{from.UTC().Format(timeLayout), to.UTC().Format(timeLayout)}

	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0), COALESCE(SUM(total_tokens), 0)
		 FROM travel_plan_usage WHERE created_time >= ? AND created_time < ?`, args...)
	if err := row.Scan(&rep.Total.Records, &rep.Total.PromptTokens, &rep.Total.CompletionTokens, &rep.Total.TotalTokens); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}

	for col, dst := range map[string]map[string]*Summary{"model_name": rep.ByModel, "session_id": rep.BySession} {
		if err := s.groupBy(ctx, col, args, dst); err != nil {
			return nil, err
		}
	}
	return rep, nil
}

// groupBy fills dst with totals per value of column. column is one of
// our own constants, never user input.
func (s *SQLiteStore) groupBy(ctx context.Context, column string, args []any, dst map[string]*Summary) error {
	query := fmt.Sprintf(
		`SELECT %s, COUNT(*), SUM(prompt_tokens), SUM(completion_tokens), SUM(total_tokens)
		 FROM travel_plan_usage WHERE created_time >= ? AND created_time < ?
		 GROUP BY %s`, column, column)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query usage by %s: %w", strings.TrimSuffix(column, "_name"), err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.Records, &sum.PromptTokens, &sum.CompletionTokens, &sum.TotalTokens); err != nil {
			return fmt.Errorf("scan usage by %s: %w", column, err)
		}
		dst[key] = &sum
	}
	return rows.Err()
}
