// Package sqlite persists sliding window logs in a SQLite file so counters
// survive restarts of a single-host deployment.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ngurrapathways/edge/internal/ratelimit"
)

// Compile-time interface check.
var _ ratelimit.Limiter = (*Limiter)(nil)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS rate_hits (
		key   TEXT    NOT NULL,
		at_ms INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS rate_hits_key_at ON rate_hits (key, at_ms)`,
}

type Limiter struct {
	db *sql.DB
}

// New opens (or creates) the database at dsn. Use ":memory:" for tests.
func New(dsn string) (*Limiter, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ratelimit/sqlite: open: %w", err)
	}
	// SQLite serialises writers anyway, and ":memory:" is per connection.
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("ratelimit/sqlite: create schema: %w", err)
		}
	}

	return &Limiter{db: db}, nil
}

func (l *Limiter) Allow(ctx context.Context, key string, p ratelimit.Policy, now time.Time) (ratelimit.Decision, error) {
	if err := ratelimit.Validate(key, p); err != nil {
		return ratelimit.Decision{}, err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return ratelimit.Decision{}, fmt.Errorf("ratelimit/sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	nowMS := now.UnixMilli()
	cutoff := now.Add(-p.Window).UnixMilli()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM rate_hits WHERE key = ? AND at_ms <= ?`, key, cutoff,
	); err != nil {
		return ratelimit.Decision{}, fmt.Errorf("ratelimit/sqlite: trim: %w", err)
	}

	var count int
	var oldestMS sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(at_ms) FROM rate_hits WHERE key = ?`, key,
	).Scan(&count, &oldestMS); err != nil {
		return ratelimit.Decision{}, fmt.Errorf("ratelimit/sqlite: count: %w", err)
	}

	allowed := count < p.Max
	if allowed {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rate_hits (key, at_ms) VALUES (?, ?)`, key, nowMS,
		); err != nil {
			return ratelimit.Decision{}, fmt.Errorf("ratelimit/sqlite: record: %w", err)
		}
		count++
		if !oldestMS.Valid {
			oldestMS = sql.NullInt64{Int64: nowMS, Valid: true}
		}
	}

	if err := tx.Commit(); err != nil {
		return ratelimit.Decision{}, fmt.Errorf("ratelimit/sqlite: commit: %w", err)
	}

	var oldest time.Time
	if oldestMS.Valid {
		oldest = time.UnixMilli(oldestMS.Int64)
	}
	return ratelimit.Decide(p, allowed, count, oldest, now), nil
}

func (l *Limiter) Reset(ctx context.Context, key string) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM rate_hits WHERE key = ?`, key); err != nil {
		return fmt.Errorf("ratelimit/sqlite: reset: %w", err)
	}
	return nil
}

// Sweep deletes every hit recorded before olderThan.
func (l *Limiter) Sweep(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM rate_hits WHERE at_ms < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("ratelimit/sqlite: sweep: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("ratelimit/sqlite: sweep: %w", err)
	}
	return n, nil
}

// StartJanitor removes hits older than keep every interval until ctx is
// cancelled.
func (l *Limiter) StartJanitor(ctx context.Context, every, keep time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				// best effort, the next tick retries
				_, _ = l.Sweep(ctx, now.Add(-keep))
			}
		}
	}()
}

func (l *Limiter) Close() error {
	return l.db.Close()
}
