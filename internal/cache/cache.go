// Package cache stores short-lived copies of JSON responses keyed by
// route, query and caller.
package cache

import (
	"context"
	"time"
)

type Entry struct {
	Key         string    `json:"key"`
	Status      int       `json:"status"`
	ContentType string    `json:"content_type"`
	Body        []byte    `json:"body"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Fresh reports whether e may still be served at now.
func (e Entry) Fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Backend is the storage behind the response memoizer.
type Backend interface {
	// Get returns the entry for key if it exists and is fresh at now.
	Get(ctx context.Context, key string, now time.Time) (Entry, bool, error)
	Set(ctx context.Context, e Entry) error
	// Invalidate removes every entry whose key contains pattern and
	// returns how many were removed. The empty pattern clears everything.
	Invalidate(ctx context.Context, pattern string) (int, error)
	Len(ctx context.Context) (int, error)
	Close() error
}
