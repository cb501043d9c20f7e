package ratelimit

import (
	"context"
	"errors"
	"time"
)

var (
	ErrEmptyKey      = errors.New("ratelimit: empty key")
	ErrInvalidPolicy = errors.New("ratelimit: policy needs a positive window and max")
)

type Decision struct {
	Allowed    bool
	Limit      int           // max hits per window
	Remaining  int           // hits left after this request (min 0)
	Reset      time.Time     // when the oldest counted hit leaves the window
	RetryAfter time.Duration // whole seconds, only set when denied
}

// Limiter counts hits per key in a sliding window. Every backend
// (memory, redis, sqlite) implements it so the gateway can swap them.
type Limiter interface {
	Allow(ctx context.Context, key string, p Policy, now time.Time) (Decision, error)
	Reset(ctx context.Context, key string) error
	Close() error
}

// Validate checks the inputs every backend rejects.
func Validate(key string, p Policy) error {
	if key == "" {
		return ErrEmptyKey
	}
	if p.Window <= 0 || p.Max <= 0 {
		return ErrInvalidPolicy
	}
	return nil
}

// Decide turns the state of a window into a Decision. count is the
// number of hits inside the window after this call, oldest the earliest
// of them (zero when the window is empty).
func Decide(p Policy, allowed bool, count int, oldest, now time.Time) Decision {
	if oldest.IsZero() {
		oldest = now
	}
	reset := oldest.Add(p.Window)

	d := Decision{
		Allowed:   allowed,
		Limit:     p.Max,
		Remaining: max(p.Max-count, 0),
		Reset:     reset,
	}
	if !allowed {
		d.RetryAfter = retryAfter(reset.Sub(now))
	}
	return d
}

// Open is the decision used when no backend could answer.
func Open(p Policy, now time.Time) Decision {
	return Decision{
		Allowed:   true,
		Limit:     p.Max,
		Remaining: p.Max,
		Reset:     now.Add(p.Window),
	}
}

func retryAfter(d time.Duration) time.Duration {
	secs := (d + time.Second - 1) / time.Second
	if secs < 1 {
		secs = 1
	}
	return secs * time.Second
}
