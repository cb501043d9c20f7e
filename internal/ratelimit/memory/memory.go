package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ngurrapathways/edge/internal/ratelimit"
)

// window is the hit log of one key.
type window struct {
	mu       sync.Mutex
	hits     []time.Time // ascending
	lastSeen time.Time
	span     time.Duration // longest policy window applied to this key
	dead     bool          // removed by Sweep, callers must reload
}

// Limiter is the in-process sliding window log. Counters are lost on
// restart.
type Limiter struct {
	windows sync.Map // key -> *window
	idleTTL time.Duration
}

type Option func(*Limiter)

// WithIdleTTL sets how long a key may stay silent before Sweep drops it.
// Keys are always kept for at least their own window.
func WithIdleTTL(d time.Duration) Option {
	return func(l *Limiter) { l.idleTTL = d }
}

func New(opts ...Option) *Limiter {
	l := &Limiter{idleTTL: 15 * time.Minute}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) Close() error { return nil }

func (l *Limiter) Allow(_ context.Context, key string, p ratelimit.Policy, now time.Time) (ratelimit.Decision, error) {
	if err := ratelimit.Validate(key, p); err != nil {
		return ratelimit.Decision{}, err
	}

	for {
		v, _ := l.windows.LoadOrStore(key, &window{})
		w := v.(*window)

		w.mu.Lock()
		if w.dead {
			w.mu.Unlock()
			continue
		}
		dec := w.record(p, now)
		w.mu.Unlock()
		return dec, nil
	}
}

// record must be called with w.mu held.
func (w *window) record(p ratelimit.Policy, now time.Time) ratelimit.Decision {
	cutoff := now.Add(-p.Window)

	// drop hits at or before the cutoff
	i := 0
	for i < len(w.hits) && !w.hits[i].After(cutoff) {
		i++
	}
	w.hits = w.hits[i:]
	w.lastSeen = now
	w.span = max(w.span, p.Window)

	allowed := len(w.hits) < p.Max
	if allowed {
		w.hits = append(w.hits, now)
	}

	var oldest time.Time
	if len(w.hits) > 0 {
		oldest = w.hits[0]
	}
	return ratelimit.Decide(p, allowed, len(w.hits), oldest, now)
}

func (l *Limiter) Reset(_ context.Context, key string) error {
	if v, ok := l.windows.LoadAndDelete(key); ok {
		w := v.(*window)
		w.mu.Lock()
		w.dead = true
		w.mu.Unlock()
	}
	return nil
}

// Len reports how many keys are tracked.
func (l *Limiter) Len() int {
	n := 0
	l.windows.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Sweep drops keys that have been silent for longer than both the idle
// TTL and their window, so no dropped hit could still be counted. It
// returns how many were removed.
func (l *Limiter) Sweep(now time.Time) int {
	removed := 0
	l.windows.Range(func(k, v any) bool {
		w := v.(*window)
		w.mu.Lock()
		cutoff := now.Add(-max(l.idleTTL, w.span))
		if !w.lastSeen.After(cutoff) && l.windows.CompareAndDelete(k, v) {
			w.dead = true
			removed++
		}
		w.mu.Unlock()
		return true
	})
	return removed
}

// StartJanitor sweeps idle keys every interval until ctx is cancelled.
func (l *Limiter) StartJanitor(ctx context.Context, every time.Duration) {
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
				l.Sweep(now)
			}
		}
	}()
}
