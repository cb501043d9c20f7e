package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Fallback answers from a shared store and drops to an in-process limiter
// while the shared store is failing. Counters kept locally during an
// outage are not replayed into the shared store.
type Fallback struct {
	shared     Limiter
	local      Limiter
	logger     zerolog.Logger
	warn       *rate.Sometimes
	onFallback func()
}

type FallbackOption func(*Fallback)

// WithWarnInterval limits how often the outage warning is logged.
func WithWarnInterval(d time.Duration) FallbackOption {
	return func(f *Fallback) { f.warn = &rate.Sometimes{First: 1, Interval: d} }
}

// WithOnFallback registers a callback fired for every request served locally.
func WithOnFallback(fn func()) FallbackOption {
	return func(f *Fallback) { f.onFallback = fn }
}

func NewFallback(shared, local Limiter, logger zerolog.Logger, opts ...FallbackOption) *Fallback {
	f := &Fallback{
		shared: shared,
		local:  local,
		logger: logger,
		warn:   &rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Fallback) Allow(ctx context.Context, key string, p Policy, now time.Time) (Decision, error) {
	dec, err := f.shared.Allow(ctx, key, p, now)
	if err == nil || isInputError(err) {
		return dec, err
	}

	f.warn.Do(func() {
		f.logger.Warn().Err(err).Str("key", key).Msg("shared rate limit store unavailable, counting in process")
	})
	if f.onFallback != nil {
		f.onFallback()
	}

	dec, lerr := f.local.Allow(ctx, key, p, now)
	if lerr != nil {
		f.logger.Error().Err(lerr).Str("key", key).Msg("local rate limiter failed, allowing request")
		return Open(p, now), nil
	}
	return dec, nil
}

// Reset clears both stores. A shared store failure is logged and does not
// fail the call, since the local counters are the ones in use.
func (f *Fallback) Reset(ctx context.Context, key string) error {
	if err := f.shared.Reset(ctx, key); err != nil {
		f.logger.Warn().Err(err).Str("key", key).Msg("shared rate limit store reset failed")
	}
	return f.local.Reset(ctx, key)
}

func (f *Fallback) Close() error {
	return errors.Join(f.shared.Close(), f.local.Close())
}

func isInputError(err error) bool {
	return errors.Is(err, ErrEmptyKey) || errors.Is(err, ErrInvalidPolicy)
}
