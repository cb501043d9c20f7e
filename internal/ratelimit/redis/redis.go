// Package redis keeps sliding window logs in Redis sorted sets so several
// gateway processes share one budget per key.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"

	"github.com/ngurrapathways/edge/internal/ratelimit"
)

// Compile-time interface check.
var _ ratelimit.Limiter = (*Limiter)(nil)

// slideScript trims, counts and conditionally records a hit in one round
// trip. Scores are unix milliseconds.
//
// KEYS[1] = sorted set
// ARGV[1] = now
// ARGV[2] = cutoff (hits with score <= cutoff are expired)
// ARGV[3] = max
// ARGV[4] = member for this hit
// ARGV[5] = window in ms, used as key TTL
//
// Returns {allowed, count, oldest}.
var slideScript = redis.NewScript(`
local key = KEYS[1]

redis.call("ZREMRANGEBYSCORE", key, "-inf", ARGV[2])

local count = redis.call("ZCARD", key)
local allowed = 0
if count < tonumber(ARGV[3]) then
    redis.call("ZADD", key, ARGV[1], ARGV[4])
    count = count + 1
    allowed = 1
end

local oldest = 0
local first = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
if first[2] then
    oldest = tonumber(first[2])
end

if count > 0 then
    redis.call("PEXPIRE", key, ARGV[5])
end

return {allowed, count, oldest}
`)

type Limiter struct {
	client redis.UniversalClient
	prefix string
}

type Option func(*Limiter)

// WithPrefix namespaces every key, default "edge:".
func WithPrefix(prefix string) Option {
	return func(l *Limiter) { l.prefix = prefix }
}

func New(client redis.UniversalClient, opts ...Option) *Limiter {
	l := &Limiter{client: client, prefix: "edge:"}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) Allow(ctx context.Context, key string, p ratelimit.Policy, now time.Time) (ratelimit.Decision, error) {
	if err := ratelimit.Validate(key, p); err != nil {
		return ratelimit.Decision{}, err
	}

	nowMS := now.UnixMilli()
	cutoff := now.Add(-p.Window).UnixMilli()
	member := strconv.FormatInt(nowMS, 10) + "-" + xid.New().String()

	vals, err := slideScript.Run(ctx, l.client, []string{l.prefix + key},
		nowMS, cutoff, p.Max, member, p.Window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return ratelimit.Decision{}, fmt.Errorf("ratelimit/redis: slide: %w", err)
	}
	if len(vals) != 3 {
		return ratelimit.Decision{}, fmt.Errorf("ratelimit/redis: unexpected script result %v", vals)
	}

	var oldest time.Time
	if vals[2] > 0 {
		oldest = time.UnixMilli(vals[2])
	}
	return ratelimit.Decide(p, vals[0] == 1, int(vals[1]), oldest, now), nil
}

func (l *Limiter) Reset(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.prefix+key).Err(); err != nil {
		return fmt.Errorf("ratelimit/redis: reset: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (l *Limiter) Close() error {
	return l.client.Close()
}
