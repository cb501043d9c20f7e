package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compile-time interface check.
var _ Backend = (*Redis)(nil)

// Redis shares cached responses between gateway processes. Entries are
// JSON documents with a PX expiry equal to their TTL.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "edge:cache:"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Get(ctx context.Context, key string, now time.Time) (Entry, bool, error) {
	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache/redis: get: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, fmt.Errorf("cache/redis: decode %q: %w", key, err)
	}
	if !e.Fresh(now) {
		return Entry{}, false, nil
	}
	return e, true, nil
}

func (r *Redis) Set(ctx context.Context, e Entry) error {
	ttl := e.ExpiresAt.Sub(e.CreatedAt)
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cache/redis: encode: %w", err)
	}
	if err := r.client.Set(ctx, r.prefix+e.Key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache/redis: set: %w", err)
	}
	return nil
}

func (r *Redis) Invalidate(ctx context.Context, pattern string) (int, error) {
	match := r.prefix + "*"
	if pattern != "" {
		match = r.prefix + "*" + escapeGlob(pattern) + "*"
	}
	return r.scan(ctx, match, true)
}

func (r *Redis) Len(ctx context.Context) (int, error) {
	return r.scan(ctx, r.prefix+"*", false)
}

// scan walks keys matching match, deleting them when del is set.
func (r *Redis) scan(ctx context.Context, match string, del bool) (int, error) {
	var (
		cursor uint64
		total  int
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, match, 200).Result()
		if err != nil {
			return total, fmt.Errorf("cache/redis: scan: %w", err)
		}
		if del && len(keys) > 0 {
			n, err := r.client.Unlink(ctx, keys...).Result()
			if err != nil {
				return total, fmt.Errorf("cache/redis: delete: %w", err)
			}
			total += int(n)
		} else {
			total += len(keys)
		}
		cursor = next
		if cursor == 0 {
			return total, nil
		}
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string { return globEscaper.Replace(s) }
