package gateway

import (
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/hlog"

	"github.com/ngurrapathways/edge/internal/cache"
	"github.com/ngurrapathways/edge/internal/ratelimit"
)

// Admin serves the operator endpoints. Mount it behind auth.RequireAdmin.
type Admin struct {
	Cache    cache.Backend // nil when caching is disabled
	Limiter  ratelimit.Limiter
	Policies *ratelimit.Table
}

// CacheStats reports whether caching is on and how many entries are held.
func (a *Admin) CacheStats(w http.ResponseWriter, r *http.Request) {
	if a.Cache == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false, "entries": 0})
		return
	}
	n, err := a.Cache.Len(r.Context())
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("cache stats")
		writeError(w, http.StatusBadGateway, "cache_unavailable", "cache backend unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": true, "entries": n})
}

// InvalidateCache drops entries whose key contains ?pattern=. An empty
// pattern clears the cache.
func (a *Admin) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	if a.Cache == nil {
		writeError(w, http.StatusConflict, "cache_disabled", "response cache is disabled")
		return
	}
	pattern := r.URL.Query().Get("pattern")
	n, err := Invalidator{Backend: a.Cache}.Invalidate(r.Context(), pattern)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("pattern", pattern).Msg("cache invalidation")
		writeError(w, http.StatusBadGateway, "cache_unavailable", "cache backend unavailable")
		return
	}
	hlog.FromRequest(r).Info().Str("pattern", pattern).Int("removed", n).Msg("cache invalidated by admin")
	writeJSON(w, http.StatusOK, map[string]any{"pattern": pattern, "removed": n})
}

// ResetRateLimit clears a caller's counters under every policy.
// ?key= is a caller key such as "user:42" or "ip:203.0.113.9".
func (a *Admin) ResetRateLimit(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if !strings.HasPrefix(key, "user:") && !strings.HasPrefix(key, "ip:") {
		writeError(w, http.StatusBadRequest, "invalid_key", `key must look like "user:<id>" or "ip:<addr>"`)
		return
	}
	if a.Limiter == nil {
		writeError(w, http.StatusConflict, "ratelimit_disabled", "rate limiting is disabled")
		return
	}
	policies := a.Policies
	if policies == nil {
		policies = ratelimit.NewTable(nil)
	}

	var errs []error
	for _, p := range policies.Policies() {
		errs = append(errs, a.Limiter.Reset(r.Context(), p.Key(key)))
	}
	if err := errors.Join(errs...); err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("key", key).Msg("rate limit reset")
		writeError(w, http.StatusBadGateway, "store_unavailable", "rate limit store unavailable")
		return
	}
	hlog.FromRequest(r).Info().Str("key", key).Msg("rate limit reset by admin")
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "policies": len(policies.Policies())})
}
