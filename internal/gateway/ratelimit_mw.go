package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/ngurrapathways/edge/internal/auth"
	"github.com/ngurrapathways/edge/internal/ratelimit"
	"github.com/ngurrapathways/edge/internal/routing"
)

type AdmissionConfig struct {
	Enabled  bool
	Limiter  ratelimit.Limiter
	Policies *ratelimit.Table

	// Skip lists exact paths that are never counted (ops endpoints).
	Skip map[string]struct{}
	// TrustProxy honours X-Forwarded-For / X-Real-IP for anonymous keys.
	TrustProxy bool
	Now        func() time.Time

	OnLimited func(route string, policy ratelimit.PolicyName)
	OnError   func(route string)
}

type limitedBody struct {
	Error      string `json:"error"`
	RetryAfter int64  `json:"retryAfter"`
}

// Admission counts each request against the policy its caller and path
// classify to and rejects it with 429 once the window is full. A failing
// limiter lets the request through.
func Admission(cfg AdmissionConfig) Middleware {
	if !cfg.Enabled || cfg.Limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	if cfg.Policies == nil {
		cfg.Policies = ratelimit.NewTable(nil)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := cfg.Skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			var caller ratelimit.Caller
			if id, ok := auth.IdentityFrom(r.Context()); ok {
				caller = ratelimit.Caller{ID: id.ID, Role: id.Role, Tier: id.Tier}
			}

			routeID := "unknown"
			name := ratelimit.Classify(caller, r.URL.Path)
			if rt, ok := routing.RouteFrom(r); ok {
				if rt.ID != "" {
					routeID = rt.ID
				}
				if rt.Policy != "" {
					name = rt.Policy
				}
			}
			p := cfg.Policies.Lookup(name)
			key := p.Key(caller.Key(ClientAddr(r, cfg.TrustProxy)))

			dec, err := cfg.Limiter.Allow(r.Context(), key, p, cfg.Now())
			if err != nil {
				hlog.FromRequest(r).Error().Err(err).
					Str("route", routeID).
					Str("policy", string(p.Name)).
					Msg("rate limiter failed, allowing request")
				if cfg.OnError != nil {
					cfg.OnError(routeID)
				}
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(dec.Reset.Unix(), 10))
			h.Set("X-RateLimit-Policy", string(p.Name))

			if !dec.Allowed {
				secs := int64(dec.RetryAfter / time.Second)
				hlog.FromRequest(r).Info().
					Str("route", routeID).
					Str("policy", string(p.Name)).
					Str("key", key).
					Int64("retry_after", secs).
					Msg("rate limited")
				if cfg.OnLimited != nil {
					cfg.OnLimited(routeID, p.Name)
				}
				h.Set("Retry-After", strconv.FormatInt(secs, 10))
				writeJSON(w, http.StatusTooManyRequests, limitedBody{Error: p.Message, RetryAfter: secs})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
