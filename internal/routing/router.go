package routing

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ngurrapathways/edge/internal/ratelimit"
)

// CacheRule says whether and how GET responses on a route are memoized.
// A zero TTL disables caching.
type CacheRule struct {
	TTL        time.Duration
	PublicOnly bool // authenticated callers bypass the cache
}

type Route struct {
	ID      string
	Methods map[string]struct{} // empty means any method
	Prefix  string
	UpURL   *url.URL
	Timeout time.Duration

	// Policy pins an admission policy; empty lets the classifier decide.
	Policy ratelimit.PolicyName
	Cache  CacheRule
	// Invalidates lists cache patterns dropped after a successful mutation.
	Invalidates []string
}

// InvalidationPatterns defaults to the route id.
func (rt *Route) InvalidationPatterns() []string {
	if len(rt.Invalidates) > 0 {
		return rt.Invalidates
	}
	if rt.ID == "" {
		return nil
	}
	return []string{rt.ID}
}

func (rt *Route) allows(method string) bool {
	if len(rt.Methods) == 0 {
		return true
	}
	_, ok := rt.Methods[method]
	return ok
}

type Router struct {
	routes []*Route
}

func New() *Router {
	return &Router{}
}

func (r *Router) Add(rt *Route) {
	r.routes = append(r.routes, rt)
}

func (r *Router) Routes() []*Route {
	return r.routes
}

// Match returns the first route, in insertion order, whose prefix covers
// path and which accepts method.
func (r *Router) Match(method string, path string) (*Route, bool) {
	m := strings.ToUpper(method)
	for _, rt := range r.routes {
		if !rt.allows(m) {
			continue
		}
		if ratelimit.UnderPrefix(path, strings.TrimSpace(rt.Prefix)) {
			return rt, true
		}
	}
	return nil, false
}

// --- context helpers ---
type ctxKey int

const keyRoute ctxKey = 0

func WithRoute(r *http.Request, rt *Route) *http.Request {
	ctx := context.WithValue(r.Context(), keyRoute, rt)
	return r.WithContext(ctx)
}

func RouteFrom(r *http.Request) (*Route, bool) {
	v := r.Context().Value(keyRoute)
	if v == nil {
		return nil, false
	}
	rt, ok := v.(*Route)
	return rt, ok && rt != nil
}
