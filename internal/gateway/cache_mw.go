package gateway

import (
	"bytes"
	"context"
	"errors"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/ngurrapathways/edge/internal/auth"
	"github.com/ngurrapathways/edge/internal/cache"
	"github.com/ngurrapathways/edge/internal/routing"
)

const (
	CacheHit    = "hit"
	CacheMiss   = "miss"
	CacheBypass = "bypass"
	CacheError  = "error"
)

type MemoizeConfig struct {
	Backend cache.Backend
	// MaxBodyBytes bounds what is stored; larger responses pass through uncached.
	MaxBodyBytes int
	Now          func() time.Time
	OnResult     func(route, result string)
}

// Invalidator drops cached responses by key substring.
type Invalidator struct {
	Backend cache.Backend
}

// Invalidate removes every entry matching any of patterns and returns the
// total removed. It keeps going past individual failures.
func (inv Invalidator) Invalidate(ctx context.Context, patterns ...string) (int, error) {
	var (
		total int
		errs  []error
	)
	for _, p := range patterns {
		n, err := inv.Backend.Invalidate(ctx, p)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// CacheKey identifies a cached GET: path, canonical query and caller.
func CacheKey(r *http.Request) string {
	key := "GET:" + r.URL.Path
	if q := r.URL.Query(); len(q) > 0 {
		key += "?" + q.Encode()
	}
	if id, ok := auth.IdentityFrom(r.Context()); ok {
		return key + "|user:" + id.ID
	}
	return key + "|anon"
}

// Memoize serves repeated GETs on routes with a cache TTL from the backend
// and drops matching entries after successful mutations. Backend failures
// are logged and the request is served uncached.
func Memoize(cfg MemoizeConfig) Middleware {
	if cfg.Backend == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	inv := Invalidator{Backend: cfg.Backend}
	report := func(route, result string) {
		if cfg.OnResult != nil {
			cfg.OnResult(route, result)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rt, ok := routing.RouteFrom(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			if isMutation(r.Method) {
				rec := &statusWriter{ResponseWriter: w}
				next.ServeHTTP(rec, r)
				if !is2xx(rec.code()) {
					return
				}
				ctx := context.WithoutCancel(r.Context())
				n, err := inv.Invalidate(ctx, rt.InvalidationPatterns()...)
				if err != nil {
					hlog.FromRequest(r).Error().Err(err).Str("route", rt.ID).Msg("cache invalidation failed")
					report(rt.ID, CacheError)
					return
				}
				hlog.FromRequest(r).Debug().Str("route", rt.ID).Int("removed", n).Msg("cache invalidated")
				return
			}

			if r.Method != http.MethodGet || rt.Cache.TTL <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			if _, authed := auth.IdentityFrom(r.Context()); authed && rt.Cache.PublicOnly {
				w.Header().Set("X-Cache", "BYPASS")
				report(rt.ID, CacheBypass)
				next.ServeHTTP(w, r)
				return
			}

			key := CacheKey(r)
			e, hit, err := cfg.Backend.Get(r.Context(), key, cfg.Now())
			if err != nil {
				hlog.FromRequest(r).Warn().Err(err).Str("key", key).Msg("cache read failed, serving uncached")
				report(rt.ID, CacheError)
				next.ServeHTTP(w, r)
				return
			}
			if hit {
				report(rt.ID, CacheHit)
				w.Header().Set("Content-Type", e.ContentType)
				w.Header().Set("X-Cache", "HIT")
				w.WriteHeader(e.Status)
				_, _ = w.Write(e.Body)
				return
			}

			report(rt.ID, CacheMiss)
			w.Header().Set("X-Cache", "MISS")
			tee := &teeWriter{statusWriter: statusWriter{ResponseWriter: w}, limit: cfg.MaxBodyBytes}
			next.ServeHTTP(tee, r)

			ct := w.Header().Get("Content-Type")
			if !is2xx(tee.code()) || !isJSON(ct) || tee.overflow {
				return
			}
			now := cfg.Now()
			entry := cache.Entry{
				Key:         key,
				Status:      tee.code(),
				ContentType: ct,
				Body:        tee.buf.Bytes(),
				CreatedAt:   now,
				ExpiresAt:   now.Add(rt.Cache.TTL),
			}
			if err := cfg.Backend.Set(context.WithoutCancel(r.Context()), entry); err != nil {
				hlog.FromRequest(r).Warn().Err(err).Str("key", key).Msg("cache write failed")
				report(rt.ID, CacheError)
			}
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// Flush lets streamed upstream responses through the recorder.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// teeWriter copies up to limit bytes of the body aside while writing it through.
type teeWriter struct {
	statusWriter
	buf      bytes.Buffer
	limit    int
	overflow bool
}

func (w *teeWriter) Write(b []byte) (int, error) {
	n, err := w.statusWriter.Write(b)
	if !w.overflow {
		if w.buf.Len()+n > w.limit {
			w.overflow = true
			w.buf.Reset()
		} else {
			w.buf.Write(b[:n])
		}
	}
	return n, err
}

func isMutation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func is2xx(code int) bool { return code >= 200 && code < 300 }

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}
