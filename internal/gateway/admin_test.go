package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ngurrapathways/edge/internal/cache"
	"github.com/ngurrapathways/edge/internal/ratelimit"
	"github.com/ngurrapathways/edge/internal/ratelimit/memory"
)

func TestAdminInvalidateCache(t *testing.T) {
	ctx := context.Background()
	b := cache.NewMemory(10)
	now := time.Now()
	for _, k := range []string{"GET:/api/jobs|anon", "GET:/api/events|anon"} {
		_ = b.Set(ctx, cache.Entry{Key: k, Status: 200, CreatedAt: now, ExpiresAt: now.Add(time.Hour)})
	}
	a := &Admin{Cache: b}

	w := httptest.NewRecorder()
	a.InvalidateCache(w, httptest.NewRequest(http.MethodPost, "/admin/cache/invalidate?pattern=jobs", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Removed int `json:"removed"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body.Removed != 1 {
		t.Errorf("removed = %d, want 1", body.Removed)
	}

	w = httptest.NewRecorder()
	a.CacheStats(w, httptest.NewRequest(http.MethodGet, "/admin/cache/stats", nil))
	var stats struct {
		Enabled bool `json:"enabled"`
		Entries int  `json:"entries"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &stats)
	if !stats.Enabled || stats.Entries != 1 {
		t.Errorf("stats = %+v, want enabled with 1 entry", stats)
	}
}

func TestAdminCacheDisabled(t *testing.T) {
	a := &Admin{}
	w := httptest.NewRecorder()
	a.InvalidateCache(w, httptest.NewRequest(http.MethodPost, "/admin/cache/invalidate", nil))
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestAdminResetRateLimit(t *testing.T) {
	lim := memory.New()
	table := ratelimit.NewTable(nil)
	p := table.Lookup(ratelimit.Authenticated)
	now := time.Now()
	for i := 0; i < 3; i++ {
		_, _ = lim.Allow(context.Background(), p.Key("user:42"), p, now)
	}
	a := &Admin{Limiter: lim, Policies: table}

	w := httptest.NewRecorder()
	a.ResetRateLimit(w, httptest.NewRequest(http.MethodPost, "/admin/ratelimit/reset?key=user:42", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	dec, _ := lim.Allow(context.Background(), p.Key("user:42"), p, now)
	if dec.Remaining != p.Max-1 {
		t.Errorf("remaining = %d, want %d", dec.Remaining, p.Max-1)
	}

	w = httptest.NewRecorder()
	a.ResetRateLimit(w, httptest.NewRequest(http.MethodPost, "/admin/ratelimit/reset?key=42", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("bare key: status = %d, want 400", w.Code)
	}
}
