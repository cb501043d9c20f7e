package memory

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ngurrapathways/edge/internal/ratelimit"
)

func testPolicy(window time.Duration, max int) ratelimit.Policy {
	return ratelimit.Policy{Name: "test", Window: window, Max: max, KeyPrefix: "rl:test"}
}

func TestAllowThreePerMinuteThenReject(t *testing.T) {
	l := New()
	ctx := context.Background()
	p := testPolicy(time.Minute, 3)
	start := time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		dec, err := l.Allow(ctx, "ip:1.2.3.4", p, start.Add(time.Duration(i)*300*time.Millisecond))
		if err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		if !dec.Allowed {
			t.Fatalf("request %d: expected allowed", i+1)
		}
		if dec.Remaining != 2-i {
			t.Errorf("request %d: remaining = %d, want %d", i+1, dec.Remaining, 2-i)
		}
	}

	dec, err := l.Allow(ctx, "ip:1.2.3.4", p, start.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if dec.Allowed {
		t.Fatal("expected 4th request within the minute to be rejected")
	}
	if dec.RetryAfter <= 0 || dec.RetryAfter > time.Minute {
		t.Errorf("retry after = %s, want within (0, 60s]", dec.RetryAfter)
	}
	if dec.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", dec.Remaining)
	}

	dec, err = l.Allow(ctx, "ip:1.2.3.4", p, start.Add(61*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if !dec.Allowed {
		t.Fatal("expected request after 61s to be allowed")
	}
}

func TestDeniedRequestsAreNotCounted(t *testing.T) {
	l := New()
	ctx := context.Background()
	p := testPolicy(10*time.Second, 1)
	start := time.Unix(1_700_000_000, 0)

	if dec, _ := l.Allow(ctx, "k", p, start); !dec.Allowed {
		t.Fatal("first request should pass")
	}
	for i := 1; i <= 5; i++ {
		if dec, _ := l.Allow(ctx, "k", p, start.Add(time.Duration(i)*time.Second)); dec.Allowed {
			t.Fatalf("request at +%ds should be denied", i)
		}
	}
	// The single admitted hit expires at +10s exactly.
	if dec, _ := l.Allow(ctx, "k", p, start.Add(10*time.Second)); !dec.Allowed {
		t.Fatal("expected allow once the admitted hit left the window")
	}
}

func TestResetTimeTracksOldestHit(t *testing.T) {
	l := New()
	ctx := context.Background()
	p := testPolicy(time.Minute, 2)
	start := time.Unix(1_700_000_000, 0)

	l.Allow(ctx, "k", p, start)
	l.Allow(ctx, "k", p, start.Add(20*time.Second))
	dec, _ := l.Allow(ctx, "k", p, start.Add(30*time.Second))

	if want := start.Add(time.Minute); !dec.Reset.Equal(want) {
		t.Errorf("reset = %s, want %s", dec.Reset, want)
	}
	if dec.RetryAfter != 30*time.Second {
		t.Errorf("retry after = %s, want 30s", dec.RetryAfter)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := New()
	ctx := context.Background()
	p := testPolicy(time.Minute, 1)
	now := time.Unix(1_700_000_000, 0)

	if dec, _ := l.Allow(ctx, "ip:10.0.0.1", p, now); !dec.Allowed {
		t.Fatal("expected first key allowed")
	}
	if dec, _ := l.Allow(ctx, "ip:10.0.0.2", p, now); !dec.Allowed {
		t.Fatal("expected second key allowed")
	}
}

func TestRejectsInvalidInput(t *testing.T) {
	l := New()
	ctx := context.Background()
	now := time.Now()

	if _, err := l.Allow(ctx, "", testPolicy(time.Minute, 1), now); err != ratelimit.ErrEmptyKey {
		t.Errorf("empty key: got %v, want ErrEmptyKey", err)
	}
	if _, err := l.Allow(ctx, "k", testPolicy(0, 1), now); err != ratelimit.ErrInvalidPolicy {
		t.Errorf("zero window: got %v, want ErrInvalidPolicy", err)
	}
}

func TestNeverExceedsMaxInAnyWindow(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ctx := context.Background()

	for round := 0; round < 50; round++ {
		l := New()
		window := time.Duration(1+rng.Intn(60)) * time.Second
		p := testPolicy(window, 1+rng.Intn(10))
		start := time.Unix(1_700_000_000, 0)

		arrivals := make([]time.Duration, 500)
		for i := range arrivals {
			arrivals[i] = time.Duration(rng.Int63n(int64(5 * window)))
		}
		sort.Slice(arrivals, func(i, j int) bool { return arrivals[i] < arrivals[j] })

		var admitted []time.Time
		for _, off := range arrivals {
			now := start.Add(off)
			dec, err := l.Allow(ctx, "k", p, now)
			if err != nil {
				t.Fatal(err)
			}
			if dec.Allowed {
				admitted = append(admitted, now)
			}
		}

		for i := 0; i+p.Max < len(admitted); i++ {
			if gap := admitted[i+p.Max].Sub(admitted[i]); gap < window {
				t.Fatalf("round %d: %d admits within %s (window %s, max %d)", round, p.Max+1, gap, window, p.Max)
			}
		}
	}
}

func TestCountResetsAfterQuietWindow(t *testing.T) {
	l := New()
	ctx := context.Background()
	p := testPolicy(time.Minute, 5)
	start := time.Unix(1_700_000_000, 0)

	for i := 0; i < 5; i++ {
		l.Allow(ctx, "k", p, start)
	}
	dec, _ := l.Allow(ctx, "k", p, start.Add(2*time.Minute))
	if !dec.Allowed || dec.Remaining != 4 {
		t.Fatalf("after quiet window: allowed=%v remaining=%d, want true/4", dec.Allowed, dec.Remaining)
	}
}

func TestResetClearsKey(t *testing.T) {
	l := New()
	ctx := context.Background()
	p := testPolicy(time.Minute, 1)
	now := time.Unix(1_700_000_000, 0)

	l.Allow(ctx, "k", p, now)
	if err := l.Reset(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if dec, _ := l.Allow(ctx, "k", p, now); !dec.Allowed {
		t.Fatal("expected allow after reset")
	}
}

func TestSweepRemovesIdleKeys(t *testing.T) {
	l := New(WithIdleTTL(time.Minute))
	ctx := context.Background()
	p := testPolicy(time.Minute, 1)
	start := time.Unix(1_700_000_000, 0)

	l.Allow(ctx, "old", p, start)
	l.Allow(ctx, "fresh", p, start.Add(90*time.Second))

	if got := l.Sweep(start.Add(2 * time.Minute)); got != 1 {
		t.Fatalf("sweep removed %d, want 1", got)
	}
	if got := l.Len(); got != 1 {
		t.Errorf("len = %d, want 1", got)
	}
	if dec, _ := l.Allow(ctx, "fresh", p, start.Add(2*time.Minute)); dec.Allowed {
		t.Error("fresh key should still be counted")
	}
}

func TestSweepKeepsKeysInsideLongWindows(t *testing.T) {
	l := New() // idle TTL shorter than the upload window
	ctx := context.Background()
	p := ratelimit.DefaultPolicies()[ratelimit.Upload]
	start := time.Unix(1_700_000_000, 0)

	for i := 0; i < p.Max; i++ {
		if dec, _ := l.Allow(ctx, "ip:1.2.3.4", p, start); !dec.Allowed {
			t.Fatalf("hit %d denied", i+1)
		}
	}

	if got := l.Sweep(start.Add(16 * time.Minute)); got != 0 {
		t.Fatalf("sweep removed %d keys still inside their window", got)
	}
	if dec, _ := l.Allow(ctx, "ip:1.2.3.4", p, start.Add(17*time.Minute)); dec.Allowed {
		t.Fatal("allowed more than max inside one window after a sweep")
	}

	if got := l.Sweep(start.Add(p.Window + 18*time.Minute)); got != 1 {
		t.Errorf("sweep after the window removed %d, want 1", got)
	}
}

func TestSweepSparesReplacedWindow(t *testing.T) {
	l := New(WithIdleTTL(time.Minute))
	ctx := context.Background()
	p := testPolicy(time.Minute, 1)
	start := time.Unix(1_700_000_000, 0)

	l.Allow(ctx, "k", p, start)
	v, _ := l.windows.Load("k")
	l.Reset(ctx, "k")
	l.Allow(ctx, "k", p, start.Add(5*time.Minute))

	// a stale entry must not delete the window stored after Reset
	if l.windows.CompareAndDelete("k", v) {
		t.Fatal("stale window still stored")
	}
	l.Sweep(start.Add(5 * time.Minute))
	if dec, _ := l.Allow(ctx, "k", p, start.Add(5*time.Minute)); dec.Allowed {
		t.Error("live window dropped by sweep")
	}
}

func TestConcurrentAllowNeverOvercounts(t *testing.T) {
	l := New()
	ctx := context.Background()
	p := testPolicy(time.Minute, 100)
	now := time.Unix(1_700_000_000, 0)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 300; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dec, err := l.Allow(ctx, "k", p, now)
			if err != nil {
				t.Error(err)
				return
			}
			if dec.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 100 {
		t.Errorf("allowed = %d, want 100", allowed)
	}
}
