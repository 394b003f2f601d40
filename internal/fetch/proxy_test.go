package fetch

import (
	"context"
	"testing"
	"time"

	"github.com/ternarybob/arbor"
)

func TestProxyPoolRotation(t *testing.T) {
	pool := NewProxyPool([]string{"http://proxy-a:8080", "http://proxy-b:8080"}, time.Minute, arbor.NewLogger())

	first := pool.Next()
	second := pool.Next()
	third := pool.Next()

	if first == nil || second == nil || third == nil {
		t.Fatal("Pool with two proxies should always return one")
	}
	if first.Host != "proxy-a:8080" || second.Host != "proxy-b:8080" {
		t.Errorf("Expected round-robin order, got %s then %s", first.Host, second.Host)
	}
	if third.Host != first.Host {
		t.Errorf("Rotation should wrap around, got %s", third.Host)
	}
}

func TestProxyPoolQuarantine(t *testing.T) {
	pool := NewProxyPool([]string{"http://proxy-a:8080", "http://proxy-b:8080"}, 50*time.Millisecond, arbor.NewLogger())

	bad := pool.Next()
	pool.MarkFailure(bad)

	for i := 0; i < 4; i++ {
		next := pool.Next()
		if next.Host == bad.Host {
			t.Fatalf("Quarantined proxy %s returned during cooldown", bad.Host)
		}
	}

	time.Sleep(60 * time.Millisecond)

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		seen[pool.Next().Host] = true
	}
	if !seen[bad.Host] {
		t.Errorf("Proxy %s should rejoin rotation after cooldown", bad.Host)
	}
}

func TestProxyPoolAllQuarantined(t *testing.T) {
	pool := NewProxyPool([]string{"http://proxy-a:8080", "http://proxy-b:8080"}, time.Hour, arbor.NewLogger())

	first := pool.Next()
	pool.MarkFailure(first)
	time.Sleep(2 * time.Millisecond)
	second := pool.Next()
	pool.MarkFailure(second)

	// With everything quarantined the pool reuses the oldest failure
	// instead of stalling.
	fallback := pool.Next()
	if fallback == nil {
		t.Fatal("Fully quarantined pool should still serve a proxy")
	}
	if fallback.Host != first.Host {
		t.Errorf("Expected oldest failure %s, got %s", first.Host, fallback.Host)
	}
}

func TestProxyPoolMarkSuccessLiftsQuarantine(t *testing.T) {
	pool := NewProxyPool([]string{"http://proxy-a:8080", "http://proxy-b:8080"}, time.Hour, arbor.NewLogger())

	bad := pool.Next()
	pool.MarkFailure(bad)
	pool.MarkSuccess(bad)

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		seen[pool.Next().Host] = true
	}
	if !seen[bad.Host] {
		t.Error("MarkSuccess should return the proxy to rotation")
	}
}

func TestProxyPoolDropsUnparseableEntries(t *testing.T) {
	pool := NewProxyPool([]string{"://bad", "not-a-url", "http://good:8080"}, time.Minute, arbor.NewLogger())

	if pool.Empty() {
		t.Fatal("Pool should keep the one valid proxy")
	}
	for i := 0; i < 3; i++ {
		if got := pool.Next(); got.Host != "good:8080" {
			t.Errorf("Expected only the valid proxy, got %s", got.Host)
		}
	}
}

func TestProxyPoolEmpty(t *testing.T) {
	pool := NewProxyPool(nil, time.Minute, arbor.NewLogger())

	if !pool.Empty() {
		t.Error("Pool without proxies should report empty")
	}
	if pool.Next() != nil {
		t.Error("Empty pool should return nil")
	}
}

func TestAgentPoolRotation(t *testing.T) {
	pool := newAgentPool([]string{"a", "b", "c"}, true)

	got := []string{pool.Next(), pool.Next(), pool.Next(), pool.Next()}
	want := []string{"a", "b", "c", "a"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected rotation %v, got %v", want, got)
		}
	}
}

func TestAgentPoolFixed(t *testing.T) {
	pool := newAgentPool([]string{"a", "b"}, false)

	for i := 0; i < 3; i++ {
		if got := pool.Next(); got != "a" {
			t.Errorf("Rotation disabled should pin the first agent, got %q", got)
		}
	}
}

func TestAgentPoolEmpty(t *testing.T) {
	pool := newAgentPool(nil, true)
	if got := pool.Next(); got != "" {
		t.Errorf("Empty pool should return empty string, got %q", got)
	}
}

func TestHostLimiterSeparatesHosts(t *testing.T) {
	limiter := newHostLimiter(time.Hour)

	start := time.Now()
	if err := limiter.Wait(context.Background(), "http://host-a/page"); err != nil {
		t.Fatalf("First wait failed: %v", err)
	}
	if err := limiter.Wait(context.Background(), "http://host-b/page"); err != nil {
		t.Fatalf("Second wait failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Distinct hosts should not pace each other, elapsed %v", elapsed)
	}
}

func TestHostLimiterHonorsContext(t *testing.T) {
	limiter := newHostLimiter(time.Hour)

	if err := limiter.Wait(context.Background(), "http://host-a/"); err != nil {
		t.Fatalf("First wait failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := limiter.Wait(ctx, "http://host-a/"); err == nil {
		t.Error("Second wait inside the interval should fail with the context deadline")
	}
}

func TestHostLimiterZeroIntervalPassesThrough(t *testing.T) {
	limiter := newHostLimiter(0)

	for i := 0; i < 5; i++ {
		if err := limiter.Wait(context.Background(), "http://host-a/"); err != nil {
			t.Fatalf("Wait %d failed: %v", i, err)
		}
	}
}
