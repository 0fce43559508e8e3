package resilience

import (
	"testing"
	"time"
)

func TestRateLimiterAllowsBurst(t *testing.T) {
	rl := NewRateLimiter("test", RateLimiterConfig{RequestsPerSecond: 1, BurstSize: 3})

	for i := 0; i < 3; i++ {
		if !rl.Allow() {
			t.Fatalf("expected call %d to be allowed within burst", i)
		}
	}
	if rl.Allow() {
		t.Fatal("expected call beyond burst to be denied")
	}
}

func TestRateLimiterRefillsOverTime(t *testing.T) {
	rl := NewRateLimiter("test", RateLimiterConfig{RequestsPerSecond: 100, BurstSize: 1})

	if !rl.Allow() {
		t.Fatal("expected first call to be allowed")
	}
	if rl.Allow() {
		t.Fatal("expected immediate second call to be denied")
	}

	time.Sleep(20 * time.Millisecond)

	if !rl.Allow() {
		t.Fatal("expected call to be allowed after refill window")
	}
}

func TestRateLimiterTokensClampedToCapacity(t *testing.T) {
	rl := NewRateLimiter("test", RateLimiterConfig{RequestsPerSecond: 1000, BurstSize: 5})

	time.Sleep(50 * time.Millisecond)
	rl.Allow()

	if tokens := rl.Tokens(); tokens > 5 {
		t.Fatalf("expected tokens to be clamped to burst size, got %f", tokens)
	}
}

func TestRateLimiterManagerIsolatesKeys(t *testing.T) {
	mgr := NewRateLimiterManager(RateLimiterConfig{RequestsPerSecond: 1, BurstSize: 1})

	if !mgr.Allow("tenant-a") {
		t.Fatal("expected first call for tenant-a to be allowed")
	}
	if mgr.Allow("tenant-a") {
		t.Fatal("expected second call for tenant-a to be denied")
	}
	if !mgr.Allow("tenant-b") {
		t.Fatal("expected tenant-b to have its own independent bucket")
	}
}

func TestRateLimiterManagerReturnsSameLimiterForKey(t *testing.T) {
	mgr := NewRateLimiterManager(RateLimiterConfig{RequestsPerSecond: 1, BurstSize: 1})

	first := mgr.GetRateLimiter("tenant-a")
	second := mgr.GetRateLimiter("tenant-a")

	if first != second {
		t.Fatal("expected the same limiter instance to be returned for the same key")
	}
}
