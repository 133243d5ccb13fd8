package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestFixedWindowLimiterEnforcesLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(mr.Addr(), "", "test:ratelimit", 3, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}

	for i := 0; i < 3; i++ {
		if !limiter.Allow("login|10.0.0.1") {
			t.Fatalf("request %d should be within quota", i+1)
		}
	}
	if limiter.Allow("login|10.0.0.1") {
		t.Fatal("fourth request should be rejected")
	}
	// Different keys have independent quotas.
	if !limiter.Allow("login|10.0.0.2") {
		t.Fatal("different key should be within quota")
	}
}

func TestFixedWindowLimiterResetsAfterWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(mr.Addr(), "", "test:ratelimit", 1, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	if !limiter.Allow("k") {
		t.Fatal("first request should pass")
	}
	if limiter.Allow("k") {
		t.Fatal("second request in window should be rejected")
	}
	time.Sleep(60 * time.Millisecond)
	mr.FastForward(60 * time.Millisecond)
	if !limiter.Allow("k") {
		t.Fatal("request in next window should pass")
	}
}

func TestFixedWindowLimiterRejectsBadConfig(t *testing.T) {
	if _, err := NewRedisFixedWindowLimiter("localhost:6379", "", "", 0, time.Minute); err == nil {
		t.Fatal("zero limit should be rejected")
	}
	if _, err := NewRedisFixedWindowLimiter("", "", "", 5, time.Minute); err == nil {
		t.Fatal("missing addr should be rejected")
	}
}

func TestFixedWindowLimiterFailsClosedWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(mr.Addr(), "", "test:ratelimit", 5, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	mr.Close()
	if limiter.Allow("k") {
		t.Fatal("limiter should fail closed when redis is unreachable")
	}
}
