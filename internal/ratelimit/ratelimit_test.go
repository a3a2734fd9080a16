package ratelimit

import (
	"testing"

	"github.com/hthuynh/cacheproxy/internal/config"
)

// TestBucketExhaustion verifies a bucket denies consumption once its
// burst capacity is spent.
func TestBucketExhaustion(t *testing.T) {
	tb := NewTokenBucket(3, 1)

	for i := 0; i < 3; i++ {
		if !tb.TryConsume(1) {
			t.Fatalf("expected token %d to be available", i)
		}
	}
	if tb.TryConsume(1) {
		t.Error("expected empty bucket to deny consumption")
	}
}

// TestLimiterPerClient verifies clients are limited independently.
func TestLimiterPerClient(t *testing.T) {
	l := NewLimiter(config.RateLimitConfig{
		Enabled:    true,
		Capacity:   1,
		RefillRate: 1,
	})

	if !l.Allow("10.0.0.1") {
		t.Fatal("expected first connection to be admitted")
	}
	if l.Allow("10.0.0.1") {
		t.Error("expected second connection from same client to be rejected")
	}
	if !l.Allow("10.0.0.2") {
		t.Error("expected a different client to be admitted")
	}
}

// TestNilLimiterAdmitsAll verifies disabled limiting is a nil limiter
// that admits everything.
func TestNilLimiterAdmitsAll(t *testing.T) {
	l := NewLimiter(config.RateLimitConfig{Enabled: false})
	if l != nil {
		t.Fatal("expected nil limiter when disabled")
	}
	if !l.Allow("10.0.0.1") {
		t.Error("expected nil limiter to admit")
	}
}
