package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cadencehq/cadence/internal/config"
)

func TestAllowFailsFastWhenDry(t *testing.T) {
	r := NewLimiterRegistry(
		config.RateLimitConfig{GlobalPerSecond: 1000, GlobalBurst: 1000},
		map[string]config.ProviderConfig{
			"lemlist": {RatePerSecond: 1, Burst: 2},
		},
	)

	if err := r.Allow("lemlist"); err != nil {
		t.Fatalf("first call should pass: %v", err)
	}
	if err := r.Allow("lemlist"); err != nil {
		t.Fatalf("second call should pass: %v", err)
	}
	if err := r.Allow("lemlist"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestGlobalBucketCapsAllProviders(t *testing.T) {
	r := NewLimiterRegistry(
		config.RateLimitConfig{GlobalPerSecond: 1, GlobalBurst: 1},
		map[string]config.ProviderConfig{
			"a": {RatePerSecond: 100, Burst: 100},
			"b": {RatePerSecond: 100, Burst: 100},
		},
	)

	if err := r.Allow("a"); err != nil {
		t.Fatalf("first call should pass: %v", err)
	}
	if err := r.Allow("b"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected global bucket to reject, got %v", err)
	}
}

func TestWaitBlocksUntilToken(t *testing.T) {
	r := NewLimiterRegistry(
		config.RateLimitConfig{GlobalPerSecond: 1000, GlobalBurst: 1000},
		map[string]config.ProviderConfig{
			"lemlist": {RatePerSecond: 20, Burst: 1},
		},
	)

	// Drain the burst, then Wait should block roughly one refill interval.
	if err := r.Allow("lemlist"); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := r.Wait(context.Background(), "lemlist"); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Fatalf("expected wait to block, returned after %v", elapsed)
	}
}

func TestWaitHonorsDeadline(t *testing.T) {
	r := NewLimiterRegistry(
		config.RateLimitConfig{GlobalPerSecond: 1000, GlobalBurst: 1000},
		map[string]config.ProviderConfig{
			"slow": {RatePerSecond: 0.001, Burst: 1},
		},
	)
	r.Allow("slow")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Wait(ctx, "slow"); err == nil {
		t.Fatal("expected deadline error")
	}
}

func TestUnknownProviderGetsDefaultBucket(t *testing.T) {
	r := NewLimiterRegistry(config.RateLimitConfig{GlobalPerSecond: 1000, GlobalBurst: 1000}, nil)
	if err := r.Allow("unseen"); err != nil {
		t.Fatalf("expected default bucket to allow: %v", err)
	}
}
