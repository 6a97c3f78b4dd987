package resilience

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"github.com/cadencehq/cadence/internal/config"
)

// ErrRateLimited means a token bucket rejected the call in fail-fast mode.
var ErrRateLimited = errors.New("rate limit exceeded")

// LimiterRegistry holds the global token bucket plus one per provider.
// Enforcement happens before the circuit call. Callers choose between
// Allow (reject immediately, the webhook path) and Wait (block up to the
// context deadline, the scheduler path).
type LimiterRegistry struct {
	global    *rate.Limiter
	providers map[string]*rate.Limiter
}

// NewLimiterRegistry builds buckets from config.
func NewLimiterRegistry(global config.RateLimitConfig, providers map[string]config.ProviderConfig) *LimiterRegistry {
	r := &LimiterRegistry{
		global:    rate.NewLimiter(rate.Limit(global.GlobalPerSecond), global.GlobalBurst),
		providers: make(map[string]*rate.Limiter, len(providers)),
	}
	for name, p := range providers {
		r.providers[name] = rate.NewLimiter(rate.Limit(p.RatePerSecond), p.Burst)
	}
	return r
}

func (r *LimiterRegistry) forProvider(name string) *rate.Limiter {
	if l, ok := r.providers[name]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(10), 20)
	r.providers[name] = l
	return l
}

// Allow consumes one token from the global and provider buckets without
// blocking. Returns ErrRateLimited when either bucket is dry. A token
// taken from the global bucket is not returned on provider rejection;
// both buckets refill continuously so the skew is short-lived.
func (r *LimiterRegistry) Allow(providerName string) error {
	if !r.global.Allow() {
		return ErrRateLimited
	}
	if !r.forProvider(providerName).Allow() {
		return ErrRateLimited
	}
	return nil
}

// Wait blocks until both buckets grant a token or ctx expires.
func (r *LimiterRegistry) Wait(ctx context.Context, providerName string) error {
	if err := r.global.Wait(ctx); err != nil {
		return err
	}
	return r.forProvider(providerName).Wait(ctx)
}
