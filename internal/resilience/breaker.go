// Package resilience is the fabric around external provider calls:
// per-provider circuit breakers, token-bucket rate limiters, and the
// error classification that feeds the retry policy.
package resilience

import (
	"context"
	"errors"

	"github.com/sony/gobreaker"

	"github.com/cadencehq/cadence/internal/config"
	"github.com/cadencehq/cadence/internal/pkg/logger"
	"github.com/cadencehq/cadence/internal/provider"
)

// Sentinel errors surfaced to callers.
var (
	// ErrCircuitOpen means the provider's breaker is rejecting calls.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrCapacity means the provider's in-flight cap is saturated.
	ErrCapacity = errors.New("provider capacity exhausted")
)

// Breaker wraps one provider's circuit breaker plus an in-flight
// concurrency cap.
type Breaker struct {
	name     string
	cb       *gobreaker.CircuitBreaker
	inflight chan struct{}
}

// NewBreaker builds a breaker from the shared config. Transition to open
// requires both the volume threshold and the error-rate threshold; client
// errors (4xx except 429) are filtered out of the failure math.
func NewBreaker(name string, cfg config.BreakerConfig) *Breaker {
	settings := gobreaker.Settings{
		Name: name,
		// One probe in half-open; success closes, failure re-opens.
		MaxRequests: 1,
		Interval:    cfg.RollingWindow(),
		Timeout:     cfg.ResetTimeout(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < uint32(cfg.VolumeThreshold) {
				return false
			}
			errorRate := float64(counts.TotalFailures) / float64(counts.Requests) * 100
			return errorRate >= cfg.ErrorThresholdPct
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Client errors are the caller's fault, not provider health.
			var apiErr *provider.APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && apiErr.StatusCode != 429 {
				return true
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"provider", name, "from", from.String(), "to", to.String())
		},
	}

	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 32
	}
	return &Breaker{
		name:     name,
		cb:       gobreaker.NewCircuitBreaker(settings),
		inflight: make(chan struct{}, capacity),
	}
}

// Execute runs fn through the in-flight cap and the breaker. Rejections
// surface as ErrCircuitOpen / ErrCapacity; fn's own error passes through.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case b.inflight <- struct{}{}:
		defer func() { <-b.inflight }()
	default:
		return ErrCapacity
	}

	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// ExecuteWithFallback runs fn and, on ErrCircuitOpen, runs fallback
// instead (e.g. serving a cached GET).
func (b *Breaker) ExecuteWithFallback(ctx context.Context, fn, fallback func(ctx context.Context) error) error {
	err := b.Execute(ctx, fn)
	if errors.Is(err, ErrCircuitOpen) && fallback != nil {
		return fallback(ctx)
	}
	return err
}

// State returns the breaker's current state name.
func (b *Breaker) State() string { return b.cb.State().String() }

// BreakerRegistry holds one breaker per provider, constructed at startup
// and passed by reference so tests can swap it.
type BreakerRegistry struct {
	breakers map[string]*Breaker
}

// NewBreakerRegistry builds breakers for the named providers.
func NewBreakerRegistry(cfg config.BreakerConfig, providers []string) *BreakerRegistry {
	r := &BreakerRegistry{breakers: make(map[string]*Breaker, len(providers))}
	for _, name := range providers {
		r.breakers[name] = NewBreaker(name, cfg)
	}
	return r
}

// For returns the provider's breaker, creating a default-config one for
// unknown names so callers never get nil.
func (r *BreakerRegistry) For(name string) *Breaker {
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, config.BreakerConfig{
		TimeoutSeconds: 30, RollingWindowSeconds: 60,
		VolumeThreshold: 10, ErrorThresholdPct: 50, Capacity: 32,
	})
	r.breakers[name] = b
	return b
}

// States reports every breaker's state, for health endpoints.
func (r *BreakerRegistry) States() map[string]string {
	out := make(map[string]string, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}
