// Package provider defines the uniform contract over outbound channels
// (email, LinkedIn, video) and the adapters that implement it. The engine
// never branches on provider identity: everything it needs flows through
// the Provider interface and the Registry.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/cadencehq/cadence/internal/domain"
)

// Sentinel errors.
var (
	// ErrSignatureInvalid means webhook verification failed (or no secret
	// is configured: verification fails closed).
	ErrSignatureInvalid = errors.New("webhook signature verification failed")
	// ErrNotConfigured means the provider is missing required config.
	ErrNotConfigured = errors.New("provider not configured")
	// ErrQuotaExceeded means the provider-side quota is exhausted.
	ErrQuotaExceeded = errors.New("provider quota exceeded")
)

// APIError is a provider HTTP error carrying the status code for
// retryability classification.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// Retryable reports whether the error is transient: 429 and 5xx retry,
// other 4xx do not.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsRetryable classifies an arbitrary provider error. Network errors
// (anything that is not an APIError) count as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSignatureInvalid) || errors.Is(err, ErrNotConfigured) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}

// SendRequest carries everything a provider needs to execute one step.
type SendRequest struct {
	EnrollmentID string
	ContactID    string
	InstanceID   string
	Step         domain.SequenceStep
	// IdempotencyKey is caller-supplied, derived from (enrollment, step),
	// and forwarded to providers that support dedup.
	IdempotencyKey string
	// AccountIdentifier names the sending seat for channels with
	// per-account caps.
	AccountIdentifier string
}

// SendResult is the provider's acknowledgment of an accepted send.
type SendResult struct {
	ProviderMessageID string
	ProviderActionID  string
}

// AssetStatus reports the state of an async asset (video generation).
type AssetStatus struct {
	Status       domain.VideoStatus
	VideoURL     string
	ThumbnailURL string
	Progress     int
}

// RawEvent is a provider webhook event translated out of provider-specific
// framing but not yet normalized against database state.
type RawEvent struct {
	Type              string
	ProviderEventID   string
	ProviderMessageID string
	// Timestamp is the provider's raw timestamp value: epoch seconds,
	// epoch milliseconds, or an ISO-8601 string. The normalizer owns the
	// heuristic.
	Timestamp any
	Metadata  map[string]any

	// Video fields, populated by video providers only.
	VideoID       string
	VideoURL      string
	VideoStatus   string
	VideoDuration int
}

// QuotaStatus describes remaining provider-side capacity.
type QuotaStatus struct {
	Remaining int
	Limit     int
	ResetsIn  string
}

// Capabilities advertises what a provider supports.
type Capabilities struct {
	Channels       []domain.Channel
	AsyncAssets    bool
	IdempotentSend bool
}

// Provider is the uniform contract over external channels.
type Provider interface {
	// Name returns the provider's registry key (e.g. "lemlist").
	Name() string
	// Channel returns the delivery channel this provider serves.
	Channel() domain.Channel

	// Send executes one sequence step. The idempotency key in req guards
	// against duplicate external sends on retry.
	Send(ctx context.Context, req SendRequest) (*SendResult, error)
	// GetStatus polls an async asset by provider id.
	GetStatus(ctx context.Context, providerID string) (*AssetStatus, error)

	// VerifyWebhook checks a webhook signature against the exact raw
	// request bytes. Must use constant-time comparison and must return
	// false when no secret is configured.
	VerifyWebhook(raw []byte, headers http.Header) bool
	// ParseWebhookEvent translates a raw payload into provider-agnostic
	// events. A single request may carry a batch.
	ParseWebhookEvent(raw []byte) ([]RawEvent, error)

	ValidateConfig() error
	GetQuotaStatus(ctx context.Context) (*QuotaStatus, error)
	GetCapabilities() Capabilities
}

// Registry resolves providers by name, channel, and webhook header.
type Registry struct {
	byName    map[string]Provider
	byChannel map[domain.Channel]Provider
}

// NewRegistry builds a registry over the given providers. Later providers
// win channel conflicts, which lets config order express preference.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{
		byName:    make(map[string]Provider),
		byChannel: make(map[domain.Channel]Provider),
	}
	for _, p := range providers {
		r.byName[p.Name()] = p
		r.byChannel[p.Channel()] = p
	}
	return r
}

// ByName returns the provider registered under name.
func (r *Registry) ByName(name string) (Provider, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// ByChannel returns the provider serving the channel.
func (r *Registry) ByChannel(ch domain.Channel) (Provider, bool) {
	p, ok := r.byChannel[ch]
	return p, ok
}

// webhookHeaders maps the distinguishing request header to the provider
// registry key.
var webhookHeaders = map[string]string{
	"X-Lemlist-Signature":   "lemlist",
	"X-Postmark-Signature":  "postmark",
	"X-Phantombuster-Token": "phantombuster",
	"X-Heygen-Signature":    "heygen",
}

// ByWebhookHeader picks the provider for an incoming webhook request by
// its distinguishing header.
func (r *Registry) ByWebhookHeader(h http.Header) (Provider, bool) {
	for header, name := range webhookHeaders {
		if h.Get(header) == "" {
			continue
		}
		if p, ok := r.byName[name]; ok {
			return p, true
		}
	}
	return nil, false
}

// All returns every registered provider.
func (r *Registry) All() []Provider {
	out := make([]Provider, 0, len(r.byName))
	for _, p := range r.byName {
		out = append(out, p)
	}
	return out
}
