package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/cadencehq/cadence/internal/config"
	"github.com/cadencehq/cadence/internal/domain"
)

// Lemlist is the primary email channel adapter.
type Lemlist struct {
	cfg        config.ProviderConfig
	httpClient *http.Client
}

// NewLemlist creates a Lemlist adapter.
func NewLemlist(cfg config.ProviderConfig) *Lemlist {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.lemlist.com/api"
	}
	return &Lemlist{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout()},
	}
}

func (l *Lemlist) Name() string            { return "lemlist" }
func (l *Lemlist) Channel() domain.Channel { return domain.ChannelEmail }

type lemlistSendPayload struct {
	LeadID         string `json:"leadId"`
	Content        string `json:"content"`
	StepNumber     int    `json:"step"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

type lemlistSendResponse struct {
	MessageID string `json:"messageId"`
}

// Send delivers one email step through the Lemlist API.
func (l *Lemlist) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if err := l.ValidateConfig(); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(lemlistSendPayload{
		LeadID:         req.ContactID,
		Content:        req.Step.Content,
		StepNumber:     req.Step.StepNumber,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal send payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.cfg.BaseURL+"/emails/send", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.SetBasicAuth("", l.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := l.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, &APIError{Provider: "lemlist", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var sr lemlistSendResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fmt.Errorf("parse send response: %w", err)
	}
	return &SendResult{ProviderMessageID: sr.MessageID}, nil
}

// GetStatus is unsupported: email sends are synchronous.
func (l *Lemlist) GetStatus(ctx context.Context, providerID string) (*AssetStatus, error) {
	return nil, fmt.Errorf("lemlist has no async assets")
}

// VerifyWebhook checks the X-Lemlist-Signature HMAC over the raw bytes.
func (l *Lemlist) VerifyWebhook(raw []byte, headers http.Header) bool {
	return verifyHMACHex(l.cfg.WebhookSecret, raw, headers.Get("X-Lemlist-Signature"))
}

type lemlistWebhookEvent struct {
	Type      string         `json:"type"`
	EventID   string         `json:"eventId"`
	MessageID string         `json:"messageId"`
	SentAt    any            `json:"sentAt"`
	Extra     map[string]any `json:"extra"`
}

// ParseWebhookEvent translates a Lemlist payload (single event or batch)
// into raw events.
func (l *Lemlist) ParseWebhookEvent(raw []byte) ([]RawEvent, error) {
	// Lemlist posts a single object per request, but batch arrays show up
	// on replay; accept both.
	var batch []lemlistWebhookEvent
	if err := json.Unmarshal(raw, &batch); err != nil {
		var single lemlistWebhookEvent
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil, fmt.Errorf("parse lemlist webhook: %w", err)
		}
		batch = []lemlistWebhookEvent{single}
	}

	out := make([]RawEvent, 0, len(batch))
	for _, ev := range batch {
		out = append(out, RawEvent{
			Type:              ev.Type,
			ProviderEventID:   ev.EventID,
			ProviderMessageID: ev.MessageID,
			Timestamp:         ev.SentAt,
			Metadata:          ev.Extra,
		})
	}
	return out, nil
}

// ValidateConfig checks required credentials.
func (l *Lemlist) ValidateConfig() error {
	if l.cfg.APIKey == "" {
		return fmt.Errorf("%w: lemlist api key missing", ErrNotConfigured)
	}
	return nil
}

// GetQuotaStatus queries the team quota endpoint.
func (l *Lemlist) GetQuotaStatus(ctx context.Context) (*QuotaStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, l.cfg.BaseURL+"/team/quota", nil)
	if err != nil {
		return nil, err
	}
	httpReq.SetBasicAuth("", l.cfg.APIKey)

	resp, err := l.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("quota request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Provider: "lemlist", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var q struct {
		Remaining int `json:"remaining"`
		Limit     int `json:"limit"`
	}
	if err := json.Unmarshal(body, &q); err != nil {
		return nil, fmt.Errorf("parse quota: %w", err)
	}
	return &QuotaStatus{Remaining: q.Remaining, Limit: q.Limit}, nil
}

// GetCapabilities advertises the adapter's feature set.
func (l *Lemlist) GetCapabilities() Capabilities {
	return Capabilities{
		Channels:       []domain.Channel{domain.ChannelEmail},
		IdempotentSend: true,
	}
}
