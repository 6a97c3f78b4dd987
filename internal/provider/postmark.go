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

// Postmark is the transactional email adapter, used by templates that
// route email through Postmark instead of Lemlist.
type Postmark struct {
	cfg        config.ProviderConfig
	httpClient *http.Client
}

// NewPostmark creates a Postmark adapter.
func NewPostmark(cfg config.ProviderConfig) *Postmark {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.postmarkapp.com"
	}
	return &Postmark{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout()},
	}
}

func (p *Postmark) Name() string            { return "postmark" }
func (p *Postmark) Channel() domain.Channel { return domain.ChannelEmail }

// Send delivers one email step through the Postmark API.
func (p *Postmark) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if err := p.ValidateConfig(); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]any{
		"To":       req.ContactID,
		"HtmlBody": req.Step.Content,
		"Metadata": map[string]string{
			"enrollment_id":   req.EnrollmentID,
			"step":            fmt.Sprintf("%d", req.Step.StepNumber),
			"idempotency_key": req.IdempotencyKey,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal send payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/email", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("X-Postmark-Server-Token", p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Provider: "postmark", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var sr struct {
		MessageID string `json:"MessageID"`
	}
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fmt.Errorf("parse send response: %w", err)
	}
	return &SendResult{ProviderMessageID: sr.MessageID}, nil
}

// GetStatus is unsupported: email sends are synchronous.
func (p *Postmark) GetStatus(ctx context.Context, providerID string) (*AssetStatus, error) {
	return nil, fmt.Errorf("postmark has no async assets")
}

// VerifyWebhook checks the X-Postmark-Signature HMAC over the raw bytes.
func (p *Postmark) VerifyWebhook(raw []byte, headers http.Header) bool {
	return verifyHMACHex(p.cfg.WebhookSecret, raw, headers.Get("X-Postmark-Signature"))
}

type postmarkWebhookEvent struct {
	RecordType string         `json:"RecordType"`
	ID         string         `json:"ID"`
	MessageID  string         `json:"MessageID"`
	ReceivedAt any            `json:"ReceivedAt"`
	Metadata   map[string]any `json:"Metadata"`
}

// ParseWebhookEvent translates a Postmark payload into raw events.
func (p *Postmark) ParseWebhookEvent(raw []byte) ([]RawEvent, error) {
	var ev postmarkWebhookEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("parse postmark webhook: %w", err)
	}
	return []RawEvent{{
		Type:              ev.RecordType,
		ProviderEventID:   ev.ID,
		ProviderMessageID: ev.MessageID,
		Timestamp:         ev.ReceivedAt,
		Metadata:          ev.Metadata,
	}}, nil
}

// ValidateConfig checks required credentials.
func (p *Postmark) ValidateConfig() error {
	if p.cfg.APIKey == "" {
		return fmt.Errorf("%w: postmark server token missing", ErrNotConfigured)
	}
	return nil
}

// GetQuotaStatus: Postmark has no hard quota endpoint; report unlimited.
func (p *Postmark) GetQuotaStatus(ctx context.Context) (*QuotaStatus, error) {
	return &QuotaStatus{Remaining: -1, Limit: -1}, nil
}

// GetCapabilities advertises the adapter's feature set.
func (p *Postmark) GetCapabilities() Capabilities {
	return Capabilities{
		Channels: []domain.Channel{domain.ChannelEmail},
	}
}
