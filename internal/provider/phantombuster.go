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

// Phantombuster drives LinkedIn automation agents.
type Phantombuster struct {
	cfg        config.ProviderConfig
	httpClient *http.Client
}

// NewPhantombuster creates a Phantombuster adapter.
func NewPhantombuster(cfg config.ProviderConfig) *Phantombuster {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.phantombuster.com/api/v2"
	}
	return &Phantombuster{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout()},
	}
}

func (p *Phantombuster) Name() string            { return "phantombuster" }
func (p *Phantombuster) Channel() domain.Channel { return domain.ChannelLinkedIn }

// Send launches the agent for one LinkedIn step. The response's container
// id doubles as the action id for correlating agent results.
func (p *Phantombuster) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if err := p.ValidateConfig(); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]any{
		"id": req.AccountIdentifier,
		"argument": map[string]any{
			"profileId":      req.ContactID,
			"message":        req.Step.Content,
			"step":           req.Step.StepNumber,
			"idempotencyKey": req.IdempotencyKey,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal launch payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/agents/launch", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("X-Phantombuster-Key-1", p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

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
		return nil, &APIError{Provider: "phantombuster", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var sr struct {
		ContainerID string `json:"containerId"`
	}
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fmt.Errorf("parse launch response: %w", err)
	}
	return &SendResult{ProviderMessageID: sr.ContainerID, ProviderActionID: sr.ContainerID}, nil
}

// GetStatus polls a container's state.
func (p *Phantombuster) GetStatus(ctx context.Context, providerID string) (*AssetStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/containers/fetch?id=%s", p.cfg.BaseURL, providerID), nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("X-Phantombuster-Key-1", p.cfg.APIKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("status request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Provider: "phantombuster", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var cs struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &cs); err != nil {
		return nil, fmt.Errorf("parse container status: %w", err)
	}
	st := &AssetStatus{Status: domain.VideoProcessing}
	if cs.Status == "finished" {
		st.Status = domain.VideoCompleted
	}
	return st, nil
}

// VerifyWebhook compares the shared X-Phantombuster-Token in constant
// time. No secret configured means every webhook is rejected.
func (p *Phantombuster) VerifyWebhook(raw []byte, headers http.Header) bool {
	return verifyToken(p.cfg.WebhookSecret, headers.Get("X-Phantombuster-Token"))
}

type phantombusterWebhookEvent struct {
	EventType   string         `json:"eventType"`
	EventID     string         `json:"eventId"`
	ContainerID string         `json:"containerId"`
	Timestamp   any            `json:"timestamp"`
	ResultData  map[string]any `json:"resultData"`
}

// ParseWebhookEvent translates an agent-result payload into raw events.
func (p *Phantombuster) ParseWebhookEvent(raw []byte) ([]RawEvent, error) {
	var ev phantombusterWebhookEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("parse phantombuster webhook: %w", err)
	}
	return []RawEvent{{
		Type:              ev.EventType,
		ProviderEventID:   ev.EventID,
		ProviderMessageID: ev.ContainerID,
		Timestamp:         ev.Timestamp,
		Metadata:          ev.ResultData,
	}}, nil
}

// ValidateConfig checks required credentials.
func (p *Phantombuster) ValidateConfig() error {
	if p.cfg.APIKey == "" {
		return fmt.Errorf("%w: phantombuster api key missing", ErrNotConfigured)
	}
	return nil
}

// GetQuotaStatus reports remaining execution time on the org.
func (p *Phantombuster) GetQuotaStatus(ctx context.Context) (*QuotaStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/orgs/fetch-resources", nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("X-Phantombuster-Key-1", p.cfg.APIKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("quota request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Provider: "phantombuster", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var q struct {
		RemainingExecutionTime int `json:"remainingExecutionTime"`
		TotalExecutionTime     int `json:"totalExecutionTime"`
	}
	if err := json.Unmarshal(body, &q); err != nil {
		return nil, fmt.Errorf("parse quota: %w", err)
	}
	return &QuotaStatus{Remaining: q.RemainingExecutionTime, Limit: q.TotalExecutionTime}, nil
}

// GetCapabilities advertises the adapter's feature set.
func (p *Phantombuster) GetCapabilities() Capabilities {
	return Capabilities{
		Channels:    []domain.Channel{domain.ChannelLinkedIn},
		AsyncAssets: true,
	}
}
