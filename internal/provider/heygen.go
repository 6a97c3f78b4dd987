package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cadencehq/cadence/internal/config"
	"github.com/cadencehq/cadence/internal/domain"
)

// HeyGen generates personalized videos. Generation is asynchronous: Send
// kicks off a render, completion arrives via webhook or GetStatus polling.
type HeyGen struct {
	cfg        config.ProviderConfig
	httpClient *http.Client
	now        func() time.Time
}

// NewHeyGen creates a HeyGen adapter.
func NewHeyGen(cfg config.ProviderConfig) *HeyGen {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.heygen.com/v2"
	}
	return &HeyGen{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout()},
		now:        time.Now,
	}
}

func (h *HeyGen) Name() string            { return "heygen" }
func (h *HeyGen) Channel() domain.Channel { return domain.ChannelVideo }

// Send starts a video render for the step. The returned video id is both
// the provider message id and the handle for status polling.
func (h *HeyGen) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if err := h.ValidateConfig(); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]any{
		"script":          req.Step.Content,
		"callback_id":     req.IdempotencyKey,
		"target_audience": req.ContactID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal render payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.BaseURL+"/video/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("X-Api-Key", h.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Provider: "heygen", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var sr struct {
		Data struct {
			VideoID string `json:"video_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fmt.Errorf("parse render response: %w", err)
	}
	return &SendResult{ProviderMessageID: sr.Data.VideoID}, nil
}

// GetStatus polls the render status for a video id.
func (h *HeyGen) GetStatus(ctx context.Context, providerID string) (*AssetStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/video_status.get?video_id=%s", h.cfg.BaseURL, providerID), nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("X-Api-Key", h.cfg.APIKey)

	resp, err := h.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("status request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Provider: "heygen", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var vs struct {
		Data struct {
			Status       string `json:"status"`
			VideoURL     string `json:"video_url"`
			ThumbnailURL string `json:"thumbnail_url"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &vs); err != nil {
		return nil, fmt.Errorf("parse status response: %w", err)
	}

	st := &AssetStatus{VideoURL: vs.Data.VideoURL, ThumbnailURL: vs.Data.ThumbnailURL}
	switch vs.Data.Status {
	case "completed":
		st.Status = domain.VideoCompleted
	case "failed":
		st.Status = domain.VideoFailed
	case "processing":
		st.Status = domain.VideoProcessing
	default:
		st.Status = domain.VideoPending
	}
	return st, nil
}

// VerifyWebhook checks the timestamped X-HeyGen-Signature header:
// "<unix_ts>,<hex_hmac>" where the HMAC covers "{ts}.{raw}" and the
// timestamp must be within 300s of now.
func (h *HeyGen) VerifyWebhook(raw []byte, headers http.Header) bool {
	return verifyTimestampedHMAC(h.cfg.WebhookSecret, raw, headers.Get("X-Heygen-Signature"), h.now())
}

type heygenWebhookEvent struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	EventData struct {
		VideoID      string         `json:"video_id"`
		CallbackID   string         `json:"callback_id"`
		URL          string         `json:"url"`
		ThumbnailURL string         `json:"thumbnail_url"`
		Duration     int            `json:"duration"`
		Timestamp    any            `json:"timestamp"`
		Extra        map[string]any `json:"extra"`
	} `json:"event_data"`
}

// ParseWebhookEvent translates a HeyGen callback into raw events.
func (h *HeyGen) ParseWebhookEvent(raw []byte) ([]RawEvent, error) {
	var ev heygenWebhookEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("parse heygen webhook: %w", err)
	}

	status := ""
	switch ev.EventType {
	case "avatar_video.success":
		status = string(domain.VideoCompleted)
	case "avatar_video.fail":
		status = string(domain.VideoFailed)
	}

	return []RawEvent{{
		Type:              ev.EventType,
		ProviderEventID:   ev.EventID,
		ProviderMessageID: ev.EventData.VideoID,
		Timestamp:         ev.EventData.Timestamp,
		Metadata:          ev.EventData.Extra,
		VideoID:           ev.EventData.VideoID,
		VideoURL:          ev.EventData.URL,
		VideoStatus:       status,
		VideoDuration:     ev.EventData.Duration,
	}}, nil
}

// ValidateConfig checks required credentials.
func (h *HeyGen) ValidateConfig() error {
	if h.cfg.APIKey == "" {
		return fmt.Errorf("%w: heygen api key missing", ErrNotConfigured)
	}
	return nil
}

// GetQuotaStatus queries remaining render credits.
func (h *HeyGen) GetQuotaStatus(ctx context.Context) (*QuotaStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, h.cfg.BaseURL+"/user/remaining_quota", nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("X-Api-Key", h.cfg.APIKey)

	resp, err := h.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("quota request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Provider: "heygen", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var q struct {
		Data struct {
			RemainingQuota int `json:"remaining_quota"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &q); err != nil {
		return nil, fmt.Errorf("parse quota: %w", err)
	}
	return &QuotaStatus{Remaining: q.Data.RemainingQuota, Limit: -1}, nil
}

// GetCapabilities advertises the adapter's feature set.
func (h *HeyGen) GetCapabilities() Capabilities {
	return Capabilities{
		Channels:       []domain.Channel{domain.ChannelVideo},
		AsyncAssets:    true,
		IdempotentSend: true,
	}
}
