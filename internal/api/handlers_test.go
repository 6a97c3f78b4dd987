package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/cadencehq/cadence/internal/auth"
	"github.com/cadencehq/cadence/internal/config"
	"github.com/cadencehq/cadence/internal/intake"
	"github.com/cadencehq/cadence/internal/provider"
	"github.com/cadencehq/cadence/internal/resilience"
	"github.com/cadencehq/cadence/internal/store"
)

const (
	testAPIKey        = "sk_test_cadence"
	testWebhookSecret = "whsec_lemlist"
)

func newTestServer(t *testing.T, withSecret bool) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	hash, err := auth.HashKey(testAPIKey)
	if err != nil {
		t.Fatal(err)
	}

	secret := ""
	if withSecret {
		secret = testWebhookSecret
	}
	cfg := &config.Config{
		Server: config.ServerConfig{Mode: "development"},
		Auth: config.AuthConfig{
			Keys:            map[string]string{auth.Fingerprint(testAPIKey): hash},
			LockoutAttempts: 5,
			LockoutSeconds:  60,
			CSRFSecret:      "csrf-secret",
		},
		Providers: map[string]config.ProviderConfig{
			"lemlist": {APIKey: "k", WebhookSecret: secret, TimeoutSeconds: 5, Enabled: true},
		},
		Intake: config.IntakeConfig{MaxCommitRetries: 1, MaxOrphanAttempts: 3, MaxBodyBytes: 1 << 20},
	}

	st := store.New(db)
	reg := provider.NewRegistry(provider.NewLemlist(cfg.Providers["lemlist"]))
	pipeline := intake.New(st, cfg.Intake)
	breakers := resilience.NewBreakerRegistry(config.BreakerConfig{
		TimeoutSeconds: 30, RollingWindowSeconds: 60, VolumeThreshold: 100,
		ErrorThresholdPct: 50, Capacity: 8,
	}, []string{"lemlist"})

	return NewServer(cfg, st, reg, pipeline, breakers, nil), mock
}

func signBody(secret string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func authedRequest(method, path string, body []byte) *http.Request {
	r := httptest.NewRequest(method, path, bytes.NewReader(body))
	r.Header.Set("Authorization", "Bearer "+testAPIKey)
	r.Header.Set("Content-Type", "application/json")
	return r
}

func TestWebhookValidSignatureRecordsEvent(t *testing.T) {
	s, mock := newTestServer(t, true)

	body := []byte(`{"type":"emailsDelivered","eventId":"evt-1","messageId":"msg-1","sentAt":1750000000}`)

	now := time.Now()
	mock.ExpectQuery(`SELECT .* FROM campaign_enrollments`).
		WithArgs("msg-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "instance_id", "contact_id", "status", "current_step", "next_action_at",
			"provider_message_id", "provider_action_id", "account_identifier", "account_timezone",
			"send_attempts", "metadata", "enrolled_at", "completed_at", "unsubscribed_at", "updated_at",
		}).AddRow("enr-1", "inst-1", "c-1", "active", 1, nil, "msg-1", nil, "", "UTC", 0, []byte(`{}`), now, nil, nil, now))
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO campaign_events`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`UPDATE campaign_instances\s+SET total_delivered = total_delivered \+ \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"total_delivered"}).AddRow(1))
	mock.ExpectCommit()

	r := httptest.NewRequest(http.MethodPost, "/api/campaigns/events/webhook", bytes.NewReader(body))
	r.Header.Set("X-Lemlist-Signature", signBody(testWebhookSecret, body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestWebhookForgedSignatureRejected(t *testing.T) {
	s, mock := newTestServer(t, true)

	body := []byte(`{"type":"emailsDelivered","eventId":"evt-1","messageId":"msg-1","sentAt":1750000000}`)
	r := httptest.NewRequest(http.MethodPost, "/api/campaigns/events/webhook", bytes.NewReader(body))
	r.Header.Set("X-Lemlist-Signature", signBody("wrong-secret", body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	// Zero rows written: no DB expectations were registered.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestWebhookFailsClosedWithoutSecret(t *testing.T) {
	// Intake for a provider without a webhook secret is disabled; even a
	// "correctly" signed request (empty secret) is rejected.
	s, _ := newTestServer(t, false)

	body := []byte(`{"type":"emailsDelivered","eventId":"evt-1"}`)
	r := httptest.NewRequest(http.MethodPost, "/api/campaigns/events/webhook", bytes.NewReader(body))
	r.Header.Set("X-Lemlist-Signature", signBody("", body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestWebhookDuplicateIsIdempotent201(t *testing.T) {
	s, mock := newTestServer(t, true)

	body := []byte(`{"type":"emailsDelivered","eventId":"evt-1","messageId":"msg-1","sentAt":1750000000}`)
	now := time.Now()
	mock.ExpectQuery(`SELECT .* FROM campaign_enrollments`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "instance_id", "contact_id", "status", "current_step", "next_action_at",
			"provider_message_id", "provider_action_id", "account_identifier", "account_timezone",
			"send_attempts", "metadata", "enrolled_at", "completed_at", "unsubscribed_at", "updated_at",
		}).AddRow("enr-1", "inst-1", "c-1", "active", 1, nil, "msg-1", nil, "", "UTC", 0, []byte(`{}`), now, nil, nil, now))
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO campaign_events`).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectCommit()

	r := httptest.NewRequest(http.MethodPost, "/api/campaigns/events/webhook", bytes.NewReader(body))
	r.Header.Set("X-Lemlist-Signature", signBody(testWebhookSecret, body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected idempotent 201, got %d: %s", w.Code, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestWebhookOrphanReturns202(t *testing.T) {
	s, mock := newTestServer(t, true)

	body := []byte(`{"type":"emailsDelivered","eventId":"evt-1","messageId":"mystery","sentAt":1750000000}`)
	mock.ExpectQuery(`SELECT .* FROM campaign_enrollments`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(`INSERT INTO campaign_event_orphans`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	r := httptest.NewRequest(http.MethodPost, "/api/campaigns/events/webhook", bytes.NewReader(body))
	r.Header.Set("X-Lemlist-Signature", signBody(testWebhookSecret, body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			Retryable bool `json:"retryable"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Data.Retryable {
		t.Fatal("expected retryable:true in response")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestAPIRequiresKey(t *testing.T) {
	s, _ := newTestServer(t, true)

	r := httptest.NewRequest(http.MethodGet, "/api/campaigns/templates", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", w.Code)
	}

	r = httptest.NewRequest(http.MethodGet, "/api/campaigns/templates", nil)
	r.Header.Set("Authorization", "Bearer wrong-key")
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong key, got %d", w.Code)
	}
}

func TestCSRFRequiredForBrowserWrites(t *testing.T) {
	s, _ := newTestServer(t, true)

	body := []byte(`{"name":"t","type":"email"}`)
	r := authedRequest(http.MethodPost, "/api/campaigns/templates", body)
	r.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without CSRF token, got %d", w.Code)
	}

	// With a freshly issued token the request passes the gate.
	tr := authedRequest(http.MethodGet, "/api/auth/csrf", nil)
	tw := httptest.NewRecorder()
	s.Handler().ServeHTTP(tw, tr)
	var tokenResp struct {
		Data struct {
			Token string `json:"csrf_token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(tw.Body.Bytes(), &tokenResp); err != nil {
		t.Fatal(err)
	}

	r = authedRequest(http.MethodPost, "/api/campaigns/templates", []byte(`{"name":"","type":"email"}`))
	r.Header.Set("Origin", "https://app.example.com")
	r.Header.Set("X-Csrf-Token", tokenResp.Data.Token)
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	// Past CSRF, into validation (empty name → 400).
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 after CSRF pass, got %d", w.Code)
	}
}

func instanceRows(status string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "template_id", "status", "provider_config",
		"total_enrolled", "total_sent", "total_delivered", "total_opened", "total_clicked", "total_replied",
		"daily_send_cap", "started_at", "paused_at", "completed_at", "created_at", "updated_at",
	}).AddRow("inst-1", "tpl-1", status, []byte(`{}`), 100, 20, 15, 10, 5, 3, 0, nil, nil, nil, now, now)
}

func TestForbiddenTransition(t *testing.T) {
	s, mock := newTestServer(t, true)

	// draft → completed is outside the allowed set; the transaction rolls
	// back and the status is unchanged.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM campaign_instances WHERE id = \$1 FOR UPDATE`).
		WillReturnRows(instanceRows("draft"))
	mock.ExpectRollback()

	r := authedRequest(http.MethodPost, "/api/campaigns/instances/inst-1/complete", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestAllowedTransition(t *testing.T) {
	s, mock := newTestServer(t, true)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM campaign_instances WHERE id = \$1 FOR UPDATE`).
		WillReturnRows(instanceRows("draft"))
	mock.ExpectExec(`UPDATE campaign_instances SET status = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	r := authedRequest(http.MethodPost, "/api/campaigns/instances/inst-1/start", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestInstanceMetricsFormatting(t *testing.T) {
	s, mock := newTestServer(t, true)

	mock.ExpectQuery(`SELECT .* FROM campaign_instances WHERE id = \$1`).
		WillReturnRows(instanceRows("active"))

	r := authedRequest(http.MethodGet, "/api/campaigns/instances/inst-1/metrics", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Data struct {
			DeliveryRate string `json:"delivery_rate"`
			OpenRate     string `json:"open_rate"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Data.DeliveryRate != "75.00" {
		t.Fatalf("expected delivery_rate 75.00, got %s", resp.Data.DeliveryRate)
	}
	if resp.Data.OpenRate != "66.67" {
		t.Fatalf("expected open_rate 66.67, got %s", resp.Data.OpenRate)
	}
}

func TestHealthIsOpen(t *testing.T) {
	s, mock := newTestServer(t, true)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM campaign_event_orphans`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
