package scheduler

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/cadencehq/cadence/internal/config"
	"github.com/cadencehq/cadence/internal/domain"
	"github.com/cadencehq/cadence/internal/intake"
	"github.com/cadencehq/cadence/internal/provider"
	"github.com/cadencehq/cadence/internal/resilience"
	"github.com/cadencehq/cadence/internal/store"
)

// fakeProvider counts sends and returns a fixed message id.
type fakeProvider struct {
	name    string
	channel domain.Channel
	sends   int64
	err     error
}

func (f *fakeProvider) Name() string            { return f.name }
func (f *fakeProvider) Channel() domain.Channel { return f.channel }

func (f *fakeProvider) Send(ctx context.Context, req provider.SendRequest) (*provider.SendResult, error) {
	atomic.AddInt64(&f.sends, 1)
	if f.err != nil {
		return nil, f.err
	}
	return &provider.SendResult{ProviderMessageID: "msg-" + req.IdempotencyKey}, nil
}

func (f *fakeProvider) GetStatus(context.Context, string) (*provider.AssetStatus, error) {
	return nil, nil
}
func (f *fakeProvider) VerifyWebhook([]byte, http.Header) bool { return false }
func (f *fakeProvider) ParseWebhookEvent([]byte) ([]provider.RawEvent, error) {
	return nil, nil
}
func (f *fakeProvider) ValidateConfig() error { return nil }
func (f *fakeProvider) GetQuotaStatus(context.Context) (*provider.QuotaStatus, error) {
	return nil, nil
}
func (f *fakeProvider) GetCapabilities() provider.Capabilities {
	return provider.Capabilities{Channels: []domain.Channel{f.channel}}
}

func newTestScheduler(t *testing.T, prov provider.Provider) (*Scheduler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	st := store.New(db)
	reg := provider.NewRegistry(prov)
	breakers := resilience.NewBreakerRegistry(config.BreakerConfig{
		TimeoutSeconds: 30, RollingWindowSeconds: 60, VolumeThreshold: 100,
		ErrorThresholdPct: 50, Capacity: 8,
	}, []string{prov.Name()})
	limiters := resilience.NewLimiterRegistry(
		config.RateLimitConfig{GlobalPerSecond: 1000, GlobalBurst: 1000},
		map[string]config.ProviderConfig{prov.Name(): {RatePerSecond: 1000, Burst: 1000}},
	)
	pipeline := intake.New(st, config.IntakeConfig{MaxCommitRetries: 1, MaxOrphanAttempts: 3})

	sched := New(st, reg, breakers, limiters, pipeline, nil,
		config.SchedulerConfig{TickSeconds: 1, BatchSize: 10, Workers: 2, MaxSendRetries: 3, IdempotencyTTLHours: 24},
		config.LinkedInConfig{DailyConnections: 100, DailyMessages: 150, DailyProfileViews: 250},
		map[string]config.ProviderConfig{prov.Name(): {TimeoutSeconds: 5}},
	)
	return sched, mock
}

var enrollmentRowCols = []string{
	"id", "instance_id", "contact_id", "status", "current_step", "next_action_at",
	"provider_message_id", "provider_action_id", "account_identifier", "account_timezone",
	"send_attempts", "metadata", "enrolled_at", "completed_at", "unsubscribed_at", "updated_at",
}

var instanceRowCols = []string{
	"id", "template_id", "status", "provider_config",
	"total_enrolled", "total_sent", "total_delivered", "total_opened", "total_clicked", "total_replied",
	"daily_send_cap", "started_at", "paused_at", "completed_at", "created_at", "updated_at",
}

var templateRowCols = []string{
	"id", "user_id", "name", "type", "path_type", "settings", "is_active", "created_at", "updated_at",
}

func dueEnrollment(step int, account string) *sqlmock.Rows {
	now := time.Now()
	due := now.Add(-time.Minute)
	return sqlmock.NewRows(enrollmentRowCols).AddRow(
		"enr-1", "inst-1", "contact-1", "active", step, due,
		nil, nil, account, "UTC", 0, []byte(`{}`), now, nil, nil, now)
}

func activeInstance(templateID string, dailyCap int) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(instanceRowCols).AddRow(
		"inst-1", templateID, "active", []byte(`{}`),
		1, 0, 0, 0, 0, 0, dailyCap, now, nil, nil, now, now)
}

func emailTemplate(settings string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(templateRowCols).AddRow(
		"tpl-1", "user-1", "Outbound Q3", "email", "structured", []byte(settings), true, now, now)
}

const oneStepSettings = `{"sequence":[{"step_number":1,"channel":"email","content":"hello","delay_after_previous":0}]}`
const twoStepSettings = `{"sequence":[
	{"step_number":1,"channel":"email","content":"hello","delay_after_previous":0},
	{"step_number":2,"channel":"email","content":"follow up","delay_after_previous":86400}
]}`

func TestRunOnceAdvancesEnrollment(t *testing.T) {
	prov := &fakeProvider{name: "lemlist", channel: domain.ChannelEmail}
	sched, mock := newTestScheduler(t, prov)

	now := time.Now()

	// Claim one due enrollment at step 0 of a one-step sequence.
	mock.ExpectQuery(`UPDATE campaign_enrollments\s+SET next_action_at = \$1`).
		WillReturnRows(dueEnrollment(0, ""))
	mock.ExpectQuery(`SELECT .* FROM campaign_instances WHERE id = \$1`).
		WillReturnRows(activeInstance("tpl-1", 0))
	mock.ExpectQuery(`SELECT .* FROM campaign_templates WHERE id = \$1`).
		WillReturnRows(emailTemplate(oneStepSettings))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("enr-1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	// Sent event recorded through the intake recipe.
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO campaign_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`UPDATE campaign_instances\s+SET total_sent = total_sent \+ \$1`).
		WithArgs(1, "inst-1").
		WillReturnRows(sqlmock.NewRows([]string{"total_sent"}).AddRow(1))
	mock.ExpectCommit()

	// Advance: sequence is exhausted afterwards, so the enrollment
	// completes.
	mock.ExpectQuery(`SELECT .* FROM campaign_templates WHERE id = \$1`).
		WillReturnRows(emailTemplate(oneStepSettings))
	mock.ExpectExec(`UPDATE campaign_enrollments\s+SET current_step = \$2`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE campaign_enrollments SET status = \$1, updated_at = NOW\(\), completed_at = NOW\(\)`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := sched.RunOnce(context.Background(), now); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if prov.sends != 1 {
		t.Fatalf("expected exactly 1 provider send, got %d", prov.sends)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRunOnceSkipsInactiveInstance(t *testing.T) {
	prov := &fakeProvider{name: "lemlist", channel: domain.ChannelEmail}
	sched, mock := newTestScheduler(t, prov)

	mock.ExpectQuery(`UPDATE campaign_enrollments\s+SET next_action_at = \$1`).
		WillReturnRows(dueEnrollment(0, ""))
	paused := sqlmock.NewRows(instanceRowCols).AddRow(
		"inst-1", "tpl-1", "paused", []byte(`{}`),
		1, 0, 0, 0, 0, 0, 0, time.Now(), time.Now(), nil, time.Now(), time.Now())
	mock.ExpectQuery(`SELECT .* FROM campaign_instances WHERE id = \$1`).
		WillReturnRows(paused)

	if err := sched.RunOnce(context.Background(), time.Now()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if prov.sends != 0 {
		t.Fatalf("expected no sends for paused instance, got %d", prov.sends)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRunOnceSkipsSendWhenSentEventExists(t *testing.T) {
	// A previous pass sent the step but crashed before advancing: the
	// sent-event row suppresses the duplicate external send.
	prov := &fakeProvider{name: "lemlist", channel: domain.ChannelEmail}
	sched, mock := newTestScheduler(t, prov)

	mock.ExpectQuery(`UPDATE campaign_enrollments\s+SET next_action_at = \$1`).
		WillReturnRows(dueEnrollment(0, ""))
	mock.ExpectQuery(`SELECT .* FROM campaign_instances WHERE id = \$1`).
		WillReturnRows(activeInstance("tpl-1", 0))
	mock.ExpectQuery(`SELECT .* FROM campaign_templates WHERE id = \$1`).
		WillReturnRows(emailTemplate(twoStepSettings))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("enr-1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	// Advance without sending; step 2 exists so next_action_at is set.
	mock.ExpectQuery(`SELECT .* FROM campaign_templates WHERE id = \$1`).
		WillReturnRows(emailTemplate(twoStepSettings))
	mock.ExpectExec(`UPDATE campaign_enrollments\s+SET current_step = \$2`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := sched.RunOnce(context.Background(), time.Now()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if prov.sends != 0 {
		t.Fatalf("expected no provider send, got %d", prov.sends)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestLinkedInCapDefersToNextLocalDay(t *testing.T) {
	prov := &fakeProvider{name: "phantombuster", channel: domain.ChannelLinkedIn}
	sched, mock := newTestScheduler(t, prov)

	linkedinSettings := `{"sequence":[{"step_number":1,"channel":"linkedin","content":"hi","delay_after_previous":0}]}`

	mock.ExpectQuery(`UPDATE campaign_enrollments\s+SET next_action_at = \$1`).
		WillReturnRows(dueEnrollment(0, "seat-7"))
	mock.ExpectQuery(`SELECT .* FROM campaign_instances WHERE id = \$1`).
		WillReturnRows(activeInstance("tpl-1", 0))
	mock.ExpectQuery(`SELECT .* FROM campaign_templates WHERE id = \$1`).
		WillReturnRows(emailTemplate(linkedinSettings))

	// Ledger reservation under row lock: the cap (100 connections) is
	// already consumed, so the transaction rolls back unchanged.
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO linkedin_rate_limits`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT connections_sent FROM linkedin_rate_limits`).
		WillReturnRows(sqlmock.NewRows([]string{"connections_sent"}).AddRow(100))
	mock.ExpectRollback()

	// Deferral to the next day's start.
	mock.ExpectExec(`UPDATE campaign_enrollments SET next_action_at = \$2`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := sched.RunOnce(context.Background(), time.Now()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if prov.sends != 0 {
		t.Fatalf("expected no sends past the cap, got %d", prov.sends)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestLinkedInActionMapping(t *testing.T) {
	first := domain.SequenceStep{StepNumber: 1, Channel: domain.ChannelLinkedIn}
	if linkedinAction(first) != domain.ActionConnection {
		t.Fatal("first linkedin touch should be a connection request")
	}
	later := domain.SequenceStep{StepNumber: 3, Channel: domain.ChannelLinkedIn}
	if linkedinAction(later) != domain.ActionMessage {
		t.Fatal("later linkedin touches should be messages")
	}
}
