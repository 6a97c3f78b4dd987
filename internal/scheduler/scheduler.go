// Package scheduler advances enrolled contacts through their sequence
// steps: claim due enrollments, execute the next step through the provider
// abstraction inside the resilience fabric, record the sent event through
// the intake recipe, and reschedule.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cadencehq/cadence/internal/config"
	"github.com/cadencehq/cadence/internal/domain"
	"github.com/cadencehq/cadence/internal/intake"
	"github.com/cadencehq/cadence/internal/pkg/logger"
	"github.com/cadencehq/cadence/internal/pkg/retry"
	"github.com/cadencehq/cadence/internal/provider"
	"github.com/cadencehq/cadence/internal/resilience"
	"github.com/cadencehq/cadence/internal/store"
)

// claimLease is how far a claimed row's next_action_at is pushed so other
// workers skip it; a crashed worker's rows resurface after this.
const claimLease = 5 * time.Minute

// IdempotencyCache is the short-TTL guard against duplicate provider sends
// across scheduler restarts. The sent-event row remains the authoritative
// truth; this only narrows the window.
type IdempotencyCache interface {
	// Acquire returns true if the key was not yet held.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release frees the key after a failed send so a retry may proceed.
	Release(ctx context.Context, key string) error
}

// RedisIdempotencyCache implements IdempotencyCache over Redis SETNX.
type RedisIdempotencyCache struct {
	Client *redis.Client
}

func (c *RedisIdempotencyCache) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.Client.SetNX(ctx, "idem:"+key, "1", ttl).Result()
}

func (c *RedisIdempotencyCache) Release(ctx context.Context, key string) error {
	return c.Client.Del(ctx, "idem:"+key).Err()
}

// Scheduler is the enrollment progression worker.
type Scheduler struct {
	store     *store.Store
	providers *provider.Registry
	breakers  *resilience.BreakerRegistry
	limiters  *resilience.LimiterRegistry
	pipeline  *intake.Pipeline
	idem      IdempotencyCache // optional

	cfg          config.SchedulerConfig
	linkedinCaps config.LinkedInConfig
	providerCfgs map[string]config.ProviderConfig

	// Stats
	mu        sync.Mutex
	processed int64
	sent      int64
	failed    int64

	wg sync.WaitGroup
}

// New builds a scheduler. idem may be nil (database-only idempotency).
func New(st *store.Store, reg *provider.Registry, breakers *resilience.BreakerRegistry,
	limiters *resilience.LimiterRegistry, pipeline *intake.Pipeline, idem IdempotencyCache,
	cfg config.SchedulerConfig, linkedinCaps config.LinkedInConfig,
	providerCfgs map[string]config.ProviderConfig) *Scheduler {
	return &Scheduler{
		store: st, providers: reg, breakers: breakers, limiters: limiters,
		pipeline: pipeline, idem: idem,
		cfg: cfg, linkedinCaps: linkedinCaps, providerCfgs: providerCfgs,
	}
}

// Run loops RunOnce on the configured tick until ctx is cancelled.
// In-flight sends are completed before Run returns.
func (s *Scheduler) Run(ctx context.Context) {
	logger.Info("scheduler starting", "tick", s.cfg.Tick().String(), "batch", fmt.Sprintf("%d", s.cfg.BatchSize))
	ticker := time.NewTicker(s.cfg.Tick())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx, time.Now()); err != nil {
				logger.Error("scheduler tick failed", "error", err.Error())
			}
		}
	}
}

// RunOnce claims one batch of due enrollments and processes them through a
// bounded worker pool. It returns once the whole batch is done, keeping a
// tick's runtime bounded by the batch size.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) error {
	batch, err := s.store.Enrollments.ClaimBatch(ctx, now, claimLease, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("claim batch: %w", err)
	}
	if len(batch) == 0 {
		return nil
	}

	sem := make(chan struct{}, s.cfg.Workers)
	var wg sync.WaitGroup
	for i := range batch {
		enrollment := batch[i]
		sem <- struct{}{}
		wg.Add(1)
		s.wg.Add(1)
		go func() {
			defer func() { <-sem; wg.Done(); s.wg.Done() }()
			s.process(ctx, &enrollment, now)
		}()
	}
	wg.Wait()
	return nil
}

// process advances one claimed enrollment by at most one step.
func (s *Scheduler) process(ctx context.Context, e *domain.CampaignEnrollment, now time.Time) {
	s.mu.Lock()
	s.processed++
	s.mu.Unlock()

	inst, err := s.store.Instances.Get(ctx, e.InstanceID)
	if err != nil {
		logger.Error("scheduler: instance lookup failed", "enrollment_id", e.ID, "error", err.Error())
		return
	}
	if inst.Status != domain.InstanceActive {
		// Leave the row leased; it resurfaces when the lease expires and
		// is skipped again until the instance is active.
		return
	}

	// Instance-level daily send cap.
	if inst.DailySendCap > 0 {
		sentToday, err := s.store.Instances.SentToday(ctx, inst.ID)
		if err != nil {
			logger.Error("scheduler: daily cap check failed", "instance_id", inst.ID, "error", err.Error())
			return
		}
		if sentToday >= inst.DailySendCap {
			next := now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
			s.store.Enrollments.Reschedule(ctx, nil, e.ID, next, false)
			return
		}
	}

	step, hasNext, err := s.nextStep(ctx, inst, e)
	if err != nil {
		s.store.Enrollments.SetFailed(ctx, nil, e.ID, err.Error())
		return
	}
	if !hasNext {
		s.store.Enrollments.SetStatus(ctx, nil, e.ID, domain.EnrollmentCompleted)
		return
	}

	prov, ok := s.providers.ByChannel(step.Channel)
	if !ok {
		s.store.Enrollments.SetFailed(ctx, nil, e.ID, fmt.Sprintf("no provider for channel %s", step.Channel))
		return
	}

	// Channel-specific per-account daily caps (LinkedIn ledger).
	if step.Channel == domain.ChannelLinkedIn {
		if deferred := s.reserveLinkedInAction(ctx, e, step, now); deferred {
			return
		}
	}

	s.executeSend(ctx, inst, e, step, prov, now)
}

// nextStep resolves the enrollment's next sequence step from its template.
func (s *Scheduler) nextStep(ctx context.Context, inst *domain.CampaignInstance, e *domain.CampaignEnrollment) (domain.SequenceStep, bool, error) {
	tmpl, err := s.store.Templates.Get(ctx, inst.TemplateID)
	if err != nil {
		return domain.SequenceStep{}, false, fmt.Errorf("template lookup: %w", err)
	}
	steps, err := tmpl.Sequence()
	if err != nil {
		return domain.SequenceStep{}, false, err
	}
	next := e.CurrentStep + 1
	if next > len(steps) {
		return domain.SequenceStep{}, false, nil
	}
	return steps[next-1], true, nil
}

// linkedinAction maps a step onto the capped action class: the first
// LinkedIn touch in a sequence is a connection request, later ones are
// messages.
func linkedinAction(step domain.SequenceStep) domain.LinkedInAction {
	if step.StepNumber == 1 {
		return domain.ActionConnection
	}
	return domain.ActionMessage
}

// reserveLinkedInAction reserves one unit of the account's daily cap under
// a row lock. Returns true when the send must be deferred. "Today" is
// computed in the account's timezone at action time.
func (s *Scheduler) reserveLinkedInAction(ctx context.Context, e *domain.CampaignEnrollment, step domain.SequenceStep, now time.Time) (deferred bool) {
	action := linkedinAction(step)
	limit := s.linkedinCaps.DailyMessages
	if action == domain.ActionConnection {
		limit = s.linkedinCaps.DailyConnections
	}

	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		return s.store.RateLimits.Reserve(ctx, tx, e.AccountIdentifier, e.AccountTimezone, action, limit, now)
	})
	if err == nil {
		return false
	}

	var capErr *store.CapReachedError
	if errors.As(err, &capErr) {
		// Cap consumed: push to the next day's start in the account zone.
		s.store.Enrollments.Reschedule(ctx, nil, e.ID, capErr.ResetsAt, false)
		logger.Info("linkedin daily cap reached, deferring",
			"account", e.AccountIdentifier, "action", string(action), "resumes_at", capErr.ResetsAt.Format(time.RFC3339))
		return true
	}

	logger.Error("linkedin ledger reservation failed", "enrollment_id", e.ID, "error", err.Error())
	return true
}

// executeSend performs the provider call inside its limiter and breaker,
// records the sent event, and advances the enrollment.
func (s *Scheduler) executeSend(ctx context.Context, inst *domain.CampaignInstance,
	e *domain.CampaignEnrollment, step domain.SequenceStep, prov provider.Provider, now time.Time) {

	idemKey := fmt.Sprintf("%s:%d", e.ID, step.StepNumber)

	// The sent-event row is the authoritative idempotency record: if it
	// exists, a previous pass already sent this step and only the
	// enrollment advance was lost.
	alreadySent, err := s.store.Events.HasSentEvent(ctx, e.ID, step.StepNumber)
	if err != nil {
		logger.Error("scheduler: sent-event check failed", "enrollment_id", e.ID, "error", err.Error())
		return
	}
	if alreadySent {
		s.advance(ctx, inst, e, step, "", "", now)
		return
	}

	if s.idem != nil {
		ttl := time.Duration(s.cfg.IdempotencyTTLHours) * time.Hour
		ok, err := s.idem.Acquire(ctx, idemKey, ttl)
		if err != nil {
			logger.Warn("idempotency cache unavailable, relying on sent-event row", "error", err.Error())
		} else if !ok {
			// Another worker or a recent crashed pass holds the key; skip
			// this tick rather than risk a duplicate external send.
			return
		}
	}

	// Token bucket: the scheduler path waits with a bound rather than
	// failing fast.
	waitCtx, cancelWait := context.WithTimeout(ctx, 30*time.Second)
	defer cancelWait()
	if err := s.limiters.Wait(waitCtx, prov.Name()); err != nil {
		s.releaseIdem(ctx, idemKey)
		s.retryLater(ctx, e, now, "rate limiter wait timed out")
		return
	}

	// The provider call must complete even if the scheduler is being shut
	// down: interrupting mid-call risks a silent duplicate send on
	// restart. Detach from cancellation, keep the per-provider timeout.
	sendCtx, cancelSend := context.WithTimeout(context.WithoutCancel(ctx), s.providerTimeout(prov.Name()))
	defer cancelSend()

	var result *provider.SendResult
	err = s.breakers.For(prov.Name()).Execute(sendCtx, func(ctx context.Context) error {
		var sendErr error
		result, sendErr = prov.Send(ctx, provider.SendRequest{
			EnrollmentID:      e.ID,
			ContactID:         e.ContactID,
			InstanceID:        e.InstanceID,
			Step:              step,
			IdempotencyKey:    idemKey,
			AccountIdentifier: e.AccountIdentifier,
		})
		return sendErr
	})
	if err != nil {
		s.releaseIdem(ctx, idemKey)
		if s.isRetryable(err) {
			s.retryLater(ctx, e, now, err.Error())
		} else {
			s.store.Enrollments.SetFailed(ctx, nil, e.ID, err.Error())
			s.mu.Lock()
			s.failed++
			s.mu.Unlock()
		}
		return
	}

	// Async video assets get tracked for the status poller.
	if step.Channel == domain.ChannelVideo && result.ProviderMessageID != "" {
		enrID, instID := e.ID, e.InstanceID
		if _, err := s.store.Videos.Create(sendCtx, &domain.VideoGeneration{
			ProviderVideoID: result.ProviderMessageID,
			EnrollmentID:    &enrID,
			InstanceID:      &instID,
		}); err != nil && err != store.ErrDuplicate {
			logger.Warn("video generation tracking failed", "enrollment_id", e.ID, "error", err.Error())
		}
	}

	s.recordSent(sendCtx, inst, e, step, result, now)
	s.advance(sendCtx, inst, e, step, result.ProviderMessageID, result.ProviderActionID, now)

	s.mu.Lock()
	s.sent++
	s.mu.Unlock()
}

// recordSent appends the sent event through the intake recipe. The
// provider event id is derived deterministically from (enrollment, step),
// so a replayed pass dedups on the partial unique index instead of double
// counting total_sent.
func (s *Scheduler) recordSent(ctx context.Context, inst *domain.CampaignInstance,
	e *domain.CampaignEnrollment, step domain.SequenceStep, result *provider.SendResult, now time.Time) {

	enrID, instID := e.ID, inst.ID
	stepNum := step.StepNumber
	ev := &domain.CampaignEvent{
		EnrollmentID:      &enrID,
		InstanceID:        &instID,
		EventType:         domain.EventSent,
		Channel:           step.Channel,
		Timestamp:         now.UTC(),
		Provider:          "scheduler",
		ProviderEventID:   fmt.Sprintf("sent:%s:%d", e.ID, step.StepNumber),
		ProviderMessageID: result.ProviderMessageID,
		StepNumber:        &stepNum,
	}
	if _, err := s.pipeline.Record(ctx, ev, nil); err != nil {
		// The send happened; the event is in the DLQ and the idempotency
		// key plus provider-side dedup guard the retry.
		logger.Error("sent event recording failed", "enrollment_id", e.ID, "error", err.Error())
	}
}

// advance moves the enrollment to the completed step and schedules the
// next one, or completes the enrollment when the sequence is done.
func (s *Scheduler) advance(ctx context.Context, inst *domain.CampaignInstance,
	e *domain.CampaignEnrollment, step domain.SequenceStep, providerMessageID, providerActionID string, now time.Time) {

	var nextAt *time.Time
	tmpl, err := s.store.Templates.Get(ctx, inst.TemplateID)
	if err == nil {
		if steps, serr := tmpl.Sequence(); serr == nil && step.StepNumber < len(steps) {
			at := now.Add(steps[step.StepNumber].Delay())
			nextAt = &at
		}
	}

	if err := s.store.Enrollments.Advance(ctx, nil, e.ID, step.StepNumber, providerMessageID, providerActionID, nextAt); err != nil {
		if err != store.ErrNotFound {
			logger.Error("enrollment advance failed", "enrollment_id", e.ID, "error", err.Error())
		}
		return
	}
	if nextAt == nil {
		s.store.Enrollments.SetStatus(ctx, nil, e.ID, domain.EnrollmentCompleted)
	}
}

// retryLater backs the enrollment off for another pass, or fails it once
// the attempt budget is spent.
func (s *Scheduler) retryLater(ctx context.Context, e *domain.CampaignEnrollment, now time.Time, reason string) {
	if e.SendAttempts+1 >= s.cfg.MaxSendRetries {
		s.store.Enrollments.SetFailed(ctx, nil, e.ID, fmt.Sprintf("retries exhausted: %s", reason))
		s.mu.Lock()
		s.failed++
		s.mu.Unlock()
		return
	}
	backoff := retry.Backoff(retry.Policy{BaseDelay: 30 * time.Second, MaxDelay: 15 * time.Minute}, e.SendAttempts+1)
	s.store.Enrollments.Reschedule(ctx, nil, e.ID, now.Add(backoff), true)
}

func (s *Scheduler) releaseIdem(ctx context.Context, key string) {
	if s.idem != nil {
		if err := s.idem.Release(ctx, key); err != nil {
			logger.Warn("idempotency release failed", "key", key, "error", err.Error())
		}
	}
}

// isRetryable classifies send failures: circuit-open, rate limits, and
// provider transients retry; everything else fails the enrollment.
func (s *Scheduler) isRetryable(err error) bool {
	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrCapacity) ||
		errors.Is(err, resilience.ErrRateLimited) {
		return true
	}
	return provider.IsRetryable(err)
}

func (s *Scheduler) providerTimeout(name string) time.Duration {
	if cfg, ok := s.providerCfgs[name]; ok && cfg.TimeoutSeconds > 0 {
		return cfg.Timeout()
	}
	return 10 * time.Second
}

// Stats returns lifetime counters for health reporting.
func (s *Scheduler) Stats() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]int64{
		"processed": s.processed,
		"sent":      s.sent,
		"failed":    s.failed,
	}
}
