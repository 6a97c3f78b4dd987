// Package intake implements the transactional ingestion recipe shared by
// the webhook endpoint, the scheduler's sent-event recording, the orphan
// correlation worker, and DLQ replay.
//
// The recipe is deliberately a short synchronous function, not a pipeline
// of channels: the transaction boundary has to stay obvious.
package intake

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cadencehq/cadence/internal/config"
	"github.com/cadencehq/cadence/internal/domain"
	"github.com/cadencehq/cadence/internal/normalizer"
	"github.com/cadencehq/cadence/internal/pkg/logger"
	"github.com/cadencehq/cadence/internal/pkg/retry"
	"github.com/cadencehq/cadence/internal/provider"
	"github.com/cadencehq/cadence/internal/store"
)

// Outcome reports what the pipeline did with an event. Dedup and orphan
// handling are results, not errors: the happy path never throws.
type Outcome int

const (
	// Recorded means a new event row was committed (counters updated).
	Recorded Outcome = iota
	// Duplicate means the provider_event_id was already ingested; the
	// request is acknowledged idempotently with no counter mutation.
	Duplicate
	// OrphanQueued means no enrollment matched the provider_message_id;
	// the event waits in the deferred-correlation queue.
	OrphanQueued
	// StoredOrphan means the event had no correlation key at all and was
	// stored with a null enrollment.
	StoredOrphan
	// DeadLettered means ingestion failed past the retry budget and the
	// event was captured in the DLQ.
	DeadLettered
)

// Result is the pipeline's answer for one event.
type Result struct {
	Outcome Outcome
	EventID string
}

// Pipeline wires the normalizer, store, and failure sinks together.
type Pipeline struct {
	store *store.Store
	norm  *normalizer.Normalizer
	cfg   config.IntakeConfig
	now   func() time.Time
}

// New builds the pipeline. The normalizer's enrollment lookup reads
// through the store's enrollment repository.
func New(st *store.Store, cfg config.IntakeConfig) *Pipeline {
	lookup := func(ctx context.Context, providerMessageID string) (*domain.CampaignEnrollment, error) {
		e, err := st.Enrollments.ByProviderMessageID(ctx, providerMessageID)
		if err == store.ErrNotFound {
			return nil, nil
		}
		return e, err
	}
	return &Pipeline{
		store: st,
		norm:  normalizer.New(lookup),
		cfg:   cfg,
		now:   time.Now,
	}
}

// Ingest runs one raw provider event through normalize → dedup → record.
// rawPayload is the original webhook body, preserved verbatim for the
// orphan queue and DLQ.
func (p *Pipeline) Ingest(ctx context.Context, rawPayload []byte, raw provider.RawEvent, providerName string, channel domain.Channel) (*Result, error) {
	ev, err := p.norm.Normalize(ctx, raw, providerName, channel)
	if err != nil {
		return nil, err
	}

	// No enrollment resolved but a correlation key exists: defer.
	if ev.EnrollmentID == nil && ev.ProviderMessageID != "" {
		return p.queueOrphan(ctx, rawPayload, raw, providerName, channel)
	}

	return p.Record(ctx, ev, rawPayload)
}

// Record applies the transactional recipe for a canonical event:
//
//  1. insert the event row (partial unique index resolves races: exactly
//     one concurrent writer wins, the rest observe a duplicate),
//  2. apply SQL-side counter increments for the event's delta,
//  3. update enrollment status for terminal events,
//  4. commit.
//
// Transient commit failures retry with backoff; exhaustion dead-letters
// the original payload. No partial writes are possible.
func (p *Pipeline) Record(ctx context.Context, ev *domain.CampaignEvent, rawPayload []byte) (*Result, error) {
	var outcome store.InsertOutcome

	policy := retry.Policy{MaxAttempts: p.cfg.MaxCommitRetries, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}
	err := retry.Do(ctx, policy, store.IsTransient, func(ctx context.Context) error {
		return p.store.WithTx(ctx, func(tx *sql.Tx) error {
			var err error
			outcome, err = p.store.Events.Insert(ctx, tx, ev)
			if err != nil {
				return err
			}
			if outcome == store.DuplicateIgnored {
				// Commit the no-op; the caller answers idempotently.
				return nil
			}

			if ev.EnrollmentID != nil && ev.InstanceID != nil {
				if field := ev.EventType.CounterField(); field != "" {
					if _, err := p.store.AtomicIncrement(ctx, tx, *ev.InstanceID, field, 1); err != nil {
						return err
					}
				}
				if err := p.applyTerminalStatus(ctx, tx, ev); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return p.deadLetter(ctx, rawPayload, ev, err)
	}

	if outcome == store.DuplicateIgnored {
		return &Result{Outcome: Duplicate, EventID: ev.ID}, nil
	}
	if ev.EnrollmentID == nil {
		return &Result{Outcome: StoredOrphan, EventID: ev.ID}, nil
	}
	return &Result{Outcome: Recorded, EventID: ev.ID}, nil
}

// applyTerminalStatus moves the enrollment into its terminal state for
// bounce/unsubscribe events, inside the same transaction as the event.
func (p *Pipeline) applyTerminalStatus(ctx context.Context, tx *sql.Tx, ev *domain.CampaignEvent) error {
	switch ev.EventType {
	case domain.EventBounced:
		return p.store.Enrollments.SetStatus(ctx, tx, *ev.EnrollmentID, domain.EnrollmentBounced)
	case domain.EventUnsubscribed:
		return p.store.Enrollments.SetStatus(ctx, tx, *ev.EnrollmentID, domain.EnrollmentUnsubscribed)
	}
	return nil
}

// orphanPayload is what waits in the deferred-correlation queue: enough to
// re-run Ingest exactly.
type orphanPayload struct {
	Raw        provider.RawEvent `json:"raw"`
	RawPayload json.RawMessage   `json:"raw_payload,omitempty"`
}

func (p *Pipeline) queueOrphan(ctx context.Context, rawPayload []byte, raw provider.RawEvent, providerName string, channel domain.Channel) (*Result, error) {
	payload, err := json.Marshal(orphanPayload{Raw: raw, RawPayload: rawPayload})
	if err != nil {
		return nil, fmt.Errorf("marshal orphan payload: %w", err)
	}

	id, err := p.store.Orphans.Enqueue(ctx, &domain.OrphanEvent{
		Provider:          providerName,
		Channel:           channel,
		ProviderMessageID: raw.ProviderMessageID,
		Payload:           payload,
		NextAttemptAt:     p.now().Add(time.Minute),
	})
	if err != nil {
		return p.deadLetter(ctx, rawPayload, nil, fmt.Errorf("enqueue orphan: %w", err))
	}
	logger.Debug("webhook event orphaned, queued for correlation",
		"provider", providerName, "provider_message_id", raw.ProviderMessageID, "orphan_id", id)
	return &Result{Outcome: OrphanQueued}, nil
}

// RetryOrphan re-runs correlation for a queued orphan. The schedule is
// exponential from 1 minute, capped at 4 hours; an orphan that exhausts
// MaxOrphanAttempts (~16h with the default of 12) is dead-lettered and
// removed from the queue.
func (p *Pipeline) RetryOrphan(ctx context.Context, o *domain.OrphanEvent) (*Result, error) {
	var payload orphanPayload
	if err := json.Unmarshal(o.Payload, &payload); err != nil {
		p.store.Orphans.Delete(ctx, nil, o.ID)
		return p.deadLetter(ctx, o.Payload, nil, fmt.Errorf("corrupt orphan payload: %w", err))
	}

	ev, err := p.norm.Normalize(ctx, payload.Raw, o.Provider, o.Channel)
	if err != nil {
		p.store.Orphans.Delete(ctx, nil, o.ID)
		return p.deadLetter(ctx, o.Payload, nil, err)
	}

	if ev.EnrollmentID == nil {
		if o.Attempts+1 >= p.cfg.MaxOrphanAttempts {
			p.store.Orphans.Delete(ctx, nil, o.ID)
			return p.deadLetter(ctx, o.Payload, ev,
				fmt.Errorf("orphan correlation exhausted after %d attempts", o.Attempts+1))
		}
		next := p.now().Add(orphanBackoff(o.Attempts + 1))
		if err := p.store.Orphans.Defer(ctx, nil, o.ID, next); err != nil {
			return nil, err
		}
		return &Result{Outcome: OrphanQueued}, nil
	}

	res, err := p.Record(ctx, ev, o.Payload)
	if err != nil {
		return nil, err
	}
	if err := p.store.Orphans.Delete(ctx, nil, o.ID); err != nil {
		logger.Warn("orphan recorded but delete failed; dedup will absorb the replay",
			"orphan_id", o.ID, "error", err.Error())
	}
	return res, nil
}

// orphanBackoff: 1m, 2m, 4m, ... capped at 4h.
func orphanBackoff(attempt int) time.Duration {
	d := time.Minute << uint(attempt-1)
	if d > 4*time.Hour {
		d = 4 * time.Hour
	}
	return d
}

// deadLetter is the terminal sink: full original payload, reason, and
// attempt count. There is no silent drop.
func (p *Pipeline) deadLetter(ctx context.Context, rawPayload []byte, ev *domain.CampaignEvent, cause error) (*Result, error) {
	d := &domain.DeadLetterEvent{
		EventData:     json.RawMessage(rawPayload),
		FailureReason: cause.Error(),
		Attempts:      p.cfg.MaxCommitRetries,
	}
	if ev != nil {
		et := string(ev.EventType)
		ch := string(ev.Channel)
		pr := ev.Provider
		d.EventType = &et
		d.Channel = &ch
		d.Provider = &pr
	}
	if _, dlqErr := p.store.DLQ.Add(ctx, d); dlqErr != nil {
		// Both the write and the DLQ failed; surface the original cause.
		logger.Error("dead-letter write failed", "cause", cause.Error(), "dlq_error", dlqErr.Error())
		return nil, cause
	}
	logger.Warn("event dead-lettered", "reason", cause.Error())
	return &Result{Outcome: DeadLettered}, cause
}

// ReplayDeadLetter re-runs the intake recipe for a DLQ entry whose payload
// is an orphan-queue payload (a JSON object whose "raw" event carries a
// provider event id). Any other payload, including a raw provider webhook
// body dead-lettered by Record, is not replayed and returns an error. Used
// by the admin replay endpoint; the caller owns the status bookkeeping.
func (p *Pipeline) ReplayDeadLetter(ctx context.Context, d *domain.DeadLetterEvent, providerName string, channel domain.Channel) (*Result, error) {
	var payload orphanPayload
	if err := json.Unmarshal(d.EventData, &payload); err == nil && payload.Raw.ProviderEventID != "" {
		return p.Ingest(ctx, d.EventData, payload.Raw, providerName, channel)
	}
	return nil, fmt.Errorf("dead letter %s payload is not replayable through intake", d.ID)
}
