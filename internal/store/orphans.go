package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence/internal/domain"
)

// OrphanRepo is the deferred-correlation queue for webhook events whose
// enrollment could not be resolved at intake time.
type OrphanRepo struct{ db *sql.DB }

// Enqueue stores an orphaned event for later correlation attempts.
func (r *OrphanRepo) Enqueue(ctx context.Context, o *domain.OrphanEvent) (string, error) {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if len(o.Payload) == 0 {
		o.Payload = json.RawMessage(`{}`)
	}
	if o.NextAttemptAt.IsZero() {
		o.NextAttemptAt = time.Now().Add(time.Minute)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO campaign_event_orphans
			(id, provider, channel, provider_message_id, payload, attempts, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`, o.ID, o.Provider, o.Channel, o.ProviderMessageID, []byte(o.Payload), o.Attempts, o.NextAttemptAt)
	if err != nil {
		return "", fmt.Errorf("enqueue orphan: %w", err)
	}
	return o.ID, nil
}

// ClaimDue locks a batch of due orphans with FOR UPDATE SKIP LOCKED so
// multiple correlation workers never process the same entry.
func (r *OrphanRepo) ClaimDue(ctx context.Context, tx *sql.Tx, now time.Time, limit int) ([]domain.OrphanEvent, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, provider, channel, provider_message_id, payload, attempts, next_attempt_at, created_at
		FROM campaign_event_orphans
		WHERE next_attempt_at <= $1
		ORDER BY next_attempt_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim orphans: %w", err)
	}
	defer rows.Close()

	var out []domain.OrphanEvent
	for rows.Next() {
		var o domain.OrphanEvent
		if err := rows.Scan(&o.ID, &o.Provider, &o.Channel, &o.ProviderMessageID,
			&o.Payload, &o.Attempts, &o.NextAttemptAt, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan orphan: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Delete removes an orphan after successful correlation or DLQ handoff.
func (r *OrphanRepo) Delete(ctx context.Context, ex Execer, id string) error {
	if ex == nil {
		ex = r.db
	}
	_, err := ex.ExecContext(ctx, `DELETE FROM campaign_event_orphans WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete orphan: %w", err)
	}
	return nil
}

// Lease pushes next_attempt_at without counting an attempt, so a claimed
// batch is invisible to other workers while it is being processed.
func (r *OrphanRepo) Lease(ctx context.Context, ex Execer, id string, until time.Time) error {
	if ex == nil {
		ex = r.db
	}
	_, err := ex.ExecContext(ctx, `
		UPDATE campaign_event_orphans SET next_attempt_at = $2 WHERE id = $1
	`, id, until)
	if err != nil {
		return fmt.Errorf("lease orphan: %w", err)
	}
	return nil
}

// Defer bumps the attempt counter and schedules the next correlation try.
func (r *OrphanRepo) Defer(ctx context.Context, ex Execer, id string, nextAttemptAt time.Time) error {
	if ex == nil {
		ex = r.db
	}
	_, err := ex.ExecContext(ctx, `
		UPDATE campaign_event_orphans
		SET attempts = attempts + 1, next_attempt_at = $2
		WHERE id = $1
	`, id, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("defer orphan: %w", err)
	}
	return nil
}

// Depth returns the current queue depth, for health reporting.
func (r *OrphanRepo) Depth(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaign_event_orphans`).Scan(&n); err != nil {
		return 0, fmt.Errorf("orphan depth: %w", err)
	}
	return n, nil
}
