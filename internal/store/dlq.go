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

// DLQRepo is the terminal sink for events that survived all retries.
// There is no silent drop: every ingestion failure that exhausts its retry
// budget lands here with its full original payload.
type DLQRepo struct{ db *sql.DB }

// DLQFilter narrows List and ReplayAll.
type DLQFilter struct {
	Status    string
	Provider  string
	EventType string
	Limit     int
	Offset    int
}

// Add captures a failed event. attempts must already reflect the configured
// maximum retries.
func (r *DLQRepo) Add(ctx context.Context, d *domain.DeadLetterEvent) (string, error) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if len(d.EventData) == 0 {
		d.EventData = json.RawMessage(`{}`)
	}
	if d.Status == "" {
		d.Status = domain.DLQFailed
	}
	now := time.Now()
	if d.FirstAttemptedAt.IsZero() {
		d.FirstAttemptedAt = now
	}
	if d.LastAttemptedAt.IsZero() {
		d.LastAttemptedAt = now
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO dead_letter_events
			(id, event_data, failure_reason, attempts, first_attempted_at, last_attempted_at,
			 status, event_type, channel, provider, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
	`, d.ID, []byte(d.EventData), d.FailureReason, d.Attempts, d.FirstAttemptedAt, d.LastAttemptedAt,
		d.Status, nullStr(d.EventType), nullStr(d.Channel), nullStr(d.Provider))
	if err != nil {
		return "", fmt.Errorf("add dead letter: %w", err)
	}
	return d.ID, nil
}

const dlqColumns = `id, event_data, failure_reason, attempts, first_attempted_at, last_attempted_at,
	status, replayed_at, event_type, channel, provider, created_at`

func scanDLQ(row interface {
	Scan(dest ...interface{}) error
}) (*domain.DeadLetterEvent, error) {
	d := &domain.DeadLetterEvent{}
	var replayedAt sql.NullTime
	var eventType, channel, provider sql.NullString
	err := row.Scan(&d.ID, &d.EventData, &d.FailureReason, &d.Attempts,
		&d.FirstAttemptedAt, &d.LastAttemptedAt, &d.Status, &replayedAt,
		&eventType, &channel, &provider, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan dead letter: %w", err)
	}
	d.ReplayedAt = timePtr(replayedAt)
	d.EventType = strPtr(eventType)
	d.Channel = strPtr(channel)
	d.Provider = strPtr(provider)
	return d, nil
}

// Get returns a single entry.
func (r *DLQRepo) Get(ctx context.Context, id string) (*domain.DeadLetterEvent, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+dlqColumns+` FROM dead_letter_events WHERE id = $1`, id)
	return scanDLQ(row)
}

// List returns entries matching the filter, newest first.
func (r *DLQRepo) List(ctx context.Context, f DLQFilter) ([]domain.DeadLetterEvent, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + dlqColumns + ` FROM dead_letter_events WHERE 1=1`
	args := []interface{}{}
	idx := 1
	add := func(clause string, val interface{}) {
		q += fmt.Sprintf(" AND %s = $%d", clause, idx)
		args = append(args, val)
		idx++
	}
	if f.Status != "" {
		add("status", f.Status)
	}
	if f.Provider != "" {
		add("provider", f.Provider)
	}
	if f.EventType != "" {
		add("event_type", f.EventType)
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []domain.DeadLetterEvent
	for rows.Next() {
		d, err := scanDLQ(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// MarkReplaying moves failed → replaying, guarding against concurrent
// replays of the same entry.
func (r *DLQRepo) MarkReplaying(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE dead_letter_events SET status = 'replaying' WHERE id = $1 AND status = 'failed'
	`, id)
	if err != nil {
		return fmt.Errorf("mark replaying: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkReplayed records a successful replay.
func (r *DLQRepo) MarkReplayed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE dead_letter_events SET status = 'replayed', replayed_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark replayed: %w", err)
	}
	return nil
}

// MarkFailedAgain returns a replaying entry to failed and counts the attempt.
func (r *DLQRepo) MarkFailedAgain(ctx context.Context, id, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE dead_letter_events
		SET status = 'failed', attempts = attempts + 1, failure_reason = $2, last_attempted_at = NOW()
		WHERE id = $1
	`, id, reason)
	if err != nil {
		return fmt.Errorf("mark failed again: %w", err)
	}
	return nil
}

// Ignore marks an entry as intentionally dropped.
func (r *DLQRepo) Ignore(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE dead_letter_events SET status = 'ignored' WHERE id = $1 AND status IN ('failed', 'replaying')
	`, id)
	if err != nil {
		return fmt.Errorf("ignore dead letter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Stats returns entry counts by status.
func (r *DLQRepo) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM dead_letter_events GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("dlq stats: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan dlq stats: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}
