package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence/internal/domain"
)

// EnrollmentRepo persists campaign enrollments.
type EnrollmentRepo struct{ db *sql.DB }

const enrollmentColumns = `id, instance_id, contact_id, status, current_step, next_action_at,
	provider_message_id, provider_action_id, account_identifier, account_timezone,
	send_attempts, metadata, enrolled_at, completed_at, unsubscribed_at, updated_at`

func scanEnrollment(row interface {
	Scan(dest ...interface{}) error
}) (*domain.CampaignEnrollment, error) {
	e := &domain.CampaignEnrollment{}
	var nextActionAt, completedAt, unsubscribedAt sql.NullTime
	var providerMessageID, providerActionID sql.NullString
	err := row.Scan(&e.ID, &e.InstanceID, &e.ContactID, &e.Status, &e.CurrentStep, &nextActionAt,
		&providerMessageID, &providerActionID, &e.AccountIdentifier, &e.AccountTimezone,
		&e.SendAttempts, &e.Metadata, &e.EnrolledAt, &completedAt, &unsubscribedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan enrollment: %w", err)
	}
	e.NextActionAt = timePtr(nextActionAt)
	e.CompletedAt = timePtr(completedAt)
	e.UnsubscribedAt = timePtr(unsubscribedAt)
	e.ProviderMessageID = strPtr(providerMessageID)
	e.ProviderActionID = strPtr(providerActionID)
	return e, nil
}

// Create inserts a new enrollment. A duplicate (instance_id, contact_id)
// surfaces as ErrDuplicate via the unique constraint, not as a pre-check.
func (r *EnrollmentRepo) Create(ctx context.Context, ex Execer, e *domain.CampaignEnrollment) (string, error) {
	if ex == nil {
		ex = r.db
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = domain.EnrollmentActive
	}
	if len(e.Metadata) == 0 {
		e.Metadata = []byte(`{}`)
	}
	if e.AccountTimezone == "" {
		e.AccountTimezone = "UTC"
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO campaign_enrollments
			(id, instance_id, contact_id, status, current_step, next_action_at,
			 account_identifier, account_timezone, metadata, enrolled_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
	`, e.ID, e.InstanceID, e.ContactID, e.Status, e.CurrentStep, e.NextActionAt,
		e.AccountIdentifier, e.AccountTimezone, []byte(e.Metadata))
	if err != nil {
		if IsUniqueViolation(err) {
			return "", ErrDuplicate
		}
		return "", fmt.Errorf("create enrollment: %w", err)
	}
	return e.ID, nil
}

// Get returns a single enrollment.
func (r *EnrollmentRepo) Get(ctx context.Context, id string) (*domain.CampaignEnrollment, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+enrollmentColumns+` FROM campaign_enrollments WHERE id = $1`, id)
	return scanEnrollment(row)
}

// ByProviderMessageID resolves an enrollment from the correlation key
// carried by webhook events.
func (r *EnrollmentRepo) ByProviderMessageID(ctx context.Context, messageID string) (*domain.CampaignEnrollment, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+enrollmentColumns+` FROM campaign_enrollments
		WHERE provider_message_id = $1 OR provider_action_id = $1
		LIMIT 1
	`, messageID)
	return scanEnrollment(row)
}

// List returns enrollments for an instance.
func (r *EnrollmentRepo) List(ctx context.Context, instanceID, status string, limit, offset int) ([]domain.CampaignEnrollment, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + enrollmentColumns + ` FROM campaign_enrollments WHERE instance_id = $1`
	args := []interface{}{instanceID}
	if status != "" {
		q += ` AND status = $2`
		args = append(args, status)
	}
	q += fmt.Sprintf(` ORDER BY enrolled_at ASC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list enrollments: %w", err)
	}
	defer rows.Close()

	var out []domain.CampaignEnrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// ClaimBatch atomically claims a batch of due enrollments. The inner
// SELECT ... FOR UPDATE SKIP LOCKED ensures concurrent scheduler workers
// never pick the same row; the UPDATE leases each claimed row by pushing
// next_action_at forward, so a crashed worker's rows resurface after the
// lease instead of being lost.
func (r *EnrollmentRepo) ClaimBatch(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]domain.CampaignEnrollment, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE campaign_enrollments
		SET next_action_at = $1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM campaign_enrollments
			WHERE status = 'active' AND next_action_at IS NOT NULL AND next_action_at <= $2
			ORDER BY next_action_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+enrollmentColumns+`
	`, now.Add(lease), now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due enrollments: %w", err)
	}
	defer rows.Close()

	var out []domain.CampaignEnrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Advance records a completed step: stores the provider message id, bumps
// current_step, resets the attempt counter, and schedules the next action.
// current_step only moves forward.
func (r *EnrollmentRepo) Advance(ctx context.Context, ex Execer, id string, step int, providerMessageID, providerActionID string, nextActionAt *time.Time) error {
	if ex == nil {
		ex = r.db
	}
	res, err := ex.ExecContext(ctx, `
		UPDATE campaign_enrollments
		SET current_step = $2,
		    provider_message_id = COALESCE(NULLIF($3, ''), provider_message_id),
		    provider_action_id = COALESCE(NULLIF($4, ''), provider_action_id),
		    next_action_at = $5,
		    send_attempts = 0,
		    updated_at = NOW()
		WHERE id = $1 AND current_step < $2
	`, id, step, providerMessageID, providerActionID, nextActionAt)
	if err != nil {
		return fmt.Errorf("advance enrollment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatus moves an enrollment to a new status, stamping terminal
// timestamps and clearing next_action_at for non-schedulable states.
func (r *EnrollmentRepo) SetStatus(ctx context.Context, ex Execer, id string, status domain.EnrollmentStatus) error {
	if ex == nil {
		ex = r.db
	}
	stamp := ""
	switch status {
	case domain.EnrollmentCompleted:
		stamp = ", completed_at = NOW(), next_action_at = NULL"
	case domain.EnrollmentUnsubscribed:
		stamp = ", unsubscribed_at = NOW(), next_action_at = NULL"
	case domain.EnrollmentBounced, domain.EnrollmentFailed, domain.EnrollmentPaused:
		stamp = ", next_action_at = NULL"
	}
	q := fmt.Sprintf(`UPDATE campaign_enrollments SET status = $1, updated_at = NOW()%s WHERE id = $2`, stamp)
	res, err := ex.ExecContext(ctx, q, status, id)
	if err != nil {
		return fmt.Errorf("set enrollment status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Reschedule pushes next_action_at without advancing the step (rate-limit
// deferrals and transient send failures).
func (r *EnrollmentRepo) Reschedule(ctx context.Context, ex Execer, id string, at time.Time, bumpAttempts bool) error {
	if ex == nil {
		ex = r.db
	}
	q := `UPDATE campaign_enrollments SET next_action_at = $2, updated_at = NOW() WHERE id = $1`
	if bumpAttempts {
		q = `UPDATE campaign_enrollments SET next_action_at = $2, send_attempts = send_attempts + 1, updated_at = NOW() WHERE id = $1`
	}
	if _, err := ex.ExecContext(ctx, q, id, at); err != nil {
		return fmt.Errorf("reschedule enrollment: %w", err)
	}
	return nil
}

// SetFailed marks the enrollment failed and records the reason in metadata.
func (r *EnrollmentRepo) SetFailed(ctx context.Context, ex Execer, id, reason string) error {
	if ex == nil {
		ex = r.db
	}
	_, err := ex.ExecContext(ctx, `
		UPDATE campaign_enrollments
		SET status = 'failed',
		    next_action_at = NULL,
		    metadata = metadata || jsonb_build_object('failure_reason', $2::text),
		    updated_at = NOW()
		WHERE id = $1
	`, id, reason)
	if err != nil {
		return fmt.Errorf("fail enrollment: %w", err)
	}
	return nil
}
