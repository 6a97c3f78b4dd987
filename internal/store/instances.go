package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence/internal/domain"
)

// InstanceRepo persists campaign instances and drives their status machine.
type InstanceRepo struct{ db *sql.DB }

const instanceColumns = `id, template_id, status, provider_config,
	total_enrolled, total_sent, total_delivered, total_opened, total_clicked, total_replied,
	daily_send_cap, started_at, paused_at, completed_at, created_at, updated_at`

func scanInstance(row interface {
	Scan(dest ...interface{}) error
}) (*domain.CampaignInstance, error) {
	i := &domain.CampaignInstance{}
	var startedAt, pausedAt, completedAt sql.NullTime
	err := row.Scan(&i.ID, &i.TemplateID, &i.Status, &i.ProviderConfig,
		&i.TotalEnrolled, &i.TotalSent, &i.TotalDelivered, &i.TotalOpened, &i.TotalClicked, &i.TotalReplied,
		&i.DailySendCap, &startedAt, &pausedAt, &completedAt, &i.CreatedAt, &i.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan instance: %w", err)
	}
	i.StartedAt = timePtr(startedAt)
	i.PausedAt = timePtr(pausedAt)
	i.CompletedAt = timePtr(completedAt)
	return i, nil
}

// Create inserts a new instance in draft status.
func (r *InstanceRepo) Create(ctx context.Context, inst *domain.CampaignInstance) (string, error) {
	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	if inst.Status == "" {
		inst.Status = domain.InstanceDraft
	}
	if len(inst.ProviderConfig) == 0 {
		inst.ProviderConfig = []byte(`{}`)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO campaign_instances (id, template_id, status, provider_config, daily_send_cap, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
	`, inst.ID, inst.TemplateID, inst.Status, []byte(inst.ProviderConfig), inst.DailySendCap)
	if err != nil {
		return "", fmt.Errorf("create instance: %w", err)
	}
	return inst.ID, nil
}

// Get returns a single instance with its live counters.
func (r *InstanceRepo) Get(ctx context.Context, id string) (*domain.CampaignInstance, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM campaign_instances WHERE id = $1`, id)
	return scanInstance(row)
}

// GetForUpdate returns an instance locked inside tx.
func (r *InstanceRepo) GetForUpdate(ctx context.Context, tx *sql.Tx, id string) (*domain.CampaignInstance, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM campaign_instances WHERE id = $1 FOR UPDATE`, id)
	return scanInstance(row)
}

// List returns instances, optionally filtered by status, newest first.
func (r *InstanceRepo) List(ctx context.Context, status string, limit, offset int) ([]domain.CampaignInstance, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + instanceColumns + ` FROM campaign_instances`
	args := []interface{}{}
	if status != "" {
		q += ` WHERE status = $1`
		args = append(args, status)
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var out []domain.CampaignInstance
	for rows.Next() {
		i, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *i)
	}
	return out, rows.Err()
}

// Transition moves an instance to a new status, enforcing the transition
// table under a row lock and stamping the matching timestamp. Returns
// ErrInvalidTransition for moves outside the allowed set.
func (r *InstanceRepo) Transition(ctx context.Context, tx *sql.Tx, id string, to domain.InstanceStatus) (*domain.CampaignInstance, error) {
	inst, err := r.GetForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if !domain.CanTransition(inst.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, inst.Status, to)
	}

	stamp := ""
	switch to {
	case domain.InstanceActive:
		stamp = ", started_at = COALESCE(started_at, NOW()), paused_at = NULL"
	case domain.InstancePaused:
		stamp = ", paused_at = NOW()"
	case domain.InstanceCompleted, domain.InstanceFailed:
		stamp = ", completed_at = NOW()"
	}

	q := fmt.Sprintf(`UPDATE campaign_instances SET status = $1, updated_at = NOW()%s WHERE id = $2`, stamp)
	if _, err := tx.ExecContext(ctx, q, to, id); err != nil {
		return nil, fmt.Errorf("transition instance: %w", err)
	}
	inst.Status = to
	return inst, nil
}

// SentToday counts sent events recorded for the instance since UTC midnight.
// Used by the scheduler to enforce the instance daily send cap.
func (r *InstanceRepo) SentToday(ctx context.Context, id string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM campaign_events
		WHERE instance_id = $1 AND event_type = 'sent' AND timestamp >= date_trunc('day', NOW())
	`, id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sent today: %w", err)
	}
	return n, nil
}
