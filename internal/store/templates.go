package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence/internal/domain"
)

// TemplateRepo persists campaign templates.
type TemplateRepo struct{ db *sql.DB }

const templateColumns = `id, user_id, name, type, path_type, settings, is_active, created_at, updated_at`

func scanTemplate(row interface {
	Scan(dest ...interface{}) error
}) (*domain.CampaignTemplate, error) {
	t := &domain.CampaignTemplate{}
	err := row.Scan(&t.ID, &t.UserID, &t.Name, &t.Type, &t.PathType,
		&t.Settings, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan template: %w", err)
	}
	return t, nil
}

// Create inserts a new template and returns its ID.
func (r *TemplateRepo) Create(ctx context.Context, t *domain.CampaignTemplate) (string, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if len(t.Settings) == 0 {
		t.Settings = []byte(`{}`)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO campaign_templates (id, user_id, name, type, path_type, settings, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
	`, t.ID, t.UserID, t.Name, t.Type, t.PathType, []byte(t.Settings), t.IsActive)
	if err != nil {
		return "", fmt.Errorf("create template: %w", err)
	}
	return t.ID, nil
}

// Get returns a single template.
func (r *TemplateRepo) Get(ctx context.Context, id string) (*domain.CampaignTemplate, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM campaign_templates WHERE id = $1`, id)
	return scanTemplate(row)
}

// List returns templates, optionally filtered by type, newest first.
func (r *TemplateRepo) List(ctx context.Context, campaignType string, limit, offset int) ([]domain.CampaignTemplate, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + templateColumns + ` FROM campaign_templates`
	args := []interface{}{}
	if campaignType != "" {
		q += ` WHERE type = $1`
		args = append(args, campaignType)
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var out []domain.CampaignTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// Deactivate flips is_active off; templates are immutable otherwise.
func (r *TemplateRepo) Deactivate(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaign_templates SET is_active = FALSE, updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("deactivate template: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
