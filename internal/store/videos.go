package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence/internal/domain"
)

// VideoRepo tracks outstanding video generations at the provider.
type VideoRepo struct{ db *sql.DB }

const videoColumns = `id, provider_video_id, status, enrollment_id, instance_id,
	video_url, thumbnail_url, attempts, cost_credits, completed_at, created_at, updated_at`

func scanVideo(row interface {
	Scan(dest ...interface{}) error
}) (*domain.VideoGeneration, error) {
	v := &domain.VideoGeneration{}
	var enrollmentID, instanceID, videoURL, thumbnailURL sql.NullString
	var costCredits sql.NullFloat64
	var completedAt sql.NullTime
	err := row.Scan(&v.ID, &v.ProviderVideoID, &v.Status, &enrollmentID, &instanceID,
		&videoURL, &thumbnailURL, &v.Attempts, &costCredits, &completedAt, &v.CreatedAt, &v.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan video: %w", err)
	}
	v.EnrollmentID = strPtr(enrollmentID)
	v.InstanceID = strPtr(instanceID)
	v.VideoURL = strPtr(videoURL)
	v.ThumbnailURL = strPtr(thumbnailURL)
	if costCredits.Valid {
		c := costCredits.Float64
		v.CostCredits = &c
	}
	v.CompletedAt = timePtr(completedAt)
	return v, nil
}

// Create registers a new pending generation. Duplicate provider_video_id
// surfaces as ErrDuplicate.
func (r *VideoRepo) Create(ctx context.Context, v *domain.VideoGeneration) (string, error) {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.Status == "" {
		v.Status = domain.VideoPending
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO video_generations
			(id, provider_video_id, status, enrollment_id, instance_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
	`, v.ID, v.ProviderVideoID, v.Status, nullStr(v.EnrollmentID), nullStr(v.InstanceID))
	if err != nil {
		if IsUniqueViolation(err) {
			return "", ErrDuplicate
		}
		return "", fmt.Errorf("create video generation: %w", err)
	}
	return v.ID, nil
}

// ByProviderVideoID resolves a generation from the provider's id.
func (r *VideoRepo) ByProviderVideoID(ctx context.Context, providerVideoID string) (*domain.VideoGeneration, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+videoColumns+` FROM video_generations WHERE provider_video_id = $1`, providerVideoID)
	return scanVideo(row)
}

// ListPending returns generations still awaiting a terminal status.
func (r *VideoRepo) ListPending(ctx context.Context, limit int) ([]domain.VideoGeneration, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+videoColumns+` FROM video_generations
		WHERE status IN ('pending', 'processing')
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending videos: %w", err)
	}
	defer rows.Close()

	var out []domain.VideoGeneration
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// UpdateStatus records a poll or webhook result. Terminal statuses stamp
// completed_at.
func (r *VideoRepo) UpdateStatus(ctx context.Context, id string, status domain.VideoStatus, videoURL, thumbnailURL string, bumpAttempts bool) error {
	stamp := ""
	if status.IsTerminal() {
		stamp = ", completed_at = NOW()"
	}
	bump := ""
	if bumpAttempts {
		bump = ", attempts = attempts + 1"
	}
	q := fmt.Sprintf(`
		UPDATE video_generations
		SET status = $2,
		    video_url = COALESCE(NULLIF($3, ''), video_url),
		    thumbnail_url = COALESCE(NULLIF($4, ''), thumbnail_url),
		    updated_at = NOW()%s%s
		WHERE id = $1
	`, stamp, bump)
	res, err := r.db.ExecContext(ctx, q, id, status, videoURL, thumbnailURL)
	if err != nil {
		return fmt.Errorf("update video status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// StalePending returns generations stuck in a non-terminal state longer
// than maxAge, for the poller to escalate.
func (r *VideoRepo) StalePending(ctx context.Context, maxAge time.Duration, limit int) ([]domain.VideoGeneration, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+videoColumns+` FROM video_generations
		WHERE status IN ('pending', 'processing') AND created_at < NOW() - $1::interval
		ORDER BY created_at ASC
		LIMIT $2
	`, fmt.Sprintf("%d seconds", int(maxAge.Seconds())), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale videos: %w", err)
	}
	defer rows.Close()

	var out []domain.VideoGeneration
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}
