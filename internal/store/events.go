package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence/internal/domain"
)

// InsertOutcome distinguishes a fresh insert from an idempotent duplicate.
// Dedup is not an error: the happy path never relies on error control flow.
type InsertOutcome int

const (
	// Inserted means a new event row was written.
	Inserted InsertOutcome = iota
	// DuplicateIgnored means the provider_event_id already existed; no row
	// was written and no counters may be touched.
	DuplicateIgnored
)

// EventRepo persists campaign events. Events are append-only.
type EventRepo struct{ db *sql.DB }

// Insert writes an event inside ex (normally a transaction). A unique
// violation on provider_event_id is resolved to DuplicateIgnored.
func (r *EventRepo) Insert(ctx context.Context, ex Execer, e *domain.CampaignEvent) (InsertOutcome, error) {
	if ex == nil {
		ex = r.db
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if len(e.Metadata) == 0 {
		e.Metadata = []byte(`{}`)
	}

	var providerEventID sql.NullString
	if e.ProviderEventID != "" {
		providerEventID = sql.NullString{String: e.ProviderEventID, Valid: true}
	}
	var providerMessageID sql.NullString
	if e.ProviderMessageID != "" {
		providerMessageID = sql.NullString{String: e.ProviderMessageID, Valid: true}
	}

	_, err := ex.ExecContext(ctx, `
		INSERT INTO campaign_events
			(id, enrollment_id, instance_id, event_type, channel, timestamp,
			 provider, provider_event_id, provider_message_id, step_number, metadata,
			 video_id, video_url, video_status, video_duration, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW())
	`, e.ID, nullStr(e.EnrollmentID), nullStr(e.InstanceID), e.EventType, e.Channel, e.Timestamp,
		e.Provider, providerEventID, providerMessageID, e.StepNumber, []byte(e.Metadata),
		nullStr(e.VideoID), nullStr(e.VideoURL), nullStr(e.VideoStatus), e.VideoDuration)
	if err != nil {
		if IsUniqueViolation(err) {
			return DuplicateIgnored, nil
		}
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return Inserted, nil
}

const eventColumns = `id, enrollment_id, instance_id, event_type, channel, timestamp,
	provider, COALESCE(provider_event_id, ''), COALESCE(provider_message_id, ''),
	step_number, metadata, video_id, video_url, video_status, video_duration, created_at`

func scanEvent(row interface {
	Scan(dest ...interface{}) error
}) (*domain.CampaignEvent, error) {
	e := &domain.CampaignEvent{}
	var enrollmentID, instanceID, videoID, videoURL, videoStatus sql.NullString
	var stepNumber, videoDuration sql.NullInt64
	err := row.Scan(&e.ID, &enrollmentID, &instanceID, &e.EventType, &e.Channel, &e.Timestamp,
		&e.Provider, &e.ProviderEventID, &e.ProviderMessageID,
		&stepNumber, &e.Metadata, &videoID, &videoURL, &videoStatus, &videoDuration, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	e.EnrollmentID = strPtr(enrollmentID)
	e.InstanceID = strPtr(instanceID)
	e.VideoID = strPtr(videoID)
	e.VideoURL = strPtr(videoURL)
	e.VideoStatus = strPtr(videoStatus)
	if stepNumber.Valid {
		n := int(stepNumber.Int64)
		e.StepNumber = &n
	}
	if videoDuration.Valid {
		n := int(videoDuration.Int64)
		e.VideoDuration = &n
	}
	return e, nil
}

// ListByEnrollment returns an enrollment's events, oldest first.
func (r *EventRepo) ListByEnrollment(ctx context.Context, enrollmentID string, limit int) ([]domain.CampaignEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM campaign_events
		WHERE enrollment_id = $1
		ORDER BY timestamp ASC
		LIMIT $2
	`, enrollmentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []domain.CampaignEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// HasSentEvent reports whether a sent event exists for (enrollment, step).
// This is the authoritative idempotency check behind the scheduler's
// short-TTL cache.
func (r *EventRepo) HasSentEvent(ctx context.Context, enrollmentID string, step int) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM campaign_events
			WHERE enrollment_id = $1 AND step_number = $2 AND event_type = 'sent'
		)
	`, enrollmentID, step).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check sent event: %w", err)
	}
	return exists, nil
}
