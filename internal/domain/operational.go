package domain

import (
	"encoding/json"
	"time"
)

// LinkedInRateLimit is the per-account daily action ledger. One row per
// (account_identifier, date); "date" is the account's local calendar day.
type LinkedInRateLimit struct {
	AccountIdentifier string    `json:"account_identifier" db:"account_identifier"`
	Timezone          string    `json:"timezone" db:"timezone"`
	Date              string    `json:"date" db:"date"` // YYYY-MM-DD in the account's zone
	ConnectionsSent   int       `json:"connections_sent" db:"connections_sent"`
	MessagesSent      int       `json:"messages_sent" db:"messages_sent"`
	ProfileVisits     int       `json:"profile_visits" db:"profile_visits"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// LinkedInAction enumerates the capped LinkedIn action classes.
type LinkedInAction string

const (
	ActionConnection   LinkedInAction = "connection"
	ActionMessage      LinkedInAction = "message"
	ActionProfileVisit LinkedInAction = "profile_visit"
)

// LedgerColumn returns the ledger column the action increments.
func (a LinkedInAction) LedgerColumn() string {
	switch a {
	case ActionConnection:
		return "connections_sent"
	case ActionMessage:
		return "messages_sent"
	case ActionProfileVisit:
		return "profile_visits"
	}
	return ""
}

// DLQStatus enumerates dead-letter entry states.
type DLQStatus string

const (
	DLQFailed    DLQStatus = "failed"
	DLQReplaying DLQStatus = "replaying"
	DLQReplayed  DLQStatus = "replayed"
	DLQIgnored   DLQStatus = "ignored"
)

// DeadLetterEvent is an ingestion failure that survived maximum retries.
// The full original payload is preserved for replay.
type DeadLetterEvent struct {
	ID               string          `json:"id" db:"id"`
	EventData        json.RawMessage `json:"event_data" db:"event_data"`
	FailureReason    string          `json:"failure_reason" db:"failure_reason"`
	Attempts         int             `json:"attempts" db:"attempts"`
	FirstAttemptedAt time.Time       `json:"first_attempted_at" db:"first_attempted_at"`
	LastAttemptedAt  time.Time       `json:"last_attempted_at" db:"last_attempted_at"`
	Status           DLQStatus       `json:"status" db:"status"`
	ReplayedAt       *time.Time      `json:"replayed_at" db:"replayed_at"`

	// Optional classification for filtering.
	EventType *string `json:"event_type" db:"event_type"`
	Channel   *string `json:"channel" db:"channel"`
	Provider  *string `json:"provider" db:"provider"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// VideoStatus enumerates video generation states.
type VideoStatus string

const (
	VideoPending    VideoStatus = "pending"
	VideoProcessing VideoStatus = "processing"
	VideoCompleted  VideoStatus = "completed"
	VideoFailed     VideoStatus = "failed"
)

// IsTerminal reports whether the video reached a final state.
func (s VideoStatus) IsTerminal() bool {
	return s == VideoCompleted || s == VideoFailed
}

// VideoGeneration tracks an outstanding video asset at the provider.
type VideoGeneration struct {
	ID              string      `json:"id" db:"id"`
	ProviderVideoID string      `json:"provider_video_id" db:"provider_video_id"`
	Status          VideoStatus `json:"status" db:"status"`
	EnrollmentID    *string     `json:"enrollment_id" db:"enrollment_id"`
	InstanceID      *string     `json:"instance_id" db:"instance_id"`
	VideoURL        *string     `json:"video_url" db:"video_url"`
	ThumbnailURL    *string     `json:"thumbnail_url" db:"thumbnail_url"`
	Attempts        int         `json:"attempts" db:"attempts"`
	CostCredits     *float64    `json:"cost_credits" db:"cost_credits"`
	CompletedAt     *time.Time  `json:"completed_at" db:"completed_at"`
	CreatedAt       time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at" db:"updated_at"`
}
