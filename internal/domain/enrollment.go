package domain

import (
	"encoding/json"
	"time"
)

// EnrollmentStatus enumerates the lifecycle of a contact's journey through
// one campaign instance.
type EnrollmentStatus string

const (
	EnrollmentEnrolled     EnrollmentStatus = "enrolled"
	EnrollmentActive       EnrollmentStatus = "active"
	EnrollmentPaused       EnrollmentStatus = "paused"
	EnrollmentCompleted    EnrollmentStatus = "completed"
	EnrollmentUnsubscribed EnrollmentStatus = "unsubscribed"
	EnrollmentBounced      EnrollmentStatus = "bounced"
	EnrollmentFailed       EnrollmentStatus = "failed"
)

// Valid reports whether s is a known enrollment status.
func (s EnrollmentStatus) Valid() bool {
	switch s {
	case EnrollmentEnrolled, EnrollmentActive, EnrollmentPaused, EnrollmentCompleted,
		EnrollmentUnsubscribed, EnrollmentBounced, EnrollmentFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the status freezes scheduling and counters.
func (s EnrollmentStatus) IsTerminal() bool {
	switch s {
	case EnrollmentCompleted, EnrollmentUnsubscribed, EnrollmentBounced, EnrollmentFailed:
		return true
	}
	return false
}

// CampaignEnrollment is a single contact's journey through one instance.
// (instance_id, contact_id) is unique: a contact enrolls at most once.
type CampaignEnrollment struct {
	ID         string           `json:"id" db:"id"`
	InstanceID string           `json:"instance_id" db:"instance_id"`
	ContactID  string           `json:"contact_id" db:"contact_id"`
	Status     EnrollmentStatus `json:"status" db:"status"`

	// CurrentStep is the last completed step; monotonically non-decreasing.
	CurrentStep  int        `json:"current_step" db:"current_step"`
	NextActionAt *time.Time `json:"next_action_at" db:"next_action_at"`

	// ProviderMessageID correlates outbound sends with webhook events.
	ProviderMessageID *string `json:"provider_message_id" db:"provider_message_id"`
	ProviderActionID  *string `json:"provider_action_id" db:"provider_action_id"`

	// AccountIdentifier names the sending account (e.g. the LinkedIn seat)
	// used for per-account daily caps. Empty for channels without caps.
	AccountIdentifier string `json:"account_identifier" db:"account_identifier"`
	// AccountTimezone is the IANA zone the account's "today" is computed in.
	AccountTimezone string `json:"account_timezone" db:"account_timezone"`

	SendAttempts int             `json:"send_attempts" db:"send_attempts"`
	Metadata     json.RawMessage `json:"metadata" db:"metadata"`

	EnrolledAt     time.Time  `json:"enrolled_at" db:"enrolled_at"`
	CompletedAt    *time.Time `json:"completed_at" db:"completed_at"`
	UnsubscribedAt *time.Time `json:"unsubscribed_at" db:"unsubscribed_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// Schedulable reports whether the enrollment may carry a next_action_at.
func (e *CampaignEnrollment) Schedulable() bool {
	return e.Status == EnrollmentEnrolled || e.Status == EnrollmentActive
}
