package domain

import (
	"encoding/json"
	"time"
)

// Channel enumerates the delivery channels the engine knows about.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelLinkedIn Channel = "linkedin"
	ChannelVideo    Channel = "video"
	ChannelSMS      Channel = "sms"
	ChannelPhone    Channel = "phone"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelLinkedIn, ChannelVideo, ChannelSMS, ChannelPhone:
		return true
	}
	return false
}

// EventType enumerates the closed vocabulary of campaign events.
type EventType string

const (
	// Email events.
	EventSent         EventType = "sent"
	EventDelivered    EventType = "delivered"
	EventOpened       EventType = "opened"
	EventClicked      EventType = "clicked"
	EventReplied      EventType = "replied"
	EventBounced      EventType = "bounced"
	EventUnsubscribed EventType = "unsubscribed"
	EventSpamReported EventType = "spam_reported"

	// LinkedIn events.
	EventProfileVisited     EventType = "profile_visited"
	EventConnectionSent     EventType = "connection_sent"
	EventConnectionAccepted EventType = "connection_accepted"
	EventConnectionRejected EventType = "connection_rejected"
	EventMessageSent        EventType = "message_sent"
	EventMessageRead        EventType = "message_read"
	EventMessageReplied     EventType = "message_replied"
	EventVoiceMessageSent   EventType = "voice_message_sent"

	// Video events.
	EventVideoGenerated        EventType = "video_generated"
	EventVideoGenerationFailed EventType = "video_generation_failed"
	EventVideoViewed           EventType = "video_viewed"
	EventVideoCompleted        EventType = "video_completed"
	EventVideoShared           EventType = "video_shared"
)

var knownEventTypes = map[EventType]struct{}{
	EventSent: {}, EventDelivered: {}, EventOpened: {}, EventClicked: {},
	EventReplied: {}, EventBounced: {}, EventUnsubscribed: {}, EventSpamReported: {},
	EventProfileVisited: {}, EventConnectionSent: {}, EventConnectionAccepted: {},
	EventConnectionRejected: {}, EventMessageSent: {}, EventMessageRead: {},
	EventMessageReplied: {}, EventVoiceMessageSent: {},
	EventVideoGenerated: {}, EventVideoGenerationFailed: {}, EventVideoViewed: {},
	EventVideoCompleted: {}, EventVideoShared: {},
}

// Valid reports whether e is in the closed event vocabulary.
func (e EventType) Valid() bool {
	_, ok := knownEventTypes[e]
	return ok
}

// CounterField returns the campaign-instance counter column this event
// increments, or "" if the event does not drive a counter.
func (e EventType) CounterField() string {
	switch e {
	case EventSent:
		return "total_sent"
	case EventDelivered:
		return "total_delivered"
	case EventOpened:
		return "total_opened"
	case EventClicked:
		return "total_clicked"
	case EventReplied:
		return "total_replied"
	}
	return ""
}

// CampaignEvent is an immutable fact about a message or action. Events are
// append-only: never updated, never deleted by business logic.
type CampaignEvent struct {
	ID           string  `json:"id" db:"id"`
	EnrollmentID *string `json:"enrollment_id" db:"enrollment_id"`
	InstanceID   *string `json:"instance_id" db:"instance_id"`

	EventType EventType `json:"event_type" db:"event_type"`
	Channel   Channel   `json:"channel" db:"channel"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`

	Provider string `json:"provider" db:"provider"`
	// ProviderEventID is the dedup key: unique where non-empty.
	ProviderEventID   string `json:"provider_event_id" db:"provider_event_id"`
	ProviderMessageID string `json:"provider_message_id" db:"provider_message_id"`

	StepNumber *int            `json:"step_number" db:"step_number"`
	Metadata   json.RawMessage `json:"metadata" db:"metadata"`

	// Video fields, set only for video channel events.
	VideoID       *string `json:"video_id,omitempty" db:"video_id"`
	VideoURL      *string `json:"video_url,omitempty" db:"video_url"`
	VideoStatus   *string `json:"video_status,omitempty" db:"video_status"`
	VideoDuration *int    `json:"video_duration,omitempty" db:"video_duration"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// OrphanEvent is a webhook event whose enrollment could not be resolved at
// intake time. It waits in a deferred-correlation queue for bounded retries.
type OrphanEvent struct {
	ID                string          `json:"id" db:"id"`
	Provider          string          `json:"provider" db:"provider"`
	Channel           Channel         `json:"channel" db:"channel"`
	ProviderMessageID string          `json:"provider_message_id" db:"provider_message_id"`
	Payload           json.RawMessage `json:"payload" db:"payload"`
	Attempts          int             `json:"attempts" db:"attempts"`
	NextAttemptAt     time.Time       `json:"next_attempt_at" db:"next_attempt_at"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}
