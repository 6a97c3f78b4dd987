package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// CampaignType enumerates the channel shape of a campaign template.
type CampaignType string

const (
	CampaignTypeEmail        CampaignType = "email"
	CampaignTypeLinkedIn     CampaignType = "linkedin"
	CampaignTypeMultiChannel CampaignType = "multi_channel"
	CampaignTypeVideo        CampaignType = "video"
)

// Valid reports whether t is a known campaign type.
func (t CampaignType) Valid() bool {
	switch t {
	case CampaignTypeEmail, CampaignTypeLinkedIn, CampaignTypeMultiChannel, CampaignTypeVideo:
		return true
	}
	return false
}

// PathType enumerates how a template's sequence is resolved.
type PathType string

const (
	PathStructured PathType = "structured"
	PathDynamicAI  PathType = "dynamic_ai"
)

// Valid reports whether p is a known path type.
func (p PathType) Valid() bool {
	return p == PathStructured || p == PathDynamicAI
}

// CampaignTemplate is the immutable definition of a campaign shape.
// Sequence steps live inside Settings.
type CampaignTemplate struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Name      string          `json:"name" db:"name"`
	Type      CampaignType    `json:"type" db:"type"`
	PathType  PathType        `json:"path_type" db:"path_type"`
	Settings  json.RawMessage `json:"settings" db:"settings"`
	IsActive  bool            `json:"is_active" db:"is_active"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// SequenceStep is one ordered element of a template's sequence.
type SequenceStep struct {
	StepNumber int     `json:"step_number"`
	Channel    Channel `json:"channel"`
	Content    string  `json:"content"`
	// DelayAfterPrevious is the wait before this step fires, in seconds.
	DelayAfterPrevious int64 `json:"delay_after_previous"`
}

// Delay returns the step's delay as a duration.
func (s SequenceStep) Delay() time.Duration {
	return time.Duration(s.DelayAfterPrevious) * time.Second
}

// templateSettings is the persisted shape of CampaignTemplate.Settings.
type templateSettings struct {
	Sequence []SequenceStep `json:"sequence"`
}

// Sequence decodes and validates the template's step sequence.
// Step numbers must be contiguous from 1.
func (t *CampaignTemplate) Sequence() ([]SequenceStep, error) {
	if len(t.Settings) == 0 {
		return nil, nil
	}
	var s templateSettings
	if err := json.Unmarshal(t.Settings, &s); err != nil {
		return nil, fmt.Errorf("decode template settings: %w", err)
	}
	for i, step := range s.Sequence {
		if step.StepNumber != i+1 {
			return nil, fmt.Errorf("sequence step %d has number %d, want %d", i, step.StepNumber, i+1)
		}
		if !step.Channel.Valid() {
			return nil, fmt.Errorf("sequence step %d has unknown channel %q", step.StepNumber, step.Channel)
		}
	}
	return s.Sequence, nil
}

// InstanceStatus enumerates the lifecycle states of a campaign instance.
type InstanceStatus string

const (
	InstanceDraft     InstanceStatus = "draft"
	InstanceActive    InstanceStatus = "active"
	InstancePaused    InstanceStatus = "paused"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFailed    InstanceStatus = "failed"
)

// Valid reports whether s is a known instance status.
func (s InstanceStatus) Valid() bool {
	switch s {
	case InstanceDraft, InstanceActive, InstancePaused, InstanceCompleted, InstanceFailed:
		return true
	}
	return false
}

// instanceTransitions is the allowed status transition table.
// Any status may move to failed.
var instanceTransitions = map[InstanceStatus][]InstanceStatus{
	InstanceDraft:  {InstanceActive},
	InstanceActive: {InstancePaused, InstanceCompleted},
	InstancePaused: {InstanceActive, InstanceCompleted},
}

// CanTransition reports whether from → to is an allowed instance transition.
func CanTransition(from, to InstanceStatus) bool {
	if to == InstanceFailed {
		return true
	}
	for _, allowed := range instanceTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CampaignInstance is a live execution of a template.
type CampaignInstance struct {
	ID             string          `json:"id" db:"id"`
	TemplateID     string          `json:"template_id" db:"template_id"`
	Status         InstanceStatus  `json:"status" db:"status"`
	ProviderConfig json.RawMessage `json:"provider_config" db:"provider_config"`

	// Counters, maintained exclusively through SQL-side increments.
	TotalEnrolled  int `json:"total_enrolled" db:"total_enrolled"`
	TotalSent      int `json:"total_sent" db:"total_sent"`
	TotalDelivered int `json:"total_delivered" db:"total_delivered"`
	TotalOpened    int `json:"total_opened" db:"total_opened"`
	TotalClicked   int `json:"total_clicked" db:"total_clicked"`
	TotalReplied   int `json:"total_replied" db:"total_replied"`

	DailySendCap int `json:"daily_send_cap" db:"daily_send_cap"`

	StartedAt   *time.Time `json:"started_at" db:"started_at"`
	PausedAt    *time.Time `json:"paused_at" db:"paused_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the instance is in a final state.
func (i *CampaignInstance) IsTerminal() bool {
	return i.Status == InstanceCompleted || i.Status == InstanceFailed
}

// InstanceMetrics is the computed read model for an instance's live counters.
type InstanceMetrics struct {
	TotalEnrolled  int    `json:"total_enrolled"`
	TotalSent      int    `json:"total_sent"`
	TotalDelivered int    `json:"total_delivered"`
	TotalOpened    int    `json:"total_opened"`
	TotalClicked   int    `json:"total_clicked"`
	TotalReplied   int    `json:"total_replied"`
	DeliveryRate   string `json:"delivery_rate"`
	OpenRate       string `json:"open_rate"`
	ClickRate      string `json:"click_rate"`
	ReplyRate      string `json:"reply_rate"`
}

// Rate formats numerator/denominator as a percentage with two decimal
// places. A zero denominator yields "0.00".
func Rate(num, den int) string {
	if den <= 0 {
		return "0.00"
	}
	return fmt.Sprintf("%.2f", float64(num)/float64(den)*100)
}

// Metrics derives the rate read model from the instance counters.
func (i *CampaignInstance) Metrics() InstanceMetrics {
	return InstanceMetrics{
		TotalEnrolled:  i.TotalEnrolled,
		TotalSent:      i.TotalSent,
		TotalDelivered: i.TotalDelivered,
		TotalOpened:    i.TotalOpened,
		TotalClicked:   i.TotalClicked,
		TotalReplied:   i.TotalReplied,
		DeliveryRate:   Rate(i.TotalDelivered, i.TotalSent),
		OpenRate:       Rate(i.TotalOpened, i.TotalDelivered),
		ClickRate:      Rate(i.TotalClicked, i.TotalOpened),
		ReplyRate:      Rate(i.TotalReplied, i.TotalDelivered),
	}
}
