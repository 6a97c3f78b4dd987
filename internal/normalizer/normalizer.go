// Package normalizer converts provider raw webhook events into canonical
// campaign events: closed type vocabulary, resolved enrollment, normalized
// timestamp, cleaned metadata.
//
// Normalize is deterministic: given the same raw event and the same
// enrollment-lookup result, the output is identical.
package normalizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cadencehq/cadence/internal/domain"
	"github.com/cadencehq/cadence/internal/pkg/logger"
	"github.com/cadencehq/cadence/internal/provider"
)

// ErrMissingFields means the raw event lacks type, provider_event_id, or
// timestamp and cannot be ingested.
var ErrMissingFields = errors.New("raw event missing required fields")

// ErrUnknownEventType means the provider type string has no mapping into
// the closed vocabulary.
var ErrUnknownEventType = errors.New("unknown provider event type")

// EnrollmentLookup resolves an enrollment by provider message/action id.
// A (nil, nil) return means no match: the event stays orphaned.
type EnrollmentLookup func(ctx context.Context, providerMessageID string) (*domain.CampaignEnrollment, error)

// typeMaps translates provider-specific event names into the closed
// vocabulary, per provider.
var typeMaps = map[string]map[string]domain.EventType{
	"lemlist": {
		"emailsSent":         domain.EventSent,
		"emailsDelivered":    domain.EventDelivered,
		"emailsOpened":       domain.EventOpened,
		"emailsClicked":      domain.EventClicked,
		"emailsReplied":      domain.EventReplied,
		"emailsBounced":      domain.EventBounced,
		"emailsUnsubscribed": domain.EventUnsubscribed,
		"emailsSpam":         domain.EventSpamReported,
	},
	"postmark": {
		"Delivery":           domain.EventDelivered,
		"Open":               domain.EventOpened,
		"Click":              domain.EventClicked,
		"Bounce":             domain.EventBounced,
		"SpamComplaint":      domain.EventSpamReported,
		"SubscriptionChange": domain.EventUnsubscribed,
	},
	"phantombuster": {
		"profile_visited":    domain.EventProfileVisited,
		"connection_sent":    domain.EventConnectionSent,
		"connection_accepted": domain.EventConnectionAccepted,
		"connection_rejected": domain.EventConnectionRejected,
		"message_sent":       domain.EventMessageSent,
		"message_read":       domain.EventMessageRead,
		"message_replied":    domain.EventMessageReplied,
		"voice_message_sent": domain.EventVoiceMessageSent,
	},
	"heygen": {
		"avatar_video.success": domain.EventVideoGenerated,
		"avatar_video.fail":    domain.EventVideoGenerationFailed,
		"video.played":         domain.EventVideoViewed,
		"video.completed":      domain.EventVideoCompleted,
		"video.shared":         domain.EventVideoShared,
	},
}

// Normalizer owns translation and correlation.
type Normalizer struct {
	lookup EnrollmentLookup
	now    func() time.Time
}

// New creates a normalizer over the given enrollment lookup.
func New(lookup EnrollmentLookup) *Normalizer {
	return &Normalizer{lookup: lookup, now: time.Now}
}

// WithClock overrides the fallback clock. Tests only.
func (n *Normalizer) WithClock(now func() time.Time) *Normalizer {
	n.now = now
	return n
}

// Normalize produces a canonical event from a provider raw event. Events
// whose enrollment cannot be resolved come back with nil EnrollmentID and
// InstanceID; the caller decides between orphan requeue and plain storage.
func (n *Normalizer) Normalize(ctx context.Context, raw provider.RawEvent, providerName string, channel domain.Channel) (*domain.CampaignEvent, error) {
	if raw.Type == "" || raw.ProviderEventID == "" || raw.Timestamp == nil {
		return nil, fmt.Errorf("%w: type=%q event_id=%q", ErrMissingFields, raw.Type, raw.ProviderEventID)
	}

	eventType, err := TranslateType(providerName, raw.Type)
	if err != nil {
		return nil, err
	}

	ev := &domain.CampaignEvent{
		EventType:         eventType,
		Channel:           channel,
		Timestamp:         n.normalizeTimestamp(raw.Timestamp),
		Provider:          providerName,
		ProviderEventID:   raw.ProviderEventID,
		ProviderMessageID: raw.ProviderMessageID,
		Metadata:          marshalMetadata(raw.Metadata),
	}

	if raw.VideoID != "" {
		vid, vurl, vstatus := raw.VideoID, raw.VideoURL, raw.VideoStatus
		ev.VideoID = &vid
		if vurl != "" {
			ev.VideoURL = &vurl
		}
		if vstatus != "" {
			ev.VideoStatus = &vstatus
		}
		if raw.VideoDuration > 0 {
			d := raw.VideoDuration
			ev.VideoDuration = &d
		}
	}

	if raw.ProviderMessageID != "" && n.lookup != nil {
		enrollment, err := n.lookup(ctx, raw.ProviderMessageID)
		if err != nil {
			return nil, fmt.Errorf("resolve enrollment: %w", err)
		}
		if enrollment != nil {
			ev.EnrollmentID = &enrollment.ID
			ev.InstanceID = &enrollment.InstanceID
			step := enrollment.CurrentStep
			ev.StepNumber = &step
		}
	}

	return ev, nil
}

// TranslateType maps a provider type string into the closed vocabulary.
// Types already in the vocabulary pass through, so internally generated
// events (the scheduler's sent events) need no mapping entry.
func TranslateType(providerName, rawType string) (domain.EventType, error) {
	if m, ok := typeMaps[providerName]; ok {
		if t, ok := m[rawType]; ok {
			return t, nil
		}
	}
	if t := domain.EventType(rawType); t.Valid() {
		return t, nil
	}
	return "", fmt.Errorf("%w: %s/%s", ErrUnknownEventType, providerName, rawType)
}

// epochMillisThreshold separates epoch seconds from epoch milliseconds.
const epochMillisThreshold = int64(1e10)

// normalizeTimestamp applies the timestamp heuristic: numeric values are
// epoch seconds unless they exceed 1e10 (then milliseconds); strings parse
// as ISO-8601; anything unparsable falls back to the current time.
func (n *Normalizer) normalizeTimestamp(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case float64:
		return epochToTime(int64(t))
	case int64:
		return epochToTime(t)
	case int:
		return epochToTime(int64(t))
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return epochToTime(i)
		}
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed.UTC()
		}
		if parsed, err := time.Parse("2006-01-02T15:04:05", t); err == nil {
			return parsed.UTC()
		}
	}
	logger.Warn("unparsable event timestamp, using current time", "value", fmt.Sprintf("%v", v))
	return n.now().UTC()
}

func epochToTime(v int64) time.Time {
	if v > epochMillisThreshold {
		return time.UnixMilli(v).UTC()
	}
	return time.Unix(v, 0).UTC()
}

// marshalMetadata strips nil values and serializes deterministically
// (encoding/json sorts map keys).
func marshalMetadata(m map[string]any) json.RawMessage {
	if len(m) == 0 {
		return json.RawMessage(`{}`)
	}
	cleaned := make(map[string]any, len(m))
	for k, v := range m {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		cleaned[k] = v
	}
	data, err := json.Marshal(cleaned)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
