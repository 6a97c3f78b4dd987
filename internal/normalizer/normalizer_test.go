package normalizer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cadencehq/cadence/internal/domain"
	"github.com/cadencehq/cadence/internal/provider"
)

func fixedClock() time.Time {
	return time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
}

func lookupReturning(e *domain.CampaignEnrollment) EnrollmentLookup {
	return func(context.Context, string) (*domain.CampaignEnrollment, error) {
		return e, nil
	}
}

func TestNormalizeResolvesEnrollment(t *testing.T) {
	enrollment := &domain.CampaignEnrollment{ID: "enr-1", InstanceID: "inst-1", CurrentStep: 2}
	n := New(lookupReturning(enrollment)).WithClock(fixedClock)

	ev, err := n.Normalize(context.Background(), provider.RawEvent{
		Type:              "emailsOpened",
		ProviderEventID:   "evt-1",
		ProviderMessageID: "msg-1",
		Timestamp:         float64(1750000000),
		Metadata:          map[string]any{"campaign": "q2", "empty": nil, "blank": "  "},
	}, "lemlist", domain.ChannelEmail)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}

	if ev.EventType != domain.EventOpened {
		t.Fatalf("expected opened, got %s", ev.EventType)
	}
	if ev.EnrollmentID == nil || *ev.EnrollmentID != "enr-1" {
		t.Fatalf("expected enrollment enr-1, got %v", ev.EnrollmentID)
	}
	if ev.InstanceID == nil || *ev.InstanceID != "inst-1" {
		t.Fatalf("expected instance inst-1, got %v", ev.InstanceID)
	}
	if ev.StepNumber == nil || *ev.StepNumber != 2 {
		t.Fatalf("expected step 2, got %v", ev.StepNumber)
	}
	// Nil and blank metadata values are stripped.
	if string(ev.Metadata) != `{"campaign":"q2"}` {
		t.Fatalf("unexpected metadata: %s", ev.Metadata)
	}
}

func TestNormalizeOrphanOnLookupMiss(t *testing.T) {
	n := New(lookupReturning(nil)).WithClock(fixedClock)

	ev, err := n.Normalize(context.Background(), provider.RawEvent{
		Type:              "emailsDelivered",
		ProviderEventID:   "evt-2",
		ProviderMessageID: "unknown-msg",
		Timestamp:         "2026-04-01T10:00:00Z",
	}, "lemlist", domain.ChannelEmail)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev.EnrollmentID != nil || ev.InstanceID != nil {
		t.Fatal("expected orphaned event with nil enrollment and instance")
	}
}

func TestNormalizeMissingFields(t *testing.T) {
	n := New(nil).WithClock(fixedClock)
	cases := []provider.RawEvent{
		{ProviderEventID: "e", Timestamp: 1},                 // no type
		{Type: "emailsOpened", Timestamp: 1},                 // no event id
		{Type: "emailsOpened", ProviderEventID: "e"},         // no timestamp
	}
	for i, raw := range cases {
		if _, err := n.Normalize(context.Background(), raw, "lemlist", domain.ChannelEmail); !errors.Is(err, ErrMissingFields) {
			t.Errorf("case %d: expected ErrMissingFields, got %v", i, err)
		}
	}
}

func TestNormalizeUnknownType(t *testing.T) {
	n := New(nil).WithClock(fixedClock)
	_, err := n.Normalize(context.Background(), provider.RawEvent{
		Type: "emailsTeleported", ProviderEventID: "e1", Timestamp: 1,
	}, "lemlist", domain.ChannelEmail)
	if !errors.Is(err, ErrUnknownEventType) {
		t.Fatalf("expected ErrUnknownEventType, got %v", err)
	}
}

func TestTranslateTypePassThrough(t *testing.T) {
	// Canonical names pass through without a provider mapping; that is how
	// internally recorded sent events flow through the same path.
	got, err := TranslateType("lemlist", "sent")
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if got != domain.EventSent {
		t.Fatalf("expected sent, got %s", got)
	}
}

func TestTranslateProviderVocabularies(t *testing.T) {
	cases := []struct {
		provider string
		raw      string
		want     domain.EventType
	}{
		{"postmark", "Delivery", domain.EventDelivered},
		{"postmark", "SpamComplaint", domain.EventSpamReported},
		{"phantombuster", "connection_accepted", domain.EventConnectionAccepted},
		{"phantombuster", "voice_message_sent", domain.EventVoiceMessageSent},
		{"heygen", "avatar_video.success", domain.EventVideoGenerated},
		{"heygen", "avatar_video.fail", domain.EventVideoGenerationFailed},
	}
	for _, tc := range cases {
		got, err := TranslateType(tc.provider, tc.raw)
		if err != nil {
			t.Errorf("%s/%s: %v", tc.provider, tc.raw, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s/%s = %s, want %s", tc.provider, tc.raw, got, tc.want)
		}
	}
}

func TestTimestampHeuristic(t *testing.T) {
	n := New(nil).WithClock(fixedClock)

	cases := []struct {
		name string
		in   any
		want time.Time
	}{
		{"epoch seconds", float64(1750000000), time.Unix(1750000000, 0).UTC()},
		{"epoch millis", float64(1750000000123), time.UnixMilli(1750000000123).UTC()},
		{"iso8601", "2026-04-01T10:30:00Z", time.Date(2026, 4, 1, 10, 30, 0, 0, time.UTC)},
		{"iso8601 no zone", "2026-04-01T10:30:00", time.Date(2026, 4, 1, 10, 30, 0, 0, time.UTC)},
		{"garbage falls back to now", "yesterday-ish", fixedClock()},
		{"int seconds", int64(1600000000), time.Unix(1600000000, 0).UTC()},
	}
	for _, tc := range cases {
		ev, err := n.Normalize(context.Background(), provider.RawEvent{
			Type: "sent", ProviderEventID: "e", Timestamp: tc.in,
		}, "lemlist", domain.ChannelEmail)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if !ev.Timestamp.Equal(tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, ev.Timestamp, tc.want)
		}
	}
}

func TestNormalizeDeterministic(t *testing.T) {
	enrollment := &domain.CampaignEnrollment{ID: "enr-1", InstanceID: "inst-1", CurrentStep: 1}
	n := New(lookupReturning(enrollment)).WithClock(fixedClock)

	raw := provider.RawEvent{
		Type: "emailsClicked", ProviderEventID: "evt-9", ProviderMessageID: "msg-9",
		Timestamp: float64(1750000000),
		Metadata:  map[string]any{"b": 2, "a": 1},
	}

	first, err := n.Normalize(context.Background(), raw, "lemlist", domain.ChannelEmail)
	if err != nil {
		t.Fatal(err)
	}
	second, err := n.Normalize(context.Background(), raw, "lemlist", domain.ChannelEmail)
	if err != nil {
		t.Fatal(err)
	}

	if string(first.Metadata) != string(second.Metadata) ||
		!first.Timestamp.Equal(second.Timestamp) ||
		first.EventType != second.EventType {
		t.Fatal("expected identical output for identical input")
	}
}

func TestNormalizeVideoFields(t *testing.T) {
	n := New(nil).WithClock(fixedClock)
	ev, err := n.Normalize(context.Background(), provider.RawEvent{
		Type: "avatar_video.success", ProviderEventID: "e1", ProviderMessageID: "vid-1",
		Timestamp: float64(1750000000),
		VideoID:   "vid-1", VideoURL: "https://cdn/video.mp4",
		VideoStatus: "completed", VideoDuration: 42,
	}, "heygen", domain.ChannelVideo)
	if err != nil {
		t.Fatal(err)
	}
	if ev.VideoID == nil || *ev.VideoID != "vid-1" {
		t.Fatal("expected video id")
	}
	if ev.VideoDuration == nil || *ev.VideoDuration != 42 {
		t.Fatal("expected video duration")
	}
}
