package domain

import (
	"encoding/json"
	"testing"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to InstanceStatus }{
		{InstanceDraft, InstanceActive},
		{InstanceActive, InstancePaused},
		{InstancePaused, InstanceActive},
		{InstanceActive, InstanceCompleted},
		{InstancePaused, InstanceCompleted},
		{InstanceDraft, InstanceFailed},
		{InstanceCompleted, InstanceFailed},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	forbidden := []struct{ from, to InstanceStatus }{
		{InstanceDraft, InstanceCompleted},
		{InstanceDraft, InstancePaused},
		{InstanceCompleted, InstanceActive},
		{InstanceFailed, InstanceActive},
		{InstancePaused, InstanceDraft},
	}
	for _, tc := range forbidden {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be rejected", tc.from, tc.to)
		}
	}
}

func TestSequenceContiguous(t *testing.T) {
	tmpl := &CampaignTemplate{Settings: json.RawMessage(`{
		"sequence": [
			{"step_number": 1, "channel": "email", "content": "hi", "delay_after_previous": 0},
			{"step_number": 2, "channel": "linkedin", "content": "follow up", "delay_after_previous": 86400}
		]
	}`)}
	steps, err := tmpl.Sequence()
	if err != nil {
		t.Fatalf("sequence: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}
	if steps[1].Delay().Hours() != 24 {
		t.Fatalf("expected 24h delay, got %v", steps[1].Delay())
	}
}

func TestSequenceGapRejected(t *testing.T) {
	tmpl := &CampaignTemplate{Settings: json.RawMessage(`{
		"sequence": [
			{"step_number": 1, "channel": "email"},
			{"step_number": 3, "channel": "email"}
		]
	}`)}
	if _, err := tmpl.Sequence(); err == nil {
		t.Fatal("expected error for non-contiguous step numbers")
	}
}

func TestSequenceUnknownChannel(t *testing.T) {
	tmpl := &CampaignTemplate{Settings: json.RawMessage(`{
		"sequence": [{"step_number": 1, "channel": "pigeon"}]
	}`)}
	if _, err := tmpl.Sequence(); err == nil {
		t.Fatal("expected error for unknown channel")
	}
}

func TestRateFormatting(t *testing.T) {
	cases := []struct {
		num, den int
		want     string
	}{
		{15, 20, "75.00"},
		{1, 3, "33.33"},
		{0, 0, "0.00"},
		{5, 0, "0.00"},
		{20, 20, "100.00"},
	}
	for _, tc := range cases {
		if got := Rate(tc.num, tc.den); got != tc.want {
			t.Errorf("Rate(%d, %d) = %q, want %q", tc.num, tc.den, got, tc.want)
		}
	}
}

func TestMetricsRates(t *testing.T) {
	inst := &CampaignInstance{
		TotalEnrolled: 100, TotalSent: 20, TotalDelivered: 15,
		TotalOpened: 10, TotalClicked: 5, TotalReplied: 3,
	}
	m := inst.Metrics()
	if m.DeliveryRate != "75.00" {
		t.Errorf("delivery rate = %s, want 75.00", m.DeliveryRate)
	}
	if m.OpenRate != "66.67" {
		t.Errorf("open rate = %s, want 66.67", m.OpenRate)
	}
	if m.ClickRate != "50.00" {
		t.Errorf("click rate = %s, want 50.00", m.ClickRate)
	}
}

func TestCounterField(t *testing.T) {
	cases := map[EventType]string{
		EventSent:               "total_sent",
		EventDelivered:          "total_delivered",
		EventOpened:             "total_opened",
		EventClicked:            "total_clicked",
		EventReplied:            "total_replied",
		EventBounced:            "",
		EventUnsubscribed:       "",
		EventSpamReported:       "",
		EventConnectionAccepted: "",
		EventVideoGenerated:     "",
	}
	for ev, want := range cases {
		if got := ev.CounterField(); got != want {
			t.Errorf("CounterField(%s) = %q, want %q", ev, got, want)
		}
	}
}

func TestEnrollmentTerminal(t *testing.T) {
	for _, s := range []EnrollmentStatus{EnrollmentCompleted, EnrollmentUnsubscribed, EnrollmentBounced, EnrollmentFailed} {
		if !s.IsTerminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []EnrollmentStatus{EnrollmentEnrolled, EnrollmentActive, EnrollmentPaused} {
		if s.IsTerminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}
