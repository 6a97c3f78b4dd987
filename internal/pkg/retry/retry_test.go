package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestDoSucceedsAfterTransient(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(5), nil, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	wantErr := errors.New("still broken")
	err := Do(context.Background(), fastPolicy(3), nil, func(context.Context) error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected final error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoPermanentStopsImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(5), nil, func(context.Context) error {
		calls++
		return MarkPermanent(errors.New("bad request"))
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected 1 call and error, got calls=%d err=%v", calls, err)
	}
	if !IsPermanent(err) {
		t.Fatal("expected permanent error")
	}
}

func TestDoClassifierStops(t *testing.T) {
	calls := 0
	notRetryable := func(error) bool { return false }
	Do(context.Background(), fastPolicy(5), notRetryable, func(context.Context) error {
		calls++
		return errors.New("nope")
	})
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDoHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{MaxAttempts: 10, BaseDelay: time.Hour, MaxDelay: time.Hour}, nil, func(context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call before cancellation, got %d", calls)
	}
}

func TestBackoffBounds(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 4 * time.Second}
	for retry := 1; retry < 10; retry++ {
		d := Backoff(p, retry)
		if d < 50*time.Millisecond {
			t.Fatalf("retry %d: delay %v below floor", retry, d)
		}
		if d > 4*time.Second {
			t.Fatalf("retry %d: delay %v above cap", retry, d)
		}
	}
}
