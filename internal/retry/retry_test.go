package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")
var errGone = errors.New("gone")

func noSleep(t *testing.T) *[]time.Duration {
	t.Helper()
	var delays []time.Duration
	orig := sleepFunc
	sleepFunc = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	t.Cleanup(func() { sleepFunc = orig })
	return &delays
}

func TestPolicy_SucceedsAfterTransient(t *testing.T) {
	delays := noSleep(t)
	p := Policy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, Multiplier: 2}

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errBoom
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
	if len(*delays) != 2 {
		t.Fatalf("Expected 2 sleeps, got %d", len(*delays))
	}
	if (*delays)[0] != 10*time.Millisecond || (*delays)[1] != 20*time.Millisecond {
		t.Errorf("Expected exponential delays 10ms, 20ms; got %v", *delays)
	}
}

func TestPolicy_Exhausted(t *testing.T) {
	noSleep(t)
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2}

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return errBoom
	})
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("Expected ErrExhausted, got %v", err)
	}
	if !errors.Is(err, errBoom) {
		t.Errorf("Expected last error to be wrapped, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestPolicy_FatalNotRetried(t *testing.T) {
	noSleep(t)
	p := DefaultPolicy().WithClassifier(func(err error) Class {
		if errors.Is(err, errGone) {
			return Fatal
		}
		return Transient
	})

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return errGone
	})
	if !errors.Is(err, errGone) {
		t.Errorf("Expected errGone, got %v", err)
	}
	if errors.Is(err, ErrExhausted) {
		t.Error("Fatal error should not report exhaustion")
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestPolicy_Permanent(t *testing.T) {
	noSleep(t)

	calls := 0
	err := DefaultPolicy().Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return Permanent(errGone)
	})
	if err != errGone {
		t.Errorf("Expected unwrapped errGone, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}

func TestPolicy_ContextCancelled(t *testing.T) {
	noSleep(t)
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := DefaultPolicy().Do(ctx, func(ctx context.Context, attempt int) error {
		calls++
		cancel()
		return errBoom
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestPolicy_Delay(t *testing.T) {
	p := Policy{BaseDelay: time.Second, Multiplier: 2, MaxDelay: 5 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	p.Jitter = 0.5
	for i := 0; i < 50; i++ {
		d := p.Delay(1)
		if d < 500*time.Millisecond || d > 1500*time.Millisecond {
			t.Fatalf("Jittered delay %v outside [500ms, 1.5s]", d)
		}
	}
}
