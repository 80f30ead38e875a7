package errors

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	config := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	calls := 0
	err := Retry(context.Background(), config, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(errors.New("flaky"), "")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry returned error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryStopsOnPermanent(t *testing.T) {
	config := RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond}

	calls := 0
	err := Retry(context.Background(), config, func(ctx context.Context) error {
		calls++
		return NewPermanentError(errors.New("nope"), "")
	})

	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on permanent)", calls)
	}
}

func TestRetryExhaustsBudget(t *testing.T) {
	config := RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond}

	calls := 0
	err := Retry(context.Background(), config, func(ctx context.Context) error {
		calls++
		return NewTransientError(errors.New("always"), "")
	})

	if err == nil {
		t.Fatal("expected error after exhausting budget")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (initial + 2 retries)", calls)
	}
}

func TestBackoffBounds(t *testing.T) {
	config := RetryConfig{BaseDelay: 30 * time.Second, MaxDelay: 10 * time.Minute, JitterFactor: 0.2}

	for attempt := 0; attempt < 10; attempt++ {
		delay := Backoff(attempt, config)
		if delay <= 0 {
			t.Errorf("attempt %d: delay %v not positive", attempt, delay)
		}
		if delay > 10*time.Minute {
			t.Errorf("attempt %d: delay %v exceeds cap", attempt, delay)
		}
	}

	// First attempt stays near base delay, within jitter.
	delay := Backoff(0, config)
	if delay < 24*time.Second || delay > 36*time.Second {
		t.Errorf("attempt 0 delay %v outside base±20%%", delay)
	}
}

func TestRetryWithResult(t *testing.T) {
	config := RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond}

	calls := 0
	got, err := RetryWithResult(context.Background(), config, func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, NewTransientError(errors.New("once"), "")
		}
		return 42, nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 {
		t.Errorf("result = %d, want 42", got)
	}
}
