package errors

import (
	"context"
	"errors"
	"testing"
	"time"
)

func failing(ctx context.Context) error { return errors.New("boom") }
func succeeding(ctx context.Context) error { return nil }

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, failing)
	}

	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	err := cb.Execute(ctx, succeeding)
	if !IsDegraded(err) {
		t.Errorf("open breaker should reject with degraded error, got %v", err)
	}
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          time.Millisecond,
	})

	ctx := context.Background()
	_ = cb.Execute(ctx, failing)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	time.Sleep(2 * time.Millisecond)

	// First probe transitions to half-open; two successes close it.
	if err := cb.Execute(ctx, succeeding); err != nil {
		t.Fatalf("half-open probe rejected: %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open", cb.State())
	}
	_ = cb.Execute(ctx, succeeding)
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed after success threshold", cb.State())
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          time.Millisecond,
	})

	ctx := context.Background()
	_ = cb.Execute(ctx, failing)
	time.Sleep(2 * time.Millisecond)
	_ = cb.Execute(ctx, failing)

	if cb.State() != StateOpen {
		t.Errorf("state = %v, want open after half-open failure", cb.State())
	}
}

func TestCircuitBreakerManagerReusesInstances(t *testing.T) {
	m := NewCircuitBreakerManager(DefaultCircuitBreakerConfig())

	a := m.Get("web_search")
	b := m.Get("web_search")
	if a != b {
		t.Error("manager should return the same breaker per name")
	}

	c := m.Get("file_search")
	if a == c {
		t.Error("different names should get different breakers")
	}

	if got := len(m.GetMetrics()); got != 2 {
		t.Errorf("metrics count = %d, want 2", got)
	}
}
