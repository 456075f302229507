package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

// TestCircuitBreakerClosed verifies that requests pass through in the closed state.
func TestCircuitBreakerClosed(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})

	result, err := cb.Execute(context.Background(), func() (any, error) {
		return "success", nil
	})
	if err != nil {
		t.Fatalf("Expected successful execution in closed state, got error: %v", err)
	}
	if result != "success" {
		t.Fatalf("Expected result 'success', got: %v", result)
	}
	if state := cb.State(); state != "closed" {
		t.Fatalf("Expected circuit to be closed, got: %s", state)
	}
}

// TestCircuitBreakerOpen verifies that consecutive failures trip the circuit
// and that an open circuit rejects without running the function.
func TestCircuitBreakerOpen(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 3})
	ctx := context.Background()

	calls := 0
	failFunc := func() (any, error) {
		calls++
		return nil, errors.New("operation failed")
	}

	for i := 0; i < 3; i++ {
		if _, err := cb.Execute(ctx, failFunc); err == nil {
			t.Fatalf("Expected error on attempt %d", i+1)
		}
	}
	if state := cb.State(); state != "open" {
		t.Fatalf("Expected circuit to be open after 3 failures, got: %s", state)
	}

	_, err := cb.Execute(ctx, failFunc)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Expected ErrCircuitOpen, got: %v", err)
	}
	if calls != 3 {
		t.Fatalf("Expected 3 calls to reach the function, got %d", calls)
	}

	m := cb.Metrics()
	if m.TotalRequests != 4 || m.TotalFailures != 4 {
		t.Fatalf("Unexpected metrics: %+v", m)
	}
}

// TestCircuitBreakerHalfOpen verifies recovery after the open timeout.
func TestCircuitBreakerHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:          2,
		Timeout:              50 * time.Millisecond,
		HalfOpenMaxSuccesses: 1,
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _ = cb.Execute(ctx, func() (any, error) { return nil, errors.New("down") })
	}
	if state := cb.State(); state != "open" {
		t.Fatalf("Expected open, got: %s", state)
	}

	time.Sleep(80 * time.Millisecond)
	if state := cb.State(); state != "half-open" {
		t.Fatalf("Expected half-open after timeout, got: %s", state)
	}

	if _, err := cb.Execute(ctx, func() (any, error) { return "ok", nil }); err != nil {
		t.Fatalf("Expected probe to succeed, got: %v", err)
	}
	if state := cb.State(); state != "closed" {
		t.Fatalf("Expected closed after successful probe, got: %s", state)
	}
}

// TestCircuitBreakerIgnoresCancellation verifies that caller cancellation
// does not count against the backend.
func TestCircuitBreakerIgnoresCancellation(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1})

	_, err := cb.Execute(context.Background(), func() (any, error) {
		return nil, context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got: %v", err)
	}
	if state := cb.State(); state != "closed" {
		t.Fatalf("Expected cancellation to leave the circuit closed, got: %s", state)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := cb.Execute(ctx, func() (any, error) { return "never", nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected cancelled context to short-circuit, got: %v", err)
	}
}
