package model

import (
	"errors"
	"testing"
	"time"
)

func TestCircuitOpensAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 3, ResetTimeout: time.Minute})
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		if err := cb.Call(func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	if cb.State() != "open" {
		t.Fatalf("state = %s, want open", cb.State())
	}

	// While open, calls are rejected without invoking the function.
	called := false
	err := cb.Call(func() error { called = true; return nil })
	if err == nil {
		t.Fatal("expected rejection while open")
	}
	if called {
		t.Fatal("function must not run while the circuit is open")
	}
}

func TestCircuitSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 3, ResetTimeout: time.Minute})
	boom := errors.New("boom")

	_ = cb.Call(func() error { return boom })
	_ = cb.Call(func() error { return boom })
	_ = cb.Call(func() error { return nil })

	if got := cb.FailureCount(); got != 0 {
		t.Errorf("failure count = %d, want 0 after success", got)
	}
	if cb.State() != "closed" {
		t.Errorf("state = %s, want closed", cb.State())
	}
}

func TestCircuitHalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond})

	_ = cb.Call(func() error { return errors.New("boom") })
	if cb.State() != "open" {
		t.Fatalf("state = %s, want open", cb.State())
	}

	time.Sleep(20 * time.Millisecond)

	// First call after the reset timeout is the probe; success closes the
	// circuit again.
	if err := cb.Call(func() error { return nil }); err != nil {
		t.Fatalf("probe call: %v", err)
	}
	if cb.State() != "closed" {
		t.Errorf("state = %s, want closed after successful probe", cb.State())
	}
}

func TestCircuitHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond})

	_ = cb.Call(func() error { return errors.New("boom") })
	time.Sleep(20 * time.Millisecond)
	_ = cb.Call(func() error { return errors.New("still broken") })

	if cb.State() != "open" {
		t.Errorf("state = %s, want open after failed probe", cb.State())
	}
}

func TestCircuitManualReset(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})

	_ = cb.Call(func() error { return errors.New("boom") })
	cb.Reset()

	if cb.State() != "closed" {
		t.Errorf("state = %s, want closed", cb.State())
	}
	if err := cb.Call(func() error { return nil }); err != nil {
		t.Errorf("call after reset: %v", err)
	}
}

func TestCircuitOpenError(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})

	_ = cb.Call(func() error { return errors.New("boom") })

	err := cb.Call(func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitNotifiesTransitions(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: 10 * time.Millisecond})
	var transitions []string
	cb.listener = func(from, to CircuitState) {
		transitions = append(transitions, from.String()+">"+to.String())
	}

	boom := errors.New("boom")
	_ = cb.Call(func() error { return boom })
	_ = cb.Call(func() error { return boom })
	time.Sleep(20 * time.Millisecond)
	_ = cb.Call(func() error { return nil })

	want := []string{"closed>open", "open>half-open", "half-open>closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}
