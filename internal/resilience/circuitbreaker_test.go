package resilience

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test", MaxFailures: 3, ResetTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
	}
	if got := cb.State(); got != StateClosed {
		t.Fatalf("state after 2 failures = %s, want closed", got)
	}

	cb.RecordFailure()
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state after 3 failures = %s, want open", got)
	}
	err := cb.Allow()
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow = %v, want ErrCircuitOpen", err)
	}
	if !strings.Contains(err.Error(), "try again in") {
		t.Errorf("open error should name the remaining wait: %v", err)
	}
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 3, ResetTimeout: time.Minute})

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if got := cb.State(); got != StateClosed {
		t.Fatalf("state = %s, want closed (counter should have reset)", got)
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: 30 * time.Millisecond})

	cb.RecordFailure()
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow while open = %v, want ErrCircuitOpen", err)
	}

	time.Sleep(40 * time.Millisecond)
	if err := cb.Allow(); err != nil {
		t.Fatalf("Allow after reset timeout = %v, want probe admitted", err)
	}
	if got := cb.State(); got != StateHalfOpen {
		t.Fatalf("state = %s, want half-open", got)
	}

	cb.RecordSuccess()
	if got := cb.State(); got != StateClosed {
		t.Fatalf("state after successful probe = %s, want closed", got)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: 30 * time.Millisecond})

	cb.RecordFailure()
	time.Sleep(40 * time.Millisecond)
	if err := cb.Allow(); err != nil {
		t.Fatalf("probe not admitted: %v", err)
	}

	cb.RecordFailure()
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state after failed probe = %s, want open", got)
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow after failed probe = %v, want ErrCircuitOpen", err)
	}
}

func TestBreakerRemaining(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute})

	if got := cb.Remaining(); got != 0 {
		t.Fatalf("Remaining while closed = %s, want 0", got)
	}
	cb.RecordFailure()
	if got := cb.Remaining(); got <= 50*time.Second {
		t.Fatalf("Remaining just after opening = %s, want close to 1m", got)
	}
}

func TestBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute})

	cb.RecordFailure()
	cb.Reset()
	if got := cb.State(); got != StateClosed {
		t.Fatalf("state after Reset = %s, want closed", got)
	}
	if err := cb.Allow(); err != nil {
		t.Fatalf("Allow after Reset = %v, want nil", err)
	}
}
