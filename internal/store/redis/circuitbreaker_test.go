package redis

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb := NewCircuitBreaker(3, 50*time.Millisecond)
	if cb.CurrentState() != StateClosed {
		t.Fatalf("state=%v, want closed", cb.CurrentState())
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("Execute: %v", err)
	}
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)
	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("attempt %d: err=%v", i, err)
		}
	}
	if cb.CurrentState() != StateOpen {
		t.Fatalf("state=%v, want open", cb.CurrentState())
	}
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("open breaker returned %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)
	cb.Execute(func() error { return errBoom })
	cb.Execute(func() error { return errBoom })
	cb.Execute(func() error { return nil })
	// The streak restarted, so two more failures must not trip it.
	cb.Execute(func() error { return errBoom })
	cb.Execute(func() error { return errBoom })
	if cb.CurrentState() != StateClosed {
		t.Fatalf("state=%v, want closed", cb.CurrentState())
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	cb.Execute(func() error { return errBoom })
	if cb.CurrentState() != StateOpen {
		t.Fatalf("state=%v, want open", cb.CurrentState())
	}

	time.Sleep(15 * time.Millisecond)
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.CurrentState() != StateClosed {
		t.Fatalf("state=%v, want closed after probe success", cb.CurrentState())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	cb.Execute(func() error { return errBoom })

	time.Sleep(15 * time.Millisecond)
	if err := cb.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("probe err=%v", err)
	}
	if cb.CurrentState() != StateOpen {
		t.Fatalf("state=%v, want reopened", cb.CurrentState())
	}
}

func TestCircuitBreaker_OnStateChangeCallback(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	var transitions []string
	cb.OnStateChange = func(from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}

	cb.Execute(func() error { return errBoom })
	time.Sleep(15 * time.Millisecond)
	cb.Execute(func() error { return nil })

	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions=%v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d=%q, want %q", i, transitions[i], want[i])
		}
	}
}
