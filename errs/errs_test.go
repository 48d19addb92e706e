package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorRendering(t *testing.T) {
	err := New("router/route", CodeNoRoute, WithMessage("no venue accepts LIMIT BTC-USD"))
	got := err.Error()
	want := "router/route: no_route: no venue accepts LIMIT BTC-USD"
	if got != want {
		t.Fatalf("unexpected rendering: got %q want %q", got, want)
	}
}

func TestCodeOfUnwrapsChain(t *testing.T) {
	inner := New("bus/publish", CodeQueueFull, WithMessage("shared queue at capacity"))
	wrapped := fmt.Errorf("submit tick: %w", inner)

	if CodeOf(wrapped) != CodeQueueFull {
		t.Fatalf("expected queue_full, got %q", CodeOf(wrapped))
	}
	if !Is(wrapped, CodeQueueFull) {
		t.Fatal("Is should match through wrapping")
	}
	if Is(wrapped, CodeNotFound) {
		t.Fatal("Is matched the wrong code")
	}
}

func TestCodeOfPlainError(t *testing.T) {
	if CodeOf(errors.New("plain")) != "" {
		t.Fatal("plain errors carry no code")
	}
}

func TestReasonOf(t *testing.T) {
	err := New("risk/check", CodeRiskRejected,
		WithReason("circuit_breaker_triggered"),
		WithMessage("circuit breaker triggered - trading halted"))
	if ReasonOf(err) != "circuit_breaker_triggered" {
		t.Fatalf("unexpected reason %q", ReasonOf(err))
	}
}

func TestUnwrapCause(t *testing.T) {
	cause := errors.New("boom")
	err := New("journal/append", CodeUnavailable, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatal("cause should be reachable via errors.Is")
	}
}
