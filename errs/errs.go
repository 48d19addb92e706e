// Package errs provides structured error types and helpers for tradecore components.
package errs

import (
	"errors"
	"strings"
)

// Code identifies an error category within the execution core.
type Code string

const (
	// CodeQueueFull indicates a bounded buffer rejected new work (backpressure).
	CodeQueueFull Code = "queue_full"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource (order, position, subscription).
	CodeNotFound Code = "not_found"
	// CodeNoRoute indicates no venue route could accept the order.
	CodeNoRoute Code = "no_route"
	// CodeConflict indicates an operation illegal in the current lifecycle state.
	CodeConflict Code = "conflict"
	// CodeRiskRejected indicates an intentional rejection by the risk gate.
	CodeRiskRejected Code = "risk_rejected"
	// CodeUnavailable indicates the component is halted or shut down.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the execution core.
type E struct {
	Op      string
	Code    Code
	Reason  string
	Message string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:   strings.TrimSpace(op),
		Code: code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithReason attaches a machine-readable rejection reason to the error.
func WithReason(reason string) Option {
	trimmed := strings.TrimSpace(reason)
	return func(e *E) {
		e.Reason = trimmed
	}
}

// WithCause attaches the underlying cause to the error.
func WithCause(cause error) Option {
	return func(e *E) {
		e.cause = cause
	}
}

// Error renders the envelope as "op: code: message".
func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := make([]string, 0, 4)
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	if e.Code != "" {
		parts = append(parts, string(e.Code))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Reason != "" {
		parts = append(parts, e.Reason)
	}
	if e.cause != nil {
		parts = append(parts, e.cause.Error())
	}
	if len(parts) == 0 {
		return "unknown error"
	}
	return strings.Join(parts, ": ")
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *E) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// CodeOf extracts the error code from err, walking the unwrap chain.
// Returns the empty code when err carries no envelope.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// ReasonOf extracts the machine-readable reason from err, if any.
func ReasonOf(err error) string {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Reason
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
