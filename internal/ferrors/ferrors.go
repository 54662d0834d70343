// Package ferrors defines the stable error taxonomy shared by the gateway
// and agent sides of the fabric.
package ferrors

import "fmt"

// Kind is a stable, user-facing error classification.
type Kind string

const (
	AuthFailed       Kind = "AUTH_FAILED"
	Forbidden        Kind = "FORBIDDEN"
	NotFound         Kind = "NOT_FOUND"
	RateLimited      Kind = "RATE_LIMITED"
	ValidationError  Kind = "VALIDATION_ERROR"
	AgentOffline     Kind = "AGENT_OFFLINE"
	BudgetExceeded   Kind = "BUDGET_EXCEEDED"
	NetworkTransient Kind = "NETWORK_TRANSIENT"
	Timeout          Kind = "TIMEOUT"
	Internal         Kind = "INTERNAL"
)

// recoverable records, per kind, whether the failure should be surfaced to
// the originator as recoverable (spec §7 propagation policy).
var recoverable = map[Kind]bool{
	AuthFailed:       false,
	Forbidden:        false,
	NotFound:         false,
	RateLimited:      true,
	ValidationError:  false,
	AgentOffline:     true,
	BudgetExceeded:   false,
	NetworkTransient: true,
	Timeout:          true,
	Internal:         false,
}

// Error is a classified error with a stable code and a short human message.
// Internal detail (Cause) is logged by callers but never returned to users.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Recoverable reports whether the originating task should be treated as
// recoverable (not deleted, eligible for a later retry) per spec §7.
func (e *Error) Recoverable() bool {
	return recoverable[e.Kind]
}

// New creates a classified error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies an underlying error under the given kind.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}
