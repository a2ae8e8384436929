// Package apperr classifies errors into the small closed set of kinds the
// rest of the agent and relay use to decide retry, surface, or fatal
// handling.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is a coarse error classification shared across components.
type Kind string

const (
	InvalidInput        Kind = "invalid_input"
	NetworkUnreachable  Kind = "network_unreachable"
	AuthFailed          Kind = "auth_failed"
	NotFound            Kind = "not_found"
	Conflict            Kind = "conflict"
	Timeout             Kind = "timeout"
	ProtocolError       Kind = "protocol_error"
	ResourceUnavailable Kind = "resource_unavailable"
	SubscriptionLimit   Kind = "subscription_limit"
	Internal            Kind = "internal"
)

// Error wraps an underlying error with a Kind, so callers can branch on
// classification with errors.As while %w-chains stay intact for logging.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error with no underlying cause.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies an existing error, preserving it for errors.Is/As.
func Wrap(kind Kind, message string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to Internal when err was
// never classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}
