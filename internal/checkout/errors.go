package checkout

import (
	"errors"
	"fmt"
)

// ErrorKind classifies checkout failures so callers can decide how to surface them.
type ErrorKind string

const (
	// KindValidation covers local form problems. No network call was made.
	KindValidation ErrorKind = "validation"
	// KindProvider covers payment intent creation or confirmation failures.
	// No order exists and the cart is untouched, so resubmitting is safe.
	KindProvider ErrorKind = "provider"
	// KindBackend covers order creation failures after payment.
	KindBackend ErrorKind = "backend"
	// KindState covers actions attempted from the wrong step or while a
	// submission is already in flight.
	KindState ErrorKind = "state"
)

// Error is the single error type returned by sessions and the orchestrator.
// Message is safe to show to the buyer; Err keeps the underlying cause.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ProviderError is returned by payment providers when they have a message
// meant for the buyer, such as a decline reason.
type ProviderError struct {
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("payment provider: %s (%s)", e.Message, e.Code)
	}
	return "payment provider: " + e.Message
}

// KindOf reports the kind of a checkout error, or "" for foreign errors.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// IsKind reports whether err is a checkout error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

func validationError(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func stateError(format string, args ...any) *Error {
	return &Error{Kind: KindState, Message: fmt.Sprintf(format, args...)}
}

// providerError surfaces the provider's own message verbatim when it sent
// one and falls back to generic otherwise.
func providerError(err error, generic string) *Error {
	var ce *Error
	if errors.As(err, &ce) && ce.Kind == KindProvider {
		return ce
	}
	msg := generic
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Message != "" {
		msg = pe.Message
	}
	return &Error{Kind: KindProvider, Message: msg, Err: err}
}

func backendError(err error, message string) *Error {
	return &Error{Kind: KindBackend, Message: message, Err: err}
}
