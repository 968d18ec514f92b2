package analyzer

import "fmt"

// Kind classifies a terminal analysis failure for response mapping.
type Kind string

// Failure classes surfaced to API callers.
const (
	KindValidation Kind = "validation"
	KindSSRF       Kind = "ssrf"
	KindFetch      Kind = "fetch"
	KindRateLimit  Kind = "rate_limit"
	KindInternal   Kind = "internal"
)

// Error is a terminal analysis failure. Rate-limit denials carry the
// decision so callers can surface backoff guidance.
type Error struct {
	Kind     Kind
	Message  string
	Decision *RateDecision
	cause    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the originating error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.cause
}

func newError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}
