package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAuthExpired means the token is missing, expired or rejected. Stored
	// credentials must be cleared.
	ErrAuthExpired = errors.New("session expired")

	ErrNotFound = errors.New("not found")

	// ErrTransient marks failures worth retrying, such as rate limiting.
	ErrTransient = errors.New("temporary server error")

	ErrValidation = errors.New("rejected by server")

	// ErrTransportUnavailable is returned by emits attempted while the
	// realtime connection is not joined.
	ErrTransportUnavailable = errors.New("realtime connection unavailable")
)

// ValidationError carries a server-side rejection message meant for the user.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// StatusError is an HTTP failure classified into the taxonomy above.
type StatusError struct {
	Op     string
	Status int
	Kind   error
	Body   string
	// RetryAfter is the server's Retry-After hint for transient failures.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: %d %s: %s", e.Op, e.Status, e.Kind, e.Body)
	}
	return fmt.Sprintf("%s: %d %s", e.Op, e.Status, e.Kind)
}

func (e *StatusError) Unwrap() error {
	return e.Kind
}

// UserMessage renders err for the error banner. Validation errors pass
// through verbatim.
func UserMessage(err error) string {
	var ve *ValidationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return ve.Message
	case errors.Is(err, ErrAuthExpired):
		return "Your session has expired. Please sign in again."
	case errors.Is(err, ErrTransportUnavailable):
		return "Not connected. Your message was not sent."
	case errors.Is(err, ErrNotFound):
		return "The requested item no longer exists."
	case errors.Is(err, ErrTransient):
		return "The server is busy. Please try again."
	default:
		return "Something went wrong: " + err.Error()
	}
}
