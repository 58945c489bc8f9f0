package errors

import (
	stderrors "errors"
	"fmt"

	"github.com/cenkalti/backoff/v5"
)

// Error kinds threaded through ingest, flush and delete.
var (
	// ErrMalformed marks input that can never be processed. Terminal.
	ErrMalformed = stderrors.New("malformed input")

	// ErrTransient marks a collaborator failure worth retrying on the next cycle.
	ErrTransient = stderrors.New("transient collaborator failure")
)

// Error types reported by the health endpoint.
const (
	HttpDependencyError   = "dependency_unavailable"
	HttpDrainStalledError = "drain_stalled"
)

// ErrorResponse is the error response body for the health endpoint.
type ErrorResponse struct {
	ErrorType string      `json:"error_type"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
}

// IsTerminal reports whether err must not be retried.
func IsTerminal(err error) bool {
	return stderrors.Is(err, ErrMalformed)
}

// IsTransient reports whether err was marked retryable.
func IsTransient(err error) bool {
	return stderrors.Is(err, ErrTransient)
}

// MarkTransient tags err as retryable while keeping the original cause.
func MarkTransient(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
}

// Permanent stops a backoff retry loop at err.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}
