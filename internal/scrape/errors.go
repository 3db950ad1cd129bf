package scrape

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	// ErrNotFound is returned when a job identifier does not resolve.
	ErrNotFound = errors.New("job not found")
	// ErrUnauthorized is returned when there is no caller or the caller does not own the job.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrStaleTransition is returned when the stored status changed underneath a transition.
	ErrStaleTransition = errors.New("stale transition")
	// ErrInvalidTransition is returned for edges absent from the lifecycle table.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrNotRetryable is returned when a retry's preconditions are not met.
	ErrNotRetryable = errors.New("job is not retryable")
	// ErrInvalidInput is returned when caller-supplied fields are missing or malformed.
	ErrInvalidInput = errors.New("invalid input")
	// ErrQueueClosed is returned by queues after shutdown.
	ErrQueueClosed = errors.New("queue closed")
)

// ValidationMarker prefixes every report validation failure recorded on a job
// so operators can tell format drift apart from provider outages.
const ValidationMarker = "[validation]"

// maxErrorBody bounds how much of a provider response lands in a job error.
const maxErrorBody = 512

// ExternalServiceError wraps a non-success response or transport failure from
// the scraping provider or the analysis backend.
type ExternalServiceError struct {
	Service    string
	StatusCode int
	Body       string
	Err        error
}

// NewExternalServiceError builds an ExternalServiceError with the body truncated.
func NewExternalServiceError(service string, statusCode int, body string, err error) *ExternalServiceError {
	return &ExternalServiceError{
		Service:    service,
		StatusCode: statusCode,
		Body:       truncate(strings.TrimSpace(body), maxErrorBody),
		Err:        err,
	}
}

func (e *ExternalServiceError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("%s returned status %d: %s", e.Service, e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s returned status %d", e.Service, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s request failed: %v", e.Service, e.Err)
	default:
		return e.Service + " request failed"
	}
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

// ValidationError reports that a produced report does not match the expected shape.
type ValidationError struct {
	Fields []string
	Err    error
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("%s report schema mismatch: %v", ValidationMarker, e.Err)
	}
	return fmt.Sprintf("%s report schema mismatch on %s", ValidationMarker, strings.Join(e.Fields, ", "))
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsValidationError reports whether err (or its chain) is a ValidationError.
func IsValidationError(err error) bool {
	var vErr *ValidationError
	return errors.As(err, &vErr)
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
