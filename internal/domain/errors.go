package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrLinkNotFound = errors.New("aggregator link not found")
	ErrLinkRevoked  = errors.New("aggregator link revoked")
	ErrLinkError    = errors.New("aggregator link needs to be re-linked")

	// ErrLeaseLost is returned when a worker acts on a job it no longer holds.
	ErrLeaseLost = errors.New("job lease lost")

	// ErrJobTerminal is returned when an operator override targets a finished job.
	ErrJobTerminal = errors.New("job already finished")
)

// FieldError describes one rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError rejects bad options or input before any work is queued.
type ValidationError struct {
	Fields []FieldError
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: message}}}
}

func (e *ValidationError) Add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

// OrNil returns nil when no field was rejected.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "invalid input: " + strings.Join(parts, "; ")
}

// TransientError marks a failure worth retrying (timeouts, rate limits, 5xx).
type TransientError struct {
	Op  string
	Err error
}

func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// AuthError means the aggregator rejected the stored credential.
type AuthError struct {
	Code    string
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return "aggregator auth error: " + e.Code
	}
	return fmt.Sprintf("aggregator auth error: %s: %s", e.Code, e.Message)
}

// RowError is a single malformed source row.
type RowError struct {
	Line int
	Err  error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// JobExhaustedError is the terminal failure after the last retry.
type JobExhaustedError struct {
	Attempts int
	Last     string
}

func (e *JobExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %s", e.Attempts, e.Last)
}

// IsRetryable reports whether a job failing with err should be tried again.
// Validation, auth and link-state errors are terminal; everything else,
// including unclassified errors, is retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ve *ValidationError
	var ae *AuthError
	var te *TransientError
	switch {
	case errors.As(err, &te):
		return true
	case errors.As(err, &ve), errors.As(err, &ae):
		return false
	case errors.Is(err, ErrLinkRevoked), errors.Is(err, ErrLinkError), errors.Is(err, ErrLinkNotFound):
		return false
	}
	return true
}

// IsAuth reports whether err carries an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
