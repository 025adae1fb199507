// Package errs holds the error taxonomy shared by the enqueuer, the sender
// adapter and the dispatcher. The dispatcher derives every retry decision from
// these types.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports a malformed payload. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

// Validation builds a ValidationError for field.
func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// TransientProviderError covers network failures, timeouts, 429 and 5xx
// responses. The message is retried with backoff.
type TransientProviderError struct {
	StatusCode int
	Err        error
}

func (e *TransientProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient provider error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient provider error: %v", e.Err)
}

func (e *TransientProviderError) Unwrap() error { return e.Err }

// PermanentProviderError covers 4xx responses: bad request, invalid
// recipient. The message is dead-lettered without consuming retries.
type PermanentProviderError struct {
	StatusCode int
	Err        error
}

func (e *PermanentProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("permanent provider error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("permanent provider error: %v", e.Err)
}

func (e *PermanentProviderError) Unwrap() error { return e.Err }

// ClaimConflictError means another worker owns the row. Not a failure.
type ClaimConflictError struct {
	MessageID string
	WorkerID  string
}

func (e *ClaimConflictError) Error() string {
	return fmt.Sprintf("claim conflict: message %s is not held by %s", e.MessageID, e.WorkerID)
}

// StoreError wraps a failure of the underlying persistence layer.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Store wraps err as a StoreError unless it is nil or already one.
func Store(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// Transient wraps err as a retryable provider error.
func Transient(status int, err error) error {
	if err == nil {
		err = errors.New("unknown failure")
	}
	return &TransientProviderError{StatusCode: status, Err: err}
}

// Permanent wraps err as a non-retryable provider error.
func Permanent(status int, err error) error {
	if err == nil {
		err = errors.New("unknown failure")
	}
	return &PermanentProviderError{StatusCode: status, Err: err}
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsClaimConflict(err error) bool {
	var ce *ClaimConflictError
	return errors.As(err, &ce)
}

func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

// IsRetryable reports whether the dispatcher should schedule another attempt.
// Validation and permanent errors are final; an unclassified error is treated
// as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}
	var pe *PermanentProviderError
	if errors.As(err, &pe) {
		return false
	}
	return true
}

// Truncate trims s to at most n bytes on a rune boundary.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return strings.TrimSpace(s[:cut])
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
