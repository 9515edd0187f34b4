package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is an expected absence (identity, file map, mnemonic). Not logged as an error.
	ErrNotFound = errors.New("not found")
	// ErrConflict covers publish collisions and fingerprint mismatches on confirm
	ErrConflict = errors.New("conflict")
	// ErrQuotaExceeded means the upload would push the storage identity past its maximum
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrValidation is returned for missing or malformed input
	ErrValidation = errors.New("validation failed")
	// ErrUpstreamUnavailable wraps object store, cache or ledger failures. Retryable.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// QuotaError carries the numbers a caller needs to act on a rejected upload
type QuotaError struct {
	Current  int64
	Max      int64
	Incoming int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded: current %d + incoming %d > max %d", e.Current, e.Incoming, e.Max)
}

func (e *QuotaError) Unwrap() error {
	return ErrQuotaExceeded
}

// ConflictError names the colliding path
type ConflictError struct {
	Path   string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict at %s: %s", e.Path, e.Reason)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// Validation returns an ErrValidation with a message
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Upstream marks err as a retryable upstream failure
func Upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrUpstreamUnavailable, op, err)
}

// NotFound returns an ErrNotFound naming what was missing
func NotFound(what string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, what)
}
