// Package errors defines the sentinel errors shared across the ingestion
// pipeline, along with category helpers and wrapping utilities.
//
// The taxonomy follows the pipeline stages: generator errors, storage
// write/query errors, replication errors, and pipeline errors. Admission
// rejections are intentionally NOT errors; they are reported as a rejection
// reason on the submission outcome. Everything here is a genuine failure.
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Generator errors
	ErrClockRegression   = errors.New("clock moved backward beyond tolerance")
	ErrSequenceExhausted = errors.New("sequence exhausted for current millisecond")
	ErrInvalidMachineID  = errors.New("invalid machine id")

	// Record errors
	ErrInvalidRecord = errors.New("invalid record")
	ErrMissingField  = errors.New("missing required field")

	// Storage errors
	ErrWriteRejected    = errors.New("write rejected by storage")
	ErrInvalidPredicate = errors.New("invalid query predicate")
	ErrNotFound         = errors.New("record not found")
	ErrStoreClosed      = errors.New("store is closed")

	// Replication errors
	ErrPrimaryWrite   = errors.New("primary write failed")
	ErrNoReplicaSet   = errors.New("no replica set for shard")
	ErrReplicatorDown = errors.New("replicator is shut down")

	// Pipeline errors
	ErrTimeout       = errors.New("submission timed out")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ============================================================================
// Category helpers
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// IsGeneratorError returns true if err originates in the ID generator.
func IsGeneratorError(err error) bool {
	return errors.Is(err, ErrClockRegression) ||
		errors.Is(err, ErrSequenceExhausted) ||
		errors.Is(err, ErrInvalidMachineID)
}

// IsStorageError returns true if err originates in a storage backend.
func IsStorageError(err error) bool {
	return errors.Is(err, ErrWriteRejected) ||
		errors.Is(err, ErrInvalidPredicate) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrStoreClosed)
}

// IsRetriable returns true if the submission may safely be retried by the
// caller. Retrying with the same pre-assigned id deduplicates on the store.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrPrimaryWrite) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrSequenceExhausted)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidRecord) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrInvalidPredicate)
}

// ============================================================================
// Wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidConfig)
}

// NewNotFound creates a not-found error carrying the record id.
func NewNotFound(id fmt.Stringer) error {
	return fmt.Errorf("record %s: %w", id.String(), ErrNotFound)
}
