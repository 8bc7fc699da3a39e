package model

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed ingestion input. Nothing is written when
// it is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// ProviderError reports an unreachable provider or a malformed payload.
type ProviderError struct {
	Query      string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider: query %q: status %d: %v", e.Query, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider: query %q: %v", e.Query, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ConflictError is raised when a concurrent writer created the same item name
// first. The store resolves it by re-reading the winning row.
type ConflictError struct {
	Name string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: item %q created concurrently", e.Name)
}

// StorageError wraps a failure of the underlying store. Any transaction in
// flight has been rolled back by the time the caller sees it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsProvider reports whether err carries a ProviderError.
func IsProvider(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

// IsStorage reports whether err carries a StorageError.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
