package repositories

import (
	"errors"
	"fmt"
)

// StoreErrorKind classifies a StoreError.
type StoreErrorKind string

const (
	// StoreErrorUnknown represents an unspecified failure.
	StoreErrorUnknown StoreErrorKind = "store_unknown"
	// StoreErrorNotFound indicates the requested record does not exist.
	StoreErrorNotFound StoreErrorKind = "store_not_found"
	// StoreErrorConflict indicates a uniqueness or precondition violation.
	StoreErrorConflict StoreErrorKind = "store_conflict"
	// StoreErrorUnavailable indicates a transient backend failure that may be retried.
	StoreErrorUnavailable StoreErrorKind = "store_unavailable"
)

// StoreError implements RepositoryError for the embedded and cache-backed adapters.
type StoreError struct {
	Op   string
	Kind StoreErrorKind
	Err  error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Kind)
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

// Unwrap exposes the underlying error, if any.
func (e *StoreError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsNotFound reports whether the record was missing.
func (e *StoreError) IsNotFound() bool { return e != nil && e.Kind == StoreErrorNotFound }

// IsConflict reports whether the write lost a uniqueness or precondition race.
func (e *StoreError) IsConflict() bool { return e != nil && e.Kind == StoreErrorConflict }

// IsUnavailable reports whether the backend was temporarily unreachable.
func (e *StoreError) IsUnavailable() bool { return e != nil && e.Kind == StoreErrorUnavailable }

// NewStoreError constructs a typed store error.
func NewStoreError(op string, kind StoreErrorKind, err error) *StoreError {
	return &StoreError{Op: op, Kind: kind, Err: err}
}

// IsNotFound reports whether err carries RepositoryError not-found semantics.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsConflict reports whether err carries RepositoryError conflict semantics.
func IsConflict(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

// IsUnavailable reports whether err carries RepositoryError unavailable semantics.
func IsUnavailable(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}

var _ RepositoryError = (*StoreError)(nil)
