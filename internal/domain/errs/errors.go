// Package errs defines the error taxonomy shared by every layer of the core.
package errs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrConcurrencyConflict is returned when the stored version differs from the expected one.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrNotFound is returned when an aggregate, version or entry does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned for malformed commands or event batches.
	ErrInvalidInput = errors.New("invalid input")

	// ErrMissingEvents is returned when saving an empty batch.
	ErrMissingEvents = fmt.Errorf("%w: missing events", ErrInvalidInput)

	// ErrMissingAggregateID is returned when a command carries the nil UUID.
	ErrMissingAggregateID = errors.New("missing aggregate ID")

	// ErrMissingField is returned when a required command field is zero.
	ErrMissingField = errors.New("missing field")

	// ErrMissingMatcher is returned when a handler is registered without a matcher.
	ErrMissingMatcher = errors.New("missing matcher")

	// ErrMissingHandler is returned when a nil handler is registered.
	ErrMissingHandler = errors.New("missing handler")

	// ErrHandlerAlreadyAdded is returned when a handler with the same type is registered twice.
	ErrHandlerAlreadyAdded = errors.New("handler already added")

	// ErrAlreadyExists is returned when an entry with the same id is stored twice.
	ErrAlreadyExists = errors.New("already exists")
)

// AggregateError carries the context of a failed operation on one aggregate.
type AggregateError struct {
	Err           error
	Component     string
	Op            string
	AggregateType string
	AggregateID   uuid.UUID
	Version       int
}

func (e *AggregateError) Error() string {
	var sb strings.Builder
	if e.Component != "" {
		sb.WriteString(e.Component)
		sb.WriteString(": ")
	}
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	if e.Err != nil {
		sb.WriteString(e.Err.Error())
	} else {
		sb.WriteString("unknown error")
	}
	if e.AggregateID != uuid.Nil || e.AggregateType != "" {
		fmt.Fprintf(&sb, ", %s(%s, v%d)", e.AggregateType, e.AggregateID, e.Version)
	}
	return sb.String()
}

func (e *AggregateError) Unwrap() error {
	return e.Err
}

// HandlingError wraps a failure raised by a command or event handler.
type HandlingError struct {
	Err     error
	Handler string
}

func (e *HandlingError) Error() string {
	if e.Handler == "" {
		return fmt.Sprintf("handling error: %v", e.Err)
	}
	return fmt.Sprintf("handling error: %s: %v", e.Handler, e.Err)
}

func (e *HandlingError) Unwrap() error {
	return e.Err
}

// MissingFieldError names the command field that failed validation.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMissingField, e.Field)
}

func (e *MissingFieldError) Unwrap() error {
	return ErrMissingField
}

// IsConflict reports whether err is a concurrency conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsNotFound reports whether err signals a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
