package errs_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/lllypuk/eventcore/internal/domain/errs"
)

func TestAggregateError_Format(t *testing.T) {
	id := uuid.MustParse("8c7b7f0e-3f63-4c4b-9a3f-4cbf0b0a1b2c")
	err := &errs.AggregateError{
		Err:           errs.ErrConcurrencyConflict,
		Component:     "event store",
		Op:            "save",
		AggregateType: "Account",
		AggregateID:   id,
		Version:       3,
	}

	assert.Equal(t,
		"event store: save: concurrency conflict, Account(8c7b7f0e-3f63-4c4b-9a3f-4cbf0b0a1b2c, v3)",
		err.Error(),
	)
}

func TestAggregateError_WithoutAggregate(t *testing.T) {
	err := &errs.AggregateError{Err: errs.ErrMissingEvents, Component: "event store", Op: "save"}

	assert.Equal(t, "event store: save: invalid input: missing events", err.Error())
}

func TestAggregateError_Unwrap(t *testing.T) {
	inner := &errs.AggregateError{Err: errs.ErrConcurrencyConflict, Op: "save"}
	outer := fmt.Errorf("repository: %w", inner)

	assert.True(t, errs.IsConflict(outer))
	assert.False(t, errs.IsNotFound(outer))

	var aggErr *errs.AggregateError
	assert.True(t, errors.As(outer, &aggErr))
	assert.Equal(t, "save", aggErr.Op)
}

func TestMissingEvents_IsInvalidInput(t *testing.T) {
	assert.ErrorIs(t, errs.ErrMissingEvents, errs.ErrInvalidInput)
}

func TestHandlingError(t *testing.T) {
	cause := errors.New("boom")

	err := &errs.HandlingError{Err: cause, Handler: "projector"}

	assert.Equal(t, "handling error: projector: boom", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestMissingFieldError(t *testing.T) {
	err := &errs.MissingFieldError{Field: "Name"}

	assert.Equal(t, "missing field: Name", err.Error())
	assert.ErrorIs(t, err, errs.ErrMissingField)
}
