package aggregate

import (
	"fmt"
	"reflect"

	"github.com/google/uuid"

	"github.com/lllypuk/eventcore/internal/domain/errs"
	"github.com/lllypuk/eventcore/internal/domain/event"
)

// CommandType identifies the kind of a command.
type CommandType string

func (t CommandType) String() string { return string(t) }

// Command is an immutable request to change exactly one aggregate.
type Command interface {
	AggregateID() uuid.UUID
	AggregateType() event.AggregateType
	CommandType() CommandType
}

// CheckCommand validates a command before dispatch.
//
// The aggregate id must not be nil and every exported field must be set,
// unless tagged `command:"optional"`.
func CheckCommand(cmd Command) error {
	if cmd == nil {
		return errs.ErrInvalidInput
	}
	if cmd.AggregateID() == uuid.Nil {
		return fmt.Errorf("%w: %w", errs.ErrMissingField, errs.ErrMissingAggregateID)
	}

	rv := reflect.Indirect(reflect.ValueOf(cmd))
	if rv.Kind() != reflect.Struct {
		return nil
	}
	rt := rv.Type()
	for i := range rv.NumField() {
		field := rt.Field(i)
		if !field.IsExported() || field.Tag.Get("command") == "optional" {
			continue
		}
		if rv.Field(i).IsZero() {
			return &errs.MissingFieldError{Field: field.Name}
		}
	}
	return nil
}
