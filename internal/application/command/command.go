// Package command dispatches commands to the aggregates they target.
package command

import (
	"context"
	"errors"

	"github.com/lllypuk/eventcore/internal/application/repository"
	"github.com/lllypuk/eventcore/internal/domain/aggregate"
	"github.com/lllypuk/eventcore/internal/domain/errs"
)

// Handler handles a single command.
type Handler interface {
	HandleCommand(ctx context.Context, cmd aggregate.Command) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, cmd aggregate.Command) error

// HandleCommand implements Handler.
func (f HandlerFunc) HandleCommand(ctx context.Context, cmd aggregate.Command) error {
	return f(ctx, cmd)
}

// AggregateHandler is the terminal handler of the pipeline: it loads the
// target aggregate, lets it handle the command and saves the result.
type AggregateHandler struct {
	repo repository.Repository
}

// NewAggregateHandler creates a handler operating on repo.
func NewAggregateHandler(repo repository.Repository) *AggregateHandler {
	return &AggregateHandler{repo: repo}
}

// HandleCommand implements Handler. Aggregates without history are created
// empty, so creating commands go through the same path.
func (h *AggregateHandler) HandleCommand(ctx context.Context, cmd aggregate.Command) error {
	if err := aggregate.CheckCommand(cmd); err != nil {
		return err
	}

	agg, err := h.repo.Load(ctx, cmd.AggregateType(), cmd.AggregateID())
	if errors.Is(err, errs.ErrNotFound) {
		agg, err = h.repo.New(cmd.AggregateType(), cmd.AggregateID())
	}
	if err != nil {
		return err
	}

	if err = agg.HandleCommand(ctx, cmd); err != nil {
		return &errs.HandlingError{Handler: string(cmd.AggregateType()), Err: err}
	}

	return h.repo.Save(ctx, agg)
}

var _ Handler = (*AggregateHandler)(nil)
