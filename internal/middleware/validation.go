package middleware

import (
	"context"

	"github.com/lllypuk/eventcore/internal/application/command"
	"github.com/lllypuk/eventcore/internal/domain/aggregate"
)

// Validation rejects commands that fail aggregate.CheckCommand before they
// reach the next handler.
func Validation() Middleware {
	return func(next command.Handler) command.Handler {
		return command.HandlerFunc(func(ctx context.Context, cmd aggregate.Command) error {
			if err := aggregate.CheckCommand(cmd); err != nil {
				return err
			}
			return next.HandleCommand(ctx, cmd)
		})
	}
}
