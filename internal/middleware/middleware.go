// Package middleware provides decorators for command and event handlers.
package middleware

import (
	"github.com/lllypuk/eventcore/internal/application/command"
	"github.com/lllypuk/eventcore/internal/domain/event"
)

// Middleware decorates a command handler.
type Middleware func(next command.Handler) command.Handler

// Chain wraps h with middlewares. The first middleware is the outermost.
func Chain(h command.Handler, middlewares ...Middleware) command.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// EventMiddleware decorates an event handler.
type EventMiddleware func(next event.Handler) event.Handler

// ChainEvent wraps h with middlewares. The first middleware is the outermost.
// The resulting handler keeps the HandlerType of h.
func ChainEvent(h event.Handler, middlewares ...EventMiddleware) event.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
