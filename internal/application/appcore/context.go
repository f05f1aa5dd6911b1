package appcore

import (
	"context"
	"errors"
	"sync"
)

// Context keys
type contextKey string

const (
	userIDKey        contextKey = "userID"
	correlationIDKey contextKey = "correlationID"
	traceIDKey       contextKey = "traceID"
)

// Keys used when request values cross a process boundary.
const (
	ContextUserID        = "user_id"
	ContextCorrelationID = "correlation_id"
	ContextTraceID       = "trace_id"
)

var (
	ErrUserIDNotFound        = errors.New("user ID not found in context")
	ErrCorrelationIDNotFound = errors.New("correlation ID not found in context")
)

// GetUserID extracts the user ID from the context
func GetUserID(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDKey).(string)
	if !ok {
		return "", ErrUserIDNotFound
	}
	return userID, nil
}

// WithUserID adds the user ID to the context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetCorrelationID extracts the correlation ID from the context
func GetCorrelationID(ctx context.Context) (string, error) {
	correlationID, ok := ctx.Value(correlationIDKey).(string)
	if !ok {
		return "", ErrCorrelationIDNotFound
	}
	return correlationID, nil
}

// WithCorrelationID adds the correlation ID to the context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// GetTraceID extracts the trace ID from the context (for distributed tracing)
func GetTraceID(ctx context.Context) string {
	traceID, ok := ctx.Value(traceIDKey).(string)
	if !ok {
		return ""
	}
	return traceID
}

// WithTraceID adds the trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// ContextMarshalFunc copies values from ctx into vals.
type ContextMarshalFunc func(ctx context.Context, vals map[string]string)

// ContextUnmarshalFunc restores values from vals into a derived context.
type ContextUnmarshalFunc func(ctx context.Context, vals map[string]string) context.Context

type contextFuncs struct {
	marshal   ContextMarshalFunc
	unmarshal ContextUnmarshalFunc
}

// ContextCodec carries request-scoped values across process boundaries as a
// flat string map. Functions are registered during wiring and only read
// afterwards.
type ContextCodec struct {
	mu    sync.RWMutex
	funcs []contextFuncs
}

// NewContextCodec creates a codec with the user, correlation and trace id
// pairs registered.
func NewContextCodec() *ContextCodec {
	c := &ContextCodec{}
	c.Register(stringMarshaler(ContextUserID, func(ctx context.Context) string {
		id, _ := GetUserID(ctx)
		return id
	}), func(ctx context.Context, vals map[string]string) context.Context {
		if v, ok := vals[ContextUserID]; ok {
			return WithUserID(ctx, v)
		}
		return ctx
	})
	c.Register(stringMarshaler(ContextCorrelationID, func(ctx context.Context) string {
		id, _ := GetCorrelationID(ctx)
		return id
	}), func(ctx context.Context, vals map[string]string) context.Context {
		if v, ok := vals[ContextCorrelationID]; ok {
			return WithCorrelationID(ctx, v)
		}
		return ctx
	})
	c.Register(stringMarshaler(ContextTraceID, GetTraceID),
		func(ctx context.Context, vals map[string]string) context.Context {
			if v, ok := vals[ContextTraceID]; ok {
				return WithTraceID(ctx, v)
			}
			return ctx
		})
	return c
}

func stringMarshaler(key string, get func(context.Context) string) ContextMarshalFunc {
	return func(ctx context.Context, vals map[string]string) {
		if v := get(ctx); v != "" {
			vals[key] = v
		}
	}
}

// Register adds a marshal/unmarshal pair. Both functions are required.
func (c *ContextCodec) Register(marshal ContextMarshalFunc, unmarshal ContextUnmarshalFunc) {
	if marshal == nil || unmarshal == nil {
		panic("appcore: context codec functions must not be nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.funcs = append(c.funcs, contextFuncs{marshal: marshal, unmarshal: unmarshal})
}

// Marshal extracts all registered values from ctx. It returns nil when
// nothing was found.
func (c *ContextCodec) Marshal(ctx context.Context) map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	vals := make(map[string]string)
	for _, f := range c.funcs {
		f.marshal(ctx, vals)
	}
	if len(vals) == 0 {
		return nil
	}
	return vals
}

// Unmarshal returns ctx extended with the values in vals.
func (c *ContextCodec) Unmarshal(ctx context.Context, vals map[string]string) context.Context {
	if len(vals) == 0 {
		return ctx
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, f := range c.funcs {
		ctx = f.unmarshal(ctx, vals)
	}
	return ctx
}
