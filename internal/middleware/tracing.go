package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lllypuk/eventcore/internal/application/appcore"
	"github.com/lllypuk/eventcore/internal/application/command"
	"github.com/lllypuk/eventcore/internal/domain/aggregate"
	"github.com/lllypuk/eventcore/internal/domain/event"
)

const instrumentationName = "github.com/lllypuk/eventcore/internal/middleware"

// Tracing starts a span around every command. A nil provider uses the global one.
func Tracing(tp trace.TracerProvider) Middleware {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	tracer := tp.Tracer(instrumentationName)

	return func(next command.Handler) command.Handler {
		return command.HandlerFunc(func(ctx context.Context, cmd aggregate.Command) error {
			ctx, span := tracer.Start(ctx, "command "+cmd.CommandType().String(),
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("eventcore.command_type", cmd.CommandType().String()),
					attribute.String("eventcore.aggregate_type", cmd.AggregateType().String()),
					attribute.String("eventcore.aggregate_id", cmd.AggregateID().String()),
				),
			)
			defer span.End()

			// the trace id travels with outbox entries to the event handlers
			if sc := span.SpanContext(); sc.HasTraceID() && appcore.GetTraceID(ctx) == "" {
				ctx = appcore.WithTraceID(ctx, sc.TraceID().String())
			}

			err := next.HandleCommand(ctx, cmd)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return err
		})
	}
}

// EventTracing starts a span around every handled event.
func EventTracing(tp trace.TracerProvider) EventMiddleware {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	tracer := tp.Tracer(instrumentationName)

	return func(next event.Handler) event.Handler {
		name := next.HandlerType()
		return event.NewHandler(name, func(ctx context.Context, e event.Event) error {
			ctx, span := tracer.Start(ctx, "event "+name,
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(
					attribute.String("eventcore.handler", name),
					attribute.String("eventcore.event_type", e.Type.String()),
					attribute.String("eventcore.aggregate_id", e.AggregateID.String()),
					attribute.Int("eventcore.version", e.Version),
				),
			)
			defer span.End()

			err := next.HandleEvent(ctx, e)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return err
		})
	}
}
