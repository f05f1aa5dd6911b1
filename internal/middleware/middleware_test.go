package middleware_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/eventcore/internal/application/appcore"
	"github.com/lllypuk/eventcore/internal/application/command"
	"github.com/lllypuk/eventcore/internal/domain/aggregate"
	"github.com/lllypuk/eventcore/internal/domain/errs"
	"github.com/lllypuk/eventcore/internal/domain/event"
	"github.com/lllypuk/eventcore/internal/middleware"
	"github.com/lllypuk/eventcore/tests/testutil"
)

func deposit() *testutil.Deposit {
	return &testutil.Deposit{ID: uuid.New(), Amount: 10}
}

func tag(name string, trail *[]string) middleware.Middleware {
	return func(next command.Handler) command.Handler {
		return command.HandlerFunc(func(ctx context.Context, cmd aggregate.Command) error {
			*trail = append(*trail, name)
			return next.HandleCommand(ctx, cmd)
		})
	}
}

func TestChain_FirstIsOutermost(t *testing.T) {
	var trail []string
	h := middleware.Chain(command.HandlerFunc(func(context.Context, aggregate.Command) error {
		trail = append(trail, "handler")
		return nil
	}), tag("a", &trail), tag("b", &trail))

	require.NoError(t, h.HandleCommand(context.Background(), deposit()))
	assert.Equal(t, []string{"a", "b", "handler"}, trail)
}

func TestChainEvent_KeepsHandlerType(t *testing.T) {
	var trail []string
	mw := func(name string) middleware.EventMiddleware {
		return func(next event.Handler) event.Handler {
			return event.NewHandler(next.HandlerType(), func(ctx context.Context, e event.Event) error {
				trail = append(trail, name)
				return next.HandleEvent(ctx, e)
			})
		}
	}
	h := middleware.ChainEvent(event.NewHandler("projector", func(context.Context, event.Event) error {
		trail = append(trail, "handler")
		return nil
	}), mw("outer"), mw("inner"))

	require.NoError(t, h.HandleEvent(context.Background(), testutil.AccountEvents(uuid.New(), 1, 1)[0]))
	assert.Equal(t, "projector", h.HandlerType())
	assert.Equal(t, []string{"outer", "inner", "handler"}, trail)
}

func TestLogging(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantLevel string
	}{
		{name: "success", wantLevel: "INFO"},
		{name: "conflict", err: errs.ErrConcurrencyConflict, wantLevel: "WARN"},
		{name: "invalid input", err: errs.ErrMissingEvents, wantLevel: "WARN"},
		{name: "failure", err: errors.New("disk full"), wantLevel: "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logBuffer bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&logBuffer, nil))
			h := middleware.Chain(command.HandlerFunc(func(context.Context, aggregate.Command) error {
				return tt.err
			}), middleware.Logging(middleware.LoggingConfig{Logger: logger}))

			ctx := appcore.WithCorrelationID(context.Background(), "corr-9")
			err := h.HandleCommand(ctx, deposit())

			assert.ErrorIs(t, err, tt.err)
			var entry map[string]any
			require.NoError(t, json.Unmarshal(logBuffer.Bytes(), &entry))
			assert.Equal(t, tt.wantLevel, entry["level"])
			assert.Equal(t, "Deposit", entry["command"])
			assert.Equal(t, "corr-9", entry["correlation_id"])
		})
	}
}

func TestLogging_SkipCommands(t *testing.T) {
	var logBuffer bytes.Buffer
	h := middleware.Chain(command.HandlerFunc(func(context.Context, aggregate.Command) error { return nil }),
		middleware.Logging(middleware.LoggingConfig{
			Logger:       slog.New(slog.NewJSONHandler(&logBuffer, nil)),
			SkipCommands: []aggregate.CommandType{testutil.DepositCommand},
		}))

	require.NoError(t, h.HandleCommand(context.Background(), deposit()))
	assert.Zero(t, logBuffer.Len())
}

func TestEventLogging(t *testing.T) {
	var logBuffer bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuffer, &slog.HandlerOptions{Level: slog.LevelDebug}))
	boom := errors.New("boom")
	h := middleware.ChainEvent(event.NewHandler("projector", func(context.Context, event.Event) error {
		return boom
	}), middleware.EventLogging(logger))

	err := h.HandleEvent(context.Background(), testutil.AccountEvents(uuid.New(), 1, 1)[0])

	require.ErrorIs(t, err, boom)
	assert.Contains(t, logBuffer.String(), `"msg":"event handler failed"`)
	assert.Contains(t, logBuffer.String(), `"handler":"projector"`)
	assert.Contains(t, logBuffer.String(), `"event":"AccountOpened@1"`)
}

func TestRecovery(t *testing.T) {
	tests := []struct {
		name   string
		value  any
		expect string
	}{
		{name: "string panic", value: "kaboom", expect: "panic: kaboom"},
		{name: "error panic", value: errors.New("bad state"), expect: "panic: bad state"},
		{name: "int panic", value: 42, expect: "panic: 42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logBuffer bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&logBuffer, nil))
			h := middleware.Chain(command.HandlerFunc(func(context.Context, aggregate.Command) error {
				panic(tt.value)
			}), middleware.Recovery(logger))

			err := h.HandleCommand(context.Background(), deposit())

			var handlingErr *errs.HandlingError
			require.ErrorAs(t, err, &handlingErr)
			assert.Equal(t, "Deposit", handlingErr.Handler)
			assert.Equal(t, tt.expect, handlingErr.Err.Error())
			assert.Contains(t, logBuffer.String(), "panic recovered")
			assert.Contains(t, logBuffer.String(), `"stack"`)
		})
	}
}

func TestRecoveryWithConfig_DisablePrintStack(t *testing.T) {
	var logBuffer bytes.Buffer
	h := middleware.Chain(command.HandlerFunc(func(context.Context, aggregate.Command) error {
		panic("kaboom")
	}), middleware.RecoveryWithConfig(middleware.RecoveryConfig{
		Logger:            slog.New(slog.NewJSONHandler(&logBuffer, nil)),
		DisablePrintStack: true,
	}))

	require.Error(t, h.HandleCommand(context.Background(), deposit()))
	assert.False(t, strings.Contains(logBuffer.String(), `"stack"`))
}

func TestRecovery_NoPanic(t *testing.T) {
	h := middleware.Chain(command.HandlerFunc(func(context.Context, aggregate.Command) error {
		return nil
	}), middleware.Recovery(nil))

	assert.NoError(t, h.HandleCommand(context.Background(), deposit()))
}

func TestValidation(t *testing.T) {
	called := false
	h := middleware.Chain(command.HandlerFunc(func(context.Context, aggregate.Command) error {
		called = true
		return nil
	}), middleware.Validation())

	err := h.HandleCommand(context.Background(), &testutil.Deposit{Amount: 1})
	require.ErrorIs(t, err, errs.ErrMissingAggregateID)
	assert.False(t, called)

	require.NoError(t, h.HandleCommand(context.Background(), deposit()))
	assert.True(t, called)
}
