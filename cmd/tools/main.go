// Package main provides the maintenance CLI for the configured event store.
//
// Usage:
//
//	tools rename-event -from OldType -to NewType
//	tools replace -file event.json
//	tools dead-letters [-count 10] [-clear]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/lllypuk/eventcore/internal/application/appcore"
	"github.com/lllypuk/eventcore/internal/config"
	"github.com/lllypuk/eventcore/internal/domain/event"
	"github.com/lllypuk/eventcore/internal/infrastructure/codec"
	"github.com/lllypuk/eventcore/internal/infrastructure/eventbus"
)

var (
	errUsage         = errors.New("usage: tools <rename-event|replace|dead-letters> [flags]")
	errNoMaintenance = errors.New("event store does not support maintenance")
	errRelayDisabled = errors.New("dead letters require eventbus.redis_relay")
	errMissingFlag   = errors.New("missing required flag")
)

// backends opens what a command needs from the configuration.
type backends interface {
	EventStore(ctx context.Context) (appcore.EventStore, error)
	DeadLetters(ctx context.Context) (*eventbus.DeadLetterQueue, error)
	Close() error
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	b := newConfigBackends(cfg, logger)
	defer func() {
		if closeErr := b.Close(); closeErr != nil {
			logger.Error("failed to close backends", slog.String("error", closeErr.Error()))
		}
	}()

	if runErr := run(context.Background(), os.Args[1:], os.Stdout, b, logger); runErr != nil {
		logger.Error("command failed", slog.String("error", runErr.Error()))
		os.Exit(1) //nolint:gocritic // backends are released by the OS
	}
}

func run(ctx context.Context, args []string, out io.Writer, b backends, logger *slog.Logger) error {
	if len(args) == 0 {
		return errUsage
	}

	switch args[0] {
	case "rename-event":
		return renameEvent(ctx, args[1:], b, logger)
	case "replace":
		return replaceEvent(ctx, args[1:], b, logger)
	case "dead-letters":
		return deadLetters(ctx, args[1:], out, b)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
}

func maintenance(ctx context.Context, b backends) (appcore.EventMaintenance, error) {
	store, err := b.EventStore(ctx)
	if err != nil {
		return nil, err
	}
	m, ok := store.(appcore.EventMaintenance)
	if !ok {
		return nil, errNoMaintenance
	}
	return m, nil
}

func renameEvent(ctx context.Context, args []string, b backends, logger *slog.Logger) error {
	fs := flag.NewFlagSet("rename-event", flag.ContinueOnError)
	from := fs.String("from", "", "Event type to rename")
	to := fs.String("to", "", "New event type")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *from == "" || *to == "" {
		return fmt.Errorf("%w: -from and -to", errMissingFlag)
	}

	m, err := maintenance(ctx, b)
	if err != nil {
		return err
	}
	if renameErr := m.RenameEvent(ctx, event.Type(*from), event.Type(*to)); renameErr != nil {
		return renameErr
	}

	logger.InfoContext(ctx, "event type renamed",
		slog.String("from", *from),
		slog.String("to", *to),
	)
	return nil
}

func replaceEvent(ctx context.Context, args []string, b backends, logger *slog.Logger) error {
	fs := flag.NewFlagSet("replace", flag.ContinueOnError)
	file := fs.String("file", "", "JSON file with the replacement event")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("%w: -file", errMissingFlag)
	}

	raw, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("failed to read event file: %w", err)
	}
	e, _, err := codec.NewJSON(nil).UnmarshalEvent(ctx, raw)
	if err != nil {
		return fmt.Errorf("failed to decode event file: %w", err)
	}

	m, err := maintenance(ctx, b)
	if err != nil {
		return err
	}
	if replaceErr := m.Replace(ctx, e); replaceErr != nil {
		return replaceErr
	}

	logger.InfoContext(ctx, "event replaced",
		slog.String("aggregate_type", string(e.AggregateType)),
		slog.String("aggregate_id", e.AggregateID.String()),
		slog.Int("version", e.Version),
	)
	return nil
}

func deadLetters(ctx context.Context, args []string, out io.Writer, b backends) error {
	fs := flag.NewFlagSet("dead-letters", flag.ContinueOnError)
	count := fs.Int64("count", 10, "Number of entries to print, newest first")
	clearAll := fs.Bool("clear", false, "Remove every entry after printing")
	if err := fs.Parse(args); err != nil {
		return err
	}

	dlq, err := b.DeadLetters(ctx)
	if err != nil {
		return err
	}
	entries, err := dlq.List(ctx, *count)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	for _, entry := range entries {
		if encErr := enc.Encode(entry); encErr != nil {
			return encErr
		}
	}

	if *clearAll {
		return dlq.Clear(ctx)
	}
	return nil
}
