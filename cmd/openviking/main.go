// Package main wires the OpenViking engine up as a standalone process: it
// loads Config from the environment, builds an Engine, and runs one
// subcommand against it ("ready", "find <query>" or "wait"; with no
// subcommand it only logs that the engine is ready). It exists to show how
// a caller embeds the engine programmatically; it is not a server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LinQiang391/OpenViking/engine"
	"github.com/LinQiang391/OpenViking/engine/config"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("openviking exited with error", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()

	eng, err := engine.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	eng = eng.WithLogger(logger)

	if len(os.Args) < 2 {
		logger.Info("ready", "workspace", cfg.WorkspaceRoot)
		return nil
	}

	switch os.Args[1] {
	case "ready":
		for component, status := range eng.Ready(ctx) {
			logger.Info("readiness check", "component", component, "status", status)
		}
	case "find":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: openviking find <query>")
		}
		hits, err := eng.Find(ctx, os.Args[2], engine.FindOpts{})
		if err != nil {
			return fmt.Errorf("find: %w", err)
		}
		for _, h := range hits {
			logger.Info("hit", "uri", string(h.URI), "score", h.Score)
		}
	case "wait":
		result, err := eng.Wait(ctx, 5*time.Minute)
		if err != nil {
			return fmt.Errorf("wait: %w", err)
		}
		logger.Info("queues drained", "processed", result.Processed, "errors", result.Errors)
	default:
		return fmt.Errorf("unknown subcommand %q", os.Args[1])
	}
	return nil
}
