package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/AltairaLabs/session-supervisor/internal/worker"
)

var (
	version       = flag.Bool("version", false, "Print version and exit")
	debug         = flag.Bool("debug", false, "Enable debug logging")
	approvalDelay = flag.Duration("approval-delay", 0, "Override how long scan approval takes")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Println("Session Worker v0.1.0")
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := worker.ConfigFromEnv(os.Getenv)
	if err != nil {
		logger.Error("Invalid worker environment", "error", err)
		os.Exit(2)
	}
	cfg.Logger = logger
	if *approvalDelay > 0 {
		cfg.ApprovalDelay = *approvalDelay
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting session worker", "tenant_id", cfg.TenantID, "artifact_dir", cfg.ArtifactDir)
	if err := worker.NewClient(cfg, nil).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Worker failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Session worker stopped")
}
