package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/AltairaLabs/session-supervisor/internal/coordinator/config"
	"github.com/AltairaLabs/session-supervisor/internal/ipc"
	"github.com/AltairaLabs/session-supervisor/internal/tools"
)

const (
	socketDirPerm       = 0o700
	grpcShutdownTimeout = 2 * time.Second
	httpShutdownTimeout = 5 * time.Second
	readHeaderTimeout   = 10 * time.Second
)

var serveMCP bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the supervisor (default)",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveMCP, "mcp", false, "Serve the operator MCP tools on stdio")
}

func runServe(cmd *cobra.Command, args []string) error {
	settings, err := config.LoadSettings(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(settings.LogLevel)

	logger.Info("Starting session supervisor",
		"version", serviceVersion,
		"store", settings.Store,
		"socket", settings.SocketPath,
		"worker_binary", settings.WorkerBinary,
		"artifact_root", settings.ArtifactRoot,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c, err := build(ctx, settings, reg, logger)
	if err != nil {
		return err
	}

	lis, err := listenSocket(ctx, settings.SocketPath)
	if err != nil {
		c.Close(logger)
		return err
	}
	grpcServer := grpc.NewServer()
	ipc.RegisterChannelServer(grpcServer, c.spawner)

	go func() {
		logger.Info("Accepting worker channels", "socket", settings.SocketPath)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("Worker channel server error", "error", err)
			cancel()
		}
	}()

	// records left by a previous run are settled before any new session
	if _, err := c.sup.Reconcile(ctx); err != nil {
		logger.Error("Startup reconciliation failed", "error", err)
	}

	go func() {
		if err := c.provider.Watch(ctx); err != nil {
			logger.Error("Config provider stopped", "error", err)
		}
	}()
	go c.sup.Run(ctx)

	metricsServer := &http.Server{
		Addr:              settings.MetricsAddr,
		Handler:           metricsHandler(reg),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	if settings.MetricsAddr != "" {
		go func() {
			logger.Info("Serving metrics", "addr", settings.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server error", "error", err)
			}
		}()
	}

	if serveMCP {
		operator := tools.NewOperatorServer(tools.Config{Name: serviceName, Version: serviceVersion}, c.sup, logger)
		go func() {
			logger.Info("Starting operator MCP server on stdio")
			if err := operator.ServeStdio(); err != nil {
				logger.Error("Operator MCP server error", "error", err)
			}
			cancel()
		}()
	}

	<-ctx.Done()
	logger.Info("Shutting down gracefully")

	// sessions keep their artifacts so they resume after restart
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		2*settings.Lifecycle.GracePeriod+httpShutdownTimeout)
	defer shutdownCancel()
	if err := c.sup.TerminateAll(shutdownCtx, true); err != nil {
		logger.Error("Failed to terminate sessions", "error", err)
	}

	stopGRPC(grpcServer, logger)

	httpCtx, httpCancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer httpCancel()
	if err := metricsServer.Shutdown(httpCtx); err != nil {
		logger.Warn("Metrics server shutdown failed", "error", err)
	}

	c.Close(logger)
	_ = os.Remove(settings.SocketPath)
	logger.Info("Supervisor shutdown complete")
	return nil
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// listenSocket binds the worker channel socket, replacing a stale one
func listenSocket(ctx context.Context, path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), socketDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale socket: %w", err)
	}
	listenConfig := net.ListenConfig{}
	lis, err := listenConfig.Listen(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	return lis, nil
}

// stopGRPC stops the server, forcing it once open streams outlast the timeout
func stopGRPC(s *grpc.Server, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Worker channel server stopped gracefully")
	case <-time.After(grpcShutdownTimeout):
		logger.Warn("Graceful shutdown timeout, forcing stop")
		s.Stop()
		<-done
	}
}
