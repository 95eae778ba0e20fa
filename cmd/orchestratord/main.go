// Command orchestratord runs the multi-account task orchestrator: it loads
// an account fleet from a config file, supervises each account's session,
// and serves dispatch over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	httpserver "github.com/agyc/orchestrator/internal/adapter/httpserver"
	"github.com/agyc/orchestrator/internal/adapter/observability"
	"github.com/agyc/orchestrator/internal/app"
	"github.com/agyc/orchestrator/internal/config"
	"github.com/agyc/orchestrator/internal/dispatcher"
	"github.com/agyc/orchestrator/internal/session"
)

var (
	configPath string
	logLevel   string
)

func main() {
	root := &cobra.Command{
		Use:     "orchestratord",
		Short:   "Run the multi-account task orchestrator",
		Version: "0.1.0",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to the orchestrator config file (JSON or YAML)")
	root.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	_ = root.MarkFlagRequired("config")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	logger := observability.SetupLogger(logLevel)
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	observability.InitMetrics()

	// Lifespan ordering (spec.md §9): the session fleet comes up first, the
	// dispatcher is built from its live handles, and teardown runs in the
	// reverse order (dispatcher, then sessions).
	mgr := session.NewManager(cfg.Accounts, nil)
	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = mgr.StartAll(startCtx, time.Duration(cfg.Dispatcher.HealthCheckIntervalSeconds)*time.Second)
	startCancel()
	if err != nil {
		return fmt.Errorf("starting sessions: %w", err)
	}

	d := dispatcher.New(cfg.Dispatcher, mgr.Handles())
	d.Start()

	srv := httpserver.NewServer(d)
	taskTimeout := time.Duration(cfg.Dispatcher.TaskTimeoutSeconds) * time.Second
	handler := app.BuildRouter(srv, taskTimeout)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.String("addr", httpSrv.Addr))
		errCh <- httpSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown error", slog.Any("error", err))
	}

	d.Stop()
	mgr.StopAll(shutdownCtx)
	return nil
}
