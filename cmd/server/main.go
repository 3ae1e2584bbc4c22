package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"runstream/internal/checkpoint"
	"runstream/internal/config"
	"runstream/internal/hub"
	"runstream/internal/logger"
	"runstream/internal/orchestrator"
	"runstream/internal/realtime"
	"runstream/internal/session"
	"runstream/internal/watcher"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "Usage: runstream [flags]\n\n%s", config.Usage())
			return nil
		}
		return err
	}

	if err := logger.Init(logger.Options{Path: cfg.LogFile, Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Close()
	log := logger.WithComponent("server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := session.NewRegistry[orchestrator.Process](session.Options{
		IdleTimeout:   cfg.IdleTimeout,
		SweepInterval: cfg.SweepInterval,
	})
	streams := hub.New(hub.Options{HistorySize: cfg.HistorySize})

	detector, err := checkpoint.New(streams, checkpoint.Options{Extra: cfg.CheckpointPatterns})
	if err != nil {
		return err
	}

	opts := orchestrator.Options{
		Launcher: orchestrator.PTYLauncher{ReplayBytes: cfg.ReplayBytes},
		Registry: registry,
		Hub:      streams,
		Detector: detector,
	}
	var files *watcher.Watcher
	if cfg.WatchWorkspace {
		files = watcher.New(watcher.Options{Debounce: cfg.WatchDebounce})
		opts.Watcher = files
	}
	orch := orchestrator.New(orchestrator.Config{
		Binary:       cfg.Binary,
		AllowedTools: cfg.AllowedTools,
		ExtraArgs:    cfg.ExtraArgs,
		Timeout:      cfg.RunTimeout,
		PollInterval: cfg.PollInterval,
		Rows:         uint16(cfg.Rows),
		Cols:         uint16(cfg.Cols),
	}, opts)

	if err := orch.Probe(); err != nil {
		log.Warn("CLI binary not available; runs will fail until it is installed", "binary", cfg.Binary, "error", err)
	}

	// Runs outlive the connections that start them but not the server.
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()

	rtServer := realtime.New(realtime.Options{
		Orchestrator: orch,
		Hub:          streams,
		Registry:     registry,
		BaseContext:  runCtx,
		PingInterval: cfg.PingInterval,
	})

	httpServer := &http.Server{
		Addr:    cfg.Listen,
		Handler: rtServer.Handler(),
	}

	go registry.Run(ctx)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("runstream server listening", "addr", cfg.Listen)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	rtServer.Close()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Warn("runs still active at shutdown", "error", err)
	}
	cancelRuns()
	if files != nil {
		files.Shutdown()
	}
	registry.Shutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
		httpServer.Close()
	}
	return nil
}
