// Package main implements the pitfeed entry point: delayed live-timing
// ingestion with replay, calibration and NATS publication.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/pitfeed/config"
	"github.com/c360/pitfeed/engine"
	"github.com/c360/pitfeed/metric"
	"github.com/c360/pitfeed/natsclient"
	"github.com/c360/pitfeed/sink"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "pitfeed"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := setupLogger(cfg.SlogLevel(), cliCfg.LogFormat)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	slog.Info("Starting pitfeed",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath,
		"live_data", cfg.EnableLiveData,
		"replay_mode", cfg.ReplayMode)

	ctx := context.Background()
	registry := metric.NewRegistry()

	out, natsClient, err := setupSink(ctx, cfg, logger, registry.Core)
	if err != nil {
		return err
	}
	if natsClient != nil {
		defer func() { _ = natsClient.Close() }()
	}

	eng := engine.NewEngine(cfg, out, logger, registry.Core)

	stopMetrics := serveMetrics(cfg, registry, eng)
	defer stopMetrics()

	return runWithSignalHandling(ctx, eng, cliCfg.ShutdownTimeout)
}

// setupSink connects the NATS publication sink, or falls back to the
// in-process sink when no NATS URL is configured.
func setupSink(ctx context.Context, cfg *config.Config, logger *slog.Logger,
	core *metric.Core) (sink.Sink, *natsclient.Client, error) {
	if cfg.NATS.URL == "" {
		logger.Info("NATS publication disabled, using in-process sink")
		return sink.NewMemory(), nil, nil
	}

	opts := []natsclient.Option{
		natsclient.WithLogger(logger),
		natsclient.WithName(cfg.NATS.Name),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait),
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}

	client, err := natsclient.NewClient(cfg.NATS.URL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create NATS client: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Connect(connCtx); err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return sink.NewNATS(client, logger, core), client, nil
}

// serveMetrics exposes /metrics and /healthz. Returns a shutdown func.
func serveMetrics(cfg *config.Config, registry *metric.Registry, eng *engine.Engine) func() {
	if cfg.MetricsAddr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", registry.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		status := eng.Status()
		if !status.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_, _ = fmt.Fprintf(w, "mode=%s connected=%t\n", status.Mode, status.Connected)
	})

	server := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("metrics endpoint listening", "addr", cfg.MetricsAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", "error", err)
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}
}

// runWithSignalHandling starts the engine and blocks until a shutdown signal.
func runWithSignalHandling(ctx context.Context, eng *engine.Engine, shutdownTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := eng.Start(signalCtx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	slog.Info("pitfeed started")

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	if err := eng.Stop(shutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	slog.Info("pitfeed shutdown complete")
	return nil
}
