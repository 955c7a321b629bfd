// Package main provides the fleetd binary entry point.
// Fleetd orchestrates a fleet of service robots against the AutoXing
// dispatch API: task queueing, protocol-based workflows and robot state
// monitoring.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"

	"github.com/fleetworks/fleetd/autoxing"
	"github.com/fleetworks/fleetd/bus"
	"github.com/fleetworks/fleetd/config"
	"github.com/fleetworks/fleetd/metrics"
	"github.com/fleetworks/fleetd/orchestrator"
	"github.com/fleetworks/fleetd/poi"
	"github.com/fleetworks/fleetd/robot"
	"github.com/fleetworks/fleetd/safety"
	"github.com/fleetworks/fleetd/storage"
	"github.com/fleetworks/fleetd/workflow"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "fleetd"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "fleetd",
		Short: "Robot fleet workflow orchestrator",
		Long: `Fleetd orchestrates a fleet of service robots against the AutoXing
dispatch API.

It provides:
- Task queueing with instant and delayed scheduling
- Protocol-based workflows (ordering, delivery, cleanup, billing)
- POI resolution from symbolic targets to map coordinates
- Background robot state monitoring with change events

State lives in NATS JetStream KV; events flow over an internal bus.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(configPath, logLevel string) error {
	// Configure logging
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	// Entity storage: JetStream KV when a NATS URL is configured,
	// in-memory otherwise.
	store, cleanup, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	// Event bus and metrics
	eventBus := bus.New(bus.WithLogger(logger))
	metrics.NewCollector(eventBus).Start(signalCtx)

	// Safe mode guard
	guard := safety.NewGuard(
		safety.WithMarkerPath(cfg.Safety.MarkerPath),
		safety.WithLogger(logger),
	)
	if err := guard.Watch(signalCtx); err != nil {
		logger.Warn("Safe mode marker watch unavailable", "error", err)
	}

	// Vendor client and robot services
	vendor := autoxing.NewClient(cfg.AutoXing, autoxing.WithLogger(logger))
	robots := robot.NewService(vendor)
	cache := robot.NewCache()
	poller := robot.NewPoller(robots, cache, eventBus, cfg.Robots.IDs,
		robot.WithInterval(cfg.Robots.PollInterval),
		robot.WithPollerLogger(logger),
	)

	// Workflow engine
	resolver := poi.NewResolver(robots, store)
	engine := workflow.NewEngine(store, workflow.NewPlanner(resolver), robots, vendor,
		workflow.WithPublisher(eventBus),
		workflow.WithSafety(guard),
		workflow.WithLogger(logger),
		workflow.WithAutoReassign(cfg.Workflow.AutoReassignOnOffline),
	)

	// Orchestrator
	orch := orchestrator.New(store, engine,
		orchestrator.WithPublisher(eventBus),
		orchestrator.WithLogger(logger),
		orchestrator.WithInterval(cfg.Orchestrator.TickInterval),
	)

	// Metrics endpoint
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{
		Addr:              cfg.Server.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", "error", err)
		}
	}()

	poller.Start(signalCtx)
	orch.Start(signalCtx)

	slog.Info("Fleetd ready",
		"version", Version,
		"robots", len(cfg.Robots.IDs),
		"safe_mode", guard.Enabled(),
		"auto_reassign", cfg.Workflow.AutoReassignOnOffline)

	// Block until shutdown signal
	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	orch.Stop()
	poller.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Metrics server shutdown failed", "error", err)
	}

	slog.Info("Fleetd shutdown complete")
	return nil
}

func loadConfig(configPath string, logger *slog.Logger) (*config.Config, error) {
	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		cfg.ApplyEnv()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.NewLoader(logger).Load()
}

// openStore returns the configured Store plus a cleanup func.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, func(), error) {
	if cfg.NATS.URL == "" {
		logger.Warn("No NATS URL configured, using in-memory storage")
		return storage.NewMemStore(), func() {}, nil
	}

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create JetStream context: %w", err)
	}

	store, err := storage.NewKVStore(ctx, js)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create KV store: %w", err)
	}

	logger.Info("Connected to NATS", "url", cfg.NATS.URL)
	return store, nc.Close, nil
}
