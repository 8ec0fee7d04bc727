package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/voiceguard/internal/bus"
	"github.com/loqalabs/voiceguard/internal/classifier"
	"github.com/loqalabs/voiceguard/internal/config"
	"github.com/loqalabs/voiceguard/internal/detector"
	"github.com/loqalabs/voiceguard/internal/eventstore"
	"github.com/loqalabs/voiceguard/internal/fleet"
	"github.com/loqalabs/voiceguard/internal/natsserver"
	"github.com/loqalabs/voiceguard/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "voiceguard.yaml", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Telemetry.LogLevel)}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("voiceguardd exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	shutdownTelemetry, metricsHandler, err := runtime.SetupTelemetry(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	model, err := classifier.Load(cfg.Model.Path)
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	logger.Info("model loaded",
		slog.String("path", cfg.Model.Path),
		slog.Int("trees", len(model.Trees)),
		slog.Any("feature_order", model.FeatureOrder))

	store, err := eventstore.Open(ctx, cfg.EventStore, logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer store.Close()
	go pruneLoop(ctx, store, logger)

	var (
		busClient  *bus.Client
		busService *detector.BusService
	)
	if cfg.Bus.Enabled {
		embedded, err := natsserver.Start(cfg.Bus, logger)
		if err != nil {
			return err
		}
		defer embedded.Shutdown()

		busCfg := cfg.Bus
		if embedded != nil {
			busCfg.Servers = []string{embedded.ClientURL()}
		}
		busClient, err = bus.Connect(ctx, busCfg, logger)
		if err != nil {
			return err
		}
		defer busClient.Close()
	}

	det, err := detector.NewService(cfg, model, store, busClient, logger)
	if err != nil {
		return err
	}

	rt := runtime.New(cfg, det, store, metricsHandler, logger)
	if busClient != nil {
		busService = detector.NewBusService(ctx, cfg.Bus, busClient, det, logger)
		if err := busService.Start(); err != nil {
			return err
		}
		defer busService.Close()
		rt.AddReadinessCheck("bus", busService.Healthy)

		registry, err := fleet.NewRegistry(ctx, cfg.Node, version, fleet.ModelOf(model), busClient, logger)
		if err != nil {
			return err
		}
		defer registry.Close()
		rt.SetPeers(registry)
		rt.AddReadinessCheck("fleet", registry.Healthy)
	}

	return rt.Start(ctx)
}

func pruneLoop(ctx context.Context, store *eventstore.Store, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Prune(ctx); err != nil {
				logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
