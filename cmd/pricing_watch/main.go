package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"pricing_sync/internal/config"
	"pricing_sync/internal/core"
	"pricing_sync/internal/infrastructure/health"
	"pricing_sync/internal/infrastructure/metrics"
	"pricing_sync/internal/pricing"
	"pricing_sync/internal/quote"
	"pricing_sync/pkg/apperrors"
	"pricing_sync/pkg/logging"
	"pricing_sync/pkg/retry"
	"pricing_sync/pkg/telemetry"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/pricing_watch.yaml", "Path to configuration file")
	quoteID := flag.String("quote", "", "Quote ID to join (required)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("pricing_watch version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}
	if *quoteID == "" {
		fmt.Fprintln(os.Stderr, "Usage: pricing_watch -quote <quote-id> [-config <path>]")
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting pricing_watch",
		"version", version,
		"quote_id", *quoteID,
		"websocket_url", cfg.Pricing.WebsocketURL,
	)

	tel, err := telemetry.Setup("pricing_sync")
	if err != nil {
		logger.Warn("Failed to initialize telemetry", "error", err)
	} else {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			tel.Shutdown(ctx)
		}()
		if err := telemetry.GetGlobalMetrics().InitMetrics(telemetry.GetMeter("pricing_sync")); err != nil {
			logger.Warn("Failed to initialize metrics", "error", err)
		}
	}

	snapshots, err := openSnapshotStore(cfg, logger)
	if err != nil {
		logger.Error("Failed to open snapshot store", "error", err)
		os.Exit(1)
	}

	healthManager := health.NewHealthManager(logger)

	var metricsServer *metrics.Server
	if cfg.Telemetry.EnableMetrics {
		metricsServer = metrics.NewServer(cfg.Telemetry.MetricsPort, logger)
		metricsServer.SetHealthManager(healthManager)
		metricsServer.Start()
	}

	if err := run(cfg, *quoteID, snapshots, healthManager, logger); err != nil {
		logger.Error("pricing_watch exited with error", "error", err)
		os.Exit(1)
	}

	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsServer.Stop(ctx)
	}
	logger.Info("pricing_watch shut down cleanly")
}

func run(cfg *config.Config, quoteID string, snapshots pricing.SnapshotStore, healthManager *health.HealthManager, logger core.ILogger) error {
	store := pricing.NewStore(logger)
	tracker := pricing.NewCorrelationTracker()

	reconciler := pricing.NewReconciler(store, cfg.Pricing.RestBaseURL, logger)
	reconciler.SetRetryPolicy(retry.Policy{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: time.Duration(cfg.Retry.InitialBackoffMS) * time.Millisecond,
		MaxJitter:      time.Duration(cfg.Retry.MaxJitterMS) * time.Millisecond,
	})

	transport := pricing.NewTransport(store, tracker, reconciler, pricing.TransportOptions{
		URL:                cfg.Pricing.WebsocketURL,
		DebounceWindow:     cfg.DebounceWindow(),
		ReconnectWait:      cfg.ReconnectDelay(),
		PingInterval:       time.Duration(cfg.Pricing.PingIntervalSec) * time.Second,
		ApplyQueueCapacity: cfg.Pricing.ApplyQueueCapacity,
		AutoReconcile:      cfg.Pricing.AutoReconcile,
		OnLatencySample: func(ms float64) {
			logger.Debug("Server recompute latency", "latency_ms", ms)
		},
	}, logger)
	defer transport.Close()

	healthManager.Register("pricing_channel", func() error {
		if !transport.Connected() {
			return apperrors.ErrNotConnected
		}
		return nil
	})
	healthManager.Register("pricing_store", func() error {
		if store.DriftDetected() {
			return fmt.Errorf("pricing drift unrepaired")
		}
		return nil
	})

	// Warm the store from a prior session snapshot, then overlay the
	// authoritative summary.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if snap, err := snapshots.Load(ctx, quoteID); err == nil {
		store.Restore(snap)
		logger.Info("Restored session snapshot", "quote_id", quoteID, "items", len(snap.Items))
	}

	store.SetQuoteID(quoteID)
	summaries := quote.NewSummaryClient(cfg.Pricing.RestBaseURL, nil, logger)
	if items, err := summaries.FetchSummary(ctx, quoteID); err != nil {
		logger.Warn("Summary hydrate failed, continuing with live stream only", "error", err)
	} else {
		store.HydrateFromSummary(items)
		logger.Info("Hydrated from quote summary", "items", len(items))
	}

	transport.Connect()
	if err := transport.JoinQuote(quoteID); err != nil {
		logger.Warn("Join deferred until connection is established", "error", err)
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		// Periodic snapshot autosave so a crash loses at most one interval.
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				saveSnapshot(snapshots, store, logger)
			}
		}
	})
	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				telemetry.GetGlobalMetrics().SetItemsTracked(quoteID, int64(len(store.ItemIDs())))
			}
		}
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Received shutdown signal")

	saveSnapshot(snapshots, store, logger)
	return nil
}

func saveSnapshot(snapshots pricing.SnapshotStore, store *pricing.Store, logger core.ILogger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := snapshots.Save(ctx, store.Snapshot()); err != nil {
		logger.Warn("Failed to persist session snapshot", "error", err)
	}
}

func openSnapshotStore(cfg *config.Config, logger core.ILogger) (pricing.SnapshotStore, error) {
	switch cfg.Snapshot.Backend {
	case "sqlite":
		logger.Info("Using sqlite snapshot store", "path", cfg.Snapshot.Path)
		return pricing.NewSQLiteSnapshotStore(cfg.Snapshot.Path)
	default:
		return pricing.NewMemorySnapshotStore(), nil
	}
}
