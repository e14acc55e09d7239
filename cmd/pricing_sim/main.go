package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"pricing_sync/internal/pricing"
	"pricing_sync/internal/simulator"
	"pricing_sync/pkg/logging"
)

func main() {
	addr := flag.String("addr", ":3000", "Listen address")
	logLevel := flag.String("log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	updateDelay := flag.Duration("update-delay", 30*time.Millisecond, "Delay between optimistic push and confirmed update")
	dropUpdates := flag.Bool("drop-updates", false, "Suppress confirmed updates (forces client drift)")
	duplicateUpdates := flag.Bool("duplicate-updates", false, "Send every confirmed update twice")
	recalcFailStatus := flag.Int("recalc-fail-status", 0, "HTTP status for injected REST recalculate failures (0 disables)")
	recalcFailCount := flag.Int("recalc-fail-count", 0, "Number of REST failures before recovery (0 means forever)")
	ratePerConn := flag.Float64("rate-per-conn", 0, "Recalc commands per second per connection (0 disables limiting)")
	seedQuote := flag.String("seed-quote", "demo-quote", "Quote ID to seed with sample items")
	seedItems := flag.Int("seed-items", 3, "Number of sample items in the seeded quote")
	flag.Parse()

	logger, err := logging.NewZapLogger(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	sim := simulator.New(simulator.Options{
		UpdateDelay:      *updateDelay,
		DropUpdates:      *dropUpdates,
		DuplicateUpdates: *duplicateUpdates,
		RecalcFailStatus: *recalcFailStatus,
		RecalcFailCount:  *recalcFailCount,
		RatePerConn:      rate.Limit(*ratePerConn),
		RateBurst:        3,
	}, logger)
	defer sim.Stop()

	if *seedQuote != "" {
		items := make([]pricing.SummaryItem, 0, *seedItems)
		for i := 0; i < *seedItems; i++ {
			items = append(items, pricing.SummaryItem{ID: fmt.Sprintf("item-%d", i+1)})
		}
		sim.SeedQuote(*seedQuote, items)
		logger.Info("Seeded quote", "quote_id", *seedQuote, "items", len(items))
	}

	srv := &http.Server{
		Addr:    *addr,
		Handler: sim.Handler(),
	}

	go func() {
		logger.Info("Pricing simulator listening", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Simulator server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received shutdown signal", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("Simulator shutdown error", "error", err)
	}
}
