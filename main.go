// Command price-watch runs the observation-to-event engine: on the
// configured nominal interval it drives a crawl session across every
// wired store adapter, merges samples into the History Store, detects
// price/stock transitions, and dispatches notifications. Subcommands
// expose the operator-invoked backfill/rebuild/outlier-removal
// operations spec.md §4.5 and §1 permit outside steady-state ingest.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"price-watch/internal/backfill"
	"price-watch/internal/config"
	"price-watch/internal/ingest"
	"price-watch/internal/logger"
	"price-watch/internal/notify"
	"price-watch/internal/schedule"
	"price-watch/internal/store"
)

var version = "dev"

// loadDotEnv loads environment variables from a local .env file so that
// a binary launched outside a shell (cron, systemd, double-click) can
// still pick up secrets. Order of lookup:
//  1. ./.env (current working directory)
//  2. <binary-dir>/.env
//
// Existing OS env vars are never overridden.
func loadDotEnv() {
	paths := []string{".env"}

	if exePath, err := os.Executable(); err == nil {
		if exeDir := filepath.Dir(exePath); exeDir != "" {
			paths = append(paths, filepath.Join(exeDir, ".env"))
		}
	}

	seen := make(map[string]bool)

	for _, p := range paths {
		if seen[p] {
			continue
		}
		seen[p] = true

		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		lines := strings.Split(string(data), "\n")
		for _, line := range lines {
			l := strings.TrimSpace(line)
			if l == "" || strings.HasPrefix(l, "#") {
				continue
			}
			parts := strings.SplitN(l, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			if key == "" {
				continue
			}
			if os.Getenv(key) == "" {
				os.Setenv(key, val)
			}
		}
	}
}

func main() {
	loadDotEnv()

	configPath := flag.String("config", "config.yaml", "path to config.yaml")
	itemPacing := flag.Duration("item-pacing", 2*time.Second, "pacing delay between items within one store")
	flag.Parse()

	mode := "run"
	if flag.NArg() > 0 {
		mode = flag.Arg(0)
	}

	logger.Banner(version)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Config", fmt.Sprintf("Failed to load %s: %v", *configPath, err))
		os.Exit(1)
	}

	s, err := store.OpenPath(cfg.DBPath)
	if err != nil {
		logger.Error("Store", fmt.Sprintf("Failed to open database: %v", err))
		os.Exit(1)
	}
	defer s.Close()

	switch mode {
	case "run":
		runCrawlLoop(s, cfg, *itemPacing)
	case "backfill":
		runBackfill(s, cfg, false)
	case "rebuild":
		runBackfill(s, cfg, true)
	case "backfill-urls":
		runBackfillURLs(s)
	case "remove-outliers":
		runRemoveOutliers(s, cfg, flag.Args()[1:])
	default:
		logger.Error("Main", fmt.Sprintf("Unknown mode %q (want run, backfill, rebuild, backfill-urls, remove-outliers)", mode))
		os.Exit(1)
	}
}

// runCrawlLoop wires the Notification Gateway and ingest coordinator and
// runs the scheduler until a SIGINT/SIGTERM is received. Adapters
// (storefront-specific acquisition) are out of scope for the core
// (spec.md §1); this entrypoint runs with zero adapters registered by
// default, which is a valid-but-idle configuration a deployment extends
// by implementing schedule.Adapter for its stores.
func runCrawlLoop(s *store.Store, cfg *config.Config, itemPacing time.Duration) {
	gateway := notify.NewGateway(notify.Router{
		FailureTransport: notify.Console{},
		PriceTransport:   notify.Console{},
	})

	thresholdsFor := func(storeName string) ingest.Thresholds {
		return ingest.Thresholds{
			IgnoreHours:           cfg.IgnoreHours(),
			MinOutOfStockHours:    cfg.MinOutOfStockHours,
			DataRetrievalMinHours: cfg.DataRetrievalMinHours,
			LowestConfig:          cfg.LowestThreshold(),
			DropWindows:           cfg.DropWindows(),
			CurrencyRate:          cfg.CurrencyRate(storeName),
		}
	}

	coordinator := schedule.NewCoordinator(s, gateway, nil, thresholdsFor, itemPacing)
	scheduler := schedule.NewScheduler(cfg.Check.IntervalSec, coordinator)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := scheduler.Start(ctx); err != nil {
		logger.Error("Schedule", fmt.Sprintf("Failed to start scheduler: %v", err))
		os.Exit(1)
	}
	logger.Info("Schedule", fmt.Sprintf("Crawl session every %ds", cfg.Check.IntervalSec))

	<-ctx.Done()
	logger.Info("Main", "Shutting down gracefully...")
	scheduler.Stop()
	logger.Info("Main", "Stopped")
}

func backfillConfig(cfg *config.Config) backfill.Config {
	return backfill.Config{
		IgnoreHours:  cfg.IgnoreHours(),
		LowestConfig: cfg.LowestThreshold(),
		DropWindows:  cfg.DropWindows(),
		CurrencyRate: cfg.CurrencyRate,
	}
}

func runBackfill(s *store.Store, cfg *config.Config, rebuild bool) {
	b := backfill.New(s, backfillConfig(cfg))

	logger.Section("Backfill")
	var stats backfill.Stats
	var err error
	if rebuild {
		stats, err = b.Rebuild()
	} else {
		stats, err = b.Run()
	}
	if err != nil {
		logger.Error("Backfill", fmt.Sprintf("Failed: %v", err))
		os.Exit(1)
	}
	logger.Stats("Items scanned", stats.ItemsScanned)
	logger.Stats("lowest_price synthesized", stats.LowestPriceFound)
	logger.Stats("price_drop synthesized", stats.PriceDropFound)
	logger.Stats("already recorded", stats.AlreadyRecorded)
}

func runBackfillURLs(s *store.Store) {
	b := backfill.New(s, backfill.Config{})
	n, err := b.BackfillEventURLs()
	if err != nil {
		logger.Error("Backfill", fmt.Sprintf("Failed: %v", err))
		os.Exit(1)
	}
	logger.Success("Backfill", fmt.Sprintf("Backfilled url on %d event rows", n))
}

// runRemoveOutliers implements spec.md §1/§4.5's one permitted admin
// deletion operation, grounded on
// original_source/scripts/remove_outlier_prices.py. args is the item_key
// to clean, optionally followed by a threshold ratio override.
func runRemoveOutliers(s *store.Store, cfg *config.Config, args []string) {
	if len(args) < 1 {
		logger.Error("Outlier", "Usage: price-watch remove-outliers <item_key> [threshold_ratio]")
		os.Exit(1)
	}
	item, err := s.ItemByKey(args[0])
	if err != nil {
		logger.Error("Outlier", fmt.Sprintf("Lookup %s: %v", args[0], err))
		os.Exit(1)
	}

	ratio := cfg.Outlier.ThresholdRatio
	if len(args) > 1 {
		fmt.Sscanf(args[1], "%f", &ratio)
	}

	deleted, err := s.DeleteOutlierSamples(item.ID, ratio)
	if err != nil {
		logger.Error("Outlier", fmt.Sprintf("Failed: %v", err))
		os.Exit(1)
	}
	logger.Success("Outlier", fmt.Sprintf("%s: removed %d outlier samples (ratio=%.2f)", item.Name, deleted, ratio))
}
