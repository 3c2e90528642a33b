// Command sweeper removes expired cache rows from the ledger table on the
// configured schedule. Run it with -once to sweep a single time and exit.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/dhima/ledger-bus/internal/cache"
	"github.com/dhima/ledger-bus/internal/logging"
	"github.com/dhima/ledger-bus/internal/scheduler"
	"github.com/dhima/ledger-bus/internal/storage"
	"github.com/dhima/ledger-bus/pkg/config"
	"go.uber.org/zap"
)

func main() {
	once := flag.Bool("once", false, "sweep once and exit")
	flag.Parse()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, storage.Dialect(cfg.DatabaseDriver), cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to open ledger store", zap.Error(err))
	}
	defer store.Close()

	ledgerCache := cache.NewLedgerCache(store,
		cache.WithPrefix(cfg.CachePrefix),
		cache.WithLookback(cfg.CacheLookback),
		cache.WithLogger(logger.Named("cache")),
	)

	engine := scheduler.NewEngine(logger)
	if err := engine.AddJob(scheduler.CleanupJobName, cfg.CacheCleanupSchedule,
		scheduler.NewCleanupJob(ledgerCache, logger)); err != nil {
		logger.Fatal("failed to register cleanup job", zap.Error(err))
	}

	if *once {
		if err := engine.RunNow(ctx, scheduler.CleanupJobName); err != nil {
			logger.Error("cache cleanup failed", zap.Error(err))
		}
		return
	}

	if err := engine.Run(ctx, 30*time.Second); err != nil {
		logger.Error("scheduler stopped with error", zap.Error(err))
	}
}
