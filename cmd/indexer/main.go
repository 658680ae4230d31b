package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/soundchain/notifier/internal/cache"
	"github.com/soundchain/notifier/internal/db"
	"github.com/soundchain/notifier/internal/digest"
	"github.com/soundchain/notifier/internal/discovery"
	"github.com/soundchain/notifier/internal/indexer"
	"github.com/soundchain/notifier/internal/jobs"
	"github.com/soundchain/notifier/internal/push"
	"github.com/soundchain/notifier/pkg/config"
	"github.com/soundchain/notifier/pkg/logging"
	"github.com/soundchain/notifier/pkg/telemetry"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := logging.InitLogger(&cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	logger := logging.GetLogger()
	logger.Info("Starting notification indexer")

	// Initialize telemetry
	telemetryShutdown, err := telemetry.Init(&cfg.Telemetry)
	if err != nil {
		logger.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	defer telemetryShutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.New(&cfg.Database, cfg.Logging.Level)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	if err := db.Migrate(ctx, database); err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}
	st := db.NewStore(database)

	redisCache, err := cache.New(&cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to redis", zap.Error(err))
	}
	if redisCache != nil {
		defer redisCache.Close()
	} else {
		logger.Warn("Redis disabled, cursor is kept in memory and queues are not locked")
	}
	checkpoints := cache.NewCursorStore(redisCache, cfg.Indexer.GenesisBlock)
	locker := cache.NewLocker(redisCache)

	source, err := discovery.New(&cfg.Discovery)
	if err != nil {
		logger.Fatal("Failed to create discovery client", zap.Error(err))
	}

	publisher, err := push.New(ctx, &cfg.Push)
	if err != nil {
		logger.Fatal("Failed to create push publisher", zap.Error(err))
	}
	defer publisher.Close()

	processor := indexer.NewBatchProcessor(st, source, checkpoints, cfg.Indexer.MaxListenTracks)
	loop := indexer.NewSync(&cfg.Indexer, processor, checkpoints, publisher, locker)

	handles := []*jobs.Handle{loop.Start(ctx)}

	if cfg.Digest.Enabled {
		scheduler := digest.NewScheduler(&cfg.Digest, st, digest.NewMailer(&cfg.Digest), locker, cfg.Indexer.QueueLockTTL)
		handles = append(handles, scheduler.Start(ctx))
		logger.Info("Digest scheduler started", zap.Duration("interval", cfg.Digest.Interval))
	}

	logger.Info("Indexer running",
		zap.String("discovery_url", cfg.Discovery.URL),
		zap.Duration("poll_interval", cfg.Indexer.PollInterval))

	<-ctx.Done()
	logger.Info("Shutting down indexer...")

	for _, h := range handles {
		h.Stop()
		if err := h.Wait(); err != nil {
			logger.Warn("Queue exited with error", zap.Error(err))
		}
	}

	logger.Info("Indexer exited")
}
