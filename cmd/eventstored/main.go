// eventstored hosts the read path and subscription runtime over an
// in-memory storage engine: a small, self-contained process useful for
// local development and for exercising the runtime end-to-end.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lumadb/eventstore/pkg/config"
	"github.com/lumadb/eventstore/pkg/eventstore"
	"github.com/lumadb/eventstore/pkg/memengine"
	"github.com/lumadb/eventstore/pkg/sink"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadConfig(*configPath)
		if err != nil {
			logger.Fatal("Failed to load config", zap.Error(err))
		}
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid config", zap.Error(err))
	}

	logger.Info("Starting eventstored",
		zap.String("log_name", cfg.LogName),
		zap.Int("metadata_cache_max_size", cfg.MetadataCacheMaxSize),
		zap.Int("gap_reload_interval_ms", cfg.GapReloadIntervalMs),
	)

	engine := memengine.New()

	store, err := eventstore.NewReadOnlyStore(engine,
		eventstore.WithLogger(logger),
		eventstore.WithMetadataCacheExpiry(cfg.MetadataCacheExpiry()),
		eventstore.WithMetadataCacheMaxSize(cfg.MetadataCacheMaxSize),
		eventstore.WithGapReloadInterval(cfg.GapReloadInterval()),
		eventstore.WithPollInterval(cfg.PollInterval()),
		eventstore.WithSubscriptionBatchSize(cfg.SubscriptionBatchSize),
		eventstore.WithNotifierBufferSize(cfg.NotifierBufferSize),
	)
	if err != nil {
		logger.Fatal("Failed to create store", zap.Error(err))
	}

	mirror, err := sink.NewRedpandaMirror(cfg.RedpandaBrokers, "eventstore.streams_updated", logger)
	if err != nil {
		logger.Error("Failed to create Redpanda mirror, continuing without it", zap.Error(err))
	}

	mirrorCtx, mirrorCancel := context.WithCancel(context.Background())
	if mirror != nil {
		go mirror.Run(mirrorCtx, store.Notifier())
	}

	scheduler := cron.New(cron.WithSeconds())
	_, err = scheduler.AddFunc("*/30 * * * * *", func() {
		head, herr := store.ReadHeadPosition(context.Background())
		if herr != nil {
			logger.Warn("Stats job: failed to read head position", zap.Error(herr))
			return
		}
		logger.Info("eventstore stats",
			zap.Int64("head_position", head),
			zap.Int("subscription_count", store.SubscriptionCount()),
			zap.Int("metadata_cache_size", store.MetadataCacheSize()),
		)
	})
	if err != nil {
		logger.Fatal("Failed to schedule stats job", zap.Error(err))
	}
	scheduler.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Shutting down...")

	scheduler.Stop()
	mirrorCancel()
	if mirror != nil {
		mirror.Close()
	}
	if err := store.Dispose(); err != nil {
		logger.Error("Error during store disposal", zap.Error(err))
	}

	logger.Info("Shutdown complete")
}
