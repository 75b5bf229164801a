package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"go.uber.org/zap"

	"github.com/mixelka/aggregram/internal/aggregate"
	"github.com/mixelka/aggregram/internal/botfactory"
	"github.com/mixelka/aggregram/internal/config"
	"github.com/mixelka/aggregram/internal/crypto"
	"github.com/mixelka/aggregram/internal/database"
	"github.com/mixelka/aggregram/internal/events"
	"github.com/mixelka/aggregram/internal/health"
	"github.com/mixelka/aggregram/internal/queue"
	"github.com/mixelka/aggregram/internal/scheduler"
	"github.com/mixelka/aggregram/internal/session"
	"github.com/mixelka/aggregram/internal/telegram/gotd"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting aggregram")

	// Connect to database
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Run migrations
	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations completed")

	codec, err := crypto.NewCodec(cfg.EncryptionKey)
	if err != nil {
		logger.Error("failed to init encryption", "error", err)
		os.Exit(1)
	}

	// Create components
	bus := events.NewBus()
	factory := gotd.NewFactory(cfg.TelegramAPIID, cfg.TelegramAPIHash, cfg.SessionDir, mtprotoLogger(cfg.LogLevel))

	sessions := session.NewManager(db, factory, codec, bus, session.Config{
		RestorationCooldown: cfg.RestorationCooldown,
		RestorationTimeout:  cfg.RestorationTimeout,
	}, logger)

	bots := botfactory.New(db, codec, sessions, logger)
	sessions.SetProvisioner(bots)

	q := queue.New(db, cfg.QueuePollInterval, logger)
	sched := scheduler.New(db, q, logger)

	fetchWorker := aggregate.NewFetchWorker(db, sessions, q, logger)
	postWorker := aggregate.NewPostWorker(db, sessions, aggregate.BotSourceFunc(
		func(ctx context.Context, userID string) (aggregate.BotAPI, error) {
			return bots.BotClient(ctx, userID)
		},
	), cfg.RelayDelay, logger)
	provisioner := aggregate.NewProvisioner(db, sessions, q, sched, logger)

	q.Handle(queue.KindFetch, cfg.FetchWorkers, fetchWorker.Handle)
	q.Handle(queue.KindPost, cfg.PostWorkers, postWorker.Handle)
	q.Handle(queue.KindChannel, 1, provisioner.Handle)

	// Log session lifecycle events
	bus.Subscribe(events.TopicAuthSuccess, func(e events.UserEvent) {
		logger.Info("session authorized", "user_id", e.UserID)
	})
	bus.Subscribe(events.TopicSessionExpired, func(e events.UserEvent) {
		logger.Warn("session expired, re-authentication required", "user_id", e.UserID)
	})
	bus.Subscribe(events.TopicSetupComplete, func(e events.UserEvent) {
		logger.Info("user setup complete", "user_id", e.UserID)
	})

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		logger.Info("received shutdown signal", "signal", sig)
		logger.Info("shutting down...")
		cancel()
	}()

	// Install triggers for feeds that were active before the restart
	if err := sched.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	// Reconnect sessions that were live before the restart
	sessions.RestoreAll(ctx)

	if err := q.Start(ctx); err != nil {
		logger.Error("failed to start queue", "error", err)
		os.Exit(1)
	}

	// Periodic pipeline snapshot
	checker := health.NewChecker(db, sessions, q, logger)
	go reportPipeline(ctx, checker, logger)

	logger.Info("aggregram is running, press Ctrl+C to stop")
	<-ctx.Done()

	q.Stop()
	sched.Stop()
	sessions.StopAll()
	logger.Info("aggregram stopped")
}

func reportPipeline(ctx context.Context, checker *health.Checker, logger *slog.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depths, err := checker.Queues(ctx)
			if err != nil {
				logger.Warn("queue depth check failed", "error", err)
				continue
			}
			logger.Info("pipeline health", "queue_depths", depths)
		}
	}
}

func setupLogger(level, format string) *slog.Logger {
	var handler slog.Handler
	logLevel := parseLevel(level)

	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		})
	} else {
		// Pretty colored output for console
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.DateTime,
			NoColor:    false,
		})
	}

	return slog.New(handler)
}

// mtprotoLogger builds the zap logger the MTProto library expects. It stays
// quiet unless the app itself runs at debug level.
func mtprotoLogger(level string) *zap.Logger {
	if level != "debug" {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
