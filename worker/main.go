package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"broadcast-dispatcher/pkg/config"
	"broadcast-dispatcher/pkg/database"
	"broadcast-dispatcher/pkg/dispatch"
	"broadcast-dispatcher/pkg/mq"
	"broadcast-dispatcher/pkg/observability"
	"broadcast-dispatcher/pkg/ratelimit"
	"broadcast-dispatcher/pkg/whatsapp"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		bootstrap := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootstrap.Error().Err(err).Msg("invalid configuration")
		return 1
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat).With().
		Str("worker_id", cfg.WorkerID).Str("topic", cfg.Topic).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbClient, err := database.New(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return 1
	}
	defer dbClient.Close()

	if cfg.InitSchema {
		if err := dbClient.InitSchema(ctx); err != nil {
			logger.Error().Err(err).Msg("failed to initialize schema")
			return 1
		}
	}

	opts := cfg.QueueOptions()
	opts.Log = logger
	consumer, err := mq.NewConsumer(cfg.QueueDriver, cfg.Brokers, opts)
	if err != nil {
		logger.Error().Err(err).Str("driver", cfg.QueueDriver).Msg("failed to connect to broker")
		return 1
	}
	defer consumer.Close()

	metrics := observability.StartMetricsServer(cfg.MetricsAddr, logger)

	sender := whatsapp.NewClient(whatsapp.Config{
		BaseURL:    cfg.ProviderBaseURL,
		APIVersion: cfg.ProviderAPIVersion,
		Timeout:    cfg.ProviderTimeout,
	})
	worker := dispatch.NewWorker(dbClient, sender, ratelimit.New, dispatch.Config{
		WorkerID:                 cfg.WorkerID,
		Topic:                    cfg.Topic,
		DefaultMessagesPerSecond: cfg.DefaultMessagesPerSecond,
		RateInterval:             cfg.RateInterval,
	}, logger)

	done := make(chan error, 1)
	go func() {
		done <- consumer.Run(ctx, worker.HandleDelivery)
	}()
	logger.Info().Str("group", cfg.GroupID()).Str("driver", cfg.QueueDriver).Msg("worker started. waiting for batches...")

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received, finishing current batch...")
		cancel()
		if err := <-done; err != nil {
			logger.Error().Err(err).Msg("consumer stopped with error")
		}
	case err := <-done:
		if err != nil {
			logger.Error().Err(err).Bool("connection_closed", errors.Is(err, mq.ErrConnectionClosed)).Msg("consumer stopped unexpectedly")
			exitCode = 1
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := metrics.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("metrics server shutdown")
	}
	logger.Info().Msg("worker stopped")
	return exitCode
}
