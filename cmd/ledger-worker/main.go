package main

import (
	"context"
	"errors"
	"os"
	"time"

	"ledger/internal/cli"
	"ledger/internal/log"
	"ledger/internal/worker"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	cli.LoadEnvFile()

	cfg, err := cli.LoadConfig()
	if err != nil {
		log.New(log.DefaultConfig()).Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}
	logger := cli.SetupLogger(cfg, log.ComponentWorker)
	logger.Info("Starting ledger-worker")

	services, err := cli.Build(context.Background(), cfg)
	if err != nil {
		logger.Error("Failed to initialize services", "error", err)
		os.Exit(1)
	}

	var opts []worker.Option
	opts = append(opts, worker.WithJanitor(services.Janitor))
	if services.AMQP != nil {
		opts = append(opts, worker.WithConsumer(services.AMQP))
	} else {
		logger.Info("AMQP disabled, imports run on the poll interval only", "interval", cfg.ImportPollInterval)
	}

	scheduler := worker.New(services.Imports, services.Summaries, services.Backups, worker.Config{
		ImportPollInterval:  cfg.ImportPollInterval,
		SummaryInterval:     cfg.SummaryInterval,
		SummaryFullInterval: cfg.SummaryFullInterval,
		AutoCleanInterval:   cfg.AutoCleanInterval,
		AutoCleanRetainDays: cfg.AutoCleanRetainDays,
		BackupInterval:      cfg.BackupInterval,
		BackupCompress:      cfg.BackupCompress,
	}, opts...)

	stopped := make(chan struct{})
	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func() {
		// Let the running job notice the cancellation before closing the database.
		<-stopped
		if err := services.Close(); err != nil {
			logger.Error("Failed to close services", "error", err)
		}
	})

	if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Scheduler stopped", "error", err)
	}
	close(stopped)

	<-done
	logger.Info("Worker shutdown complete")
}
