package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/yangwenmai/charseed/internal/app"
	"github.com/yangwenmai/charseed/internal/config"
	"github.com/yangwenmai/charseed/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("init app", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	// Graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("charseed started",
		"driver", cfg.Database.Driver,
		"platform", cfg.Source.Platform,
		"curation_cron", cfg.Scheduler.CurationCron,
		"batch_cron", cfg.Scheduler.BatchCron,
		"timezone", cfg.Scheduler.Location().String(),
		"daily_ceiling", cfg.Scheduler.DailyCeiling)

	a.Run(ctx)
	logger.Info("shutting down")
}
