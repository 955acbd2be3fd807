package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/timmy/vehiclecount/internal/app"
	"github.com/timmy/vehiclecount/internal/config"
	"github.com/timmy/vehiclecount/internal/logger"
	"github.com/timmy/vehiclecount/internal/repository"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger := logger.NewFromEnv(logger.LoadFromEnv("vehiclecount-worker"))
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	if cfg.Queue.Backend == "memory" {
		appLogger.Fatal("queue.backend=memory cannot be shared with the api process; use gorm")
	}

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	jobs, err := app.NewQueue(cfg.Queue, db)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize queue")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := app.NewWorkerPool(ctx, cfg, db, jobs, appLogger)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize worker pool")
	}

	appLogger.WithFields(logger.Fields{
		"workers":       cfg.Queue.Workers,
		"poll_interval": cfg.Queue.PollInterval.String(),
	}).Info("Starting counting workers")
	pool.Start(ctx)

	<-ctx.Done()
	appLogger.Info("Shutdown requested, waiting for running jobs")
	pool.Wait()
	appLogger.Info("Workers exited")
}
