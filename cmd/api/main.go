package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/vehiclecount/internal/api"
	"github.com/timmy/vehiclecount/internal/app"
	"github.com/timmy/vehiclecount/internal/config"
	"github.com/timmy/vehiclecount/internal/logger"
	"github.com/timmy/vehiclecount/internal/queue"
	"github.com/timmy/vehiclecount/internal/repository"
	"github.com/timmy/vehiclecount/internal/service"
)

func main() {
	// Support CONFIG_PATH environment variable for production deployments
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger := logger.NewFromEnv(logger.LoadFromEnv("vehiclecount-api"))
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}
	sqlDB, err := db.DB()
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to access database handle")
	}
	defer sqlDB.Close()

	jobs, err := app.NewQueue(cfg.Queue, db)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize queue")
	}
	if cfg.Queue.Backend == "memory" && !cfg.Queue.EmbeddedWorkers {
		appLogger.Warn("Memory queue without embedded workers: enqueued jobs will never run")
	}

	// Embedded workers share this process's queue; used for single-binary deployments.
	var pool *queue.Pool
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	if cfg.Queue.EmbeddedWorkers {
		pool, err = app.NewWorkerPool(workerCtx, cfg, db, jobs, appLogger)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to initialize embedded workers")
		}
		pool.Start(workerCtx)
	}

	videos := repository.NewVideoRepository(db)
	counts := repository.NewVehicleCountRepository(db)
	router := api.SetupRouter(api.Services{
		Dispatcher: service.NewDispatcher(jobs, videos),
		Status:     service.NewStatusService(jobs, counts),
		DB:         sqlDB,
	}, cfg.Server, appLogger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port":             cfg.Server.Port,
			"mode":             cfg.Server.Mode,
			"queue":            cfg.Queue.Backend,
			"embedded_workers": cfg.Queue.EmbeddedWorkers,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}

	if pool != nil {
		// Stop claiming; jobs already running finish first.
		stopWorkers()
		pool.Wait()
	}

	appLogger.Info("Server exited")
}
