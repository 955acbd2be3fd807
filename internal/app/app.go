// Package app wires configuration into the long-lived process components shared
// by the api and worker commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/timmy/vehiclecount/internal/config"
	"github.com/timmy/vehiclecount/internal/logger"
	"github.com/timmy/vehiclecount/internal/queue"
	"github.com/timmy/vehiclecount/internal/repository"
	"github.com/timmy/vehiclecount/internal/service"
	"github.com/timmy/vehiclecount/internal/storage"
	"github.com/timmy/vehiclecount/internal/tracker"
	"github.com/timmy/vehiclecount/internal/video"
	"gorm.io/gorm"
)

// NewQueue builds the job queue selected by queue.backend.
// Parameters:
//   - cfg: queue configuration section.
//   - db: database used by the gorm backend.
//
// Returns:
//   - queue.Queue: queue shared by producers and workers of this process.
//   - error: non-nil for an unknown backend.
func NewQueue(cfg config.QueueConfig, db *gorm.DB) (queue.Queue, error) {
	switch cfg.Backend {
	case "", "gorm":
		return queue.NewGormQueue(db), nil
	case "memory":
		return queue.NewMemoryQueue(), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

// NewWorkerPool assembles the counting pipeline, its job handler and the pool
// that drives it.
// Parameters:
//   - ctx: context for startup calls such as bucket checks.
//   - cfg: full configuration.
//   - db: database for result persistence.
//   - q: queue to claim jobs from.
//   - log: process logger.
//
// Returns:
//   - *queue.Pool: pool ready to Start.
//   - error: non-nil if a component cannot be created.
func NewWorkerPool(ctx context.Context, cfg *config.Config, db *gorm.DB, q queue.Queue, log *logger.Logger) (*queue.Pool, error) {
	opts, err := service.NewPipelineOptions(cfg.Counting)
	if err != nil {
		return nil, fmt.Errorf("invalid counting config: %w", err)
	}

	backend, err := video.NewBackend(cfg.Video.Backend, video.FFmpegConfig{
		FFmpegPath:  cfg.Video.FFmpegPath,
		FFprobePath: cfg.Video.FFprobePath,
		Codec:       cfg.Video.Codec,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Detector.BaseURL == "" {
		return nil, errors.New("detector.base_url is required to run workers")
	}
	trk := tracker.NewHTTPClient(tracker.HTTPConfig{
		BaseURL:    cfg.Detector.BaseURL,
		APIKey:     cfg.Detector.APIKey,
		Timeout:    cfg.Detector.Timeout,
		RetryCount: cfg.Detector.RetryCount,
	})

	var objectStorage storage.ObjectStorage
	if cfg.Storage.Enabled {
		s3, err := storage.NewStorage(&cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		if err := s3.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("failed to ensure storage bucket: %w", err)
		}
		objectStorage = s3
	}

	pipeline := service.NewPipeline(backend, backend, trk, opts)
	worker := service.NewWorker(
		pipeline,
		repository.NewVideoRepository(db),
		repository.NewVehicleCountRepository(db),
		objectStorage,
		log,
		&service.WorkerConfig{StoragePrefix: cfg.Storage.Prefix},
	)

	log.WithFields(logger.Fields{
		"video_backend": cfg.Video.Backend,
		"detector":      cfg.Detector.BaseURL,
		"storage":       cfg.Storage.Enabled,
		"annotate":      opts.Annotate,
	}).Info("Counting worker configured")

	return queue.NewPool(q, worker, queue.PoolOptions{
		Workers:      cfg.Queue.Workers,
		PollInterval: cfg.Queue.PollInterval,
		Name:         workerName(),
	}), nil
}

func workerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "worker"
	}
	return "worker-" + host
}
