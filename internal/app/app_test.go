package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/vehiclecount/internal/config"
	"github.com/timmy/vehiclecount/internal/logger"
	"github.com/timmy/vehiclecount/internal/queue"
	"github.com/timmy/vehiclecount/internal/repository"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Database: config.DatabaseConfig{
			Driver:      "sqlite",
			Path:        filepath.Join(t.TempDir(), "app.db"),
			AutoMigrate: true,
			LogLevel:    "silent",
		},
		Queue: config.QueueConfig{Backend: "memory", Workers: 2, PollInterval: 10 * time.Millisecond},
		Counting: config.CountingConfig{
			LineTolerance: 6,
			Tracker:       "bytetrack.yaml",
			Confidence:    0.35,
			IoU:           0.45,
			Classes:       []string{"car"},
			ProgressEvery: 10,
			OutputDir:     t.TempDir(),
		},
		Detector: config.DetectorConfig{BaseURL: "http://127.0.0.1:9", Timeout: time.Second},
		Video:    config.VideoConfig{Backend: "ffmpeg"},
	}
}

func TestNewQueue(t *testing.T) {
	q, err := NewQueue(config.QueueConfig{Backend: "memory"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &queue.MemoryQueue{}, q)

	_, err = NewQueue(config.QueueConfig{Backend: "redis"}, nil)
	assert.Error(t, err)
}

func TestNewWorkerPool(t *testing.T) {
	cfg := testConfig(t)
	db, err := repository.InitDB(&cfg.Database)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	q, err := NewQueue(cfg.Queue, db)
	require.NoError(t, err)
	pool, err := NewWorkerPool(context.Background(), cfg, db, q, logger.GetDefault())
	require.NoError(t, err)

	ran, err := pool.RunOnce(context.Background(), "w-0")
	require.NoError(t, err)
	assert.False(t, ran)

	cfg.Detector.BaseURL = ""
	_, err = NewWorkerPool(context.Background(), cfg, db, q, logger.GetDefault())
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.Counting.LineA = "1,2"
	_, err = NewWorkerPool(context.Background(), cfg, db, q, logger.GetDefault())
	assert.Error(t, err)
}
