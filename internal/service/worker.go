package service

import (
	"context"
	"os"
	"path"
	"path/filepath"

	pkgerrors "github.com/pkg/errors"

	"github.com/timmy/vehiclecount/internal/domain"
	"github.com/timmy/vehiclecount/internal/logger"
	"github.com/timmy/vehiclecount/internal/queue"
	"github.com/timmy/vehiclecount/internal/repository"
	"github.com/timmy/vehiclecount/internal/storage"
)

// Worker executes counting jobs claimed by the queue pool. It is the single place
// where a job outcome is translated into the video's persisted status.
type Worker struct {
	pipeline      *Pipeline
	videos        *repository.VideoRepository
	counts        *repository.VehicleCountRepository
	storage       storage.ObjectStorage
	storagePrefix string
	logger        *logger.Logger
}

// WorkerConfig holds optional worker settings.
type WorkerConfig struct {
	// StoragePrefix is prepended to uploaded object keys.
	StoragePrefix string
}

// NewWorker creates a job handler.
// Parameters:
//   - pipeline: counting pipeline shared by all jobs.
//   - videos: video status writes.
//   - counts: result persistence.
//   - objectStorage: upload target for annotated output; nil keeps files local.
//   - log: fallback logger.
//   - cfg: optional settings; may be nil.
//
// Returns:
//   - *Worker: handler for queue.Pool.
func NewWorker(
	pipeline *Pipeline,
	videos *repository.VideoRepository,
	counts *repository.VehicleCountRepository,
	objectStorage storage.ObjectStorage,
	log *logger.Logger,
	cfg *WorkerConfig,
) *Worker {
	if cfg == nil {
		cfg = &WorkerConfig{}
	}
	return &Worker{
		pipeline:      pipeline,
		videos:        videos,
		counts:        counts,
		storage:       objectStorage,
		storagePrefix: cfg.StoragePrefix,
		logger:        log,
	}
}

func (w *Worker) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return w.logger
}

// Handle runs the pipeline for job, persists the result together with the
// COMPLETED status, and returns the summary stored as the job result. Any
// failure, a panic included, flips the video to FAIL and is returned so the
// pool reports FAILED.
func (w *Worker) Handle(ctx context.Context, job *domain.Job, progress queue.ProgressFunc) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, w.fail(ctx, job, queue.PanicError(r))
		}
	}()
	return w.handle(ctx, job, progress)
}

func (w *Worker) handle(ctx context.Context, job *domain.Job, progress queue.ProgressFunc) (interface{}, error) {
	inputPath, err := filepath.Abs(job.FilePath)
	if err != nil {
		inputPath = job.FilePath
	}

	result, err := w.pipeline.Run(ctx, Request{
		JobID:     job.ID,
		UserID:    job.UserID,
		InputPath: inputPath,
	}, func(ctx context.Context, p Progress) {
		if err := progress(ctx, p); err != nil {
			w.log(ctx).WithError(err).Warn("Failed to report progress")
		}
	})
	if err != nil {
		return nil, w.fail(ctx, job, err)
	}

	if result.OutputPath != "" && w.storage != nil {
		result.OutputPath = w.upload(ctx, job.UserID, result.OutputPath)
	}

	if err := w.counts.SaveResult(ctx, job.ID, countRow(job, result)); err != nil {
		return nil, w.fail(ctx, job, domain.NewStageError("persist", domain.ErrPersistence, err))
	}

	w.log(ctx).WithFields(logger.Fields{
		"total_forward":  result.TotalForward,
		"total_backward": result.TotalBackward,
	}).Info("Vehicle counts committed")
	return result, nil
}

// fail records FAIL on the video and returns err with a stack for the traceback.
func (w *Worker) fail(ctx context.Context, job *domain.Job, err error) error {
	ok, serr := w.videos.SetStatusByTask(ctx, job.ID, job.VideoID, job.UserID, domain.VideoStatusFail)
	switch {
	case serr != nil:
		logger.CtxError(ctx, "Failed to mark video %d as FAIL: %v", job.VideoID, serr)
	case !ok:
		logger.CtxWarn(ctx, "No video row to mark as FAIL for video %d", job.VideoID)
	}
	return pkgerrors.WithStack(err)
}

// upload moves the annotated output to object storage and returns its URL. On
// failure the local path is kept and the job still succeeds.
func (w *Worker) upload(ctx context.Context, userID, localPath string) string {
	f, err := os.Open(localPath)
	if err != nil {
		w.log(ctx).WithError(err).Warn("Failed to open annotated output for upload")
		return localPath
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		w.log(ctx).WithError(err).Warn("Failed to stat annotated output")
		return localPath
	}

	key := path.Join(w.storagePrefix, userID, filepath.Base(localPath))
	if err := w.storage.Upload(ctx, key, f, info.Size(), "video/mp4"); err != nil {
		w.log(ctx).WithField("storage_key", key).WithError(err).Warn("Failed to upload annotated output")
		return localPath
	}
	logger.With(logger.Fields{logger.FieldSize: info.Size()}).Info(ctx, "Annotated output uploaded to %s", key)
	return w.storage.GetURL(key)
}

func countRow(job *domain.Job, r *CountResult) *domain.VehicleCount {
	return &domain.VehicleCount{
		VideoID:          job.VideoID,
		UserID:           job.UserID,
		TotalForward:     r.TotalForward,
		TotalBackward:    r.TotalBackward,
		PerClassForward:  domain.CountMap(r.PerClassForward),
		PerClassBackward: domain.CountMap(r.PerClassBackward),
		LineAX:           int(r.LineA.X),
		LineAY:           int(r.LineA.Y),
		LineBX:           int(r.LineB.X),
		LineBY:           int(r.LineB.Y),
		LineTol:          r.LineTol,
		FramesProcessed:  r.FramesProcessed,
		FPS:              r.FPS,
		OutputPath:       r.OutputPath,
	}
}

var _ queue.Handler = (*Worker)(nil)
