package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/timmy/vehiclecount/internal/domain"
	"github.com/timmy/vehiclecount/internal/logger"
	"github.com/timmy/vehiclecount/internal/queue"
	"github.com/timmy/vehiclecount/internal/repository"
)

// ErrInvalidRequest is returned for enqueue requests that cannot be run.
var ErrInvalidRequest = errors.New("invalid request")

// TaskSummary is one entry of a user's task list.
type TaskSummary struct {
	TaskID    string             `json:"task_id"`
	Status    domain.VideoStatus `json:"status"`
	VideoID   int64              `json:"video_id"`
	CreatedAt time.Time          `json:"created_at"`
}

// Dispatcher enqueues counting jobs on behalf of the web application.
type Dispatcher struct {
	queue  queue.Queue
	videos *repository.VideoRepository
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(q queue.Queue, videos *repository.VideoRepository) *Dispatcher {
	return &Dispatcher{queue: q, videos: videos}
}

// Submit enqueues a job and attaches its id to the video row when one exists.
// A missing video row is not an error: the worker attaches the id on its own
// status write.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - userID: owning user.
//   - filePath: input video path as stored by the web application.
//   - videoID: video row the result belongs to.
//
// Returns:
//   - string: job id.
//   - error: ErrInvalidRequest for bad input, or the enqueue failure.
func (d *Dispatcher) Submit(ctx context.Context, userID, filePath string, videoID int64) (string, error) {
	filePath = strings.TrimSpace(filePath)
	if userID == "" || filePath == "" {
		return "", fmt.Errorf("%w: user id and file path are required", ErrInvalidRequest)
	}
	if videoID < 0 {
		return "", fmt.Errorf("%w: video id must not be negative", ErrInvalidRequest)
	}

	id, err := d.queue.Enqueue(ctx, queue.Payload{UserID: userID, FilePath: filePath, VideoID: videoID})
	if err != nil {
		return "", err
	}
	ctx = logger.SetJobID(ctx, id)

	attached, err := d.videos.AttachTask(ctx, videoID, userID, id)
	switch {
	case err != nil:
		logger.FromContext(ctx).WithError(err).Warn("Failed to attach task to video")
	case !attached:
		logger.CtxDebug(ctx, "Task not attached to video %d", videoID)
	}

	logger.CtxInfo(ctx, "Counting job enqueued for %s", filePath)
	return id, nil
}

// ListTasks returns the user's videos with their task ids and statuses, newest first.
func (d *Dispatcher) ListTasks(ctx context.Context, userID string) ([]TaskSummary, error) {
	videos, err := d.videos.ListByUser(ctx, userID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	tasks := make([]TaskSummary, 0, len(videos))
	for _, v := range videos {
		tasks = append(tasks, TaskSummary{
			TaskID:    v.TaskID,
			Status:    v.Status,
			VideoID:   v.VideoID,
			CreatedAt: v.CreatedAt,
		})
	}
	return tasks, nil
}
