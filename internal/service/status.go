package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/timmy/vehiclecount/internal/domain"
	"github.com/timmy/vehiclecount/internal/queue"
	"github.com/timmy/vehiclecount/internal/repository"
)

// Warning messages attached to SUCCEEDED jobs whose persisted rows lag behind.
const (
	WarnVideoNotFound      = "video record not found for task"
	WarnCountsNotCommitted = "task succeeded but vehicle counts are not committed yet"
)

// TaskStatus is the caller-facing projection of one job.
type TaskStatus struct {
	TaskID        string               `json:"task_id"`
	State         domain.JobState      `json:"state"`
	Meta          domain.RawJSON       `json:"meta,omitempty"`
	Error         string               `json:"error,omitempty"`
	Traceback     string               `json:"traceback,omitempty"`
	Result        domain.RawJSON       `json:"result,omitempty"`
	Warning       string               `json:"warning,omitempty"`
	Video         *domain.Video        `json:"video,omitempty"`
	VehicleCounts *domain.VehicleCount `json:"vehicle_counts,omitempty"`
}

// StatusService merges live queue state with the persisted result rows.
type StatusService struct {
	queue  queue.Queue
	counts *repository.VehicleCountRepository
}

// NewStatusService creates a status aggregator.
func NewStatusService(q queue.Queue, counts *repository.VehicleCountRepository) *StatusService {
	return &StatusService{queue: q, counts: counts}
}

// Get reads the live job state first and only touches the database for
// SUCCEEDED jobs. A job that does not exist and a job owned by another user
// produce the same bare PENDING answer.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobID: queue job id.
//   - userID: requesting user.
//
// Returns:
//   - *TaskStatus: projection for the caller.
//   - error: non-nil only when the queue or the database cannot be read.
func (s *StatusService) Get(ctx context.Context, jobID, userID string) (*TaskStatus, error) {
	job, err := s.queue.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return unknownTask(jobID), nil
		}
		return nil, fmt.Errorf("failed to read job state: %w", err)
	}
	if job.UserID != userID {
		return unknownTask(jobID), nil
	}

	status := &TaskStatus{TaskID: jobID, State: job.State}
	switch job.State {
	case domain.JobStateProgress:
		status.Meta = job.Meta
		return status, nil
	case domain.JobStateFailed:
		status.Error = job.Error
		status.Traceback = job.Traceback
		return status, nil
	case domain.JobStateSucceeded:
		return s.succeeded(ctx, status, job, userID)
	default:
		return status, nil
	}
}

func (s *StatusService) succeeded(ctx context.Context, status *TaskStatus, job *domain.Job, userID string) (*TaskStatus, error) {
	row, err := s.counts.FindTaskResult(ctx, job.ID, userID)
	if err != nil {
		return nil, err
	}

	switch {
	case row == nil:
		status.Result = job.Result
		status.Warning = WarnVideoNotFound
	case !row.HasCounts():
		// The success report outran the result commit; the caller retries shortly.
		v := row.Video()
		status.Video = &v
		status.Result = job.Result
		status.Warning = WarnCountsNotCommitted
	default:
		v := row.Video()
		status.Video = &v
		status.VehicleCounts = row.VehicleCount()
	}
	return status, nil
}

func unknownTask(jobID string) *TaskStatus {
	return &TaskStatus{TaskID: jobID, State: domain.JobStatePending}
}
