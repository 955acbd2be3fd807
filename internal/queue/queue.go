// Package queue stores counting jobs and runs them on a pool of workers.
//
// The queue is a passive store of the latest state a worker reported for each job.
// Only the worker that claimed a job advances its state, and a job that reached
// SUCCEEDED or FAILED never changes again.
package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/timmy/vehiclecount/internal/domain"
)

var (
	// ErrTerminalState is returned when a report targets a finished job.
	ErrTerminalState = errors.New("job already reached a terminal state")
	// ErrInvalidTransition is returned for a state change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// Payload is what a caller enqueues: process one video for one user.
type Payload struct {
	UserID   string `json:"user_id"`
	FilePath string `json:"file_path"`
	VideoID  int64  `json:"video_id"`
}

// Report is one state update sent by the worker running a job.
type Report struct {
	State     domain.JobState
	Meta      domain.RawJSON
	Result    domain.RawJSON
	Error     string
	Traceback string
}

// Queue is the job store shared by the API and the workers.
type Queue interface {
	// Enqueue stores a PENDING job and returns its id.
	Enqueue(ctx context.Context, p Payload) (string, error)
	// Get returns the job; domain.ErrJobNotFound when the id is unknown.
	Get(ctx context.Context, id string) (*domain.Job, error)
	// Claim moves the oldest PENDING job to STARTED for workerID.
	// It returns nil, nil when nothing is pending.
	Claim(ctx context.Context, workerID string) (*domain.Job, error)
	// Report applies a worker's state update.
	Report(ctx context.Context, id string, r Report) error
	// ListByUser returns the user's jobs, newest first.
	ListByUser(ctx context.Context, userID string, limit int) ([]domain.Job, error)
}

// checkTransition enforces the job lifecycle:
// PENDING -> STARTED -> PROGRESS* -> SUCCEEDED | FAILED.
func checkTransition(from, to domain.JobState) error {
	if from.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminalState, from)
	}
	if !isValidTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

func isValidTransition(from, to domain.JobState) bool {
	switch from {
	case domain.JobStatePending:
		return to == domain.JobStateStarted || to == domain.JobStateFailed
	case domain.JobStateStarted, domain.JobStateProgress:
		return to == domain.JobStateProgress || to == domain.JobStateSucceeded || to == domain.JobStateFailed
	default:
		return false
	}
}
