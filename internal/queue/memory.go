package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/vehiclecount/internal/domain"
)

// MemoryQueue is a process-local FIFO queue. Jobs are lost on restart.
type MemoryQueue struct {
	mu    sync.Mutex
	jobs  map[string]*domain.Job
	order []string
	now   func() time.Time
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs: make(map[string]*domain.Job),
		now:  time.Now,
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, p Payload) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	job := &domain.Job{
		ID:        uuid.NewString(),
		UserID:    p.UserID,
		VideoID:   p.VideoID,
		FilePath:  p.FilePath,
		State:     domain.JobStatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	q.jobs[job.ID] = job
	q.order = append(q.order, job.ID)
	return job.ID, nil
}

func (q *MemoryQueue) Get(_ context.Context, id string) (*domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return cloneJob(job), nil
}

func (q *MemoryQueue) Claim(_ context.Context, workerID string) (*domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, id := range q.order {
		job := q.jobs[id]
		if job.State != domain.JobStatePending {
			continue
		}
		now := q.now()
		job.State = domain.JobStateStarted
		job.WorkerID = workerID
		job.StartedAt = &now
		job.UpdatedAt = now
		// Claimed jobs never return to PENDING, so they leave the scan order.
		q.order = append(q.order[:i:i], q.order[i+1:]...)
		return cloneJob(job), nil
	}
	return nil, nil
}

func (q *MemoryQueue) Report(_ context.Context, id string, r Report) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	if err := checkTransition(job.State, r.State); err != nil {
		return err
	}

	now := q.now()
	job.State = r.State
	job.UpdatedAt = now
	if r.Meta != nil {
		job.Meta = append(domain.RawJSON(nil), r.Meta...)
	}
	if r.State.Terminal() {
		job.Result = append(domain.RawJSON(nil), r.Result...)
		job.Error = r.Error
		job.Traceback = r.Traceback
		job.FinishedAt = &now
	}
	return nil
}

func (q *MemoryQueue) ListByUser(_ context.Context, userID string, limit int) ([]domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var jobs []domain.Job
	for _, job := range q.jobs {
		if job.UserID == userID {
			jobs = append(jobs, *cloneJob(job))
		}
	}
	sortNewestFirst(jobs)
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func cloneJob(job *domain.Job) *domain.Job {
	c := *job
	c.Meta = append(domain.RawJSON(nil), job.Meta...)
	c.Result = append(domain.RawJSON(nil), job.Result...)
	return &c
}

func sortNewestFirst(jobs []domain.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
}
