package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/vehiclecount/internal/domain"
	"gorm.io/gorm"
)

// GormQueue stores jobs in the jobs table. It works against both postgres and
// sqlite, so the API and any number of worker processes can share it.
type GormQueue struct {
	db *gorm.DB
}

// NewGormQueue creates a queue bound to db. The jobs table must already exist.
// Parameters:
//   - db: GORM database handle.
//
// Returns:
//   - *GormQueue: queue instance bound to db.
func NewGormQueue(db *gorm.DB) *GormQueue {
	return &GormQueue{db: db}
}

func (q *GormQueue) Enqueue(ctx context.Context, p Payload) (string, error) {
	job := &domain.Job{
		ID:       uuid.NewString(),
		UserID:   p.UserID,
		VideoID:  p.VideoID,
		FilePath: p.FilePath,
		State:    domain.JobStatePending,
	}
	if err := q.db.WithContext(ctx).Create(job).Error; err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	return job.ID, nil
}

func (q *GormQueue) Get(ctx context.Context, id string) (*domain.Job, error) {
	var job domain.Job
	if err := q.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
		}
		return nil, err
	}
	return &job, nil
}

// Claim picks the oldest PENDING job and takes it with a conditional UPDATE.
// When another worker wins the race the UPDATE matches no row and Claim returns
// nil, nil; the caller simply tries again on its next poll.
func (q *GormQueue) Claim(ctx context.Context, workerID string) (*domain.Job, error) {
	var claimed *domain.Job
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidate domain.Job
		err := tx.Where("state = ?", domain.JobStatePending).
			Order("created_at ASC").
			Order("id ASC").
			Limit(1).
			Find(&candidate).Error
		if err != nil {
			return err
		}
		if candidate.ID == "" {
			return nil
		}

		now := time.Now()
		result := tx.Model(&domain.Job{}).
			Where("id = ? AND state = ?", candidate.ID, domain.JobStatePending).
			Updates(map[string]interface{}{
				"state":      domain.JobStateStarted,
				"worker_id":  workerID,
				"started_at": now,
				"updated_at": now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}

		candidate.State = domain.JobStateStarted
		candidate.WorkerID = workerID
		candidate.StartedAt = &now
		candidate.UpdatedAt = now
		claimed = &candidate
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return claimed, nil
}

func (q *GormQueue) Report(ctx context.Context, id string, r Report) error {
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job domain.Job
		if err := tx.Select("id", "state").First(&job, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
			}
			return err
		}
		if err := checkTransition(job.State, r.State); err != nil {
			return err
		}

		now := time.Now()
		updates := map[string]interface{}{
			"state":      r.State,
			"updated_at": now,
		}
		if r.Meta != nil {
			updates["meta"] = r.Meta
		}
		if r.State.Terminal() {
			updates["result"] = r.Result
			updates["error"] = r.Error
			updates["traceback"] = r.Traceback
			updates["finished_at"] = now
		}

		result := tx.Model(&domain.Job{}).
			Where("id = ? AND state = ?", id, job.State).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: job %s changed concurrently", ErrInvalidTransition, id)
		}
		return nil
	})
}

func (q *GormQueue) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Job, error) {
	var jobs []domain.Job
	query := q.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}
