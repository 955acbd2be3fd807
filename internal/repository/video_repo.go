package repository

import (
	"context"
	"fmt"

	"github.com/timmy/vehiclecount/internal/domain"
	"gorm.io/gorm"
)

// VideoRepository handles the counting-related writes to the videos table.
// The rows themselves are created by the surrounding web application.
type VideoRepository struct {
	db *gorm.DB
}

// NewVideoRepository creates a new VideoRepository.
// Parameters:
//   - db: GORM database handle used for queries.
//
// Returns:
//   - *VideoRepository: repository instance bound to db.
func NewVideoRepository(db *gorm.DB) *VideoRepository {
	return &VideoRepository{db: db}
}

// Create inserts a new video record.
func (r *VideoRepository) Create(ctx context.Context, video *domain.Video) error {
	return r.db.WithContext(ctx).Create(video).Error
}

// GetByID retrieves a video owned by userID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - videoID: video primary key.
//   - userID: owning user.
//
// Returns:
//   - *domain.Video: video record if found.
//   - error: gorm.ErrRecordNotFound when absent or owned by someone else.
func (r *VideoRepository) GetByID(ctx context.Context, videoID int64, userID string) (*domain.Video, error) {
	var video domain.Video
	if err := r.db.WithContext(ctx).First(&video, "video_id = ? AND user_id = ?", videoID, userID).Error; err != nil {
		return nil, err
	}
	return &video, nil
}

// AttachTask records the job id on the video and marks it PROCESSING. A row that
// already carries taskID is left alone: the worker got there first and its
// status must not be overwritten.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - videoID: video primary key.
//   - userID: owning user.
//   - taskID: queue job id.
//
// Returns:
//   - bool: false when no video row matched or taskID was already attached.
//   - error: non-nil if the update fails.
func (r *VideoRepository) AttachTask(ctx context.Context, videoID int64, userID, taskID string) (bool, error) {
	result := r.db.WithContext(ctx).Model(&domain.Video{}).
		Where("video_id = ? AND user_id = ?", videoID, userID).
		Where("(task_id IS NULL OR task_id <> ?)", taskID).
		Updates(map[string]interface{}{
			"task_id": taskID,
			"status":  domain.VideoStatusProcessing,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to attach task to video %d: %w", videoID, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// SetStatusByTask flips the status of the video that owns taskID.
// When the task id has not been attached yet the row is found by video id and
// user id instead, and the task id is attached in the same write. A video that
// already belongs to another task is never touched.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - taskID: queue job id.
//   - videoID: fallback video key.
//   - userID: owning user.
//   - status: new status.
//
// Returns:
//   - bool: false when no video row matched either key.
//   - error: non-nil if the update fails.
func (r *VideoRepository) SetStatusByTask(ctx context.Context, taskID string, videoID int64, userID string, status domain.VideoStatus) (bool, error) {
	return setVideoStatus(r.db.WithContext(ctx), taskID, videoID, userID, status)
}

// ListByUser returns the user's videos, newest first. Videos never submitted for
// counting have an empty TaskID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - userID: owning user.
//   - limit: maximum rows; 0 or less means no limit.
//
// Returns:
//   - []domain.Video: matching videos.
//   - error: non-nil if the query fails.
func (r *VideoRepository) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Video, error) {
	var videos []domain.Video
	query := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("video_id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&videos).Error; err != nil {
		return nil, err
	}
	return videos, nil
}

func setVideoStatus(tx *gorm.DB, taskID string, videoID int64, userID string, status domain.VideoStatus) (bool, error) {
	if taskID != "" {
		result := tx.Model(&domain.Video{}).
			Where("task_id = ?", taskID).
			Update("status", status)
		if result.Error != nil {
			return false, fmt.Errorf("failed to update video status: %w", result.Error)
		}
		if result.RowsAffected > 0 {
			return true, nil
		}
	}

	result := tx.Model(&domain.Video{}).
		Where("video_id = ? AND user_id = ?", videoID, userID).
		Where("(task_id IS NULL OR task_id = '')").
		Updates(map[string]interface{}{
			"status":  status,
			"task_id": taskID,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to update video status: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}
