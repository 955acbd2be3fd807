package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/vehiclecount/internal/domain"
	"gorm.io/gorm"
)

// VehicleCountRepository persists counting results.
type VehicleCountRepository struct {
	db *gorm.DB
}

// NewVehicleCountRepository creates a new VehicleCountRepository.
// Parameters:
//   - db: GORM database handle used for queries.
//
// Returns:
//   - *VehicleCountRepository: repository instance bound to db.
func NewVehicleCountRepository(db *gorm.DB) *VehicleCountRepository {
	return &VehicleCountRepository{db: db}
}

// SaveResult inserts the count row and flips the owning video to COMPLETED in one
// transaction. Either both writes land or neither does.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - taskID: queue job id that produced the result.
//   - count: result row; VideoID and UserID identify the owning video.
//
// Returns:
//   - error: domain.ErrVideoNotFound when no video row matched, or the database error.
func (r *VehicleCountRepository) SaveResult(ctx context.Context, taskID string, count *domain.VehicleCount) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(count).Error; err != nil {
			return fmt.Errorf("failed to insert vehicle count: %w", err)
		}
		ok, err := setVideoStatus(tx, taskID, count.VideoID, count.UserID, domain.VideoStatusCompleted)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: video_id=%d task_id=%s", domain.ErrVideoNotFound, count.VideoID, taskID)
		}
		return nil
	})
}

// LatestByVideo returns the most recent count row for a video.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - videoID: owning video.
//
// Returns:
//   - *domain.VehicleCount: newest count row.
//   - error: gorm.ErrRecordNotFound when the video has no counts.
func (r *VehicleCountRepository) LatestByVideo(ctx context.Context, videoID int64) (*domain.VehicleCount, error) {
	var count domain.VehicleCount
	err := r.db.WithContext(ctx).
		Where("video_id = ?", videoID).
		Order("vehicle_count_id DESC").
		First(&count).Error
	if err != nil {
		return nil, err
	}
	return &count, nil
}

// TaskResultRow is one row of the videos LEFT JOIN vehicle_counts projection.
// Count columns are nil when the result has not been committed yet.
type TaskResultRow struct {
	VideoID    int64              `gorm:"column:video_id"`
	UserID     string             `gorm:"column:user_id"`
	FilePath   string             `gorm:"column:file_path"`
	TaskID     string             `gorm:"column:task_id"`
	Region     string             `gorm:"column:region"`
	RecordedAt *time.Time         `gorm:"column:recorded_at"`
	Status     domain.VideoStatus `gorm:"column:status"`
	CreatedAt  time.Time          `gorm:"column:created_at"`

	VehicleCountID   *int64          `gorm:"column:vehicle_count_id"`
	TotalForward     *int            `gorm:"column:total_forward"`
	TotalBackward    *int            `gorm:"column:total_backward"`
	PerClassForward  domain.CountMap `gorm:"column:per_class_forward"`
	PerClassBackward domain.CountMap `gorm:"column:per_class_backward"`
	LineAX           *int            `gorm:"column:line_a_x"`
	LineAY           *int            `gorm:"column:line_a_y"`
	LineBX           *int            `gorm:"column:line_b_x"`
	LineBY           *int            `gorm:"column:line_b_y"`
	LineTol          *float64        `gorm:"column:line_tol"`
	FramesProcessed  *int            `gorm:"column:frames_processed"`
	FPS              *float64        `gorm:"column:fps"`
	OutputPath       *string         `gorm:"column:output_path"`
	CountCreatedAt   *time.Time      `gorm:"column:count_created_at"`
}

// HasCounts reports whether the count row was present.
func (r *TaskResultRow) HasCounts() bool {
	return r.VehicleCountID != nil
}

// Video returns the video half of the row.
func (r *TaskResultRow) Video() domain.Video {
	return domain.Video{
		VideoID:    r.VideoID,
		UserID:     r.UserID,
		FilePath:   r.FilePath,
		TaskID:     r.TaskID,
		Region:     r.Region,
		RecordedAt: r.RecordedAt,
		Status:     r.Status,
		CreatedAt:  r.CreatedAt,
	}
}

// VehicleCount returns the count half of the row, or nil when absent.
func (r *TaskResultRow) VehicleCount() *domain.VehicleCount {
	if !r.HasCounts() {
		return nil
	}
	count := &domain.VehicleCount{
		VehicleCountID:   *r.VehicleCountID,
		VideoID:          r.VideoID,
		UserID:           r.UserID,
		TotalForward:     derefInt(r.TotalForward),
		TotalBackward:    derefInt(r.TotalBackward),
		PerClassForward:  r.PerClassForward,
		PerClassBackward: r.PerClassBackward,
		LineAX:           derefInt(r.LineAX),
		LineAY:           derefInt(r.LineAY),
		LineBX:           derefInt(r.LineBX),
		LineBY:           derefInt(r.LineBY),
		FramesProcessed:  derefInt(r.FramesProcessed),
	}
	if r.LineTol != nil {
		count.LineTol = *r.LineTol
	}
	if r.FPS != nil {
		count.FPS = *r.FPS
	}
	if r.OutputPath != nil {
		count.OutputPath = *r.OutputPath
	}
	if r.CountCreatedAt != nil {
		count.CreatedAt = *r.CountCreatedAt
	}
	return count
}

const taskResultQuery = `
SELECT v.video_id, v.user_id, v.file_path, v.task_id, v.region, v.recorded_at, v.status, v.created_at,
       vc.vehicle_count_id, vc.total_forward, vc.total_backward,
       vc.per_class_forward, vc.per_class_backward,
       vc.line_a_x, vc.line_a_y, vc.line_b_x, vc.line_b_y, vc.line_tol,
       vc.frames_processed, vc.fps, vc.output_path, vc.created_at AS count_created_at
FROM videos v
LEFT JOIN vehicle_counts vc ON vc.video_id = v.video_id
WHERE v.task_id = ? AND v.user_id = ?
ORDER BY vc.vehicle_count_id DESC
LIMIT 1`

// FindTaskResult loads the video owned by userID that carries taskID, joined with
// its newest count row.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - taskID: queue job id.
//   - userID: requesting user; rows owned by anyone else are never returned.
//
// Returns:
//   - *TaskResultRow: the joined row, or nil when no such video exists.
//   - error: non-nil if the query fails.
func (r *VehicleCountRepository) FindTaskResult(ctx context.Context, taskID, userID string) (*TaskResultRow, error) {
	var rows []TaskResultRow
	if err := r.db.WithContext(ctx).Raw(taskResultQuery, taskID, userID).Scan(&rows).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load task result: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func derefInt(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
