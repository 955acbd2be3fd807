package domain

import "time"

// VideoStatus represents the processing status of an uploaded video.
// Values include VideoStatusProcessing, VideoStatusCompleted, VideoStatusFail, and VideoStatusDeleted.
type VideoStatus string

const (
	VideoStatusProcessing VideoStatus = "PROCESSING"
	VideoStatusCompleted  VideoStatus = "COMPLETED"
	VideoStatusFail       VideoStatus = "FAIL"
	VideoStatusDeleted    VideoStatus = "DELETED"
)

// Video is the uploaded video row owned by the surrounding web application.
// The counting worker only attaches its task id and flips Status.
type Video struct {
	VideoID    int64       `gorm:"column:video_id;primaryKey;autoIncrement" json:"video_id"`
	UserID     string      `gorm:"type:varchar(255);not null;index:idx_videos_user_created,priority:1" json:"user_id"`
	FilePath   string      `gorm:"type:varchar(1024);not null" json:"file_path"`
	TaskID     string      `gorm:"type:varchar(255);index" json:"task_id"`
	Region     string      `gorm:"type:varchar(255)" json:"region"`
	RecordedAt *time.Time  `json:"recorded_at,omitempty"`
	Status     VideoStatus `gorm:"type:varchar(20);not null;default:PROCESSING" json:"status"`
	CreatedAt  time.Time   `gorm:"index:idx_videos_user_created,priority:2" json:"created_at"`

	// Counts owns the vehicle_counts.video_id foreign key; deleting a video drops its counts.
	Counts []VehicleCount `gorm:"foreignKey:VideoID;references:VideoID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
}

// TableName returns the database table name for Video.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (Video) TableName() string {
	return "videos"
}
