package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// CountMap is a class label -> count mapping stored as JSON in the database.
type CountMap map[string]int

// Value implements the driver.Valuer interface for database serialization.
// Parameters: none.
// Returns:
//   - driver.Value: JSON-encoded string representation of the map.
//   - error: non-nil if marshaling fails.
func (m CountMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
// Parameters:
//   - value: raw database value to decode.
//
// Returns:
//   - error: non-nil if decoding fails or the type is unexpected.
func (m *CountMap) Scan(value interface{}) error {
	if value == nil {
		*m = CountMap{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan CountMap")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, m)
}

// VehicleCount is the persisted counting result for one video.
// It is written once, at successful job completion.
type VehicleCount struct {
	VehicleCountID   int64     `gorm:"column:vehicle_count_id;primaryKey;autoIncrement" json:"vehicle_count_id"`
	VideoID          int64     `gorm:"column:video_id;not null;index:idx_vehicle_counts_video" json:"video_id"`
	UserID           string    `gorm:"type:varchar(255);not null" json:"user_id"`
	TotalForward     int       `gorm:"not null;default:0" json:"total_forward"`
	TotalBackward    int       `gorm:"not null;default:0" json:"total_backward"`
	PerClassForward  CountMap  `gorm:"type:text" json:"per_class_forward"`
	PerClassBackward CountMap  `gorm:"type:text" json:"per_class_backward"`
	LineAX           int       `gorm:"column:line_a_x" json:"line_a_x"`
	LineAY           int       `gorm:"column:line_a_y" json:"line_a_y"`
	LineBX           int       `gorm:"column:line_b_x" json:"line_b_x"`
	LineBY           int       `gorm:"column:line_b_y" json:"line_b_y"`
	LineTol          float64   `json:"line_tol"`
	FramesProcessed  int       `json:"frames_processed"`
	FPS              float64   `gorm:"column:fps" json:"fps"`
	OutputPath       string    `gorm:"type:varchar(1024)" json:"output_path,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// TableName returns the database table name for VehicleCount.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (VehicleCount) TableName() string {
	return "vehicle_counts"
}
