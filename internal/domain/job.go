package domain

import (
	"database/sql/driver"
	"errors"
	"time"
)

// JobState represents the lifecycle state of a counting job in the queue.
// Values include JobStatePending, JobStateStarted, JobStateProgress, JobStateSucceeded, and JobStateFailed.
type JobState string

const (
	JobStatePending   JobState = "PENDING"
	JobStateStarted   JobState = "STARTED"
	JobStateProgress  JobState = "PROGRESS"
	JobStateSucceeded JobState = "SUCCEEDED"
	JobStateFailed    JobState = "FAILED"
)

// Terminal reports whether no further transition is allowed out of s.
func (s JobState) Terminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed
}

// RawJSON stores an already-encoded JSON document in a text column.
type RawJSON []byte

// Value implements the driver.Valuer interface for database serialization.
// Parameters: none.
// Returns:
//   - driver.Value: JSON text, or nil when empty.
//   - error: always nil.
func (j RawJSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
// Parameters:
//   - value: raw database value to decode.
//
// Returns:
//   - error: non-nil if the type is unexpected.
func (j *RawJSON) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append(RawJSON(nil), v...)
	case string:
		*j = RawJSON(v)
	default:
		return errors.New("failed to scan RawJSON")
	}
	return nil
}

// MarshalJSON emits the stored document verbatim, or null when empty.
func (j RawJSON) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

// UnmarshalJSON keeps a copy of the raw document.
func (j *RawJSON) UnmarshalJSON(data []byte) error {
	*j = append((*j)[0:0], data...)
	return nil
}

// Job is one asynchronous counting job: process one video end to end.
// The queue stores the latest state and metadata reported by the worker.
type Job struct {
	ID         string     `gorm:"type:text;primaryKey" json:"id"`
	UserID     string     `gorm:"type:text;not null;index:idx_jobs_user" json:"user_id"`
	VideoID    int64      `gorm:"not null;index" json:"video_id"`
	FilePath   string     `gorm:"type:text;not null" json:"file_path"`
	State      JobState   `gorm:"type:text;not null;index:idx_jobs_state_created,priority:1;default:PENDING" json:"state"`
	Meta       RawJSON    `gorm:"type:text" json:"meta,omitempty"`
	Result     RawJSON    `gorm:"type:text" json:"result,omitempty"`
	Error      string     `gorm:"type:text" json:"error,omitempty"`
	Traceback  string     `gorm:"type:text" json:"traceback,omitempty"`
	WorkerID   string     `gorm:"type:text" json:"worker_id,omitempty"`
	CreatedAt  time.Time  `gorm:"index:idx_jobs_state_created,priority:2" json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// TableName returns the database table name for Job.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (Job) TableName() string {
	return "jobs"
}
