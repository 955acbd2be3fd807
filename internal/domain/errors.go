package domain

import (
	"errors"
	"fmt"
)

// Failure kinds. Every error leaving the pipeline or worker matches exactly one of
// these with errors.Is.
var (
	ErrVideoNotFound = errors.New("video not found")
	ErrStreamIO      = errors.New("video stream io failure")
	ErrProcessing    = errors.New("video processing failure")
	ErrPersistence   = errors.New("result persistence failure")
	ErrJobNotFound   = errors.New("job not found")
)

// StageError is a stage-aware failure carrying its kind and underlying cause.
type StageError struct {
	Stage string
	Kind  error
	Err   error
}

// NewStageError wraps err as a failure of kind during stage.
func NewStageError(stage string, kind, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

// Error formats the failure for logs and job reports.
func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Stage, e.Kind, e.Err)
}

// Is matches the failure kind.
func (e *StageError) Is(target error) bool {
	return e != nil && e.Kind == target
}

// Unwrap exposes the underlying cause for errors.Is / errors.As.
func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
