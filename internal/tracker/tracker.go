// Package tracker defines the detection-and-tracking capability the pipeline
// consumes, plus the clients that provide it.
package tracker

import (
	"context"
	"image"

	"github.com/timmy/vehiclecount/internal/geometry"
)

// Box is an axis-aligned bounding box in pixel coordinates.
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Centroid returns the box center.
func (b Box) Centroid() geometry.Point {
	return geometry.Point{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

// Rect returns the box as an integer rectangle for drawing.
func (b Box) Rect() image.Rectangle {
	return image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2))
}

// Detection is one tracked object in one frame. Tracked is false when the
// tracker could not associate the object with a track yet.
type Detection struct {
	Box        Box     `json:"box"`
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	TrackID    int     `json:"track_id"`
	Tracked    bool    `json:"tracked"`
}

// Config selects the tracking backend and the detector thresholds for a session.
type Config struct {
	Tracker    string
	Confidence float64
	IoU        float64
	Classes    []string
}

// Tracker opens per-job tracking sessions. Implementations are constructed once
// per process and shared by every worker.
type Tracker interface {
	Open(ctx context.Context, jobID string, cfg Config) (Session, error)
}

// Session keeps track identities across the frames of one video. Frames must be
// passed in order; a Session is used by one goroutine.
type Session interface {
	Track(ctx context.Context, frame image.Image, index int) ([]Detection, error)
	Close() error
}
