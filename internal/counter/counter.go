// Package counter implements the per-job crossing ledger.
//
// A Counter is owned by the single goroutine running a job and is not safe for
// concurrent use. Each track id is counted at most once per direction for the
// lifetime of the Counter, however many times it re-crosses the line. Tracker id
// churn after occlusion can therefore under- or double-count a physical vehicle;
// that is accepted behavior.
package counter

import (
	"errors"
	"fmt"

	"github.com/timmy/vehiclecount/internal/geometry"
)

// ErrFrameOrder is returned when observations arrive with a decreasing frame index.
var ErrFrameOrder = errors.New("observation frame index went backwards")

// Observation is one detection of one track in one frame.
type Observation struct {
	TrackID    int
	Frame      int
	Position   geometry.Point
	Class      string
	Confidence float64
}

// Crossing is emitted the first time a track is counted in a direction.
type Crossing struct {
	TrackID   int                `json:"track_id"`
	Frame     int                `json:"frame"`
	Direction geometry.Direction `json:"direction"`
	Class     string             `json:"class"`
}

// Totals is a point-in-time copy of the ledger counts.
type Totals struct {
	Forward          int            `json:"total_forward"`
	Backward         int            `json:"total_backward"`
	PerClassForward  map[string]int `json:"per_class_forward"`
	PerClassBackward map[string]int `json:"per_class_backward"`
}

// Counter is the crossing ledger for one job.
type Counter struct {
	line geometry.Line

	lastPosition     map[int]geometry.Point
	countedForward   map[int]struct{}
	countedBackward  map[int]struct{}
	totalForward     int
	totalBackward    int
	perClassForward  map[string]int
	perClassBackward map[string]int
	lastFrame        int
}

// New creates an empty ledger for line.
func New(line geometry.Line) *Counter {
	return &Counter{
		line:             line,
		lastPosition:     make(map[int]geometry.Point),
		countedForward:   make(map[int]struct{}),
		countedBackward:  make(map[int]struct{}),
		perClassForward:  make(map[string]int),
		perClassBackward: make(map[string]int),
		lastFrame:        -1,
	}
}

// Line returns the counting line the ledger was built for.
func (c *Counter) Line() geometry.Line {
	return c.line
}

// Observe applies one observation. The first sighting of a track only records its
// position. It returns the crossing event when the observation produced a new count.
func (c *Counter) Observe(obs Observation) (Crossing, bool, error) {
	if obs.Frame < c.lastFrame {
		return Crossing{}, false, fmt.Errorf("%w: frame %d after %d", ErrFrameOrder, obs.Frame, c.lastFrame)
	}
	c.lastFrame = obs.Frame

	prev, seen := c.lastPosition[obs.TrackID]
	c.lastPosition[obs.TrackID] = obs.Position
	if !seen || !c.line.Crossed(prev, obs.Position) {
		return Crossing{}, false, nil
	}

	dir := c.line.Classify(prev, obs.Position)
	counted, perClass, total := c.countedBackward, c.perClassBackward, &c.totalBackward
	if dir == geometry.Forward {
		counted, perClass, total = c.countedForward, c.perClassForward, &c.totalForward
	}
	if _, ok := counted[obs.TrackID]; ok {
		return Crossing{}, false, nil
	}
	counted[obs.TrackID] = struct{}{}
	*total++
	perClass[obs.Class]++

	return Crossing{
		TrackID:   obs.TrackID,
		Frame:     obs.Frame,
		Direction: dir,
		Class:     obs.Class,
	}, true, nil
}

// Snapshot returns a copy of the running totals.
func (c *Counter) Snapshot() Totals {
	return Totals{
		Forward:          c.totalForward,
		Backward:         c.totalBackward,
		PerClassForward:  copyCounts(c.perClassForward),
		PerClassBackward: copyCounts(c.perClassBackward),
	}
}

// Tracks returns how many distinct track ids have been observed.
func (c *Counter) Tracks() int {
	return len(c.lastPosition)
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
