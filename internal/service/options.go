package service

import (
	"fmt"
	"sort"
	"strings"

	"github.com/timmy/vehiclecount/internal/config"
	"github.com/timmy/vehiclecount/internal/geometry"
	"github.com/timmy/vehiclecount/internal/tracker"
)

// PipelineOptions is the per-job counting configuration.
type PipelineOptions struct {
	// ResizeWidth scales frames to this width keeping the aspect ratio; 0 keeps the native size.
	ResizeWidth int
	// LineA and LineB set the counting line; when nil it is derived from the frame size.
	LineA, LineB  *geometry.Point
	Tolerance     float64
	Tracker       string
	Confidence    float64
	IoU           float64
	Classes       []string
	Annotate      bool
	ProgressEvery int
	OutputDir     string
}

// DefaultPipelineOptions mirrors the configuration defaults.
func DefaultPipelineOptions() PipelineOptions {
	return PipelineOptions{
		Tolerance:     geometry.DefaultTolerance,
		Tracker:       "bytetrack.yaml",
		Confidence:    0.35,
		IoU:           0.45,
		Classes:       []string{"car", "bus", "truck", "motorcycle", "motorbike"},
		Annotate:      true,
		ProgressEvery: 10,
		OutputDir:     "processed_video",
	}
}

// NewPipelineOptions converts the counting config section.
// Parameters:
//   - c: counting configuration as loaded by config.Load.
//
// Returns:
//   - PipelineOptions: validated options.
//   - error: non-nil if a line endpoint cannot be parsed.
func NewPipelineOptions(c config.CountingConfig) (PipelineOptions, error) {
	if err := c.Validate(); err != nil {
		return PipelineOptions{}, err
	}
	opts := PipelineOptions{
		ResizeWidth:   c.ResizeWidth,
		Tolerance:     c.LineTolerance,
		Tracker:       c.Tracker,
		Confidence:    c.Confidence,
		IoU:           c.IoU,
		Classes:       normalizeClasses(c.Classes),
		Annotate:      c.Annotate,
		ProgressEvery: c.ProgressEvery,
		OutputDir:     c.OutputDir,
	}
	if c.LineA != "" {
		a, err := geometry.ParsePoint(c.LineA)
		if err != nil {
			return PipelineOptions{}, fmt.Errorf("counting.line_a: %w", err)
		}
		b, err := geometry.ParsePoint(c.LineB)
		if err != nil {
			return PipelineOptions{}, fmt.Errorf("counting.line_b: %w", err)
		}
		opts.LineA, opts.LineB = &a, &b
	}
	return opts, nil
}

// trackerConfig is what the tracker session needs from the options.
func (o PipelineOptions) trackerConfig() tracker.Config {
	return tracker.Config{
		Tracker:    o.Tracker,
		Confidence: o.Confidence,
		IoU:        o.IoU,
		Classes:    o.Classes,
	}
}

// resolveLine picks the explicit line or the default diagonal for width x height.
func (o PipelineOptions) resolveLine(width, height int) geometry.Line {
	if o.LineA != nil && o.LineB != nil {
		return geometry.Line{A: *o.LineA, B: *o.LineB, Tolerance: o.Tolerance}
	}
	return geometry.DefaultLine(width, height, o.Tolerance)
}

// normalizeClasses trims, drops empties and de-duplicates class labels, sorted.
func normalizeClasses(classes []string) []string {
	seen := make(map[string]struct{}, len(classes))
	out := make([]string, 0, len(classes))
	for _, c := range classes {
		// Env values arrive as one comma-separated string.
		for _, part := range strings.Split(c, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if _, ok := seen[part]; ok {
				continue
			}
			seen[part] = struct{}{}
			out = append(out, part)
		}
	}
	sort.Strings(out)
	return out
}
