package geometry

import (
	"errors"
	"math"
)

// DefaultTolerance is the crossing tolerance in pixels used when none is configured.
const DefaultTolerance = 6

// Line is the counting line A->B with its crossing tolerance.
type Line struct {
	A         Point   `json:"line_a"`
	B         Point   `json:"line_b"`
	Tolerance float64 `json:"line_tol"`
}

// DefaultLine derives a diagonal across the frame from its dimensions.
func DefaultLine(width, height int, tol float64) Line {
	w, h := float64(width), float64(height)
	return Line{
		A:         Point{X: math.Trunc(w * 0.30), Y: math.Trunc(h * 0.60)},
		B:         Point{X: math.Trunc(w * 0.90), Y: math.Trunc(h * 0.40)},
		Tolerance: tol,
	}
}

// Validate rejects lines that can never register a crossing.
func (l Line) Validate() error {
	if l.A == l.B {
		return errors.New("counting line endpoints must differ")
	}
	if l.Tolerance < 0 {
		return errors.New("counting line tolerance must not be negative")
	}
	return nil
}

// Crossed reports whether prev->curr crosses this line.
func (l Line) Crossed(prev, curr Point) bool {
	return Crossed(prev, curr, l.A, l.B, l.Tolerance)
}

// Classify returns the crossing direction of prev->curr relative to this line.
func (l Line) Classify(prev, curr Point) Direction {
	return Classify(prev, curr, l.A, l.B)
}
