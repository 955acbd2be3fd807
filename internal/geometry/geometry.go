// Package geometry holds the pure line-side and crossing math used by the counter.
package geometry

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Direction classifies which way a track moved across the counting line.
type Direction string

const (
	Forward  Direction = "FORWARD"
	Backward Direction = "BACKWARD"
)

// Point is a pixel coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Pt is shorthand for Point{X: x, Y: y}.
func Pt(x, y float64) Point {
	return Point{X: x, Y: y}
}

// MarshalJSON encodes a point as a two-element [x, y] array.
func (p Point) MarshalJSON() ([]byte, error) {
	return []byte("[" + strconv.FormatFloat(p.X, 'f', -1, 64) + "," + strconv.FormatFloat(p.Y, 'f', -1, 64) + "]"), nil
}

// UnmarshalJSON accepts the [x, y] array produced by MarshalJSON.
func (p *Point) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	parsed, err := ParsePoint(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Side returns the signed perpendicular distance in pixels of p from the line a->b.
// A degenerate line (a == b) puts every point on the line.
func Side(p, a, b Point) float64 {
	dx, dy := b.X-a.X, b.Y-a.Y
	length := math.Hypot(dx, dy)
	if length == 0 {
		return 0
	}
	return (dx*(p.Y-a.Y) - dy*(p.X-a.X)) / length
}

// Snap treats any side value closer than tol to the line as lying on it.
func Snap(side, tol float64) float64 {
	if math.Abs(side) < tol {
		return 0
	}
	return side
}

// Crossed reports whether moving from prev to curr flips the snapped side of a->b.
// Zero is never part of a flip.
func Crossed(prev, curr, a, b Point, tol float64) bool {
	s1 := Snap(Side(prev, a, b), tol)
	s2 := Snap(Side(curr, a, b), tol)
	return s1*s2 < 0
}

// Classify projects the displacement prev->curr onto the normal (dy, -dx) of a->b.
// Only a strictly positive projection is Forward.
func Classify(prev, curr, a, b Point) Direction {
	nx, ny := b.Y-a.Y, -(b.X - a.X)
	vx, vy := curr.X-prev.X, curr.Y-prev.Y
	if vx*nx+vy*ny > 0 {
		return Forward
	}
	return Backward
}

// ParsePoint parses "x,y" into a Point. Components are truncated to whole pixels.
func ParsePoint(s string) (Point, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return Point{}, fmt.Errorf("invalid point %q: want \"x,y\"", s)
	}
	x, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return Point{}, fmt.Errorf("invalid point %q: %w", s, err)
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return Point{}, fmt.Errorf("invalid point %q: %w", s, err)
	}
	return Point{X: math.Trunc(x), Y: math.Trunc(y)}, nil
}
