package tracker

import (
	"context"
	"fmt"
	"image"
	"sync"
)

// Scripted replays fixed detections per frame index. It stands in for a real
// model in tests and local runs.
type Scripted struct {
	// Frames maps a frame index to the detections returned for it.
	Frames map[int][]Detection
	// FailAt makes Track fail on that frame index when non-negative.
	FailAt int

	mu     sync.Mutex
	opened int
	closed int
	seen   []int
}

// NewScripted creates a scripted tracker that never fails.
func NewScripted(frames map[int][]Detection) *Scripted {
	return &Scripted{Frames: frames, FailAt: -1}
}

func (s *Scripted) Open(context.Context, string, Config) (Session, error) {
	s.mu.Lock()
	s.opened++
	s.mu.Unlock()
	return &scriptedSession{parent: s}, nil
}

// Seen returns the frame indexes tracked so far, in call order.
func (s *Scripted) Seen() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.seen...)
}

// Balanced reports whether every opened session was closed.
func (s *Scripted) Balanced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened == s.closed
}

type scriptedSession struct {
	parent *Scripted
}

func (s *scriptedSession) Track(_ context.Context, _ image.Image, index int) ([]Detection, error) {
	p := s.parent
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seen = append(p.seen, index)
	if p.FailAt >= 0 && index == p.FailAt {
		return nil, fmt.Errorf("scripted tracker failure at frame %d", index)
	}
	return append([]Detection(nil), p.Frames[index]...), nil
}

func (s *scriptedSession) Close() error {
	s.parent.mu.Lock()
	s.parent.closed++
	s.parent.mu.Unlock()
	return nil
}
