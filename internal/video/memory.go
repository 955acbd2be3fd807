package video

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"sync"
)

// MemorySource serves a fixed slice of frames.
type MemorySource struct {
	info   Info
	frames []image.Image
	pos    int
	closed bool
}

// NewMemorySource creates a source over frames with the given metadata.
func NewMemorySource(info Info, frames []image.Image) *MemorySource {
	return &MemorySource{info: info, frames: frames}
}

func (s *MemorySource) Info() Info { return s.info }

func (s *MemorySource) Read() (image.Image, error) {
	if s.closed {
		return nil, io.ErrClosedPipe
	}
	if s.pos >= len(s.frames) {
		return nil, io.EOF
	}
	f := s.frames[s.pos]
	s.pos++
	return f, nil
}

func (s *MemorySource) Rewind() error {
	s.pos = 0
	return nil
}

func (s *MemorySource) Close() error {
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *MemorySource) Closed() bool { return s.closed }

// MemoryBackend opens in-memory sources registered by path and records every
// frame written to its sinks. Registered paths must also exist on disk when the
// caller checks for them.
type MemoryBackend struct {
	mu      sync.Mutex
	sources map[string]*MemorySource
	sinks   map[string]*MemorySink
}

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		sources: make(map[string]*MemorySource),
		sinks:   make(map[string]*MemorySink),
	}
}

// Register serves src for path.
func (b *MemoryBackend) Register(path string, src *MemorySource) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sources[path] = src
}

func (b *MemoryBackend) Open(_ context.Context, path string) (Source, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	src, ok := b.sources[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOpen, path)
	}
	src.pos = 0
	src.closed = false
	return src, nil
}

// Create records frames in memory and writes an empty placeholder file at path.
func (b *MemoryBackend) Create(_ context.Context, path string, fps float64, width, height int) (Sink, error) {
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrOpen, path, err)
	}
	sink := &MemorySink{FPS: fps, Width: width, Height: height}
	b.mu.Lock()
	b.sinks[path] = sink
	b.mu.Unlock()
	return sink, nil
}

// Sink returns the sink created for path, if any.
func (b *MemoryBackend) Sink(path string) (*MemorySink, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sinks[path]
	return s, ok
}

// MemorySink collects written frames.
type MemorySink struct {
	FPS    float64
	Width  int
	Height int
	Frames []image.Image
	Closed bool
}

func (s *MemorySink) Write(frame image.Image) error {
	if s.Closed {
		return io.ErrClosedPipe
	}
	s.Frames = append(s.Frames, frame)
	return nil
}

func (s *MemorySink) Close() error {
	s.Closed = true
	return nil
}
