// Package video reads and writes frame streams for the counting pipeline.
//
// Container metadata is advisory: callers take the real frame size from the
// first decoded frame and treat FrameCount as a hint that may be zero or wrong.
package video

import (
	"context"
	"errors"
	"image"
)

// DefaultFPS is used when a source reports no frame rate.
const DefaultFPS = 30.0

// ErrOpen marks failures to open an input stream or create an output stream.
var ErrOpen = errors.New("cannot open video stream")

// Info is the container metadata of a source.
type Info struct {
	FPS        float64
	FrameCount int
	Width      int
	Height     int
}

// Source yields decoded frames in order. Read returns io.EOF after the last frame.
type Source interface {
	Info() Info
	Read() (image.Image, error)
	// Rewind restarts decoding from the first frame.
	Rewind() error
	Close() error
}

// Sink receives encoded output frames in order.
type Sink interface {
	Write(frame image.Image) error
	Close() error
}

// Opener opens sources by path.
type Opener interface {
	Open(ctx context.Context, path string) (Source, error)
}

// SinkFactory creates sinks for annotated output.
type SinkFactory interface {
	Create(ctx context.Context, path string, fps float64, width, height int) (Sink, error)
}

// Backend is a full video I/O implementation.
type Backend interface {
	Opener
	SinkFactory
}
