//go:build gocv

package video

import (
	"context"
	"fmt"
	"image"
	"io"

	"gocv.io/x/gocv"
)

// Gocv reads and writes video through OpenCV. Build with -tags gocv.
type Gocv struct {
	// FourCC of the output codec, e.g. "mp4v".
	FourCC string
}

// NewGocv creates the OpenCV backend.
func NewGocv(fourcc string) *Gocv {
	if fourcc == "" {
		fourcc = "mp4v"
	}
	return &Gocv{FourCC: fourcc}
}

func (g *Gocv) Open(_ context.Context, path string) (Source, error) {
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrOpen, path, err)
	}
	if !vc.IsOpened() {
		_ = vc.Close()
		return nil, fmt.Errorf("%w: %s", ErrOpen, path)
	}
	return &gocvSource{cap: vc, mat: gocv.NewMat()}, nil
}

type gocvSource struct {
	cap *gocv.VideoCapture
	mat gocv.Mat
}

func (s *gocvSource) Info() Info {
	return Info{
		FPS:        s.cap.Get(gocv.VideoCaptureFPS),
		FrameCount: int(s.cap.Get(gocv.VideoCaptureFrameCount)),
		Width:      int(s.cap.Get(gocv.VideoCaptureFrameWidth)),
		Height:     int(s.cap.Get(gocv.VideoCaptureFrameHeight)),
	}
}

func (s *gocvSource) Read() (image.Image, error) {
	if ok := s.cap.Read(&s.mat); !ok || s.mat.Empty() {
		return nil, io.EOF
	}
	img, err := s.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("failed to convert frame: %w", err)
	}
	return img, nil
}

func (s *gocvSource) Rewind() error {
	s.cap.Set(gocv.VideoCapturePosFrames, 0)
	return nil
}

func (s *gocvSource) Close() error {
	_ = s.mat.Close()
	return s.cap.Close()
}

func (g *Gocv) Create(_ context.Context, path string, fps float64, width, height int) (Sink, error) {
	w, err := gocv.VideoWriterFile(path, g.FourCC, fps, width, height, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrOpen, path, err)
	}
	return &gocvSink{w: w}, nil
}

type gocvSink struct {
	w *gocv.VideoWriter
}

func (s *gocvSink) Write(frame image.Image) error {
	mat, err := gocv.ImageToMatRGB(frame)
	if err != nil {
		return fmt.Errorf("failed to convert frame: %w", err)
	}
	defer mat.Close()
	return s.w.Write(mat)
}

func (s *gocvSink) Close() error {
	return s.w.Close()
}
