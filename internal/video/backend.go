package video

import "fmt"

// NewBackend selects the video backend by name. "gocv" is only available in
// binaries built with -tags gocv.
func NewBackend(name string, cfg FFmpegConfig) (Backend, error) {
	switch name {
	case "", "ffmpeg":
		return NewFFmpeg(cfg), nil
	case "gocv":
		return newGocvBackend()
	default:
		return nil, fmt.Errorf("unknown video backend %q", name)
	}
}
