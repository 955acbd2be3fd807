//go:build gocv

package video

func newGocvBackend() (Backend, error) {
	return NewGocv(""), nil
}
