//go:build !gocv

package video

import "errors"

func newGocvBackend() (Backend, error) {
	return nil, errors.New("video backend gocv requires a build with -tags gocv")
}
