package video

import (
	"image"

	"golang.org/x/image/draw"
)

// Resize describes the scaling applied to every frame of a job.
type Resize struct {
	Enabled bool `json:"enabled"`
	TargetW int  `json:"target_w"`
	TargetH int  `json:"target_h"`
}

// PlanResize keeps the aspect ratio of width x height when scaling to targetW.
// targetW <= 0 disables resizing and keeps the native size.
func PlanResize(width, height, targetW int) Resize {
	if targetW <= 0 || width <= 0 || height <= 0 {
		return Resize{TargetW: width, TargetH: height}
	}
	return Resize{
		Enabled: true,
		TargetW: targetW,
		TargetH: int(float64(height) * (float64(targetW) / float64(width))),
	}
}

// Apply scales frame to the planned size and returns a mutable RGBA copy.
// Frames are always copied so overlays never touch decoder buffers.
func (r Resize) Apply(frame image.Image) *image.RGBA {
	if !r.Enabled || (frame.Bounds().Dx() == r.TargetW && frame.Bounds().Dy() == r.TargetH) {
		return ToRGBA(frame)
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.TargetW, r.TargetH))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), frame, frame.Bounds(), draw.Src, nil)
	return dst
}

// ToRGBA copies img into a new RGBA image anchored at the origin.
func ToRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
