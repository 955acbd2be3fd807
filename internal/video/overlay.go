package video

import (
	"image"
	"image/color"
	"math"
	"strconv"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/vector"

	"github.com/timmy/vehiclecount/internal/geometry"
)

var (
	lineColor     = color.RGBA{R: 255, G: 255, A: 255}
	boxColor      = color.RGBA{G: 255, A: 255}
	centroidColor = color.RGBA{R: 255, A: 255}
	labelColor    = color.RGBA{R: 255, G: 50, B: 50, A: 255}
	panelColor    = color.RGBA{A: 255}
)

// Mark is one tracked object drawn on an annotated frame.
type Mark struct {
	Box      image.Rectangle
	Centroid geometry.Point
	Label    string
}

// Overlay holds what is drawn on every annotated frame.
type Overlay struct {
	Line     geometry.Line
	Marks    []Mark
	Forward  int
	Backward int
}

// Label formats the per-object caption, e.g. "car ID7".
func Label(class string, trackID int) string {
	return class + " ID" + strconv.Itoa(trackID)
}

// Annotate draws the counting line with its A/B markers, every mark and the
// totals panel onto frame.
func Annotate(frame *image.RGBA, o Overlay) {
	a, b := o.Line.A, o.Line.B
	strokeLine(frame, a, b, 2, lineColor)
	fillDisc(frame, a, 5, lineColor)
	fillDisc(frame, b, 5, lineColor)
	drawText(frame, int(a.X)+6, int(a.Y)-6, "A", lineColor)
	drawText(frame, int(b.X)+6, int(b.Y)-6, "B", lineColor)

	for _, m := range o.Marks {
		strokeRect(frame, m.Box, 2, boxColor)
		fillDisc(frame, m.Centroid, 3, centroidColor)
		drawText(frame, m.Box.Min.X, max(0, m.Box.Min.Y-6), m.Label, labelColor)
	}

	panel := image.Rect(10, 10, 360, 90).Intersect(frame.Bounds())
	draw.Draw(frame, panel, image.NewUniform(panelColor), image.Point{}, draw.Src)
	drawText(frame, 20, 40, "FORWARD (A->B): "+strconv.Itoa(o.Forward), lineColor)
	drawText(frame, 20, 70, "BACKWARD (B->A): "+strconv.Itoa(o.Backward), lineColor)
}

// strokeLine fills the quad of the given width around a->b.
func strokeLine(dst *image.RGBA, a, b geometry.Point, width float64, c color.Color) {
	dx, dy := b.X-a.X, b.Y-a.Y
	length := math.Hypot(dx, dy)
	if length == 0 {
		return
	}
	nx, ny := -dy/length*width/2, dx/length*width/2

	r := newRasterizer(dst)
	r.MoveTo(float32(a.X+nx), float32(a.Y+ny))
	r.LineTo(float32(b.X+nx), float32(b.Y+ny))
	r.LineTo(float32(b.X-nx), float32(b.Y-ny))
	r.LineTo(float32(a.X-nx), float32(a.Y-ny))
	r.ClosePath()
	r.Draw(dst, dst.Bounds(), image.NewUniform(c), image.Point{})
}

func fillDisc(dst *image.RGBA, center geometry.Point, radius float64, c color.Color) {
	const segments = 16
	r := newRasterizer(dst)
	for i := 0; i < segments; i++ {
		theta := 2 * math.Pi * float64(i) / segments
		x := float32(center.X + radius*math.Cos(theta))
		y := float32(center.Y + radius*math.Sin(theta))
		if i == 0 {
			r.MoveTo(x, y)
			continue
		}
		r.LineTo(x, y)
	}
	r.ClosePath()
	r.Draw(dst, dst.Bounds(), image.NewUniform(c), image.Point{})
}

func strokeRect(dst *image.RGBA, rect image.Rectangle, width int, c color.Color) {
	src := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(rect.Min.X, rect.Min.Y, rect.Max.X, rect.Min.Y+width),
		image.Rect(rect.Min.X, rect.Max.Y-width, rect.Max.X, rect.Max.Y),
		image.Rect(rect.Min.X, rect.Min.Y, rect.Min.X+width, rect.Max.Y),
		image.Rect(rect.Max.X-width, rect.Min.Y, rect.Max.X, rect.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(dst.Bounds()), src, image.Point{}, draw.Src)
	}
}

func drawText(dst *image.RGBA, x, y int, text string, c color.Color) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

func newRasterizer(dst *image.RGBA) *vector.Rasterizer {
	b := dst.Bounds()
	return vector.NewRasterizer(b.Dx(), b.Dy())
}
