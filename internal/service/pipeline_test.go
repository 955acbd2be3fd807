package service

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/vehiclecount/internal/domain"
	"github.com/timmy/vehiclecount/internal/geometry"
	"github.com/timmy/vehiclecount/internal/tracker"
	"github.com/timmy/vehiclecount/internal/video"
)

// box returns a 20x20 box centered on (cx, cy).
func box(cx, cy float64) tracker.Box {
	return tracker.Box{X1: cx - 10, Y1: cy - 10, X2: cx + 10, Y2: cy + 10}
}

func tracked(id int, class string, conf, cx, cy float64) tracker.Detection {
	return tracker.Detection{Box: box(cx, cy), Class: class, Confidence: conf, TrackID: id, Tracked: true}
}

// crossingScript moves a car down across y=40 and a truck up across it. A person,
// a low-confidence car and an untracked car also cross and must be ignored.
func crossingScript() map[int][]tracker.Detection {
	untracked := tracker.Detection{Box: box(70, 20), Class: "car", Confidence: 0.9}
	return map[int][]tracker.Detection{
		1: {tracked(1, "car", 0.9, 20, 20), tracked(2, "truck", 0.8, 50, 60), tracked(3, "person", 0.9, 80, 20), tracked(4, "car", 0.1, 60, 20), untracked},
		2: {tracked(1, "car", 0.9, 20, 30)},
		3: {tracked(1, "car", 0.9, 20, 50), tracked(2, "truck", 0.8, 50, 25), tracked(3, "person", 0.9, 80, 60), tracked(4, "car", 0.1, 60, 60)},
		4: {tracked(1, "car", 0.9, 20, 60)},
		5: {tracked(1, "car", 0.9, 20, 70), tracked(2, "truck", 0.8, 50, 38)},
	}
}

func solidFrames(n, w, h int) []image.Image {
	frames := make([]image.Image, n)
	for i := range frames {
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				img.Set(x, y, color.RGBA{R: uint8(i * 10), G: 40, B: 40, A: 255})
			}
		}
		frames[i] = img
	}
	return frames
}

func testOptions(t *testing.T) PipelineOptions {
	t.Helper()
	a, b := geometry.Pt(0, 40), geometry.Pt(100, 40)
	opts := DefaultPipelineOptions()
	opts.LineA, opts.LineB = &a, &b
	opts.Tolerance = 2
	opts.ProgressEvery = 2
	opts.OutputDir = filepath.Join(t.TempDir(), "processed")
	return opts
}

// registerInput creates a real file for the existence check and serves frames for it.
func registerInput(t *testing.T, backend *video.MemoryBackend, name string, info video.Info, frames []image.Image) (string, *video.MemorySource) {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("stub"), 0o644))
	src := video.NewMemorySource(info, frames)
	backend.Register(path, src)
	return path, src
}

type progressLog struct {
	snapshots []Progress
}

func (l *progressLog) record(_ context.Context, p Progress) {
	l.snapshots = append(l.snapshots, p)
}

func (l *progressLog) frames() []int {
	out := make([]int, 0, len(l.snapshots))
	for _, p := range l.snapshots {
		out = append(out, p.CurrentFrame)
	}
	return out
}

func TestPipelineCountsCrossings(t *testing.T) {
	backend := video.NewMemoryBackend()
	input, src := registerInput(t, backend, "clip.mp4", video.Info{FPS: 25, FrameCount: 5}, solidFrames(5, 100, 80))
	trk := tracker.NewScripted(crossingScript())
	opts := testOptions(t)
	pipeline := NewPipeline(backend, backend, trk, opts)

	result, err := pipeline.Run(context.Background(), Request{JobID: "job-1", UserID: "u1", InputPath: input}, nil)
	require.NoError(t, err)

	assert.Equal(t, completedMsg, result.Msg)
	assert.Equal(t, 1, result.TotalForward)
	assert.Equal(t, 1, result.TotalBackward)
	assert.Equal(t, map[string]int{"truck": 1}, result.PerClassForward)
	assert.Equal(t, map[string]int{"car": 1}, result.PerClassBackward)
	assert.Equal(t, 5, result.FramesProcessed)
	assert.Equal(t, float64(25), result.FPS)
	assert.Equal(t, geometry.Pt(0, 40), result.LineA)
	assert.Equal(t, float64(2), result.LineTol)
	assert.Equal(t, []string{"bus", "car", "motorbike", "motorcycle", "truck"}, result.VehicleClassNames)
	assert.False(t, result.Resize.Enabled)

	assert.Equal(t, []int{1, 2, 3, 4, 5}, trk.Seen())
	assert.True(t, trk.Balanced())
	assert.True(t, src.Closed())

	wantOut := filepath.Join(opts.OutputDir, "u1", "clip_counted.mp4")
	assert.Equal(t, wantOut, result.OutputPath)
	sink, ok := backend.Sink(wantOut)
	require.True(t, ok)
	assert.True(t, sink.Closed)
	assert.Len(t, sink.Frames, 5)
	assert.Equal(t, float64(25), sink.FPS)
	assert.Equal(t, 100, sink.Width)
	assert.Equal(t, 80, sink.Height)
}

func TestPipelineProgressEndsAtOne(t *testing.T) {
	backend := video.NewMemoryBackend()
	// The container claims more frames than it delivers.
	input, _ := registerInput(t, backend, "clip.mp4", video.Info{FPS: 30, FrameCount: 10}, solidFrames(5, 100, 80))
	pipeline := NewPipeline(backend, backend, tracker.NewScripted(crossingScript()), testOptions(t))

	var log progressLog
	_, err := pipeline.Run(context.Background(), Request{JobID: "job-1", UserID: "u1", InputPath: input}, log.record)
	require.NoError(t, err)

	require.Equal(t, []int{2, 4, 5}, log.frames())
	require.NotNil(t, log.snapshots[0].Fraction)
	assert.Equal(t, 0.2, *log.snapshots[0].Fraction)
	assert.Equal(t, 0.4, *log.snapshots[1].Fraction)

	last := log.snapshots[2]
	require.NotNil(t, last.Fraction)
	assert.Equal(t, 1.0, *last.Fraction)
	assert.Equal(t, 5, last.TotalFrames)
	assert.Equal(t, 1, last.TotalForward)
	assert.Equal(t, 1, last.TotalBackward)

	prev := -1.0
	for _, p := range log.snapshots {
		assert.GreaterOrEqual(t, *p.Fraction, prev)
		prev = *p.Fraction
	}
}

func TestPipelineProgressWithoutFrameCount(t *testing.T) {
	backend := video.NewMemoryBackend()
	input, _ := registerInput(t, backend, "clip.mp4", video.Info{}, solidFrames(4, 100, 80))
	pipeline := NewPipeline(backend, backend, tracker.NewScripted(nil), testOptions(t))

	var log progressLog
	result, err := pipeline.Run(context.Background(), Request{JobID: "job-1", UserID: "u1", InputPath: input}, log.record)
	require.NoError(t, err)

	assert.Equal(t, float64(video.DefaultFPS), result.FPS)
	// Frame 4 was already reported on schedule, so no extra snapshot follows.
	assert.Equal(t, []int{2, 4}, log.frames())
	for _, p := range log.snapshots {
		assert.Nil(t, p.Fraction)
		assert.Zero(t, p.TotalFrames)
	}
}

func TestPipelineMissingInput(t *testing.T) {
	backend := video.NewMemoryBackend()
	trk := tracker.NewScripted(nil)
	pipeline := NewPipeline(backend, backend, trk, testOptions(t))

	_, err := pipeline.Run(context.Background(), Request{
		JobID:     "job-1",
		UserID:    "u1",
		InputPath: filepath.Join(t.TempDir(), "missing.mp4"),
	}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrVideoNotFound)

	var stageErr *domain.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "open", stageErr.Stage)
	assert.Empty(t, trk.Seen())
}

func TestPipelineEmptyVideo(t *testing.T) {
	backend := video.NewMemoryBackend()
	input, src := registerInput(t, backend, "empty.mp4", video.Info{FPS: 30}, nil)
	trk := tracker.NewScripted(nil)

	_, err := NewPipeline(backend, backend, trk, testOptions(t)).Run(context.Background(), Request{JobID: "j", UserID: "u1", InputPath: input}, nil)
	assert.ErrorIs(t, err, domain.ErrStreamIO)
	assert.True(t, src.Closed())
	assert.True(t, trk.Balanced())
}

func TestPipelineTrackerFailureReleasesResources(t *testing.T) {
	backend := video.NewMemoryBackend()
	input, src := registerInput(t, backend, "clip.mp4", video.Info{FPS: 30, FrameCount: 5}, solidFrames(5, 100, 80))
	trk := tracker.NewScripted(crossingScript())
	trk.FailAt = 3
	opts := testOptions(t)

	_, err := NewPipeline(backend, backend, trk, opts).Run(context.Background(), Request{JobID: "j", UserID: "u1", InputPath: input}, nil)
	assert.ErrorIs(t, err, domain.ErrProcessing)
	assert.True(t, src.Closed())
	assert.True(t, trk.Balanced())

	sink, ok := backend.Sink(filepath.Join(opts.OutputDir, "u1", "clip_counted.mp4"))
	require.True(t, ok)
	assert.True(t, sink.Closed)
	assert.Len(t, sink.Frames, 2)
}

func TestPipelineResizeAndNoAnnotation(t *testing.T) {
	backend := video.NewMemoryBackend()
	input, _ := registerInput(t, backend, "clip.mp4", video.Info{FPS: 30}, solidFrames(3, 100, 80))
	opts := testOptions(t)
	opts.ResizeWidth = 50
	opts.Annotate = false
	opts.LineA, opts.LineB = nil, nil

	result, err := NewPipeline(backend, backend, tracker.NewScripted(nil), opts).Run(context.Background(), Request{JobID: "j", UserID: "u1", InputPath: input}, nil)
	require.NoError(t, err)

	assert.Equal(t, video.Resize{Enabled: true, TargetW: 50, TargetH: 40}, result.Resize)
	assert.Empty(t, result.OutputPath)
	// Default diagonal in resized coordinates.
	assert.Equal(t, geometry.Pt(15, 24), result.LineA)
	assert.Equal(t, geometry.Pt(45, 16), result.LineB)
}

func TestNewPipelineOptionsNormalizesClasses(t *testing.T) {
	opts := DefaultPipelineOptions()
	opts.Classes = []string{" truck,car ", "car", ""}
	pipeline := NewPipeline(nil, nil, nil, opts)
	assert.Equal(t, []string{"car", "truck"}, pipeline.Options().Classes)
}

func TestAnnotatedPath(t *testing.T) {
	assert.Equal(t, filepath.Join("out", "u1", "clip_counted.mp4"), annotatedPath("out", "u1", "/data/clip.mov"))
	assert.Equal(t, filepath.Join("out", "u1", "video_counted.mp4"), annotatedPath("out", "u1", "/data/.mp4"))
}

func TestFraction(t *testing.T) {
	assert.Equal(t, 0.3333, fraction(1, 3))
	assert.Equal(t, 1.0, fraction(7, 5))
	assert.Equal(t, 0.0, fraction(0, 5))
}
