package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/timmy/vehiclecount/internal/counter"
	"github.com/timmy/vehiclecount/internal/domain"
	"github.com/timmy/vehiclecount/internal/geometry"
	"github.com/timmy/vehiclecount/internal/logger"
	"github.com/timmy/vehiclecount/internal/tracker"
	"github.com/timmy/vehiclecount/internal/video"
)

const completedMsg = "video processed: line-crossing vehicle count complete"

// Request identifies one pipeline run.
type Request struct {
	JobID     string
	UserID    string
	InputPath string
}

// Progress is the periodic snapshot reported while a job runs. TotalFrames and
// Fraction are only set when the frame count is known.
type Progress struct {
	CurrentFrame  int      `json:"current_frame"`
	TotalForward  int      `json:"total_forward"`
	TotalBackward int      `json:"total_backward"`
	TotalFrames   int      `json:"total_frames,omitempty"`
	Fraction      *float64 `json:"progress,omitempty"`
}

// ProgressFunc receives snapshots in frame order.
type ProgressFunc func(ctx context.Context, p Progress)

// CountResult is the summary of a finished run. It is also the job result.
type CountResult struct {
	Msg               string         `json:"msg"`
	InputPath         string         `json:"input_path"`
	OutputPath        string         `json:"output_path"`
	TotalForward      int            `json:"total_forward"`
	TotalBackward     int            `json:"total_backward"`
	PerClassForward   map[string]int `json:"per_class_forward"`
	PerClassBackward  map[string]int `json:"per_class_backward"`
	LineA             geometry.Point `json:"line_a"`
	LineB             geometry.Point `json:"line_b"`
	LineTol           float64        `json:"line_tol"`
	FPS               float64        `json:"fps"`
	FramesProcessed   int            `json:"frames_processed"`
	Resize            video.Resize   `json:"resize"`
	VehicleClassNames []string       `json:"vehicle_class_names"`
}

// Pipeline counts line crossings in one video at a time. A Pipeline is shared by
// all workers; each Run owns its own streams, tracker session and ledger.
type Pipeline struct {
	opener  video.Opener
	sinks   video.SinkFactory
	tracker tracker.Tracker
	opts    PipelineOptions
	stat    func(name string) (os.FileInfo, error)
}

// NewPipeline creates a pipeline.
// Parameters:
//   - opener: decodes input videos.
//   - sinks: encodes annotated output; may be nil when annotation is off.
//   - t: detection and tracking capability.
//   - opts: counting configuration applied to every run.
//
// Returns:
//   - *Pipeline: pipeline ready to Run.
func NewPipeline(opener video.Opener, sinks video.SinkFactory, t tracker.Tracker, opts PipelineOptions) *Pipeline {
	opts.Classes = normalizeClasses(opts.Classes)
	return &Pipeline{
		opener:  opener,
		sinks:   sinks,
		tracker: t,
		opts:    opts,
		stat:    os.Stat,
	}
}

// Options returns the options applied to every run.
func (p *Pipeline) Options() PipelineOptions {
	return p.opts
}

// Run processes req.InputPath frame by frame and returns the counting summary.
// Every opened stream and the tracker session are released on all exit paths.
func (p *Pipeline) Run(ctx context.Context, req Request, onProgress ProgressFunc) (*CountResult, error) {
	start := time.Now()

	if _, err := p.stat(req.InputPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.NewStageError("open", domain.ErrVideoNotFound, fmt.Errorf("%s: %w", req.InputPath, err))
		}
		return nil, domain.NewStageError("open", domain.ErrStreamIO, err)
	}

	src, err := p.opener.Open(ctx, req.InputPath)
	if err != nil {
		return nil, domain.NewStageError("open", domain.ErrStreamIO, err)
	}
	defer src.Close()

	info := src.Info()
	fps := info.FPS
	if fps <= 0 {
		fps = video.DefaultFPS
	}

	// Container dimensions are unreliable; the first frame decides.
	first, err := src.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("video has no frames")
		}
		return nil, domain.NewStageError("probe", domain.ErrStreamIO, fmt.Errorf("cannot read first frame: %w", err))
	}
	if err := src.Rewind(); err != nil {
		return nil, domain.NewStageError("probe", domain.ErrStreamIO, err)
	}

	resize := video.PlanResize(first.Bounds().Dx(), first.Bounds().Dy(), p.opts.ResizeWidth)
	line := p.opts.resolveLine(resize.TargetW, resize.TargetH)
	if err := line.Validate(); err != nil {
		return nil, domain.NewStageError("setup", domain.ErrProcessing, err)
	}

	session, err := p.tracker.Open(ctx, req.JobID, p.opts.trackerConfig())
	if err != nil {
		return nil, domain.NewStageError("setup", domain.ErrProcessing, err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			logger.FromContext(ctx).WithError(cerr).Warn("Failed to close tracker session")
		}
	}()

	var sink video.Sink
	var outPath string
	if p.opts.Annotate && p.sinks != nil && resize.TargetW > 0 && resize.TargetH > 0 {
		outPath = annotatedPath(p.opts.OutputDir, req.UserID, req.InputPath)
		if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
			return nil, domain.NewStageError("setup", domain.ErrStreamIO, err)
		}
		sink, err = p.sinks.Create(ctx, outPath, fps, resize.TargetW, resize.TargetH)
		if err != nil {
			return nil, domain.NewStageError("setup", domain.ErrStreamIO, err)
		}
		defer func() {
			if sink != nil {
				_ = sink.Close()
			}
		}()
	}

	run := &frameLoop{
		session:  session,
		ledger:   counter.New(line),
		classes:  toSet(p.opts.Classes),
		minConf:  p.opts.Confidence,
		resize:   resize,
		sink:     sink,
		every:    p.opts.ProgressEvery,
		total:    info.FrameCount,
		progress: onProgress,
	}
	if err := run.process(ctx, src); err != nil {
		return nil, domain.NewStageError("process", domain.ErrProcessing, err)
	}

	if sink != nil {
		err := sink.Close()
		sink = nil
		if err != nil {
			return nil, domain.NewStageError("finalize", domain.ErrStreamIO, err)
		}
	}

	totals := run.ledger.Snapshot()
	result := &CountResult{
		Msg:               completedMsg,
		InputPath:         req.InputPath,
		OutputPath:        outPath,
		TotalForward:      totals.Forward,
		TotalBackward:     totals.Backward,
		PerClassForward:   totals.PerClassForward,
		PerClassBackward:  totals.PerClassBackward,
		LineA:             line.A,
		LineB:             line.B,
		LineTol:           line.Tolerance,
		FPS:               fps,
		FramesProcessed:   run.frame,
		Resize:            resize,
		VehicleClassNames: append([]string(nil), p.opts.Classes...),
	}

	logger.With(logger.Fields{
		logger.FieldCount: run.frame,
		"total_forward":   result.TotalForward,
		"total_backward":  result.TotalBackward,
	}).WithDuration(time.Since(start).Milliseconds()).Info(ctx, "Video processed")

	return result, nil
}

// frameLoop is the per-run state of the sequential frame loop.
type frameLoop struct {
	session  tracker.Session
	ledger   *counter.Counter
	classes  map[string]struct{}
	minConf  float64
	resize   video.Resize
	sink     video.Sink
	every    int
	total    int
	progress ProgressFunc

	frame        int
	lastReported int
	lastFraction float64
}

func (l *frameLoop) process(ctx context.Context, src video.Source) error {
	for {
		img, err := src.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("frame %d: %w", l.frame+1, err)
		}
		l.frame++

		frame := l.resize.Apply(img)
		detections, err := l.session.Track(ctx, frame, l.frame)
		if err != nil {
			return fmt.Errorf("frame %d: %w", l.frame, err)
		}

		var marks []video.Mark
		for _, det := range detections {
			if !l.accept(det) {
				continue
			}
			centroid := det.Box.Centroid()
			centroid = geometry.Pt(math.Trunc(centroid.X), math.Trunc(centroid.Y))
			if _, _, err := l.ledger.Observe(counter.Observation{
				TrackID:    det.TrackID,
				Frame:      l.frame,
				Position:   centroid,
				Class:      det.Class,
				Confidence: det.Confidence,
			}); err != nil {
				return err
			}
			if l.sink != nil {
				marks = append(marks, video.Mark{
					Box:      det.Box.Rect(),
					Centroid: centroid,
					Label:    video.Label(det.Class, det.TrackID),
				})
			}
		}

		if l.sink != nil {
			totals := l.ledger.Snapshot()
			video.Annotate(frame, video.Overlay{
				Line:     l.ledger.Line(),
				Marks:    marks,
				Forward:  totals.Forward,
				Backward: totals.Backward,
			})
			if err := l.sink.Write(frame); err != nil {
				return fmt.Errorf("frame %d: %w", l.frame, err)
			}
		}

		if l.every > 0 && l.frame%l.every == 0 {
			l.report(ctx, false)
		}
	}

	// The final frame is always reported so a known fraction ends at 1.0, even
	// when the container overstated the frame count.
	if l.every > 0 && l.frame > 0 && (l.lastReported != l.frame || (l.total > 0 && l.lastFraction < 1)) {
		l.report(ctx, true)
	}
	return nil
}

// accept applies the class, confidence and tracked-id filters.
func (l *frameLoop) accept(det tracker.Detection) bool {
	if !det.Tracked || det.Confidence < l.minConf {
		return false
	}
	_, ok := l.classes[det.Class]
	return ok
}

func (l *frameLoop) report(ctx context.Context, final bool) {
	l.lastReported = l.frame
	if l.progress == nil {
		return
	}
	totals := l.ledger.Snapshot()
	p := Progress{
		CurrentFrame:  l.frame,
		TotalForward:  totals.Forward,
		TotalBackward: totals.Backward,
	}
	total := l.total
	if final && total > 0 {
		// The input is exhausted, so the real frame count is now known.
		total = l.frame
	}
	if total > 0 {
		p.TotalFrames = total
		f := fraction(l.frame, total)
		p.Fraction = &f
		l.lastFraction = f
	}
	l.progress(ctx, p)
}

// fraction is current/total rounded to 4 decimals and clamped to [0,1].
func fraction(current, total int) float64 {
	f := math.Round(float64(current)/float64(total)*10000) / 10000
	return math.Max(0, math.Min(1, f))
}

// annotatedPath is <outputDir>/<user>/<input base>_counted.mp4.
func annotatedPath(outputDir, userID, inputPath string) string {
	base := filepath.Base(inputPath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" || base == "." {
		base = "video"
	}
	return filepath.Join(outputDir, userID, base+"_counted.mp4")
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
