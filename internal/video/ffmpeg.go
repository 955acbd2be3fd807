package video

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/image/bmp"
)

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	// Output runs a command to completion and returns its stdout.
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
	// Start launches a long-running command wired to the given pipes.
	Start(ctx context.Context, name string, args []string, stdin io.Reader, stdout io.Writer) (process, error)
}

type process interface {
	Wait() error
	Kill() error
}

type execRunner struct{}

func (execRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

func (execRunner) Start(ctx context.Context, name string, args []string, stdin io.Reader, stdout io.Writer) (process, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stderr *tailBuffer
}

func (p *execProcess) Wait() error {
	if err := p.cmd.Wait(); err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(p.stderr.String()))
	}
	return nil
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// FFmpegConfig holds the binaries and encoder used by the ffmpeg backend.
type FFmpegConfig struct {
	FFmpegPath  string
	FFprobePath string
	Codec       string
}

// FFmpeg decodes and encodes video by piping BMP frames through ffmpeg.
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
	codec       string
	runner      commandRunner
}

// NewFFmpeg creates the ffmpeg backend.
func NewFFmpeg(cfg FFmpegConfig) *FFmpeg {
	f := &FFmpeg{
		ffmpegPath:  cfg.FFmpegPath,
		ffprobePath: cfg.FFprobePath,
		codec:       cfg.Codec,
		runner:      execRunner{},
	}
	if f.ffmpegPath == "" {
		f.ffmpegPath = "ffmpeg"
	}
	if f.ffprobePath == "" {
		f.ffprobePath = "ffprobe"
	}
	if f.codec == "" {
		f.codec = "libx264"
	}
	return f
}

type probeOutput struct {
	Streams []struct {
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
		NbFrames     string `json:"nb_frames"`
	} `json:"streams"`
}

// Probe reads container metadata for the first video stream.
func (f *FFmpeg) Probe(ctx context.Context, path string) (Info, error) {
	out, err := f.runner.Output(ctx, f.ffprobePath, buildProbeArgs(path)...)
	if err != nil {
		return Info{}, err
	}
	return parseProbe(out)
}

func parseProbe(out []byte) (Info, error) {
	var probe probeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return Info{}, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	if len(probe.Streams) == 0 {
		return Info{}, errors.New("no video stream")
	}
	s := probe.Streams[0]
	fps := parseRate(s.AvgFrameRate)
	if fps <= 0 {
		fps = parseRate(s.RFrameRate)
	}
	frames, _ := strconv.Atoi(s.NbFrames)
	return Info{FPS: fps, FrameCount: frames, Width: s.Width, Height: s.Height}, nil
}

// parseRate parses ffprobe rationals like "30000/1001"; invalid input yields 0.
func parseRate(rate string) float64 {
	num, den, found := strings.Cut(rate, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// Open probes path and starts decoding it.
func (f *FFmpeg) Open(ctx context.Context, path string) (Source, error) {
	info, err := f.Probe(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrOpen, path, err)
	}
	src := &ffmpegSource{ctx: ctx, f: f, path: path, info: info}
	if err := src.start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrOpen, path, err)
	}
	return src, nil
}

type ffmpegSource struct {
	ctx  context.Context
	f    *FFmpeg
	path string
	info Info

	proc   process
	pipe   *io.PipeReader
	reader *bufio.Reader
}

func (s *ffmpegSource) start() error {
	pr, pw := io.Pipe()
	proc, err := s.f.runner.Start(s.ctx, s.f.ffmpegPath, buildDecodeArgs(s.path), nil, pw)
	if err != nil {
		_ = pr.Close()
		return err
	}
	go func() {
		// Unblock readers with the exit status once ffmpeg is done writing.
		pw.CloseWithError(proc.Wait())
	}()
	s.proc = proc
	s.pipe = pr
	s.reader = bufio.NewReaderSize(pr, 1<<20)
	return nil
}

func (s *ffmpegSource) Info() Info {
	return s.info
}

func (s *ffmpegSource) Read() (image.Image, error) {
	if _, err := s.reader.Peek(1); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read frame: %w", err)
	}
	frame, err := bmp.Decode(s.reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return frame, nil
}

func (s *ffmpegSource) Rewind() error {
	s.stop()
	return s.start()
}

func (s *ffmpegSource) Close() error {
	s.stop()
	return nil
}

func (s *ffmpegSource) stop() {
	if s.proc == nil {
		return
	}
	_ = s.pipe.Close()
	_ = s.proc.Kill()
	s.proc = nil
}

// Create starts an encoder writing to path.
func (f *FFmpeg) Create(ctx context.Context, path string, fps float64, width, height int) (Sink, error) {
	pr, pw := io.Pipe()
	proc, err := f.runner.Start(ctx, f.ffmpegPath, buildEncodeArgs(path, fps, f.codec), pr, nil)
	if err != nil {
		_ = pw.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrOpen, path, err)
	}
	sink := &ffmpegSink{pipe: pw, writer: bufio.NewWriterSize(pw, 1<<20), done: make(chan struct{})}
	go func() {
		sink.waitErr = proc.Wait()
		// A dead encoder must not leave Write blocked on the pipe.
		pr.CloseWithError(errEncoderExited)
		close(sink.done)
	}()
	return sink, nil
}

var errEncoderExited = errors.New("encoder exited")

type ffmpegSink struct {
	pipe    *io.PipeWriter
	writer  *bufio.Writer
	done    chan struct{}
	waitErr error
	closed  bool
}

func (s *ffmpegSink) Write(frame image.Image) error {
	if err := bmp.Encode(s.writer, frame); err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	return nil
}

// Close flushes pending frames and waits for the encoder to finish the file.
func (s *ffmpegSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	flushErr := s.writer.Flush()
	_ = s.pipe.Close()
	<-s.done
	if s.waitErr != nil {
		return fmt.Errorf("encoder failed: %w", s.waitErr)
	}
	if flushErr != nil {
		return fmt.Errorf("failed to flush frames: %w", flushErr)
	}
	return nil
}

func buildProbeArgs(path string) []string {
	return []string{
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,avg_frame_rate,r_frame_rate,nb_frames",
		"-of", "json",
		path,
	}
}

func buildDecodeArgs(path string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-v", "error",
		"-i", path,
		"-map", "0:v:0",
		"-f", "image2pipe",
		"-pix_fmt", "bgr24",
		"-vcodec", "bmp",
		"-",
	}
}

func buildEncodeArgs(path string, fps float64, codec string) []string {
	return []string{
		"-hide_banner",
		"-v", "error",
		"-y",
		"-f", "image2pipe",
		"-vcodec", "bmp",
		"-framerate", strconv.FormatFloat(fps, 'f', -1, 64),
		"-i", "-",
		// yuv420p needs even dimensions.
		"-vf", "scale=trunc(iw/2)*2:trunc(ih/2)*2",
		"-c:v", codec,
		"-pix_fmt", "yuv420p",
		path,
	}
}
