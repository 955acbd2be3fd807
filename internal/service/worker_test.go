package service

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/vehiclecount/internal/config"
	"github.com/timmy/vehiclecount/internal/domain"
	"github.com/timmy/vehiclecount/internal/queue"
	"github.com/timmy/vehiclecount/internal/repository"
	"github.com/timmy/vehiclecount/internal/tracker"
	"github.com/timmy/vehiclecount/internal/video"
	"gorm.io/gorm"
)

type harness struct {
	db         *gorm.DB
	queue      *queue.MemoryQueue
	backend    *video.MemoryBackend
	videos     *repository.VideoRepository
	counts     *repository.VehicleCountRepository
	pool       *queue.Pool
	status     *StatusService
	dispatcher *Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, tracker.NewScripted(crossingScript()))
}

func newHarnessWith(t *testing.T, trk tracker.Tracker) *harness {
	t.Helper()
	db, err := repository.InitDB(&config.DatabaseConfig{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "test.db"),
		AutoMigrate: true,
		LogLevel:    "silent",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	h := &harness{
		db:      db,
		queue:   queue.NewMemoryQueue(),
		backend: video.NewMemoryBackend(),
		videos:  repository.NewVideoRepository(db),
		counts:  repository.NewVehicleCountRepository(db),
	}
	pipeline := NewPipeline(h.backend, h.backend, trk, testOptions(t))
	worker := NewWorker(pipeline, h.videos, h.counts, nil, nil, nil)
	h.pool = queue.NewPool(h.queue, worker, queue.PoolOptions{Name: "test"})
	h.status = NewStatusService(h.queue, h.counts)
	h.dispatcher = NewDispatcher(h.queue, h.videos)
	return h
}

func (h *harness) seedVideo(t *testing.T, userID, filePath string) *domain.Video {
	t.Helper()
	v := &domain.Video{UserID: userID, FilePath: filePath}
	require.NoError(t, h.videos.Create(context.Background(), v))
	return v
}

func (h *harness) runOne(t *testing.T) {
	t.Helper()
	ran, err := h.pool.RunOnce(context.Background(), "w-0")
	require.NoError(t, err)
	require.True(t, ran)
}

func TestJobSucceedsAndCommitsCounts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	input, _ := registerInput(t, h.backend, "clip.mp4", video.Info{FPS: 30, FrameCount: 5}, solidFrames(5, 100, 80))
	v := h.seedVideo(t, "u1", input)

	taskID, err := h.dispatcher.Submit(ctx, "u1", input, v.VideoID)
	require.NoError(t, err)

	attached, err := h.videos.GetByID(ctx, v.VideoID, "u1")
	require.NoError(t, err)
	assert.Equal(t, taskID, attached.TaskID)
	assert.Equal(t, domain.VideoStatusProcessing, attached.Status)

	h.runOne(t)

	st, err := h.status.Get(ctx, taskID, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateSucceeded, st.State)
	assert.Empty(t, st.Warning)
	require.NotNil(t, st.Video)
	assert.Equal(t, domain.VideoStatusCompleted, st.Video.Status)
	require.NotNil(t, st.VehicleCounts)
	assert.Equal(t, 1, st.VehicleCounts.TotalForward)
	assert.Equal(t, 1, st.VehicleCounts.TotalBackward)
	assert.Equal(t, domain.CountMap{"truck": 1}, st.VehicleCounts.PerClassForward)
	assert.Equal(t, 5, st.VehicleCounts.FramesProcessed)

	job, err := h.queue.Get(ctx, taskID)
	require.NoError(t, err)
	var meta Progress
	require.NoError(t, json.Unmarshal(job.Meta, &meta))
	assert.Equal(t, 5, meta.CurrentFrame)
	require.NotNil(t, meta.Fraction)
	assert.Equal(t, 1.0, *meta.Fraction)

	var result CountResult
	require.NoError(t, json.Unmarshal(job.Result, &result))
	assert.Equal(t, completedMsg, result.Msg)
	assert.Equal(t, st.VehicleCounts.OutputPath, result.OutputPath)
}

func TestMissingFileFailsJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	missing := filepath.Join(t.TempDir(), "gone.mp4")
	v := h.seedVideo(t, "u1", missing)

	taskID, err := h.dispatcher.Submit(ctx, "u1", missing, v.VideoID)
	require.NoError(t, err)
	h.runOne(t)

	st, err := h.status.Get(ctx, taskID, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, st.State)
	assert.Contains(t, st.Error, domain.ErrVideoNotFound.Error())
	assert.NotEmpty(t, st.Traceback)
	assert.Nil(t, st.VehicleCounts)

	got, err := h.videos.GetByID(ctx, v.VideoID, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.VideoStatusFail, got.Status)

	_, err = h.counts.LatestByVideo(ctx, v.VideoID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

type crashingTracker struct{}

func (crashingTracker) Open(context.Context, string, tracker.Config) (tracker.Session, error) {
	return crashingSession{}, nil
}

type crashingSession struct{}

func (crashingSession) Track(context.Context, image.Image, int) ([]tracker.Detection, error) {
	panic("detector crashed")
}

func (crashingSession) Close() error { return nil }

func TestPanicFailsJobAndVideo(t *testing.T) {
	ctx := context.Background()
	h := newHarnessWith(t, crashingTracker{})
	input, _ := registerInput(t, h.backend, "clip.mp4", video.Info{FPS: 30, FrameCount: 5}, solidFrames(5, 100, 80))
	v := h.seedVideo(t, "u1", input)

	taskID, err := h.dispatcher.Submit(ctx, "u1", input, v.VideoID)
	require.NoError(t, err)
	h.runOne(t)

	st, err := h.status.Get(ctx, taskID, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, st.State)
	assert.Equal(t, "panic: detector crashed", st.Error)
	assert.Contains(t, st.Traceback, "crashingSession")

	got, err := h.videos.GetByID(ctx, v.VideoID, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.VideoStatusFail, got.Status)

	_, err = h.counts.LatestByVideo(ctx, v.VideoID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestFailureWithoutAttachedTaskUsesVideoID(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	missing := filepath.Join(t.TempDir(), "gone.mp4")
	v := h.seedVideo(t, "u1", missing)

	// Enqueue directly so the video row never saw the task id.
	taskID, err := h.queue.Enqueue(ctx, queue.Payload{UserID: "u1", FilePath: missing, VideoID: v.VideoID})
	require.NoError(t, err)
	h.runOne(t)

	got, err := h.videos.GetByID(ctx, v.VideoID, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.VideoStatusFail, got.Status)
	assert.Equal(t, taskID, got.TaskID)
}

func TestStatusSucceededWithoutCounts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	v := h.seedVideo(t, "u1", "uploads/u1/a.mp4")

	taskID, err := h.dispatcher.Submit(ctx, "u1", v.FilePath, v.VideoID)
	require.NoError(t, err)
	_, err = h.queue.Claim(ctx, "w-0")
	require.NoError(t, err)
	require.NoError(t, h.queue.Report(ctx, taskID, queue.Report{
		State:  domain.JobStateSucceeded,
		Result: domain.RawJSON(`{"total_forward":3}`),
	}))

	st, err := h.status.Get(ctx, taskID, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateSucceeded, st.State)
	assert.Equal(t, WarnCountsNotCommitted, st.Warning)
	require.NotNil(t, st.Video)
	assert.Equal(t, v.VideoID, st.Video.VideoID)
	assert.Nil(t, st.VehicleCounts)
	assert.JSONEq(t, `{"total_forward":3}`, string(st.Result))
}

func TestStatusSucceededWithoutVideo(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	taskID, err := h.queue.Enqueue(ctx, queue.Payload{UserID: "u1", FilePath: "a.mp4", VideoID: 42})
	require.NoError(t, err)
	_, err = h.queue.Claim(ctx, "w-0")
	require.NoError(t, err)
	require.NoError(t, h.queue.Report(ctx, taskID, queue.Report{
		State:  domain.JobStateSucceeded,
		Result: domain.RawJSON(`{"msg":"done"}`),
	}))

	st, err := h.status.Get(ctx, taskID, "u1")
	require.NoError(t, err)
	assert.Equal(t, WarnVideoNotFound, st.Warning)
	assert.Nil(t, st.Video)
	assert.JSONEq(t, `{"msg":"done"}`, string(st.Result))
}

func TestStatusHidesForeignAndUnknownJobs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	taskID, err := h.queue.Enqueue(ctx, queue.Payload{UserID: "u1", FilePath: "a.mp4", VideoID: 1})
	require.NoError(t, err)
	_, err = h.queue.Claim(ctx, "w-0")
	require.NoError(t, err)
	require.NoError(t, h.queue.Report(ctx, taskID, queue.Report{State: domain.JobStateFailed, Error: "boom"}))

	for _, tc := range []struct {
		name, taskID, userID string
	}{
		{"foreign user", taskID, "u2"},
		{"unknown id", "does-not-exist", "u1"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			st, err := h.status.Get(ctx, tc.taskID, tc.userID)
			require.NoError(t, err)
			assert.Equal(t, &TaskStatus{TaskID: tc.taskID, State: domain.JobStatePending}, st)
		})
	}
}

func TestStatusProgressReturnsMeta(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	taskID, err := h.queue.Enqueue(ctx, queue.Payload{UserID: "u1", FilePath: "a.mp4", VideoID: 1})
	require.NoError(t, err)

	st, err := h.status.Get(ctx, taskID, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatePending, st.State)

	_, err = h.queue.Claim(ctx, "w-0")
	require.NoError(t, err)
	st, err = h.status.Get(ctx, taskID, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateStarted, st.State)
	assert.Nil(t, st.Meta)

	meta := domain.RawJSON(`{"current_frame":10,"total_forward":1,"total_backward":0}`)
	require.NoError(t, h.queue.Report(ctx, taskID, queue.Report{State: domain.JobStateProgress, Meta: meta}))
	st, err = h.status.Get(ctx, taskID, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateProgress, st.State)
	assert.JSONEq(t, string(meta), string(st.Meta))
}

func TestSubmitValidatesInput(t *testing.T) {
	h := newHarness(t)
	_, err := h.dispatcher.Submit(context.Background(), "u1", "  ", 1)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = h.dispatcher.Submit(context.Background(), "", "a.mp4", 1)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSubmitWithoutVideoRowStillEnqueues(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	taskID, err := h.dispatcher.Submit(ctx, "u1", "a.mp4", 77)
	require.NoError(t, err)

	job, err := h.queue.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatePending, job.State)
	assert.Equal(t, int64(77), job.VideoID)
}

func TestListTasks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	first := h.seedVideo(t, "u1", "a.mp4")
	second := h.seedVideo(t, "u1", "b.mp4")
	h.seedVideo(t, "u2", "c.mp4")

	taskID, err := h.dispatcher.Submit(ctx, "u1", "a.mp4", first.VideoID)
	require.NoError(t, err)

	tasks, err := h.dispatcher.ListTasks(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	byVideo := map[int64]TaskSummary{}
	for _, task := range tasks {
		byVideo[task.VideoID] = task
	}
	assert.Equal(t, taskID, byVideo[first.VideoID].TaskID)
	assert.Empty(t, byVideo[second.VideoID].TaskID)
	assert.Equal(t, domain.VideoStatusProcessing, byVideo[second.VideoID].Status)
}

type fakeStorage struct {
	keys []string
	fail error
}

func (s *fakeStorage) Upload(_ context.Context, key string, r io.Reader, size int64, contentType string) error {
	if s.fail != nil {
		return s.fail
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return err
	}
	s.keys = append(s.keys, key)
	return nil
}

func (s *fakeStorage) GetURL(key string) string {
	return "https://cdn.example.com/" + key
}

func TestWorkerUploadsAnnotatedOutput(t *testing.T) {
	for _, tc := range []struct {
		name    string
		store   *fakeStorage
		wantURL bool
	}{
		{"uploaded", &fakeStorage{}, true},
		{"upload failure keeps local path", &fakeStorage{fail: errors.New("bucket gone")}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t)
			input, _ := registerInput(t, h.backend, "clip.mp4", video.Info{FPS: 30, FrameCount: 5}, solidFrames(5, 100, 80))
			v := h.seedVideo(t, "u1", input)

			trk := tracker.NewScripted(crossingScript())
			pipeline := NewPipeline(h.backend, h.backend, trk, testOptions(t))
			worker := NewWorker(pipeline, h.videos, h.counts, tc.store, nil, &WorkerConfig{StoragePrefix: "counted"})
			job := &domain.Job{ID: "job-1", UserID: "u1", VideoID: v.VideoID, FilePath: input}

			out, err := worker.Handle(ctx, job, func(context.Context, interface{}) error { return nil })
			require.NoError(t, err)
			result := out.(*CountResult)

			if tc.wantURL {
				assert.Equal(t, []string{"counted/u1/clip_counted.mp4"}, tc.store.keys)
				assert.Equal(t, "https://cdn.example.com/counted/u1/clip_counted.mp4", result.OutputPath)
			} else {
				assert.Equal(t, filepath.Join(pipeline.Options().OutputDir, "u1", "clip_counted.mp4"), result.OutputPath)
			}

			count, err := h.counts.LatestByVideo(ctx, v.VideoID)
			require.NoError(t, err)
			assert.Equal(t, result.OutputPath, count.OutputPath)

			got, err := h.videos.GetByID(ctx, v.VideoID, "u1")
			require.NoError(t, err)
			assert.Equal(t, domain.VideoStatusCompleted, got.Status)
			assert.Equal(t, "job-1", got.TaskID)
		})
	}
}
