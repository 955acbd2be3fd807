package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/vehiclecount/internal/config"
	"github.com/timmy/vehiclecount/internal/domain"
	"github.com/timmy/vehiclecount/internal/queue"
	"github.com/timmy/vehiclecount/internal/repository"
	"github.com/timmy/vehiclecount/internal/service"
)

type testServer struct {
	router http.Handler
	queue  *queue.MemoryQueue
	videos *repository.VideoRepository
}

type stubPinger struct{ err error }

func (p stubPinger) PingContext(context.Context) error { return p.err }

func newTestServer(t *testing.T, pinger stubPinger) *testServer {
	t.Helper()
	db, err := repository.InitDB(&config.DatabaseConfig{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "api.db"),
		AutoMigrate: true,
		LogLevel:    "silent",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	q := queue.NewMemoryQueue()
	videos := repository.NewVideoRepository(db)
	counts := repository.NewVehicleCountRepository(db)
	router := SetupRouter(Services{
		Dispatcher: service.NewDispatcher(q, videos),
		Status:     service.NewStatusService(q, counts),
		DB:         pinger,
	}, config.ServerConfig{Mode: "test"}, nil)
	return &testServer{router: router, queue: q, videos: videos}
}

func (s *testServer) do(t *testing.T, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	w := newTestServer(t, stubPinger{}).do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = newTestServer(t, stubPinger{err: errors.New("down")}).do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMissingUserIsUnauthorized(t *testing.T) {
	s := newTestServer(t, stubPinger{})
	for _, tc := range []struct{ method, path, body string }{
		{http.MethodPost, "/api/v1/async/process-video", `{"file_path":"a.mp4"}`},
		{http.MethodGet, "/api/v1/tasks", ""},
		{http.MethodGet, "/api/v1/tasks/abc", ""},
	} {
		w := s.do(t, tc.method, tc.path, "", tc.body)
		assert.Equal(t, http.StatusUnauthorized, w.Code, tc.path)
	}
}

func TestProcessVideoEnqueues(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, stubPinger{})
	video := &domain.Video{UserID: "u1", FilePath: "uploads/u1/a.mp4"}
	require.NoError(t, s.videos.Create(ctx, video))

	body, err := json.Marshal(map[string]interface{}{"file_path": video.FilePath, "video_id": video.VideoID})
	require.NoError(t, err)
	w := s.do(t, http.MethodPost, "/api/v1/async/process-video", "u1", string(body))
	require.Equal(t, http.StatusAccepted, w.Code)

	resp := decode(t, w)
	assert.Equal(t, "task enqueued", resp["msg"])
	taskID, _ := resp["task_id"].(string)
	require.NotEmpty(t, taskID)

	job, err := s.queue.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, "u1", job.UserID)
	assert.Equal(t, video.VideoID, job.VideoID)

	w = s.do(t, http.MethodGet, "/api/v1/tasks/"+taskID, "u1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"task_id":"`+taskID+`","state":"PENDING"}`, w.Body.String())

	w = s.do(t, http.MethodGet, "/api/v1/tasks", "u1", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode(t, w)
	assert.Equal(t, "u1", list["user_id"])
	assert.Equal(t, float64(1), list["count"])
	tasks := list["tasks"].([]interface{})
	assert.Equal(t, taskID, tasks[0].(map[string]interface{})["task_id"])
}

func TestProcessVideoRejectsBadBody(t *testing.T) {
	s := newTestServer(t, stubPinger{})
	w := s.do(t, http.MethodPost, "/api/v1/async/process-video", "u1", `{"video_id":1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/async/process-video", "u1", `{"file_path":"a.mp4","video_id":-1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetTaskStates(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, stubPinger{})
	taskID, err := s.queue.Enqueue(ctx, queue.Payload{UserID: "u1", FilePath: "a.mp4", VideoID: 9})
	require.NoError(t, err)
	_, err = s.queue.Claim(ctx, "w-0")
	require.NoError(t, err)
	require.NoError(t, s.queue.Report(ctx, taskID, queue.Report{
		State: domain.JobStateProgress,
		Meta:  domain.RawJSON(`{"current_frame":20,"total_forward":1,"total_backward":2}`),
	}))

	w := s.do(t, http.MethodGet, "/api/v1/tasks/"+taskID, "u1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"task_id":"`+taskID+`","state":"PROGRESS","meta":{"current_frame":20,"total_forward":1,"total_backward":2}}`, w.Body.String())

	// Another user sees nothing beyond PENDING.
	w = s.do(t, http.MethodGet, "/api/v1/tasks/"+taskID, "u2", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"task_id":"`+taskID+`","state":"PENDING"}`, w.Body.String())

	require.NoError(t, s.queue.Report(ctx, taskID, queue.Report{
		State:     domain.JobStateFailed,
		Error:     "open: video not found",
		Traceback: "trace",
	}))
	w = s.do(t, http.MethodGet, "/api/v1/tasks/"+taskID, "u1", "")
	resp := decode(t, w)
	assert.Equal(t, "FAILED", resp["state"])
	assert.Equal(t, "open: video not found", resp["error"])
	assert.Equal(t, "trace", resp["traceback"])
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, stubPinger{})
	req := httptest.NewRequest(http.MethodOptions, "/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
}
