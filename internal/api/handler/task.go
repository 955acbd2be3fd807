package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/vehiclecount/internal/api/middleware"
	"github.com/timmy/vehiclecount/internal/service"
)

const enqueuedMsg = "task enqueued"

// ProcessVideoRequest is the body of POST /api/v1/async/process-video.
type ProcessVideoRequest struct {
	FilePath string `json:"file_path" binding:"required"`
	VideoID  int64  `json:"video_id"`
}

// TaskHandler handles job submission and polling.
type TaskHandler struct {
	dispatcher *service.Dispatcher
	status     *service.StatusService
}

// NewTaskHandler creates a task handler.
// Parameters:
//   - dispatcher: enqueues jobs and lists a user's tasks.
//   - status: merges queue state with persisted results.
//
// Returns:
//   - *TaskHandler: initialized handler.
func NewTaskHandler(dispatcher *service.Dispatcher, status *service.StatusService) *TaskHandler {
	return &TaskHandler{dispatcher: dispatcher, status: status}
}

// ProcessVideo handles POST /api/v1/async/process-video.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *TaskHandler) ProcessVideo(c *gin.Context) {
	var req ProcessVideoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request: " + err.Error(),
		})
		return
	}

	taskID, err := h.dispatcher.Submit(c.Request.Context(), middleware.UserID(c), req.FilePath, req.VideoID)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		middleware.GetLogger(c).WithError(err).Error("Failed to enqueue task")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to enqueue task",
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"msg":     enqueuedMsg,
		"task_id": taskID,
	})
}

// GetTask handles GET /api/v1/tasks/:task_id.
func (h *TaskHandler) GetTask(c *gin.Context) {
	taskID := c.Param("task_id")
	if taskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Task ID is required",
		})
		return
	}

	status, err := h.status.Get(c.Request.Context(), taskID, middleware.UserID(c))
	if err != nil {
		middleware.GetLogger(c).WithError(err).Error("Failed to load task status")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to load task status",
		})
		return
	}
	c.JSON(http.StatusOK, status)
}

// ListTasks handles GET /api/v1/tasks.
func (h *TaskHandler) ListTasks(c *gin.Context) {
	userID := middleware.UserID(c)
	tasks, err := h.dispatcher.ListTasks(c.Request.Context(), userID)
	if err != nil {
		middleware.GetLogger(c).WithError(err).Error("Failed to list tasks")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list tasks",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id": userID,
		"count":   len(tasks),
		"tasks":   tasks,
	})
}
