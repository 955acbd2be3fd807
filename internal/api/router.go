package api

import (
	"github.com/gin-gonic/gin"
	"github.com/timmy/vehiclecount/internal/api/handler"
	"github.com/timmy/vehiclecount/internal/api/middleware"
	"github.com/timmy/vehiclecount/internal/config"
	"github.com/timmy/vehiclecount/internal/logger"
	"github.com/timmy/vehiclecount/internal/service"
)

// Services groups what the HTTP surface calls into.
type Services struct {
	Dispatcher *service.Dispatcher
	Status     *service.StatusService
	// DB is pinged by /health; may be nil.
	DB handler.Pinger
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(svc Services, cfg config.ServerConfig, log *logger.Logger) *gin.Engine {
	// Set Gin mode
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	// Add middleware
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:  cfg.CORS.AllowedOrigins,
		AllowAllOrigins: cfg.CORS.AllowAllOrigins,
	}))

	// Create handlers
	healthHandler := handler.NewHealthHandler(svc.DB)
	taskHandler := handler.NewTaskHandler(svc.Dispatcher, svc.Status)

	// Health check
	r.GET("/health", healthHandler.Health)

	// API v1 routes
	v1 := r.Group("/api/v1", middleware.RequireUser())
	{
		v1.POST("/async/process-video", taskHandler.ProcessVideo)
		v1.GET("/tasks", taskHandler.ListTasks)
		v1.GET("/tasks/:task_id", taskHandler.GetTask)
	}

	return r
}
