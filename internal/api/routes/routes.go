package routes

import (
	"flowtomanual/agent/internal/api/handlers"
	"flowtomanual/agent/internal/api/middleware"
	"flowtomanual/agent/internal/config"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func SetupRoutes(cfg *config.Config, h *handlers.Handler, logger *zap.Logger) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()

	// Global middleware
	router.Use(middleware.Logger(logger))
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.CORSMiddleware())

	v1 := router.Group("/api/v1")
	{
		// Public routes (no auth required)
		v1.GET("/health", h.HealthCheck)
		v1.POST("/auth/pair", h.Pair)

		// Local preview files are opened directly by the browser.
		v1.GET("/previews/:name", h.ServePreview)

		protected := v1.Group("")
		protected.Use(middleware.AuthMiddleware())
		{
			protected.POST("/messages", h.PostMessage)
			protected.GET("/ws/steps", h.StepsWebSocket)

			recording := protected.Group("/recording")
			{
				recording.POST("/start", h.StartRecording)
				recording.POST("/stop", h.StopRecording)
				recording.GET("/status", h.GetRecordingStatus)
				recording.GET("/:id/timeline", h.GetTimeline)
				recording.POST("/:id/retry", h.RetryUpload)
				recording.DELETE("/:id", h.CleanupRecording)
			}

			protected.GET("/recordings", h.ListRecordings)
			protected.GET("/recordings/download/:id", h.DownloadRecording)
			protected.GET("/manuals", h.ListManuals)
			protected.POST("/manuals/generate/:id", h.GenerateManual)
			protected.GET("/manuals/download/:id", h.DownloadManual)

			sops := protected.Group("/sops")
			{
				sops.GET("", h.ListSOPs)
				sops.POST("", h.UploadSOP)
				sops.GET("/:name", h.DownloadSOP)
			}

			protected.GET("/auth/me", h.GetProfile)
			protected.POST("/auth/update-role", h.UpdateRole)
		}
	}

	return router
}
