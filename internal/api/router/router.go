package router

import (
	"github.com/cuongbtq/mintqueue/internal/api/handler"
	"github.com/cuongbtq/mintqueue/internal/metrics"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", handler.HealthHandler(deps))
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Submit a transaction job
			jobs.POST("", jobHandler.SubmitJob)

			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job status
			jobs.GET("/:job_id", jobHandler.GetJob)

			// GET /api/v1/jobs/:job_id/events - Stream state changes (SSE)
			jobs.GET("/:job_id/events", jobHandler.StreamJobEvents)

			// POST /api/v1/jobs/:job_id/cancel - Cancel a pending job
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)
		}

		admin := v1.Group("/admin")
		{
			// POST /api/v1/admin/jobs/:job_id/abandon - Abandon a non-terminal job
			admin.POST("/jobs/:job_id/abandon", jobHandler.AbandonJob)
		}
	}

	return r
}
