package router

import (
	"github.com/cuongbtq/loan-backoffice/internal/api/handler"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())
	if deps.Metrics != nil {
		r.Use(MetricsMiddleware(deps.Metrics))
	}

	r.GET("/health", handler.Health(deps))

	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	jobHandler := handler.NewJobHandler(deps)
	submissionHandler := handler.NewSubmissionHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/ocr-jobs")
		{
			// POST /api/v1/ocr-jobs - Enqueue OCR for a document
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/ocr-jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/ocr-jobs/:natural_key - Get job status
			jobs.GET("/:natural_key", jobHandler.GetJob)

			// GET /api/v1/ocr-jobs/:natural_key/result - Get extraction result
			jobs.GET("/:natural_key/result", jobHandler.GetResult)

			// POST /api/v1/ocr-jobs/:natural_key/reset - Requeue a finished job
			jobs.POST("/:natural_key/reset", jobHandler.ResetJob)
		}

		submissions := v1.Group("/submissions")
		{
			submissions.GET("/due", submissionHandler.ListDue)
			submissions.GET("/:submission_id/retry-state", submissionHandler.GetRetryState)
			submissions.POST("/:submission_id/retry", submissionHandler.Retry)
			submissions.POST("/:submission_id/cancel", submissionHandler.Cancel)
		}
	}

	return r
}
