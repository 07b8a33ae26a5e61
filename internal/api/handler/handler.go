package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/loan-backoffice/internal/metrics"
	"github.com/cuongbtq/loan-backoffice/internal/submission"
	"github.com/cuongbtq/loan-backoffice/internal/worker/storage"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// SubmissionService is the submission retry surface exposed over HTTP
type SubmissionService interface {
	Get(ctx context.Context, submissionID string) (*submission.RetryState, error)
	Retry(ctx context.Context, submissionID string, force bool) (*submission.RetryState, error)
	Cancel(ctx context.Context, submissionID, actor string) (*submission.RetryState, error)
	ListDue(ctx context.Context, limit int) ([]*submission.RetryState, error)
}

// HealthChecker reports whether a backing service is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Jobs        storage.JobStore
	Submissions SubmissionService

	// Health is optional; nil reports healthy
	Health      HealthChecker
	ServiceName string

	// Gatherer backs /metrics; nil leaves the route unregistered
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Metrics
}

// JobHandler handles OCR job HTTP requests
type JobHandler struct {
	logger *slog.Logger
	jobs   storage.JobStore
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		jobs:   deps.Jobs,
	}
}

// SubmissionHandler handles lender submission retry HTTP requests
type SubmissionHandler struct {
	logger      *slog.Logger
	submissions SubmissionService
}

// NewSubmissionHandler creates a new SubmissionHandler instance
func NewSubmissionHandler(deps *Dependencies) *SubmissionHandler {
	return &SubmissionHandler{
		logger:      deps.Logger,
		submissions: deps.Submissions,
	}
}

// Health handles GET /health
func Health(deps *Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		if deps.Health != nil {
			if err := deps.Health.HealthCheck(c.Request.Context()); err != nil {
				deps.Logger.Error("Health check failed", slog.Any("error", err))
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": deps.ServiceName,
				})
				return
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": deps.ServiceName,
		})
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
