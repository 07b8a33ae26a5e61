package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/loan-backoffice/internal/api/dto"
	"github.com/cuongbtq/loan-backoffice/internal/worker/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateJob handles POST /api/v1/ocr-jobs
// Enqueues OCR for a document; repeated calls return the existing job unchanged
func (h *JobHandler) CreateJob(c *gin.Context) {
	h.logger.Info("CreateJob called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
	)

	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if _, err := uuid.Parse(req.NaturalKey); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "natural_key must be a valid document UUID",
		})
		return
	}

	// A zero max_attempts takes the store default
	job, err := h.jobs.Enqueue(c.Request.Context(), req.NaturalKey, req.OwnerRef, req.MaxAttempts)
	if err != nil {
		h.logger.Error("Failed to enqueue job",
			slog.String("natural_key", req.NaturalKey),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to enqueue job",
		})
		return
	}

	c.JSON(http.StatusOK, toJobDTO(job))
}

// GetJob handles GET /api/v1/ocr-jobs/:natural_key
func (h *JobHandler) GetJob(c *gin.Context) {
	key := c.Param("natural_key")

	job, err := h.jobs.Get(c.Request.Context(), key)
	if err != nil {
		h.writeJobError(c, "Failed to get job", key, err)
		return
	}

	c.JSON(http.StatusOK, toJobDTO(job))
}

// GetResult handles GET /api/v1/ocr-jobs/:natural_key/result
func (h *JobHandler) GetResult(c *gin.Context) {
	key := c.Param("natural_key")

	result, err := h.jobs.GetResult(c.Request.Context(), key)
	if err != nil {
		h.writeJobError(c, "Failed to get result", key, err)
		return
	}

	c.JSON(http.StatusOK, dto.ResultDTO{
		NaturalKey:     result.NaturalKey,
		ProviderName:   result.ProviderName,
		Model:          result.Model,
		Text:           result.Text,
		StructuredJSON: result.StructuredJSON,
		Meta:           result.Meta,
		UpdatedAt:      formatTime(result.UpdatedAt),
	})
}

// ResetJob handles POST /api/v1/ocr-jobs/:natural_key/reset
// Requeues a finished or canceled job with a fresh attempt budget
func (h *JobHandler) ResetJob(c *gin.Context) {
	key := c.Param("natural_key")

	h.logger.Info("ResetJob called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("natural_key", key),
	)

	job, err := h.jobs.Reset(c.Request.Context(), key)
	if err != nil {
		h.writeJobError(c, "Failed to reset job", key, err)
		return
	}

	c.JSON(http.StatusOK, toJobDTO(job))
}

// ListJobs handles GET /api/v1/ocr-jobs
// Lists jobs newest first with optional filtering and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}

	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	status := domain.Status(req.Status)
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid status",
		})
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, err := h.jobs.List(c.Request.Context(), domain.JobFilter{
		OwnerRef: req.OwnerRef,
		Status:   status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(jobs))}
	for i, job := range jobs {
		resp.Jobs[i] = toJobDTO(job)
	}

	if hasMore {
		last := jobs[len(jobs)-1]
		resp.NextCursor = EncodeJobCursor(&domain.JobCursor{
			CreatedAt: last.CreatedAt,
			ID:        last.ID,
		})
	}

	c.JSON(http.StatusOK, resp)
}

func (h *JobHandler) writeJobError(c *gin.Context, msg, key string, err error) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound), errors.Is(err, domain.ErrResultNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": err.Error(),
		})
	case errors.Is(err, domain.ErrJobInFlight):
		c.JSON(http.StatusConflict, gin.H{
			"error": err.Error(),
		})
	default:
		h.logger.Error(msg,
			slog.String("natural_key", key),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": msg,
		})
	}
}

func toJobDTO(job *domain.Job) dto.JobDTO {
	return dto.JobDTO{
		ID:            job.ID,
		NaturalKey:    job.NaturalKey,
		OwnerRef:      job.OwnerRef,
		Status:        string(job.Status),
		AttemptCount:  job.AttemptCount,
		MaxAttempts:   job.MaxAttempts,
		NextAttemptAt: formatTimePtr(job.NextAttemptAt),
		LockedAt:      formatTimePtr(job.LockedAt),
		LockedBy:      job.LockedBy,
		LastError:     job.LastError,
		CreatedAt:     formatTime(job.CreatedAt),
		UpdatedAt:     formatTime(job.UpdatedAt),
	}
}
