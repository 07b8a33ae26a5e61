package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/cuongbtq/loan-backoffice/internal/api/dto"
	"github.com/cuongbtq/loan-backoffice/internal/submission"
	"github.com/gin-gonic/gin"
)

// actorHeader carries the back-office user that triggered a manual action
const actorHeader = "X-Actor"

// GetRetryState handles GET /api/v1/submissions/:submission_id/retry-state
func (h *SubmissionHandler) GetRetryState(c *gin.Context) {
	id := c.Param("submission_id")

	state, err := h.submissions.Get(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, "Failed to get retry state", id, err)
		return
	}

	c.JSON(http.StatusOK, toRetryStateDTO(state))
}

// Retry handles POST /api/v1/submissions/:submission_id/retry
// Re-runs the lender transmission; ?force=true bypasses the backoff window
func (h *SubmissionHandler) Retry(c *gin.Context) {
	id := c.Param("submission_id")

	force := false
	if raw := c.Query("force"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "force must be a boolean",
			})
			return
		}
		force = parsed
	}

	h.logger.Info("Retry called",
		slog.String("submission_id", id),
		slog.Bool("force", force),
	)

	state, err := h.submissions.Retry(c.Request.Context(), id, force)
	if err != nil {
		h.writeError(c, "Failed to retry submission", id, err)
		return
	}

	c.JSON(http.StatusOK, toRetryStateDTO(state))
}

// Cancel handles POST /api/v1/submissions/:submission_id/cancel
func (h *SubmissionHandler) Cancel(c *gin.Context) {
	id := c.Param("submission_id")

	actor := c.GetHeader(actorHeader)
	if actor == "" {
		actor = "api"
	}

	h.logger.Info("Cancel called",
		slog.String("submission_id", id),
		slog.String("actor", actor),
	)

	state, err := h.submissions.Cancel(c.Request.Context(), id, actor)
	if err != nil {
		h.writeError(c, "Failed to cancel submission", id, err)
		return
	}

	c.JSON(http.StatusOK, toRetryStateDTO(state))
}

// ListDue handles GET /api/v1/submissions/due
func (h *SubmissionHandler) ListDue(c *gin.Context) {
	var req dto.ListDueRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.Limit <= 0 {
		req.Limit = defaultPageSize
	}
	if req.Limit > maxPageSize {
		req.Limit = maxPageSize
	}

	states, err := h.submissions.ListDue(c.Request.Context(), req.Limit)
	if err != nil {
		h.logger.Error("Failed to list due submissions", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list due submissions",
		})
		return
	}

	resp := dto.ListDueResponse{Submissions: make([]dto.RetryStateDTO, len(states))}
	for i, s := range states {
		resp.Submissions[i] = toRetryStateDTO(s)
	}

	c.JSON(http.StatusOK, resp)
}

func (h *SubmissionHandler) writeError(c *gin.Context, msg, id string, err error) {
	switch {
	case errors.Is(err, submission.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": err.Error(),
		})
	case errors.Is(err, submission.ErrTerminal), errors.Is(err, submission.ErrNotDue):
		c.JSON(http.StatusConflict, gin.H{
			"error": err.Error(),
		})
	default:
		h.logger.Error(msg,
			slog.String("submission_id", id),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": msg,
		})
	}
}

func toRetryStateDTO(s *submission.RetryState) dto.RetryStateDTO {
	return dto.RetryStateDTO{
		SubmissionID:  s.SubmissionID,
		Status:        string(s.Status),
		AttemptCount:  s.AttemptCount,
		NextAttemptAt: formatTimePtr(s.NextAttemptAt),
		LastError:     s.LastError,
		CanceledAt:    formatTimePtr(s.CanceledAt),
		UpdatedAt:     formatTime(s.UpdatedAt),
	}
}
