package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/mintqueue/internal/api/dto"
	"github.com/cuongbtq/mintqueue/internal/domain"
	"github.com/cuongbtq/mintqueue/internal/queue"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// SubmitJob handles POST /api/v1/jobs
// Enqueues a transaction job; a repeated idempotency key returns the existing job
func (h *JobHandler) SubmitJob(c *gin.Context) {
	var req dto.SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body: " + err.Error(),
		})
		return
	}

	handle, err := h.coordinator.Submit(c.Request.Context(), req.IdempotencyKey, domain.ParseChain(req.Chain), req.Payload.ToDomain())
	if err != nil {
		h.respondError(c, err)
		return
	}

	status := http.StatusAccepted
	if handle.Existing {
		status = http.StatusOK
	}
	c.JSON(status, dto.SubmitJobResponse{
		JobID:    handle.JobID,
		State:    string(handle.State),
		Existing: handle.Existing,
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.coordinator.GetStatus(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.JobFromDomain(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs newest first, filtered by chain and state, with cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	filter := queue.ListFilter{
		PageSize: req.PageSize,
		Cursor:   req.Cursor,
	}
	if req.Chain != "" {
		filter.Chain = domain.ParseChain(req.Chain)
	}
	if req.State != "" {
		state, err := domain.ParseState(req.State)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		filter.State = state
	}

	page, err := h.coordinator.List(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, err)
		return
	}

	jobs := make([]dto.JobDTO, len(page.Jobs))
	for i, job := range page.Jobs {
		jobs[i] = dto.JobFromDomain(job)
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobs,
		NextCursor: page.NextCursor,
	})
}

// StreamJobEvents handles GET /api/v1/jobs/:job_id/events
// Streams state changes as server-sent events until the job is terminal
func (h *JobHandler) StreamJobEvents(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	sub, err := h.coordinator.Subscribe(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	defer sub.Close()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.Stream(func(w io.Writer) bool {
		ev, ok := <-sub.Events
		if !ok {
			return false
		}
		c.SSEvent("job", ev)
		return true
	})
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Cancels a job that has not been picked up by a worker yet
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.coordinator.Cancel(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.JobFromDomain(job))
}

// AbandonJob handles POST /api/v1/admin/jobs/:job_id/abandon
// Stops tracking any non-terminal job
func (h *JobHandler) AbandonJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	var req dto.AbandonJobRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
	}

	job, err := h.coordinator.Abandon(c.Request.Context(), jobID, req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.JobFromDomain(job))
}

func (h *JobHandler) jobID(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Warn("Invalid job_id format", slog.String("job_id", jobID))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return "", false
	}
	return jobID, true
}
