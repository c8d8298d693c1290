package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/mintqueue/internal/domain"
	"github.com/cuongbtq/mintqueue/internal/queue"
	"github.com/gin-gonic/gin"
)

// HealthCheck reports whether one backing service is reachable
type HealthCheck func(ctx context.Context) error

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Coordinator *queue.Coordinator
	// HealthChecks are probed by GET /health, keyed by service name
	HealthChecks map[string]HealthCheck
	ServiceName  string
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger      *slog.Logger
	coordinator *queue.Coordinator
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:      deps.Logger,
		coordinator: deps.Coordinator,
	}
}

// respondError maps domain errors to HTTP status codes
func (h *JobHandler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidPayload),
		errors.Is(err, domain.ErrUnsupportedChain),
		errors.Is(err, queue.ErrInvalidCursor):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotCancelable),
		errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			slog.String("path", c.Request.URL.Path),
			slog.Any("error", err),
		)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}

	c.JSON(status, gin.H{"error": err.Error()})
}

// HealthHandler serves GET /health
func HealthHandler(deps *Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}
		healthy := true
		for name, check := range deps.HealthChecks {
			if err := check(c.Request.Context()); err != nil {
				healthy = false
				checks[name] = err.Error()
				continue
			}
			checks[name] = "ok"
		}

		status, code := "healthy", http.StatusOK
		if !healthy {
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":  status,
			"service": deps.ServiceName,
			"checks":  checks,
		})
	}
}
