package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"faxbridge/internal/audit"
	"faxbridge/internal/auth"
	"faxbridge/internal/fax"
	"faxbridge/internal/faxstore"
	"faxbridge/internal/supervisor"
	"faxbridge/pkg/logger"

	"github.com/gin-gonic/gin"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 500
	healthTimeout     = 2 * time.Second
)

type Store interface {
	Ping(ctx context.Context) error
	Requeue(ctx context.Context, jobID int64) error
}

type EventSource interface {
	Recent(limit int) []audit.Event
}

// Handlers groups the ops HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	ServerName string
	Store      Store
	Status     *supervisor.Status
	Events     EventSource
	Audit      *audit.Service
}

// Health reports whether the job store answers.
func (h Handlers) Health(c *gin.Context) {
	if h.Store == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "store not configured"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		logger.From(c.Request.Context()).Warn("health check failed", "err", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Status returns the last batch summary of each pipeline.
func (h Handlers) Status(c *gin.Context) {
	if h.Status == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "status not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"server_name": h.ServerName,
		"loop":        h.Status.Snapshot(),
	})
}

// Events lists recent audit events, newest first. ?limit= caps the count.
func (h Handlers) Events(c *gin.Context) {
	if h.Events == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "events not configured"})
		return
	}
	limit := defaultEventLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxEventLimit)
	}
	c.JSON(http.StatusOK, gin.H{"events": h.Events.Recent(limit)})
}

// Requeue moves a failed job, or one stuck in processing past the stale-claim window, back to created.
// RBAC: operator or super_admin.
func (h Handlers) Requeue(c *gin.Context) {
	if h.Store == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "store not configured"})
		return
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "job id must be a positive integer"})
		return
	}

	ctx := c.Request.Context()
	if err := h.Store.Requeue(ctx, id); err != nil {
		status, msg := requeueStatus(err)
		if status >= http.StatusInternalServerError {
			logger.From(ctx).Error("requeue failed", "job_id", id, "err", err)
		}
		c.AbortWithStatusJSON(status, gin.H{"error": msg})
		return
	}

	actor, _ := auth.UserID(ctx)
	role, _ := auth.Role(ctx)
	logger.From(ctx).Info("job requeued", "job_id", id, "actor", actor)
	if h.Audit != nil {
		if err := h.Audit.LogRequeue(ctx, strconv.FormatInt(id, 10), actor, role, c.ClientIP()); err != nil {
			logger.From(ctx).Warn("audit requeue", "err", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "state": fax.JobStateCreated})
}

func requeueStatus(err error) (int, string) {
	var nf *fax.NotFoundError
	switch {
	case errors.As(err, &nf):
		return http.StatusNotFound, "job not found"
	case errors.Is(err, faxstore.ErrStateConflict):
		return http.StatusConflict, "job is not in a requeueable state"
	case fax.IsRetryable(err):
		return http.StatusServiceUnavailable, "store unavailable"
	default:
		return http.StatusInternalServerError, "requeue failed"
	}
}
