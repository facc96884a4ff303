// Package adminapi exposes a small gin HTTP surface over the session
// store and thread registry for operational inspection and manual
// recovery actions. Grounded on cmd/agent-manager/main.go's gin.New()
// wiring and internal/task/api/router.go's route-group registration
// style, re-pointed from task/agent-instance CRUD onto this domain's
// thread/session model; internal/agent/api/handlers.go's
// AppError-per-failure-mode pattern is reused directly via
// internal/common/errors.
package adminapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	commonerrors "github.com/kandev/kandev/internal/common/errors"
	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/core/model"
	"github.com/kandev/kandev/internal/sessionstore"
	"github.com/kandev/kandev/internal/threadentity"
)

// entityOps is the subset of *threadentity.Registry the admin surface
// drives; narrowed to an interface so handlers are testable without
// standing up a full Provisioner.
type entityOps interface {
	Recreate(ctx context.Context, key, threadID string) error
	Pause(ctx context.Context, key, threadID, reason string) (*model.SessionRecord, error)
	Logs(ctx context.Context, key, threadID string, lines int) (sandboxID, output string, err error)
}

var _ entityOps = (*threadentity.Registry)(nil)

// Handler holds the collaborators every admin route needs.
type Handler struct {
	store  sessionstore.Store
	entity entityOps
	log    *logger.Logger
}

// NewHandler constructs a Handler.
func NewHandler(store sessionstore.Store, entity entityOps, log *logger.Logger) *Handler {
	return &Handler{
		store:  store,
		entity: entity,
		log:    log.WithFields(zap.String("component", "adminapi")),
	}
}

// SetupRoutes registers the admin routes under the given group, typically
// "/api/v1".
func SetupRoutes(router *gin.RouterGroup, h *Handler) {
	threads := router.Group("/threads")
	{
		threads.GET("", h.ListTracked)
		threads.GET("/active", h.ListActive)
		threads.GET("/:threadId/status", h.GetStatus)
		threads.POST("/:threadId/recreate", h.Recreate)
		threads.POST("/:threadId/pause", h.Pause)
		threads.GET("/:threadId/logs/stream", h.StreamLogs)
	}
}

// HealthResponse mirrors the teacher's liveness probe shape.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheck answers GET /health.
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Timestamp: time.Now()})
}

// ListTracked answers GET /api/v1/threads: every non-destroyed session
// record (spec §4.2 ListTracked).
func (h *Handler) ListTracked(c *gin.Context) {
	records, err := h.store.ListTracked(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"threads": recordsToResponses(records)})
}

// ListActive answers GET /api/v1/threads/active.
func (h *Handler) ListActive(c *gin.Context) {
	records, err := h.store.ListActive(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"threads": recordsToResponses(records)})
}

// GetStatus answers GET /api/v1/threads/:threadId/status with a plain
// store read that never touches LastActivity, like ThreadEntity.Status
// (spec Open Question 1: admin reads never count as activity).
func (h *Handler) GetStatus(c *gin.Context) {
	threadID := c.Param("threadId")
	record, err := h.store.GetByThread(c.Request.Context(), threadID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if record == nil {
		appErr := commonerrors.NotFound("thread session", threadID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, recordToResponse(record))
}

// Recreate answers POST /api/v1/threads/:threadId/recreate: destroys the
// current sandbox (if any) and clears in-memory actor state, so the next
// inbound message re-provisions from scratch (spec §4.4 recreate).
func (h *Handler) Recreate(c *gin.Context) {
	threadID := c.Param("threadId")
	key := threadentity.Key(threadID, true)
	if err := h.entity.Recreate(c.Request.Context(), key, threadID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "thread session recreated"})
}

type pauseRequest struct {
	Reason string `json:"reason"`
}

// Pause answers POST /api/v1/threads/:threadId/pause.
func (h *Handler) Pause(c *gin.Context) {
	threadID := c.Param("threadId")
	var req pauseRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "manual-admin-pause"
	}

	key := threadentity.Key(threadID, true)
	record, err := h.entity.Pause(c.Request.Context(), key, threadID, req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, recordToResponse(record))
}

func (h *Handler) fail(c *gin.Context, err error) {
	h.log.Error("admin api request failed", zap.Error(err))
	appErr := commonerrors.InternalError("request failed", err)
	c.JSON(appErr.HTTPStatus, appErr)
}

// sessionResponse is the wire shape for a SessionRecord; kept distinct
// from model.SessionRecord so storage-column renames don't leak into the
// API surface.
type sessionResponse struct {
	ThreadID        string     `json:"threadId"`
	ChannelID       string     `json:"channelId"`
	GuildID         string     `json:"guildId"`
	Status          string     `json:"status"`
	SandboxID       string     `json:"sandboxId,omitempty"`
	AgentSessionID  string     `json:"agentSessionId,omitempty"`
	LastActivity    *time.Time `json:"lastActivity,omitempty"`
	LastError       *string    `json:"lastError,omitempty"`
	ResumeFailCount int        `json:"resumeFailCount"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

func recordToResponse(r *model.SessionRecord) sessionResponse {
	return sessionResponse{
		ThreadID:        r.ThreadID,
		ChannelID:       r.ChannelID,
		GuildID:         r.GuildID,
		Status:          string(r.Status),
		SandboxID:       r.SandboxID,
		AgentSessionID:  r.AgentSessionID,
		LastActivity:    &r.LastActivity,
		LastError:       r.LastError,
		ResumeFailCount: r.ResumeFailCount,
		UpdatedAt:       r.UpdatedAt,
	}
}

func recordsToResponses(records []*model.SessionRecord) []sessionResponse {
	out := make([]sessionResponse, 0, len(records))
	for _, r := range records {
		out = append(out, recordToResponse(r))
	}
	return out
}
