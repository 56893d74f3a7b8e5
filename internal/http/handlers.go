package http

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/parsascontentcorner/liveringserver/internal/calls"
	"github.com/parsascontentcorner/liveringserver/internal/models"
	"github.com/parsascontentcorner/liveringserver/pkg/logger"
)

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Handlers contains the REST handlers for the call lifecycle.
type Handlers struct {
	machine  *calls.Machine
	recovery *calls.Recovery
	db       HealthChecker
	logger   *zap.Logger
	ready    atomic.Bool
}

// NewHandlers creates a new handlers instance. db may be nil when the store is
// not backed by a database.
func NewHandlers(machine *calls.Machine, recovery *calls.Recovery, db HealthChecker, logger *zap.Logger) *Handlers {
	return &Handlers{
		machine:  machine,
		recovery: recovery,
		db:       db,
		logger:   logger,
	}
}

// SetReady flips the readiness probe. The server reports not ready until
// orphan recovery has finished.
func (h *Handlers) SetReady(ready bool) {
	h.ready.Store(ready)
}

type ringRequest struct {
	RequestID string `json:"request_id" binding:"required"`
	AgentID   string `json:"agent_id" binding:"required"`
}

type resolveRequest struct {
	ReconnectToken string `json:"reconnect_token" binding:"required"`
}

type callResponse struct {
	Session        *models.CallSession `json:"session"`
	ReconnectToken string              `json:"reconnect_token,omitempty"`
	Applied        *bool               `json:"applied,omitempty"`
}

// Health handles GET /health.
func (h *Handlers) Health(c *gin.Context) {
	if h.db != nil {
		if err := h.db.Health(c.Request.Context()); err != nil {
			logger.FromGin(c, h.logger).Warn("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready handles GET /ready.
func (h *Handlers) Ready(c *gin.Context) {
	if !h.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "recovering"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Ring handles POST /v1/calls. Only visitors ring.
func (h *Handlers) Ring(c *gin.Context) {
	id := identityFrom(c)
	if id.IsAgent() {
		c.JSON(http.StatusForbidden, gin.H{"error": "only visitors can ring"})
		return
	}

	var req ringRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	session, err := h.machine.Ring(c.Request.Context(), calls.RingRequest{
		RequestID:      req.RequestID,
		OrganizationID: id.OrganizationID,
		VisitorID:      id.UserID,
		AgentID:        req.AgentID,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, callResponse{Session: session})
}

// Get handles GET /v1/calls/:id.
func (h *Handlers) Get(c *gin.Context) {
	id := identityFrom(c)

	session, err := h.machine.Store().FindByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if !session.HasParty(id.UserID) {
		h.fail(c, calls.ErrNotParticipant)
		return
	}

	c.JSON(http.StatusOK, h.respond(session, id.UserID, nil))
}

// Accept handles POST /v1/calls/:id/accept.
func (h *Handlers) Accept(c *gin.Context) {
	id := identityFrom(c)
	if !id.IsAgent() {
		c.JSON(http.StatusForbidden, gin.H{"error": "only agents can accept"})
		return
	}
	h.transition(c, func(ctx context.Context, sessionID string) (*calls.Result, error) {
		return h.machine.Accept(ctx, sessionID, id.UserID)
	})
}

// Reject handles POST /v1/calls/:id/reject.
func (h *Handlers) Reject(c *gin.Context) {
	id := identityFrom(c)
	if !id.IsAgent() {
		c.JSON(http.StatusForbidden, gin.H{"error": "only agents can reject"})
		return
	}
	h.transition(c, func(ctx context.Context, sessionID string) (*calls.Result, error) {
		return h.machine.Reject(ctx, sessionID, id.UserID)
	})
}

// Cancel handles POST /v1/calls/:id/cancel.
func (h *Handlers) Cancel(c *gin.Context) {
	id := identityFrom(c)
	h.transition(c, func(ctx context.Context, sessionID string) (*calls.Result, error) {
		return h.machine.Cancel(ctx, sessionID, id.UserID)
	})
}

// End handles POST /v1/calls/:id/end.
func (h *Handlers) End(c *gin.Context) {
	id := identityFrom(c)
	h.transition(c, func(ctx context.Context, sessionID string) (*calls.Result, error) {
		return h.machine.Complete(ctx, sessionID, id.UserID)
	})
}

// Resolve handles POST /v1/calls/resolve. It tells a restarted client whether
// its reconnect token still names a resumable call. The token is not rotated;
// resuming happens on the websocket.
func (h *Handlers) Resolve(c *gin.Context) {
	id := identityFrom(c)

	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	session, err := h.recovery.ResolveByToken(c.Request.Context(), req.ReconnectToken)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !session.HasParty(id.UserID) {
		h.fail(c, calls.ErrNotParticipant)
		return
	}

	c.JSON(http.StatusOK, callResponse{Session: session})
}

func (h *Handlers) transition(c *gin.Context, apply func(ctx context.Context, sessionID string) (*calls.Result, error)) {
	id := identityFrom(c)

	res, err := apply(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	applied := res.Applied
	c.JSON(http.StatusOK, h.respond(res.Session, id.UserID, &applied))
}

// respond attaches the reconnect token for parties of a resumable session.
func (h *Handlers) respond(session *models.CallSession, userID string, applied *bool) callResponse {
	resp := callResponse{Session: session, Applied: applied}
	if session.HasParty(userID) && session.IsResumable() {
		resp.ReconnectToken = session.ReconnectToken.String
	}
	return resp
}

// fail maps lifecycle errors to HTTP statuses.
func (h *Handlers) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, calls.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, calls.ErrAgentUnavailable):
		status = http.StatusConflict
	case errors.Is(err, calls.ErrSessionNotFound), errors.Is(err, calls.ErrTokenNotFound):
		status = http.StatusNotFound
	case errors.Is(err, calls.ErrSessionTerminal):
		status = http.StatusGone
	case errors.Is(err, calls.ErrNotParticipant):
		status = http.StatusForbidden
	}

	if status == http.StatusInternalServerError {
		logger.FromGin(c, h.logger).Error("call request failed", zap.Error(err))
		_ = c.Error(err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
