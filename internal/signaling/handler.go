package signaling

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/parsascontentcorner/liveringserver/internal/auth"
)

// TokenVerifier turns a bearer token into a verified identity.
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

// Handler upgrades authenticated HTTP requests to signaling connections.
type Handler struct {
	hub      *Hub
	verifier TokenVerifier
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler. With no allowed origins every
// origin is accepted.
func NewHandler(hub *Hub, verifier TokenVerifier, logger *zap.Logger, allowedOrigins ...string) *Handler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}

	return &Handler{
		hub:      hub,
		verifier: verifier,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				_, ok := allowed[r.Header.Get("Origin")]
				return ok
			},
		},
	}
}

// ServeWS handles GET /v1/ws.
func (h *Handler) ServeWS(c *gin.Context) {
	token := auth.TokenFromRequest(c.Request)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}

	identity, err := h.verifier.Verify(token)
	if err != nil {
		h.logger.Debug("rejected websocket handshake", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader already wrote the HTTP error
		h.logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	conn := newConn(h.hub, ws, uuid.NewString(), identity)
	h.hub.Register(conn)

	go conn.writePump()
	go conn.readPump(h.hub.runContext())
}

// RegisterRoutes mounts the websocket endpoint.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/ws", h.ServeWS)
}
