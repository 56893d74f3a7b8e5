// Package http serves the REST and websocket surface of the call lifecycle.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/parsascontentcorner/liveringserver/pkg/logger"
)

// RouteRegistrar mounts extra routes on the /v1 group.
type RouteRegistrar interface {
	RegisterRoutes(r gin.IRouter)
}

// Server wraps the HTTP server
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
}

// NewRouter builds the gin engine. ws handles its own authentication since
// browsers pass the token as a query parameter on the handshake.
func NewRouter(handlers *Handlers, verifier TokenVerifier, ws RouteRegistrar, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), logger.Middleware(log))

	r.GET("/health", handlers.Health)
	r.GET("/ready", handlers.Ready)

	v1 := r.Group("/v1")
	if ws != nil {
		ws.RegisterRoutes(v1)
	}

	api := v1.Group("/calls", requireIdentity(verifier, log))
	api.POST("", handlers.Ring)
	api.POST("/resolve", handlers.Resolve)
	api.GET("/:id", handlers.Get)
	api.POST("/:id/accept", handlers.Accept)
	api.POST("/:id/reject", handlers.Reject)
	api.POST("/:id/cancel", handlers.Cancel)
	api.POST("/:id/end", handlers.End)

	return r
}

// NewServer creates a new HTTP server
func NewServer(router http.Handler, port string, logger *zap.Logger) *Server {
	httpServer := &http.Server{
		Addr:        ":" + port,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout: it would cut long-lived websocket connections
		IdleTimeout: 60 * time.Second,
	}

	logger.Info("HTTP server configured", zap.String("port", port))

	return &Server{
		httpServer: httpServer,
		logger:     logger,
	}
}

// Serve starts the HTTP server
func (s *Server) Serve() error {
	s.logger.Info("starting HTTP server", zap.String("address", s.httpServer.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to serve HTTP: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
