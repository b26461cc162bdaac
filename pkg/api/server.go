// Package api exposes the session orchestrator over HTTP and lets WebSocket
// clients observe live streams.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/workflowkit/chatstream/pkg/config"
	"github.com/workflowkit/chatstream/pkg/session"
	"github.com/workflowkit/chatstream/pkg/version"
)

// Server is the HTTP front for the orchestrator.
type Server struct {
	orch   *session.Orchestrator
	cfg    *config.Config
	logger *slog.Logger
	http   *http.Server
}

// NewServer wires the API server. Routes are registered on a fresh gin
// engine; Start binds it to the configured address.
func NewServer(cfg *config.Config, orch *session.Orchestrator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{orch: orch, cfg: cfg, logger: logger}
	s.http = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the route table.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.health)

	apiGroup := r.Group("/api")
	{
		apiGroup.POST("/sessions", s.createSession)
		apiGroup.GET("/sessions/:id", s.getSession)
		apiGroup.POST("/sessions/:id/messages", s.sendMessage)
		apiGroup.PUT("/sessions/:id/messages", s.setMessages)
		apiGroup.POST("/sessions/:id/stop", s.stopSession)
		apiGroup.POST("/sessions/:id/regenerate", s.regenerateSession)
		apiGroup.GET("/sessions/:id/ws", s.observeSession)

		apiGroup.POST("/tasks", s.createTask)
		apiGroup.POST("/tasks/:id/start", s.startTask)
		apiGroup.GET("/tasks/:id", s.getTask)
	}
	return r
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version.Full()})
}
