// Package api exposes the agent supervisor over HTTP and streams observer
// events to WebSocket clients.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/unforced/thinking-space/internal/agent/permission"
	"github.com/unforced/thinking-space/internal/agent/supervisor"
	"github.com/unforced/thinking-space/internal/common/httpmw"
	"github.com/unforced/thinking-space/internal/common/logger"
)

const serverName = "thinking-space"

// Controller is the part of the supervisor the API drives.
type Controller interface {
	Start(ctx context.Context, apiKey string) error
	Stop(ctx context.Context) error
	SendMessage(ctx context.Context, req supervisor.MessageRequest) error
	Cancel(ctx context.Context, workDir string) error
	RespondPermission(requestID string, d permission.Decision) error
	PendingPermissions() []permission.Pending
	Status() supervisor.Status
}

// Server is the HTTP API server.
type Server struct {
	ctrl   Controller
	hub    *Hub
	logger *logger.Logger
	router *gin.Engine
}

// NewServer creates the API server. hub may be nil, in which case the event
// stream endpoint is not registered.
func NewServer(ctrl Controller, hub *Hub, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		ctrl:   ctrl,
		hub:    hub,
		logger: log.WithFields(zap.String("component", "api-server")),
		router: gin.New(),
	}

	s.router.Use(
		gin.Recovery(),
		httpmw.RequestID(),
		httpmw.OtelTracing(serverName, "/health", "/api/v1/events"),
		httpmw.RequestLogger(s.logger, serverName),
	)

	s.setupRoutes()
	return s
}

// Router returns the HTTP router
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api/v1", s.originGuard(), requireJSON())
	{
		api.GET("/status", s.handleStatus)

		api.POST("/agent/start", s.handleStart)
		api.POST("/agent/stop", s.handleStop)

		api.POST("/messages", s.handleSendMessage)
		api.POST("/messages/cancel", s.handleCancel)

		api.GET("/permissions", s.handleListPermissions)
		api.POST("/permissions/respond", s.handleRespondPermission)

		if s.hub != nil {
			api.GET("/events", s.handleEvents)
		}
	}
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Agent     supervisor.Status `json:"agent"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Agent:     s.ctrl.Status(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.Status())
}
