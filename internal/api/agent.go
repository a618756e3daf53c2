package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/unforced/thinking-space/internal/agent/permission"
	"github.com/unforced/thinking-space/internal/agent/session"
	"github.com/unforced/thinking-space/internal/agent/supervisor"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StartRequest optionally carries the adapter credential. It is never logged.
type StartRequest struct {
	APIKey string `json:"apiKey,omitempty"`
}

type StartResponse struct {
	Success bool              `json:"success"`
	Status  supervisor.Status `json:"status"`
}

func (s *Server) handleStart(c *gin.Context) {
	var req StartRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request: " + err.Error()})
			return
		}
	}

	if err := s.ctrl.Start(c.Request.Context(), req.APIKey); err != nil {
		s.logger.Error("failed to start agent", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, StartResponse{Success: true, Status: s.ctrl.Status()})
}

func (s *Server) handleStop(c *gin.Context) {
	if err := s.ctrl.Stop(c.Request.Context()); err != nil {
		s.logger.Error("failed to stop agent", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// SendMessageRequest starts one prompt turn.
type SendMessageRequest struct {
	RequestID        string            `json:"requestId"`
	Message          string            `json:"message"`
	WorkingDirectory string            `json:"workingDirectory"`
	SystemPrompt     string            `json:"systemPrompt,omitempty"`
	History          []session.Message `json:"history,omitempty"`
}

func (r *SendMessageRequest) validate() error {
	var missing []string
	if strings.TrimSpace(r.RequestID) == "" {
		missing = append(missing, "requestId")
	}
	if r.Message == "" {
		missing = append(missing, "message")
	}
	if strings.TrimSpace(r.WorkingDirectory) == "" {
		missing = append(missing, "workingDirectory")
	}
	if len(missing) > 0 {
		return errors.New("missing required fields: " + strings.Join(missing, ", "))
	}
	return nil
}

// SendMessageResponse acknowledges a prompt; its outcome arrives as events.
type SendMessageResponse struct {
	Accepted  bool   `json:"accepted"`
	RequestID string `json:"requestId"`
}

func (s *Server) handleSendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request: " + err.Error()})
		return
	}
	if err := req.validate(); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	msg := supervisor.MessageRequest{
		RequestID:        req.RequestID,
		Message:          req.Message,
		WorkingDirectory: req.WorkingDirectory,
		SystemPrompt:     req.SystemPrompt,
		History:          req.History,
	}

	// Not running fails synchronously; the supervisor still emits the
	// agent-message-error event for observers.
	if !s.ctrl.Status().Running {
		err := s.ctrl.SendMessage(c.Request.Context(), msg)
		if err == nil {
			err = supervisor.ErrNotRunning
		}
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
		return
	}

	// The turn outlives this request; its outcome arrives as events.
	ctx := context.WithoutCancel(c.Request.Context())
	go func() {
		if err := s.ctrl.SendMessage(ctx, msg); err != nil {
			s.logger.Debug("prompt ended with error",
				zap.String("request_id", msg.RequestID),
				zap.Error(err))
		}
	}()

	c.JSON(http.StatusAccepted, SendMessageResponse{Accepted: true, RequestID: req.RequestID})
}

// CancelRequest names the workspace whose running turn should stop.
type CancelRequest struct {
	WorkingDirectory string `json:"workingDirectory" binding:"required"`
}

func (s *Server) handleCancel(c *gin.Context) {
	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request: " + err.Error()})
		return
	}

	if err := s.ctrl.Cancel(c.Request.Context(), req.WorkingDirectory); err != nil {
		if errors.Is(err, supervisor.ErrNotRunning) {
			c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleListPermissions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pending": s.ctrl.PendingPermissions()})
}

// RespondPermissionRequest is the observer's decision for one permission
// request. Exactly one of OptionID and Cancelled is expected; a decision with
// neither still resolves the waiter, which then fails.
type RespondPermissionRequest struct {
	RequestID string `json:"requestId" binding:"required"`
	OptionID  string `json:"optionId,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

func (s *Server) handleRespondPermission(c *gin.Context) {
	var req RespondPermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request: " + err.Error()})
		return
	}

	err := s.ctrl.RespondPermission(req.RequestID, permission.Decision{
		OptionID:  req.OptionID,
		Cancelled: req.Cancelled,
	})
	if err != nil {
		if errors.Is(err, permission.ErrRequestNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
