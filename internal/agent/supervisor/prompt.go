package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/unforced/thinking-space/internal/agent/session"
	"github.com/unforced/thinking-space/internal/common/logger"
	"github.com/unforced/thinking-space/internal/events"
	"github.com/unforced/thinking-space/internal/tracing"
	"github.com/unforced/thinking-space/pkg/acp/jsonrpc"
)

const exitAttributionWait = 500 * time.Millisecond

// MessageRequest is one user-facing send-message call.
type MessageRequest struct {
	RequestID        string            `json:"requestId"`
	Message          string            `json:"message"`
	WorkingDirectory string            `json:"workingDirectory"`
	SystemPrompt     string            `json:"systemPrompt,omitempty"`
	History          []session.Message `json:"history,omitempty"`
}

// NewSession implements session.Creator over the current connection.
func (s *Supervisor) NewSession(ctx context.Context, workDir string, mcpServers []jsonrpc.McpServer) (string, error) {
	r := s.current()
	if r == nil {
		return "", ErrNotRunning
	}

	var resp jsonrpc.SessionNewResult
	err := r.conn.Call(ctx, jsonrpc.MethodSessionNew, jsonrpc.SessionNewParams{
		Cwd:        workDir,
		McpServers: mcpServers,
	}, &resp)
	if err != nil {
		return "", s.explain(r, err)
	}
	if resp.SessionID == "" {
		return "", errors.New("adapter returned an empty session id")
	}
	return resp.SessionID, nil
}

// SendMessage resolves the workspace session and runs one prompt turn. The
// outcome is reported to the observer as agent-message-complete (preceded by
// agent-max-tokens when the turn hit the token limit) or agent-message-error;
// the same error is also returned. It fails fast with ErrNotRunning.
func (s *Supervisor) SendMessage(ctx context.Context, req MessageRequest) error {
	ctx = logger.ContextWithRequestID(ctx, req.RequestID)
	log := s.logger.WithContext(ctx)

	stopReason, err := s.sendMessage(ctx, log, req)
	if err != nil {
		log.Warn("prompt failed", zap.Error(err))
		s.emitter.Emit(ctx, events.AgentMessageError, events.MessageErrorPayload{
			RequestID: req.RequestID,
			Error:     err.Error(),
		})
		return err
	}

	if stopReason == acp.StopReasonMaxTokens {
		s.emitter.Emit(ctx, events.AgentMaxTokens, events.MaxTokensPayload{
			RequestID: req.RequestID,
			Message:   "The response was cut short because the model reached its maximum output length.",
		})
	}
	s.emitter.Emit(ctx, events.AgentMessageComplete, events.MessageCompletePayload{
		RequestID:  req.RequestID,
		StopReason: string(stopReason),
	})
	return nil
}

func (s *Supervisor) sendMessage(ctx context.Context, log *logger.Logger, req MessageRequest) (acp.StopReason, error) {
	r := s.current()
	if r == nil {
		return "", ErrNotRunning
	}
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	sess, created, err := s.sessions.ResolveOrCreate(ctx, req.WorkingDirectory)
	if err != nil {
		return "", err
	}

	text := req.Message
	if created {
		systemPrompt := req.SystemPrompt
		if systemPrompt == "" {
			systemPrompt = s.agentCfg.DefaultSystemPrompt
		}
		text = session.BuildFirstPrompt(req.Message, systemPrompt, req.History)
	}

	s.relay.SetCurrentRequest(sess.ID, req.RequestID)

	ctx = logger.ContextWithSessionID(ctx, sess.ID)
	log = log.WithFields(zap.String("session_id", sess.ID))
	ctx, span := tracing.TraceACPCall(ctx, jsonrpc.MethodSessionPrompt, sess.ID)
	log.Info("sending prompt",
		zap.Bool("new_session", created),
		zap.Int("length", len(text)))

	var resp acp.PromptResponse
	err = r.conn.Call(ctx, jsonrpc.MethodSessionPrompt, acp.PromptRequest{
		SessionId: acp.SessionId(sess.ID),
		Prompt:    []acp.ContentBlock{acp.TextBlock(text)},
	}, &resp)
	if err != nil {
		err = s.explain(r, err)
		tracing.EndSpan(span, err)
		return "", err
	}
	tracing.EndSpan(span, nil)

	log.Info("prompt completed",
		zap.String("stop_reason", string(resp.StopReason)))
	return resp.StopReason, nil
}

// Cancel asks the adapter to stop the turn running in workDir's session. The
// pending prompt then completes with stop reason "cancelled". It is a no-op
// when the workspace has no session.
func (s *Supervisor) Cancel(ctx context.Context, workDir string) error {
	r := s.current()
	if r == nil {
		return ErrNotRunning
	}
	sess, ok := s.sessions.Get(workDir)
	if !ok {
		s.logger.Debug("cancel for workspace without session", zap.String("work_dir", workDir))
		return nil
	}

	s.logger.Info("cancelling prompt", zap.String("session_id", sess.ID))
	if err := r.conn.Notify(ctx, jsonrpc.NotificationSessionCancel, acp.CancelNotification{
		SessionId: acp.SessionId(sess.ID),
	}); err != nil {
		return s.explain(r, err)
	}
	return nil
}

// explain attributes a connection failure to a crash or a stop.
func (s *Supervisor) explain(r *run, err error) error {
	if !errors.Is(err, jsonrpc.ErrConnectionClosed) {
		return err
	}
	if r.stopping.Load() {
		return fmt.Errorf("%w: %v", ErrNotRunning, err)
	}
	// The read loop can see EOF slightly before the process is reaped.
	select {
	case <-r.proc.Done():
		return fmt.Errorf("%w: %s", ErrAdapterExited, r.proc.ExitReason())
	case <-time.After(exitAttributionWait):
		return err
	}
}
