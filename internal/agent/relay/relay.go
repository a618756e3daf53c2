// Package relay turns session/update notifications from the adapter into
// observer events, tagged with the session and the logical request that is
// currently active for it.
package relay

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/unforced/thinking-space/internal/common/logger"
	"github.com/unforced/thinking-space/internal/events"
	"github.com/unforced/thinking-space/pkg/acp/jsonrpc"
)

// Relay forwards session updates. It is called from the connection's read
// loop, so events leave in the order the adapter sent them.
type Relay struct {
	mu      sync.RWMutex
	current map[string]string // session id -> logical request id

	emitter   events.Emitter
	logger    *logger.Logger
	malformed atomic.Int64
}

// New creates a relay publishing on emitter.
func New(emitter events.Emitter, log *logger.Logger) *Relay {
	return &Relay{
		current: make(map[string]string),
		emitter: emitter,
		logger:  log.WithComponent("relay"),
	}
}

// SetCurrentRequest marks requestID as the logical request for every update
// of sessionID until the next call. Callers set it right before prompting.
func (r *Relay) SetCurrentRequest(sessionID, requestID string) {
	r.mu.Lock()
	r.current[sessionID] = requestID
	r.mu.Unlock()
}

// CurrentRequest returns the logical request id active for sessionID.
func (r *Relay) CurrentRequest(sessionID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current[sessionID]
}

// Reset forgets every session's request id.
func (r *Relay) Reset() {
	r.mu.Lock()
	r.current = make(map[string]string)
	r.mu.Unlock()
}

// MalformedUpdates counts session/update notifications that failed to decode.
func (r *Relay) MalformedUpdates() int64 {
	return r.malformed.Load()
}

// HandleNotification is a jsonrpc.NotificationHandler.
func (r *Relay) HandleNotification(ctx context.Context, method string, params json.RawMessage) {
	if method != jsonrpc.NotificationSessionUpdate {
		r.logger.Debug("ignoring notification", zap.String("method", method))
		return
	}

	var n acp.SessionNotification
	if err := json.Unmarshal(params, &n); err != nil {
		r.malformed.Add(1)
		r.logger.Warn("malformed session/update notification", zap.Error(err))
		return
	}
	r.Relay(ctx, n)
}

// Relay emits the observer event for one session update. Thought chunks,
// plan updates and command-list updates are accepted and dropped.
func (r *Relay) Relay(ctx context.Context, n acp.SessionNotification) {
	sessionID := string(n.SessionId)
	requestID := r.CurrentRequest(sessionID)
	u := n.Update

	switch {
	case u.AgentMessageChunk != nil:
		if u.AgentMessageChunk.Content.Text == nil {
			r.logger.Debug("dropping non-text message chunk", zap.String("session_id", sessionID))
			return
		}
		r.emitter.Emit(ctx, events.AgentMessageChunk, events.MessageChunkPayload{
			SessionID: sessionID,
			RequestID: requestID,
			Text:      u.AgentMessageChunk.Content.Text.Text,
		})

	case u.UserMessageChunk != nil:
		if u.UserMessageChunk.Content.Text == nil {
			return
		}
		r.emitter.Emit(ctx, events.UserMessageChunk, events.UserMessageChunkPayload{
			SessionID: sessionID,
			Text:      u.UserMessageChunk.Content.Text.Text,
		})

	case u.ToolCall != nil:
		status := string(u.ToolCall.Status)
		if status == "" {
			status = "pending"
		}
		locations := make([]events.ToolCallLocation, len(u.ToolCall.Locations))
		for i, loc := range u.ToolCall.Locations {
			locations[i] = events.ToolCallLocation{Path: loc.Path, Line: loc.Line}
		}
		r.emitter.Emit(ctx, events.ToolCall, events.ToolCallPayload{
			SessionID:  sessionID,
			RequestID:  requestID,
			ToolCallID: string(u.ToolCall.ToolCallId),
			Title:      u.ToolCall.Title,
			Status:     status,
			Kind:       string(u.ToolCall.Kind),
			RawInput:   u.ToolCall.RawInput,
			Locations:  locations,
		})

	case u.ToolCallUpdate != nil:
		payload := events.ToolCallUpdatePayload{
			SessionID:  sessionID,
			RequestID:  requestID,
			ToolCallID: string(u.ToolCallUpdate.ToolCallId),
			RawOutput:  u.ToolCallUpdate.RawOutput,
		}
		if u.ToolCallUpdate.Status != nil {
			status := string(*u.ToolCallUpdate.Status)
			payload.Status = &status
		}
		if len(u.ToolCallUpdate.Content) > 0 {
			payload.Content = u.ToolCallUpdate.Content
		}
		r.emitter.Emit(ctx, events.ToolCallUpdate, payload)

	case u.CurrentModeUpdate != nil:
		r.emitter.Emit(ctx, events.ModeUpdate, events.ModeUpdatePayload{
			SessionID: sessionID,
			Mode:      string(u.CurrentModeUpdate.CurrentModeId),
		})

	case u.AgentThoughtChunk != nil, u.Plan != nil, u.AvailableCommandsUpdate != nil:
		// Not surfaced to the observer yet.

	default:
		r.logger.Debug("ignoring unknown session update kind", zap.String("session_id", sessionID))
	}
}
