package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unforced/thinking-space/internal/agent/permission"
	"github.com/unforced/thinking-space/internal/agent/supervisor"
	"github.com/unforced/thinking-space/internal/common/logger"
	"github.com/unforced/thinking-space/internal/events"
	"github.com/unforced/thinking-space/internal/events/bus"
)

type fakeController struct {
	mu        sync.Mutex
	running   bool
	apiKey    string
	startErr  error
	messages  []supervisor.MessageRequest
	cancelled []string
	decisions map[string]permission.Decision
	pending   map[string]bool
	sent      chan supervisor.MessageRequest
}

func newFakeController() *fakeController {
	return &fakeController{
		decisions: make(map[string]permission.Decision),
		pending:   map[string]bool{"perm-1": true},
		sent:      make(chan supervisor.MessageRequest, 8),
	}
}

func (f *fakeController) Start(_ context.Context, apiKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	f.apiKey = apiKey
	return nil
}

func (f *fakeController) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	return nil
}

func (f *fakeController) SendMessage(_ context.Context, req supervisor.MessageRequest) error {
	f.mu.Lock()
	running := f.running
	f.messages = append(f.messages, req)
	f.mu.Unlock()
	if !running {
		return supervisor.ErrNotRunning
	}
	f.sent <- req
	return nil
}

func (f *fakeController) Cancel(_ context.Context, workDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return supervisor.ErrNotRunning
	}
	f.cancelled = append(f.cancelled, workDir)
	return nil
}

func (f *fakeController) RespondPermission(requestID string, d permission.Decision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.pending[requestID] {
		return fmt.Errorf("%w: %s", permission.ErrRequestNotFound, requestID)
	}
	delete(f.pending, requestID)
	f.decisions[requestID] = d
	return nil
}

func (f *fakeController) PendingPermissions() []permission.Pending {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []permission.Pending{}
	for id := range f.pending {
		out = append(out, permission.Pending{ID: id})
	}
	return out
}

func (f *fakeController) Status() supervisor.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return supervisor.Status{Running: f.running, AgentName: "fake"}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthAndStatus(t *testing.T) {
	ctrl := newFakeController()
	h := NewServer(ctrl, nil, logger.NewNop()).Router()

	rec := do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", health.Status)
	assert.False(t, health.Agent.Running)

	rec = do(t, h, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fake", decode[supervisor.Status](t, rec).AgentName)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestStartAndStop(t *testing.T) {
	ctrl := newFakeController()
	h := NewServer(ctrl, nil, logger.NewNop()).Router()

	rec := do(t, h, http.MethodPost, "/api/v1/agent/start", `{"apiKey":"sk-1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[StartResponse](t, rec).Status.Running)
	assert.Equal(t, "sk-1", ctrl.apiKey)

	rec = do(t, h, http.MethodPost, "/api/v1/agent/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, ctrl.Status().Running)

	rec = do(t, h, http.MethodPost, "/api/v1/agent/start", "")
	require.Equal(t, http.StatusOK, rec.Code, "an empty body starts without a key")
	assert.Empty(t, ctrl.apiKey)
}

func TestStart_Failure(t *testing.T) {
	ctrl := newFakeController()
	ctrl.startErr = errors.New("ACP initialize handshake failed: boom")
	h := NewServer(ctrl, nil, logger.NewNop()).Router()

	rec := do(t, h, http.MethodPost, "/api/v1/agent/start", `{}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Error, "handshake failed")
}

func TestSendMessage(t *testing.T) {
	ctrl := newFakeController()
	ctrl.running = true
	h := NewServer(ctrl, nil, logger.NewNop()).Router()

	rec := do(t, h, http.MethodPost, "/api/v1/messages", `{
		"requestId": "r1",
		"message": "hello",
		"workingDirectory": "/w",
		"history": [{"role": "user", "content": "earlier"}]
	}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "r1", decode[SendMessageResponse](t, rec).RequestID)

	select {
	case msg := <-ctrl.sent:
		assert.Equal(t, "hello", msg.Message)
		assert.Equal(t, "/w", msg.WorkingDirectory)
		require.Len(t, msg.History, 1)
		assert.Equal(t, "earlier", msg.History[0].Content)
	case <-time.After(2 * time.Second):
		t.Fatal("message was not dispatched")
	}
}

func TestSendMessage_Validation(t *testing.T) {
	ctrl := newFakeController()
	ctrl.running = true
	h := NewServer(ctrl, nil, logger.NewNop()).Router()

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "not json", body: `nope`, want: "invalid request"},
		{name: "missing fields", body: `{"message":"hi"}`, want: "requestId, workingDirectory"},
		{name: "empty message", body: `{"requestId":"r","workingDirectory":"/w"}`, want: "message"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/v1/messages", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decode[ErrorResponse](t, rec).Error, tt.want)
		})
	}
}

func TestSendMessage_NotRunning(t *testing.T) {
	ctrl := newFakeController()
	h := NewServer(ctrl, nil, logger.NewNop()).Router()

	rec := do(t, h, http.MethodPost, "/api/v1/messages", `{"requestId":"r1","message":"hi","workingDirectory":"/w"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Error, "not running")

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	assert.Len(t, ctrl.messages, 1, "the supervisor still sees the call so it can emit the error event")
}

func TestCancel(t *testing.T) {
	ctrl := newFakeController()
	h := NewServer(ctrl, nil, logger.NewNop()).Router()

	rec := do(t, h, http.MethodPost, "/api/v1/messages/cancel", `{"workingDirectory":"/w"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	ctrl.running = true
	rec = do(t, h, http.MethodPost, "/api/v1/messages/cancel", `{"workingDirectory":"/w"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"/w"}, ctrl.cancelled)

	rec = do(t, h, http.MethodPost, "/api/v1/messages/cancel", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRespondPermission(t *testing.T) {
	ctrl := newFakeController()
	ctrl.pending["perm-2"] = true
	h := NewServer(ctrl, nil, logger.NewNop()).Router()

	rec := do(t, h, http.MethodGet, "/api/v1/permissions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "perm-1")

	rec = do(t, h, http.MethodPost, "/api/v1/permissions/respond", `{"requestId":"perm-1","optionId":"allow"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, permission.Decision{OptionID: "allow"}, ctrl.decisions["perm-1"])

	rec = do(t, h, http.MethodPost, "/api/v1/permissions/respond", `{"requestId":"perm-1","optionId":"allow"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code, "already resolved")

	rec = do(t, h, http.MethodPost, "/api/v1/permissions/respond", `{"requestId":"perm-2"}`)
	assert.Equal(t, http.StatusOK, rec.Code, "a malformed decision still resolves the waiter")
	assert.Equal(t, permission.Decision{}, ctrl.decisions["perm-2"])

	rec = do(t, h, http.MethodPost, "/api/v1/permissions/respond", `{"optionId":"allow"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventStream(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	b := bus.NewMemoryEventBus(logger.NewNop())
	t.Cleanup(b.Close)
	hub := NewHub(b, "agent.events", logger.NewNop())
	hubDone := make(chan error, 1)
	go func() { hubDone <- hub.Run(ctx) }()

	srv := httptest.NewServer(NewServer(newFakeController(), hub, logger.NewNop()).Router())
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	emitter := events.NewBusEmitter(b, "agent.events", logger.NewNop())
	for i := range 5 {
		emitter.Emit(ctx, events.AgentMessageChunk, events.MessageChunkPayload{
			SessionID: "s1",
			RequestID: "r1",
			Text:      fmt.Sprintf("chunk-%d", i),
		})
	}
	emitter.Emit(ctx, events.AgentMessageComplete, events.MessageCompletePayload{RequestID: "r1", StopReason: "end_turn"})

	var got []StreamMessage
	for range 6 {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg StreamMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		got = append(got, msg)
	}

	for i := range 5 {
		assert.Equal(t, events.AgentMessageChunk, got[i].Type)
		payload, ok := got[i].Payload.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("chunk-%d", i), payload["text"])
		assert.Equal(t, "r1", payload["requestId"])
		assert.False(t, got[i].Timestamp.IsZero())
	}
	assert.Equal(t, events.AgentMessageComplete, got[5].Type)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-hubDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}
}

func TestEventStream_NotRegisteredWithoutHub(t *testing.T) {
	h := NewServer(newFakeController(), nil, logger.NewNop()).Router()
	rec := do(t, h, http.MethodGet, "/api/v1/events", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
