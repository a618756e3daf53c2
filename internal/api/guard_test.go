package api

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unforced/thinking-space/internal/common/logger"
	"github.com/unforced/thinking-space/internal/events/bus"
)

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name   string
		origin string
		host   string
		want   bool
	}{
		{name: "no origin", origin: "", host: "127.0.0.1:7420", want: true},
		{name: "localhost", origin: "http://localhost:3000", host: "127.0.0.1:7420", want: true},
		{name: "loopback ip", origin: "http://127.0.0.1:1420", host: "127.0.0.1:7420", want: true},
		{name: "ipv6 loopback", origin: "http://[::1]:1420", host: "127.0.0.1:7420", want: true},
		{name: "https localhost", origin: "https://localhost", host: "localhost:7420", want: true},
		{name: "same origin", origin: "https://agent.example.com", host: "agent.example.com:7420", want: true},
		{name: "cross origin", origin: "https://evil.example", host: "127.0.0.1:7420", want: false},
		{name: "localhost prefix", origin: "http://localhost.evil.example", host: "127.0.0.1:7420", want: false},
		{name: "loopback prefix", origin: "http://127.0.0.1.evil.example", host: "127.0.0.1:7420", want: false},
		{name: "null origin", origin: "null", host: "127.0.0.1:7420", want: false},
		{name: "non-http scheme", origin: "file://localhost", host: "127.0.0.1:7420", want: false},
		{name: "empty host", origin: "https://agent.example.com", host: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &http.Request{
				Header: http.Header{},
				Host:   tt.host,
				URL:    &url.URL{Host: tt.host},
			}
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, checkOrigin(r))
		})
	}
}

func TestForeignOriginIsRejected(t *testing.T) {
	ctrl := newFakeController()
	ctrl.running = true
	h := NewServer(ctrl, nil, logger.NewNop()).Router()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/permissions/respond",
		strings.NewReader(`{"requestId":"perm-1","optionId":"allow"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, ctrl.decisions)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/agent/stop", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.True(t, ctrl.Status().Running)
}

func TestNonJSONBodyIsRejected(t *testing.T) {
	tests := []struct {
		name        string
		path        string
		body        string
		contentType string
	}{
		{name: "text/plain decision", path: "/api/v1/permissions/respond", body: `{"requestId":"perm-1","optionId":"allow"}`, contentType: "text/plain"},
		{name: "form message", path: "/api/v1/messages", body: `{"requestId":"r1","message":"hi","workingDirectory":"/w"}`, contentType: "application/x-www-form-urlencoded"},
		{name: "missing content type", path: "/api/v1/agent/start", body: `{"apiKey":"k"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := newFakeController()
			ctrl.running = true
			h := NewServer(ctrl, nil, logger.NewNop()).Router()

			req := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(tt.body))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
			assert.Empty(t, ctrl.decisions)
			assert.Empty(t, ctrl.messages)
			assert.Empty(t, ctrl.apiKey)
		})
	}
}

func TestJSONWithCharsetIsAccepted(t *testing.T) {
	ctrl := newFakeController()
	h := NewServer(ctrl, nil, logger.NewNop()).Router()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/permissions/respond",
		strings.NewReader(`{"requestId":"perm-1","cancelled":true}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, ctrl.decisions["perm-1"].Cancelled)
}

func TestEventStream_RejectsForeignOrigin(t *testing.T) {
	b := bus.NewMemoryEventBus(logger.NewNop())
	t.Cleanup(b.Close)
	hub := NewHub(b, "agent.events", logger.NewNop())
	go func() { _ = hub.Run(t.Context()) }()

	srv := httptest.NewServer(NewServer(newFakeController(), hub, logger.NewNop()).Router())
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"http://localhost:1420"}})
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}
