// Package mockagent is a scripted ACP adapter. It answers initialize,
// session/new and session/prompt like a real adapter would, and drives the
// client-side callbacks (permissions, files, terminals) when a prompt ends in
// one of its slash commands. Tests run it in-process over pipes; the
// mock-agent binary runs it on stdio.
package mockagent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/unforced/thinking-space/internal/common/logger"
	"github.com/unforced/thinking-space/pkg/acp/jsonrpc"
)

const (
	AgentName    = "mock-agent"
	AgentVersion = "0.1.0"
)

// SessionInfo is what the agent recorded about one session/new call.
type SessionInfo struct {
	ID         string
	Cwd        string
	McpServers []jsonrpc.McpServer
}

type sessionState struct {
	info    SessionInfo
	prompts []string
	cancel  context.CancelFunc // cancels the running turn, nil when idle
}

// Agent is one scripted adapter instance.
type Agent struct {
	logger    *logger.Logger
	chunkWait time.Duration
	exit      func(code int)

	mu       sync.Mutex
	conn     *jsonrpc.Conn
	sessions map[string]*sessionState
	order    []string
	nextID   int
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(a *Agent) {
		a.logger = l
	}
}

// WithChunkDelay spaces out streamed chunks.
func WithChunkDelay(d time.Duration) Option {
	return func(a *Agent) {
		a.chunkWait = d
	}
}

// WithExitFunc sets what /crash calls. The default closes the connection.
func WithExitFunc(fn func(code int)) Option {
	return func(a *Agent) {
		a.exit = fn
	}
}

// New creates an agent.
func New(opts ...Option) *Agent {
	a := &Agent{
		logger:   logger.NewNop(),
		sessions: make(map[string]*sessionState),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.WithComponent("mock-agent")
	return a
}

// Serve speaks ACP on r/w until the peer disconnects.
func (a *Agent) Serve(r io.Reader, w io.Writer) error {
	conn := jsonrpc.NewConn(r, w,
		jsonrpc.WithLogger(a.logger),
		jsonrpc.WithRequestHandler(a.handleRequest),
		jsonrpc.WithNotificationHandler(a.handleNotification),
	)
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	<-conn.Done()
	conn.Wait()
	return conn.Err()
}

// Close drops the connection, as if the process had died.
func (a *Agent) Close() error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Sessions lists the sessions created so far, oldest first.
func (a *Agent) Sessions() []SessionInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]SessionInfo, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.sessions[id].info)
	}
	return out
}

// Prompts returns the prompt texts a session received, in order.
func (a *Agent) Prompts(sessionID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[sessionID]
	if !ok {
		return nil
	}
	return append([]string(nil), s.prompts...)
}

func (a *Agent) handleRequest(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case jsonrpc.MethodInitialize:
		return acp.InitializeResponse{
			ProtocolVersion:   acp.ProtocolVersionNumber,
			AgentCapabilities: acp.AgentCapabilities{LoadSession: false},
			AgentInfo:         &acp.Implementation{Name: AgentName, Version: AgentVersion},
		}, nil

	case jsonrpc.MethodSessionNew:
		var p jsonrpc.SessionNewParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, jsonrpc.NewError(jsonrpc.InvalidParams, err.Error(), nil)
		}
		return jsonrpc.SessionNewResult{SessionID: a.newSession(p)}, nil

	case jsonrpc.MethodSessionPrompt:
		var p acp.PromptRequest
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, jsonrpc.NewError(jsonrpc.InvalidParams, err.Error(), nil)
		}
		return a.prompt(ctx, p)

	default:
		return nil, jsonrpc.NewError(jsonrpc.MethodNotFound, "method not found: "+method, nil)
	}
}

func (a *Agent) handleNotification(_ context.Context, method string, params json.RawMessage) {
	if method != jsonrpc.NotificationSessionCancel {
		return
	}
	var n acp.CancelNotification
	if err := json.Unmarshal(params, &n); err != nil {
		a.logger.Warn("bad cancel notification", zap.Error(err))
		return
	}

	a.mu.Lock()
	s, ok := a.sessions[string(n.SessionId)]
	var cancel context.CancelFunc
	if ok {
		cancel = s.cancel
	}
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (a *Agent) newSession(p jsonrpc.SessionNewParams) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	id := fmt.Sprintf("mock-session-%d", a.nextID)
	a.sessions[id] = &sessionState{info: SessionInfo{ID: id, Cwd: p.Cwd, McpServers: p.McpServers}}
	a.order = append(a.order, id)
	return id
}

func (a *Agent) prompt(ctx context.Context, p acp.PromptRequest) (any, error) {
	sessionID := string(p.SessionId)
	text := promptText(p.Prompt)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.mu.Lock()
	s, ok := a.sessions[sessionID]
	if ok {
		s.prompts = append(s.prompts, text)
		s.cancel = cancel
	}
	a.mu.Unlock()
	if !ok {
		return nil, jsonrpc.NewError(jsonrpc.InvalidParams, "unknown session: "+sessionID, nil)
	}
	defer func() {
		a.mu.Lock()
		s.cancel = nil
		a.mu.Unlock()
	}()

	stop, err := a.handleUserPrompt(ctx, &turn{agent: a, sessionID: p.SessionId}, text)
	if err != nil {
		return nil, err
	}
	return acp.PromptResponse{StopReason: stop}, nil
}

func (a *Agent) connection() *jsonrpc.Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn
}

func promptText(blocks []acp.ContentBlock) string {
	var text string
	for _, b := range blocks {
		if b.Text != nil {
			text += b.Text.Text
		}
	}
	return text
}
