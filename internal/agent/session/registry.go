// Package session maps workspace directories to adapter sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/unforced/thinking-space/internal/common/logger"
	"github.com/unforced/thinking-space/internal/events"
	"github.com/unforced/thinking-space/internal/tracing"
	"github.com/unforced/thinking-space/pkg/acp/jsonrpc"
)

// ErrRegistryCleared is returned to callers whose session creation raced
// with Clear; the session they created belongs to a discarded connection.
var ErrRegistryCleared = errors.New("session registry cleared during creation")

// Creator asks the adapter for a new session.
type Creator interface {
	NewSession(ctx context.Context, workDir string, mcpServers []jsonrpc.McpServer) (string, error)
}

// MCPSource returns the MCP servers to forward for a workspace.
type MCPSource interface {
	Servers(workDir string) ([]jsonrpc.McpServer, error)
}

// Session is one adapter conversation bound to a working directory.
type Session struct {
	ID        string
	WorkDir   string
	CreatedAt time.Time

	// introduced is set once a caller has been told the session is new.
	introduced atomic.Bool
}

// claimNew reports true to exactly one caller over the session's lifetime.
func (s *Session) claimNew() bool {
	return s.introduced.CompareAndSwap(false, true)
}

// Registry holds at most one session per working directory. Creation for a
// key is collapsed through singleflight, so concurrent callers for the same
// directory share one session/new round trip while other keys proceed.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	epoch    uint64 // bumped by Clear

	group   singleflight.Group
	creator Creator
	mcp     MCPSource
	emitter events.Emitter
	logger  *logger.Logger
}

// NewRegistry creates a registry. mcp may be nil, in which case sessions are
// created without MCP servers.
func NewRegistry(creator Creator, mcp MCPSource, emitter events.Emitter, log *logger.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		creator:  creator,
		mcp:      mcp,
		emitter:  emitter,
		logger:   log.WithFields(zap.String("component", "session-registry")),
	}
}

// ResolveOrCreate returns the session for workDir, creating it if absent.
// created is true for exactly one caller per session: the first to receive it
// after creation. That is normally the caller that triggered session/new, but
// if that caller gave up while the round trip was in flight, the next caller
// for the directory is told instead, so the first prompt's preamble is not lost.
func (r *Registry) ResolveOrCreate(ctx context.Context, workDir string) (*Session, bool, error) {
	key := normalizeKey(workDir)
	if s, ok := r.Get(key); ok {
		return s, s.claimNew(), nil
	}

	ch := r.group.DoChan(key, func() (any, error) {
		if s, ok := r.Get(key); ok {
			return s, nil
		}
		// Shared by every waiter, so one caller's cancellation must not abort it.
		return r.create(context.WithoutCancel(ctx), key)
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		s := res.Val.(*Session)
		return s, s.claimNew(), nil
	}
}

func (r *Registry) create(ctx context.Context, workDir string) (*Session, error) {
	ctx, span := tracing.TraceACPCall(ctx, jsonrpc.MethodSessionNew, "")
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	r.mu.RLock()
	epoch := r.epoch
	r.mu.RUnlock()

	var servers []jsonrpc.McpServer
	if r.mcp != nil {
		servers, err = r.mcp.Servers(workDir)
		if err != nil {
			err = fmt.Errorf("loading mcp config: %w", err)
			return nil, err
		}
	}
	if servers == nil {
		servers = []jsonrpc.McpServer{}
	}

	var id string
	id, err = r.creator.NewSession(ctx, workDir, servers)
	if err != nil {
		err = fmt.Errorf("creating session: %w", err)
		return nil, err
	}

	s := &Session{ID: id, WorkDir: workDir, CreatedAt: time.Now()}

	r.mu.Lock()
	if r.epoch != epoch {
		r.mu.Unlock()
		err = ErrRegistryCleared
		return nil, err
	}
	r.sessions[workDir] = s
	r.mu.Unlock()

	r.logger.Info("session created",
		zap.String("session_id", id),
		zap.String("work_dir", workDir),
		zap.Int("mcp_servers", len(servers)))
	r.emitter.Emit(ctx, events.AgentSessionCreated, events.SessionCreatedPayload{
		SessionID:        id,
		WorkingDirectory: workDir,
	})
	return s, nil
}

// Get returns the session for workDir without creating one.
func (r *Registry) Get(workDir string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[normalizeKey(workDir)]
	return s, ok
}

// List returns every session.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Clear drops every session. Sessions are only ever invalidated together,
// when the adapter connection goes away.
func (r *Registry) Clear() {
	r.mu.Lock()
	n := len(r.sessions)
	r.sessions = make(map[string]*Session)
	r.epoch++
	r.mu.Unlock()
	if n > 0 {
		r.logger.Debug("sessions cleared", zap.Int("count", n))
	}
}

func normalizeKey(workDir string) string {
	if workDir == "" {
		return workDir
	}
	return filepath.Clean(workDir)
}
