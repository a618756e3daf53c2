// Package supervisor owns the agent adapter process and composes the
// session registry, notification relay, permission broker and terminal
// manager around its connection.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/unforced/thinking-space/internal/agent/permission"
	"github.com/unforced/thinking-space/internal/agent/relay"
	"github.com/unforced/thinking-space/internal/agent/session"
	"github.com/unforced/thinking-space/internal/agent/terminal"
	"github.com/unforced/thinking-space/internal/common/config"
	"github.com/unforced/thinking-space/internal/common/logger"
	"github.com/unforced/thinking-space/internal/events"
	"github.com/unforced/thinking-space/internal/tracing"
	"github.com/unforced/thinking-space/pkg/acp/jsonrpc"
)

// APIKeyEnv is the variable the adapter reads its credential from.
const APIKeyEnv = "ANTHROPIC_API_KEY"

var (
	// ErrNotRunning is returned by operations that need a live adapter.
	ErrNotRunning = errors.New("agent is not running")
	// ErrAdapterExited marks failures caused by the adapter exiting on its own.
	ErrAdapterExited = errors.New("agent adapter exited")

	errAlreadyRunning = errors.New("agent is already running")
)

// Status is a point-in-time view of the supervisor.
type Status struct {
	Running            bool   `json:"running"`
	PID                int    `json:"pid,omitempty"`
	AgentName          string `json:"agentName,omitempty"`
	AgentVersion       string `json:"agentVersion,omitempty"`
	Sessions           int    `json:"sessions"`
	Terminals          int    `json:"terminals"`
	PendingPermissions int    `json:"pendingPermissions"`
	InFlightPrompts    int    `json:"inFlightPrompts"`
}

// run is the state of one adapter process from start to stop.
type run struct {
	proc         Process
	conn         *jsonrpc.Conn
	agentName    string
	agentVersion string
	// stopping is set by Stop before it tears the process down, so the exit
	// watcher can tell a requested exit from a crash.
	stopping atomic.Bool
}

// Supervisor owns the single adapter process.
type Supervisor struct {
	agentCfg config.AgentConfig
	logger   *logger.Logger
	emitter  events.Emitter
	launch   Launcher

	terminals *terminal.Manager
	broker    *permission.Broker
	relay     *relay.Relay
	sessions  *session.Registry

	// lifecycleMu serializes Start, Stop and crash teardown.
	lifecycleMu sync.Mutex
	// mu guards cur; prompt paths only take it for reading.
	mu  sync.RWMutex
	cur *run

	inFlight atomic.Int32
}

// Option configures a Supervisor.
type Option func(*options)

type options struct {
	launcher Launcher
	mcp      session.MCPSource
}

// WithLauncher replaces the OS process launcher.
func WithLauncher(l Launcher) Option {
	return func(o *options) {
		o.launcher = l
	}
}

// WithMCPSource sets where per-workspace MCP servers come from.
func WithMCPSource(src session.MCPSource) Option {
	return func(o *options) {
		o.mcp = src
	}
}

// New creates a stopped supervisor.
func New(cfg *config.Config, emitter events.Emitter, log *logger.Logger, opts ...Option) *Supervisor {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	log = log.WithFields(zap.String("component", "supervisor"))
	if o.launcher == nil {
		o.launcher = ExecLauncher(log)
	}

	s := &Supervisor{
		agentCfg: cfg.Agent,
		logger:   log,
		emitter:  emitter,
		launch:   o.launcher,
		terminals: terminal.NewManager(log,
			terminal.WithOutputByteLimit(cfg.Terminal.OutputByteLimit),
			terminal.WithDrainTimeout(cfg.Terminal.DrainTimeout)),
		relay: relay.New(emitter, log),
	}
	s.broker = permission.NewBroker(emitter, log,
		permission.WithRequestIDLookup(s.relay.CurrentRequest),
		permission.WithAutoApprove(cfg.Agent.AutoApprove))
	s.sessions = session.NewRegistry(s, o.mcp, emitter, log)
	return s
}

// Start spawns the adapter and performs the initialize handshake. It is a
// no-op when already running. apiKey is passed to the adapter only when
// non-empty; otherwise the adapter finds its own credentials.
func (s *Supervisor) Start(ctx context.Context, apiKey string) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if err := s.start(ctx, apiKey); err != nil {
		if errors.Is(err, errAlreadyRunning) {
			s.logger.Debug("start called while running")
			return nil
		}
		return err
	}
	return nil
}

func (s *Supervisor) start(ctx context.Context, apiKey string) error {
	if s.current() != nil {
		return errAlreadyRunning
	}

	env := os.Environ()
	if apiKey != "" {
		env = append(env, APIKeyEnv+"="+apiKey)
	}

	s.logger.Info("starting agent process",
		zap.String("command", s.agentCfg.Command),
		zap.Strings("args", s.agentCfg.Args),
		zap.String("workdir", s.agentCfg.WorkDir),
		zap.Bool("api_key_supplied", apiKey != ""))

	proc, err := s.launch(ctx, LaunchSpec{
		Command: s.agentCfg.Command,
		Args:    s.agentCfg.Args,
		Dir:     s.agentCfg.WorkDir,
		Env:     env,
	})
	if err != nil {
		return fmt.Errorf("failed to spawn agent: %w", err)
	}

	r := &run{proc: proc}
	r.conn = jsonrpc.NewConn(proc.Stdout(), proc.Stdin(),
		jsonrpc.WithLogger(s.logger),
		jsonrpc.WithRequestHandler(s.handleRequest),
		jsonrpc.WithNotificationHandler(s.relay.HandleNotification),
		jsonrpc.WithProtocolErrorHandler(func(err error) {
			s.logger.Warn("adapter protocol error", zap.Error(err))
		}),
	)

	if err := s.initialize(ctx, r); err != nil {
		r.stopping.Store(true)
		_ = r.conn.Close()
		s.reap(r.proc)
		return fmt.Errorf("ACP initialize handshake failed: %w", err)
	}

	s.mu.Lock()
	s.cur = r
	s.mu.Unlock()

	go s.watchExit(r)

	s.logger.Info("agent ready",
		zap.String("agent_name", r.agentName),
		zap.String("agent_version", r.agentVersion),
		zap.Int("pid", proc.Pid()))
	s.emitter.Emit(ctx, events.AgentReady, events.AgentReadyPayload{
		AgentName:    r.agentName,
		AgentVersion: r.agentVersion,
	})
	return nil
}

func (s *Supervisor) initialize(ctx context.Context, r *run) (err error) {
	timeout := s.agentCfg.InitializeTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := tracing.TraceACPCall(ctx, jsonrpc.MethodInitialize, "")
	defer func() { tracing.EndSpan(span, err) }()

	req := acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientCapabilities: acp.ClientCapabilities{
			Fs:       acp.FileSystemCapability{ReadTextFile: true, WriteTextFile: true},
			Terminal: true,
		},
		ClientInfo: &acp.Implementation{
			Name:    s.agentCfg.ClientName,
			Version: s.agentCfg.ClientVersion,
		},
	}

	var resp acp.InitializeResponse
	if err = r.conn.Call(ctx, jsonrpc.MethodInitialize, req, &resp); err != nil {
		return err
	}

	r.agentName, r.agentVersion = "unknown", "unknown"
	if resp.AgentInfo != nil {
		r.agentName = resp.AgentInfo.Name
		r.agentVersion = resp.AgentInfo.Version
	}
	return nil
}

// Stop tears down the adapter. Waiters on permission decisions and prompt
// responses fail promptly. Safe to call when not running.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	r := s.current()
	if r == nil {
		s.logger.Debug("stop called while not running")
		return nil
	}
	r.stopping.Store(true)

	s.logger.Info("stopping agent process")
	s.teardown(ctx, r, "stopped")
	return nil
}

// watchExit handles the adapter exiting without Stop having asked it to.
func (s *Supervisor) watchExit(r *run) {
	<-r.proc.Done()
	if r.stopping.Load() {
		return
	}

	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.current() != r {
		return
	}

	reason := r.proc.ExitReason()
	s.logger.Error("agent adapter exited unexpectedly", zap.String("reason", reason))
	s.teardown(context.Background(), r, fmt.Sprintf("%s: %s", ErrAdapterExited, reason))
}

// teardown must be called with lifecycleMu held.
func (s *Supervisor) teardown(ctx context.Context, r *run, reason string) {
	ctx = context.WithoutCancel(ctx)

	s.mu.Lock()
	s.cur = nil
	s.mu.Unlock()

	// Wake permission waiters first; their replies go nowhere once the
	// connection is closed.
	s.broker.CancelAll()
	if err := r.conn.Close(); err != nil {
		s.logger.Debug("failed to close connection", zap.Error(err))
	}
	s.sessions.Clear()
	s.relay.Reset()

	shutdownCtx, cancel := context.WithTimeout(ctx, s.stopTimeout())
	if err := s.terminals.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("failed to shut down terminals", zap.Error(err))
	}
	cancel()

	s.reap(r.proc)

	s.logger.Info("agent process stopped", zap.String("reason", reason))
	s.emitter.Emit(ctx, events.AgentStopped, events.AgentStoppedPayload{Reason: reason})
}

// reap asks the process to exit, escalating to a kill after the stop timeout.
func (s *Supervisor) reap(proc Process) {
	select {
	case <-proc.Done():
		return
	default:
	}

	if err := proc.Terminate(); err != nil {
		s.logger.Debug("failed to terminate agent process", zap.Error(err))
	}
	select {
	case <-proc.Done():
		return
	case <-time.After(s.stopTimeout()):
	}

	s.logger.Warn("force killing agent process")
	if err := proc.Kill(); err != nil {
		s.logger.Warn("failed to kill agent process", zap.Error(err))
	}
	select {
	case <-proc.Done():
	case <-time.After(s.stopTimeout()):
		s.logger.Error("agent process did not exit after kill")
	}
}

func (s *Supervisor) stopTimeout() time.Duration {
	if s.agentCfg.StopTimeout > 0 {
		return s.agentCfg.StopTimeout
	}
	return 5 * time.Second
}

func (s *Supervisor) current() *run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// IsRunning reports whether an initialized adapter is attached.
func (s *Supervisor) IsRunning() bool {
	return s.current() != nil
}

// Status reports the supervisor's state.
func (s *Supervisor) Status() Status {
	st := Status{
		Sessions:           s.sessions.Count(),
		Terminals:          s.terminals.Count(),
		PendingPermissions: s.broker.Count(),
		InFlightPrompts:    int(s.inFlight.Load()),
	}
	if r := s.current(); r != nil {
		st.Running = true
		st.PID = r.proc.Pid()
		st.AgentName = r.agentName
		st.AgentVersion = r.agentVersion
	}
	return st
}

// PendingPermissions lists permission requests awaiting a decision.
func (s *Supervisor) PendingPermissions() []permission.Pending {
	return s.broker.Pending()
}

// RespondPermission delivers an observer decision to its waiting request.
func (s *Supervisor) RespondPermission(requestID string, d permission.Decision) error {
	return s.broker.Respond(requestID, d)
}
