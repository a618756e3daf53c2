// Package terminal supervises the short-lived processes an agent asks the
// client to run on its behalf.
//
// A terminal moves Created → Running → Exited → Released. Killing is an
// action that drives a running terminal toward Exited; only Release removes
// it from the registry, and Release never kills.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/unforced/thinking-space/internal/common/logger"
	"github.com/unforced/thinking-space/internal/common/procgroup"
)

const (
	// DefaultOutputByteLimit applies when a create request names no ceiling.
	DefaultOutputByteLimit = 1_000_000
	// DefaultDrainTimeout bounds output capture after the process has exited.
	DefaultDrainTimeout = 2 * time.Second
)

// ErrTerminalNotFound is returned for ids that were never created or have
// been released.
var ErrTerminalNotFound = errors.New("terminal not found")

// CreateRequest describes a terminal to spawn.
type CreateRequest struct {
	SessionID       string
	Command         string
	Args            []string
	Env             map[string]string
	Cwd             string
	OutputByteLimit int // <= 0 selects the manager default
}

// ExitStatus is how a terminal's process ended. ExitCode is nil when the
// process was terminated by a signal.
type ExitStatus struct {
	ExitCode *int
	Signal   *string
}

// Output is a non-blocking snapshot of a terminal.
type Output struct {
	Output     string
	Truncated  bool
	ExitStatus *ExitStatus // nil while running
}

// Terminal is one supervised process.
type Terminal struct {
	ID        string
	SessionID string
	Command   string // command line as displayed to the observer
	StartedAt time.Time

	cmd    *exec.Cmd
	output *outputBuffer

	mu         sync.Mutex
	exitStatus *ExitStatus
	exited     chan struct{}
}

// Manager is the terminal registry. Lookups take a shared lock on the map
// only; per-terminal state has its own lock.
type Manager struct {
	mu        sync.RWMutex
	terminals map[string]*Terminal

	outputByteLimit int
	drainTimeout    time.Duration
	logger          *logger.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithOutputByteLimit sets the default output ceiling.
func WithOutputByteLimit(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.outputByteLimit = n
		}
	}
}

// WithDrainTimeout sets how long output capture may continue after exit.
func WithDrainTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.drainTimeout = d
		}
	}
}

// NewManager creates an empty terminal registry.
func NewManager(log *logger.Logger, opts ...Option) *Manager {
	m := &Manager{
		terminals:       make(map[string]*Terminal),
		outputByteLimit: DefaultOutputByteLimit,
		drainTimeout:    DefaultDrainTimeout,
		logger:          log.WithComponent("terminal"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create spawns the process with stdout and stderr captured into one bounded
// buffer and returns once it is running. The process is not tied to ctx; it
// lives until it exits or is killed.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Terminal, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, fmt.Errorf("command is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	limit := req.OutputByteLimit
	if limit <= 0 {
		limit = m.outputByteLimit
	}

	cmd := exec.Command(req.Command, req.Args...)
	cmd.Dir = req.Cwd
	cmd.Env = mergeEnv(req.Env)
	cmd.WaitDelay = m.drainTimeout
	procgroup.Set(cmd)

	output := newOutputBuffer(limit)
	stdout := &lineWriter{buf: output}
	stderr := &lineWriter{buf: output}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	t := &Terminal{
		ID:        uuid.New().String(),
		SessionID: req.SessionID,
		Command:   displayCommand(req.Command, req.Args),
		StartedAt: time.Now().UTC(),
		cmd:       cmd,
		output:    output,
		exited:    make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start terminal command %q: %w", req.Command, err)
	}

	m.mu.Lock()
	m.terminals[t.ID] = t
	m.mu.Unlock()

	m.logger.Debug("terminal started",
		zap.String("terminal_id", t.ID),
		zap.String("session_id", t.SessionID),
		zap.String("command", t.Command),
		zap.Int("pid", cmd.Process.Pid),
		zap.Int("output_byte_limit", limit))

	go m.watch(t, stdout, stderr)
	return t, nil
}

// watch records the exit status once the process has exited and both
// capture streams have drained.
func (m *Manager) watch(t *Terminal, stdout, stderr *lineWriter) {
	err := t.cmd.Wait()
	stdout.flush()
	stderr.flush()

	status := exitStatusOf(t.cmd.ProcessState)
	if status == nil {
		// Wait failed before the process reported a state.
		code := -1
		status = &ExitStatus{ExitCode: &code}
	}

	t.mu.Lock()
	t.exitStatus = status
	t.mu.Unlock()
	close(t.exited)

	fields := []zap.Field{zap.String("terminal_id", t.ID)}
	if status.ExitCode != nil {
		fields = append(fields, zap.Int("exit_code", *status.ExitCode))
	}
	if status.Signal != nil {
		fields = append(fields, zap.String("signal", *status.Signal))
	}
	if err != nil && !isExitError(err) {
		fields = append(fields, zap.Error(err))
	}
	m.logger.Debug("terminal exited", fields...)
}

// Get returns the terminal with id.
func (m *Manager) Get(id string) (*Terminal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.terminals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTerminalNotFound, id)
	}
	return t, nil
}

// Output returns the current buffer and exit status without blocking.
func (m *Manager) Output(id string) (*Output, error) {
	t, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	text, truncated := t.output.snapshot()
	return &Output{Output: text, Truncated: truncated, ExitStatus: t.ExitStatus()}, nil
}

// Kill terminates the terminal's process group if it is still running. The
// terminal stays registered and reaches Exited once the OS confirms.
func (m *Manager) Kill(id string) error {
	t, err := m.Get(id)
	if err != nil {
		return err
	}
	if t.Exited() {
		return nil
	}

	pid := t.cmd.Process.Pid
	if err := procgroup.Kill(pid); err != nil {
		// Group kill can fail if the leader already exited; fall back to the process.
		if killErr := t.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
			return fmt.Errorf("failed to kill terminal %s: %w", id, killErr)
		}
	}
	m.logger.Debug("terminal killed", zap.String("terminal_id", id), zap.Int("pid", pid))
	return nil
}

// Release removes the terminal from the registry. A still-running process is
// left alone; callers kill first if they want it stopped.
func (m *Manager) Release(id string) error {
	m.mu.Lock()
	t, ok := m.terminals[id]
	delete(m.terminals, id)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrTerminalNotFound, id)
	}
	m.logger.Debug("terminal released",
		zap.String("terminal_id", id),
		zap.Bool("exited", t.Exited()))
	return nil
}

// WaitForExit blocks until the terminal has exited or ctx is done. It holds
// no registry lock while waiting, so a concurrent Release does not wake it.
func (m *Manager) WaitForExit(ctx context.Context, id string) (*ExitStatus, error) {
	t, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-t.exited:
		return t.ExitStatus(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Count returns the number of registered terminals.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.terminals)
}

// Shutdown kills every running terminal and empties the registry. It is used
// when the adapter that owns the terminals goes away.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	terminals := m.terminals
	m.terminals = make(map[string]*Terminal)
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range terminals {
		if t.Exited() {
			continue
		}
		t := t
		g.Go(func() error {
			_ = procgroup.Kill(t.cmd.Process.Pid)
			select {
			case <-t.exited:
				return nil
			case <-gctx.Done():
				return fmt.Errorf("terminal %s did not exit: %w", t.ID, gctx.Err())
			}
		})
	}
	err := g.Wait()
	if len(terminals) > 0 {
		m.logger.Debug("terminals shut down", zap.Int("count", len(terminals)), zap.Error(err))
	}
	return err
}

// Exited reports whether the process has exited and its output has drained.
func (t *Terminal) Exited() bool {
	select {
	case <-t.exited:
		return true
	default:
		return false
	}
}

// ExitStatus returns a copy of the exit status, or nil while running.
func (t *Terminal) ExitStatus() *ExitStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exitStatus == nil {
		return nil
	}
	out := &ExitStatus{}
	if t.exitStatus.ExitCode != nil {
		code := *t.exitStatus.ExitCode
		out.ExitCode = &code
	}
	if t.exitStatus.Signal != nil {
		sig := *t.exitStatus.Signal
		out.Signal = &sig
	}
	return out
}

func displayCommand(command string, args []string) string {
	if len(args) == 0 {
		return command
	}
	return command + " " + strings.Join(args, " ")
}

func exitStatusOf(state *os.ProcessState) *ExitStatus {
	if state == nil {
		return nil
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		// A signalled process has no exit code of its own; -1 marks it exited.
		code := -1
		sig := signalName(ws.Signal())
		return &ExitStatus{ExitCode: &code, Signal: &sig}
	}
	code := state.ExitCode()
	return &ExitStatus{ExitCode: &code}
}

func isExitError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}
