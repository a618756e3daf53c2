package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unforced/thinking-space/internal/common/logger"
	"github.com/unforced/thinking-space/internal/common/procgroup"
)

// stderrTailLines is the number of recent stderr lines kept for exit reports.
const stderrTailLines = 50

// LaunchSpec describes the adapter process to start.
type LaunchSpec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
}

// Process is a running adapter. Stdout must keep delivering data written
// before exit even after Done is closed.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Pid() int
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// ExitReason describes how the process ended; valid after Done.
	ExitReason() string
	Terminate() error
	Kill() error
}

// Launcher starts an adapter process.
type Launcher func(ctx context.Context, spec LaunchSpec) (Process, error)

// ExecLauncher starts the adapter as an OS process in its own process group.
func ExecLauncher(log *logger.Logger) Launcher {
	return func(ctx context.Context, spec LaunchSpec) (Process, error) {
		p, err := startExecProcess(spec, log)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	stderr *stderrTail
	logger *logger.Logger

	done   chan struct{}
	mu     sync.Mutex
	reason string
}

func startExecProcess(spec LaunchSpec, log *logger.Logger) (*execProcess, error) {
	// Not exec.CommandContext: the adapter outlives the request that started it.
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	procgroup.Set(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	// An explicit pipe instead of StdoutPipe: Wait must not close our read
	// end while the connection is still draining it.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW

	p := &execProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdoutR,
		stderr: newStderrTail(log, stderrTailLines),
		logger: log,
		done:   make(chan struct{}),
	}
	cmd.Stderr = p.stderr
	cmd.WaitDelay = 2 * time.Second

	if err := cmd.Start(); err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("failed to start agent: %w", err)
	}
	_ = stdoutW.Close()

	go p.wait()
	return p, nil
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()

	reason := "exited with code 0"
	if err != nil {
		reason = err.Error()
	}
	if tail := p.stderr.Lines(); len(tail) > 0 {
		reason = fmt.Sprintf("%s: %s", reason, tail[len(tail)-1])
	}

	p.mu.Lock()
	p.reason = reason
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn("agent process exited",
			zap.Error(err),
			zap.Strings("recent_stderr", p.stderr.Lines()))
	} else {
		p.logger.Info("agent process exited")
	}
	close(p.done)
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }

func (p *execProcess) Stdout() io.ReadCloser { return p.stdout }

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) ExitReason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason
}

// Terminate closes stdin and asks the process group to exit.
func (p *execProcess) Terminate() error {
	_ = p.stdin.Close()
	if err := procgroup.Terminate(p.cmd.Process.Pid); err != nil {
		return p.cmd.Process.Signal(os.Interrupt)
	}
	return nil
}

// Kill kills the whole process group, falling back to the process alone.
func (p *execProcess) Kill() error {
	if err := procgroup.Kill(p.cmd.Process.Pid); err != nil {
		return p.cmd.Process.Kill()
	}
	return nil
}

var ansiEscapeRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// stderrTail logs adapter stderr line by line and keeps the most recent lines.
type stderrTail struct {
	logger *logger.Logger
	max    int

	mu      sync.Mutex
	pending []byte
	lines   []string
}

func newStderrTail(log *logger.Logger, max int) *stderrTail {
	return &stderrTail{logger: log, max: max}
}

func (s *stderrTail) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = append(s.pending, b...)
	for {
		i := bytes.IndexByte(s.pending, '\n')
		if i < 0 {
			break
		}
		line := ansiEscapeRegex.ReplaceAllString(string(bytes.TrimRight(s.pending[:i], "\r")), "")
		s.pending = s.pending[i+1:]

		s.logger.Debug("agent stderr", zap.String("line", line))
		if len(s.lines) >= s.max {
			s.lines = s.lines[1:]
		}
		s.lines = append(s.lines, line)
	}
	return len(b), nil
}

// Lines returns a copy of the buffered lines.
func (s *stderrTail) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.lines))
	copy(out, s.lines)
	return out
}
