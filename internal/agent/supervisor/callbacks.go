package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/unforced/thinking-space/internal/agent/permission"
	"github.com/unforced/thinking-space/internal/agent/terminal"
	"github.com/unforced/thinking-space/internal/events"
	"github.com/unforced/thinking-space/internal/tracing"
	"github.com/unforced/thinking-space/pkg/acp/jsonrpc"
)

// handleRequest answers adapter-initiated requests. It runs on its own
// goroutine per request, so a permission wait does not hold up the others.
func (s *Supervisor) handleRequest(ctx context.Context, method string, params json.RawMessage) (result any, err error) {
	ctx, span := tracing.TraceCallback(ctx, method, sessionIDOf(params))
	defer func() { tracing.EndSpan(span, err) }()

	switch method {
	case jsonrpc.MethodRequestPermission:
		return s.requestPermission(ctx, params)
	case jsonrpc.MethodReadTextFile:
		return s.readTextFile(params)
	case jsonrpc.MethodWriteTextFile:
		return s.writeTextFile(params)
	case jsonrpc.MethodTerminalCreate:
		return s.createTerminal(ctx, params)
	case jsonrpc.MethodTerminalOutput:
		return s.terminalOutput(ctx, params)
	case jsonrpc.MethodTerminalKill:
		return s.killTerminal(params)
	case jsonrpc.MethodTerminalRelease:
		return s.releaseTerminal(params)
	case jsonrpc.MethodTerminalWaitForExit:
		return s.waitForTerminalExit(ctx, params)
	default:
		s.logger.Warn("unsupported adapter request", zap.String("method", method))
		return nil, jsonrpc.NewError(jsonrpc.MethodNotFound, "method not found: "+method, nil)
	}
}

func decodeParams(params json.RawMessage, v any) error {
	if err := json.Unmarshal(params, v); err != nil {
		return jsonrpc.NewError(jsonrpc.InvalidParams, "invalid params: "+err.Error(), nil)
	}
	return nil
}

func sessionIDOf(params json.RawMessage) string {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	_ = json.Unmarshal(params, &p)
	return p.SessionID
}

func (s *Supervisor) requestPermission(ctx context.Context, params json.RawMessage) (any, error) {
	var p acp.RequestPermissionRequest
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	outcome, err := s.broker.Request(ctx, permission.FromACP(p))
	if err != nil {
		if errors.Is(err, permission.ErrMalformedDecision) {
			return nil, jsonrpc.NewError(jsonrpc.InternalError, err.Error(), nil)
		}
		return nil, err
	}
	return outcome.ToACP(), nil
}

func (s *Supervisor) readTextFile(params json.RawMessage) (any, error) {
	var p acp.ReadTextFileRequest
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	s.logger.Debug("reading file", zap.String("path", p.Path))

	if !filepath.IsAbs(p.Path) {
		return nil, jsonrpc.NewError(jsonrpc.InvalidParams, "path must be absolute: "+p.Path, nil)
	}

	b, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, err
	}
	return acp.ReadTextFileResponse{Content: sliceLines(string(b), p.Line, p.Limit)}, nil
}

// sliceLines applies the 1-based line offset and line limit of a read.
func sliceLines(content string, line, limit *int) string {
	if line == nil && limit == nil {
		return content
	}
	lines := strings.Split(content, "\n")
	start := 0
	if line != nil && *line > 0 {
		start = min(*line-1, len(lines))
	}
	end := len(lines)
	if limit != nil && *limit > 0 && start+*limit < end {
		end = start + *limit
	}
	return strings.Join(lines[start:end], "\n")
}

func (s *Supervisor) writeTextFile(params json.RawMessage) (any, error) {
	var p acp.WriteTextFileRequest
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	s.logger.Debug("writing file", zap.String("path", p.Path))

	if !filepath.IsAbs(p.Path) {
		return nil, jsonrpc.NewError(jsonrpc.InvalidParams, "path must be absolute: "+p.Path, nil)
	}
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(p.Path, []byte(p.Content), 0o644); err != nil {
		return nil, err
	}
	return acp.WriteTextFileResponse{}, nil
}

func (s *Supervisor) createTerminal(ctx context.Context, params json.RawMessage) (any, error) {
	var p jsonrpc.CreateTerminalParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	req := terminal.CreateRequest{
		SessionID: p.SessionID,
		Command:   p.Command,
		Args:      p.Args,
	}
	if len(p.Env) > 0 {
		req.Env = make(map[string]string, len(p.Env))
		for _, e := range p.Env {
			req.Env[e.Name] = e.Value
		}
	}
	if p.Cwd != nil {
		req.Cwd = *p.Cwd
	}
	if p.OutputByteLimit != nil {
		req.OutputByteLimit = *p.OutputByteLimit
	}

	t, err := s.terminals.Create(ctx, req)
	if err != nil {
		return nil, err
	}

	s.emitter.Emit(ctx, events.TerminalCreated, events.TerminalCreatedPayload{
		SessionID:  p.SessionID,
		TerminalID: t.ID,
		Command:    t.Command,
	})
	return jsonrpc.CreateTerminalResult{TerminalID: t.ID}, nil
}

func (s *Supervisor) terminalOutput(ctx context.Context, params json.RawMessage) (any, error) {
	var p jsonrpc.TerminalParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	out, err := s.terminals.Output(p.TerminalID)
	if err != nil {
		return nil, err
	}

	result := jsonrpc.TerminalOutputResult{Output: out.Output, Truncated: out.Truncated}
	payload := events.TerminalOutputPayload{TerminalID: p.TerminalID, Output: out.Output}
	if out.ExitStatus != nil {
		result.ExitStatus = &jsonrpc.TerminalExitStatus{
			ExitCode: out.ExitStatus.ExitCode,
			Signal:   out.ExitStatus.Signal,
		}
		payload.ExitStatus = out.ExitStatus.ExitCode
	}
	s.emitter.Emit(ctx, events.TerminalOutput, payload)
	return result, nil
}

func (s *Supervisor) killTerminal(params json.RawMessage) (any, error) {
	var p jsonrpc.TerminalParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := s.terminals.Kill(p.TerminalID); err != nil {
		return nil, err
	}
	return acp.KillTerminalCommandResponse{}, nil
}

func (s *Supervisor) releaseTerminal(params json.RawMessage) (any, error) {
	var p jsonrpc.TerminalParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := s.terminals.Release(p.TerminalID); err != nil {
		return nil, err
	}
	return acp.ReleaseTerminalResponse{}, nil
}

func (s *Supervisor) waitForTerminalExit(ctx context.Context, params json.RawMessage) (any, error) {
	var p jsonrpc.TerminalParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	status, err := s.terminals.WaitForExit(ctx, p.TerminalID)
	if err != nil {
		return nil, fmt.Errorf("waiting for terminal %s: %w", p.TerminalID, err)
	}
	return jsonrpc.WaitForTerminalExitResult{ExitCode: status.ExitCode, Signal: status.Signal}, nil
}
