package mockagent

import (
	"context"
	"fmt"
	"strings"
	"time"

	acp "github.com/coder/acp-go-sdk"

	"github.com/unforced/thinking-space/pkg/acp/jsonrpc"
)

// Commands lists the slash commands the agent understands. Only the last
// line of a prompt is inspected, so a history preamble does not interfere.
var Commands = map[string]string{
	"/error":         "fail the turn with a JSON-RPC error",
	"/slow":          "stream slowly until cancelled",
	"/max-tokens":    "stop with max_tokens",
	"/tool:edit":     "propose an edit and ask for permission",
	"/terminal":      "run the rest of the line in a terminal",
	"/terminal:kill": "start the rest of the line in a terminal and kill it",
	"/fs:read":       "read the named absolute path",
	"/fs:write":      "write the rest of the line to the named absolute path",
	"/mode":          "switch to the named mode",
	"/replay":        "replay the rest of the line as a user message",
	"/crash":         "exit mid-turn",
	"/bad-callback":  "call a client method that does not exist",
}

// turn is the context of one prompt.
type turn struct {
	agent     *Agent
	sessionID acp.SessionId
	toolSeq   int
}

func (t *turn) update(ctx context.Context, u acp.SessionUpdate) error {
	return t.agent.connection().Notify(ctx, jsonrpc.NotificationSessionUpdate, acp.SessionNotification{
		SessionId: t.sessionID,
		Update:    u,
	})
}

func (t *turn) say(ctx context.Context, text string) error {
	for _, chunk := range strings.SplitAfter(text, " ") {
		if chunk == "" {
			continue
		}
		if err := t.update(ctx, acp.UpdateAgentMessageText(chunk)); err != nil {
			return err
		}
		if t.agent.chunkWait > 0 {
			time.Sleep(t.agent.chunkWait)
		}
	}
	return nil
}

func (t *turn) call(ctx context.Context, method string, params, result any) error {
	return t.agent.connection().Call(ctx, method, params, result)
}

func (t *turn) nextToolID() acp.ToolCallId {
	t.toolSeq++
	return acp.ToolCallId(fmt.Sprintf("mock-tool-%d", t.toolSeq))
}

// handleUserPrompt routes a prompt to the matching scenario.
func (a *Agent) handleUserPrompt(ctx context.Context, t *turn, prompt string) (acp.StopReason, error) {
	line := strings.TrimSpace(lastLine(prompt))
	command, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	var err error
	switch command {
	case "/error":
		_ = t.say(ctx, "Simulating an error condition...")
		return "", jsonrpc.NewError(jsonrpc.InternalError, "mock agent error", nil)
	case "/slow":
		return t.slow(ctx)
	case "/max-tokens":
		err = t.say(ctx, "This answer is far too long and")
		return acp.StopReasonMaxTokens, err
	case "/tool:edit":
		return t.edit(ctx)
	case "/terminal":
		err = t.terminal(ctx, rest, false)
	case "/terminal:kill":
		err = t.terminal(ctx, rest, true)
	case "/fs:read":
		err = t.readFile(ctx, rest)
	case "/fs:write":
		path, content, _ := strings.Cut(rest, " ")
		err = t.writeFile(ctx, path, content)
	case "/mode":
		err = t.update(ctx, acp.SessionUpdate{
			CurrentModeUpdate: &acp.SessionCurrentModeUpdate{CurrentModeId: acp.SessionModeId(rest)},
		})
	case "/replay":
		err = t.update(ctx, acp.UpdateUserMessageText(rest))
	case "/crash":
		_ = t.say(ctx, "about to crash")
		a.crash()
		<-ctx.Done()
		return "", ctx.Err()
	case "/bad-callback":
		err = t.call(ctx, "client/does_not_exist", map[string]any{}, nil)
		if err != nil {
			err = t.say(ctx, "callback failed: "+err.Error())
		}
	default:
		err = t.say(ctx, "echo: "+line)
	}
	if err != nil {
		return "", err
	}
	return acp.StopReasonEndTurn, nil
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func (a *Agent) crash() {
	if a.exit != nil {
		a.exit(3)
		return
	}
	_ = a.Close()
}

// slow streams a chunk at a time until the client cancels the turn.
func (t *turn) slow(ctx context.Context) (acp.StopReason, error) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return acp.StopReasonCancelled, nil
		case <-ticker.C:
			if err := t.update(context.Background(), acp.UpdateAgentMessageText(fmt.Sprintf("tick %d ", i))); err != nil {
				return "", err
			}
		}
	}
}

// edit proposes a file edit and reports the permission outcome.
func (t *turn) edit(ctx context.Context) (acp.StopReason, error) {
	id := t.nextToolID()
	rawInput := map[string]any{"file_path": "/tmp/mock.txt", "new_string": "hello"}

	if err := t.update(ctx, acp.StartToolCall(id, "Edit /tmp/mock.txt",
		acp.WithStartKind(acp.ToolKindEdit),
		acp.WithStartStatus(acp.ToolCallStatusPending),
		acp.WithStartRawInput(rawInput),
		acp.WithStartLocations([]acp.ToolCallLocation{{Path: "/tmp/mock.txt"}}),
	)); err != nil {
		return "", err
	}

	var resp acp.RequestPermissionResponse
	err := t.call(ctx, jsonrpc.MethodRequestPermission, acp.RequestPermissionRequest{
		SessionId: t.sessionID,
		ToolCall: acp.ToolCallUpdate{
			ToolCallId: id,
			Title:      acp.Ptr("Edit /tmp/mock.txt"),
			Kind:       acp.Ptr(acp.ToolKindEdit),
			RawInput:   rawInput,
		},
		Options: []acp.PermissionOption{
			{OptionId: "allow", Name: "Allow", Kind: acp.PermissionOptionKindAllowOnce},
			{OptionId: "reject", Name: "Reject", Kind: acp.PermissionOptionKindRejectOnce},
		},
	}, &resp)
	if err != nil {
		_ = t.update(ctx, acp.UpdateToolCall(id, acp.WithUpdateStatus(acp.ToolCallStatusFailed)))
		return "", err
	}

	switch {
	case resp.Outcome.Cancelled != nil:
		return acp.StopReasonCancelled, nil
	case resp.Outcome.Selected != nil && resp.Outcome.Selected.OptionId == "allow":
		if err := t.update(ctx, acp.UpdateToolCall(id,
			acp.WithUpdateStatus(acp.ToolCallStatusCompleted),
			acp.WithUpdateRawOutput(map[string]any{"ok": true}),
		)); err != nil {
			return "", err
		}
		return acp.StopReasonEndTurn, t.say(ctx, "edit applied")
	default:
		if err := t.update(ctx, acp.UpdateToolCall(id, acp.WithUpdateStatus(acp.ToolCallStatusFailed))); err != nil {
			return "", err
		}
		return acp.StopReasonEndTurn, t.say(ctx, "edit rejected")
	}
}

// terminal runs command through the client's terminal API and reports the
// output and exit code.
func (t *turn) terminal(ctx context.Context, command string, kill bool) error {
	id := t.nextToolID()
	if err := t.update(ctx, acp.StartToolCall(id, command,
		acp.WithStartKind(acp.ToolKindExecute),
		acp.WithStartStatus(acp.ToolCallStatusInProgress),
	)); err != nil {
		return err
	}

	var created jsonrpc.CreateTerminalResult
	if err := t.call(ctx, jsonrpc.MethodTerminalCreate, jsonrpc.CreateTerminalParams{
		SessionID: string(t.sessionID),
		Command:   "sh",
		Args:      []string{"-c", command},
	}, &created); err != nil {
		return err
	}
	ref := jsonrpc.TerminalParams{SessionID: string(t.sessionID), TerminalID: created.TerminalID}
	if kill {
		if err := t.call(ctx, jsonrpc.MethodTerminalKill, ref, nil); err != nil {
			return err
		}
	}

	var exit jsonrpc.WaitForTerminalExitResult
	if err := t.call(ctx, jsonrpc.MethodTerminalWaitForExit, ref, &exit); err != nil {
		return err
	}
	var out jsonrpc.TerminalOutputResult
	if err := t.call(ctx, jsonrpc.MethodTerminalOutput, ref, &out); err != nil {
		return err
	}
	if err := t.call(ctx, jsonrpc.MethodTerminalRelease, ref, nil); err != nil {
		return err
	}

	code := -1
	if exit.ExitCode != nil {
		code = *exit.ExitCode
	}
	if err := t.update(ctx, acp.UpdateToolCall(id, acp.WithUpdateStatus(acp.ToolCallStatusCompleted))); err != nil {
		return err
	}
	if exit.Signal != nil {
		return t.say(ctx, fmt.Sprintf("exit %d (%s): %s", code, *exit.Signal, strings.TrimSpace(out.Output)))
	}
	return t.say(ctx, fmt.Sprintf("exit %d: %s", code, strings.TrimSpace(out.Output)))
}

func (t *turn) readFile(ctx context.Context, path string) error {
	var resp acp.ReadTextFileResponse
	if err := t.call(ctx, jsonrpc.MethodReadTextFile, acp.ReadTextFileRequest{
		SessionId: t.sessionID,
		Path:      path,
	}, &resp); err != nil {
		return t.say(ctx, "read failed: "+err.Error())
	}
	return t.say(ctx, "read: "+resp.Content)
}

func (t *turn) writeFile(ctx context.Context, path, content string) error {
	if err := t.call(ctx, jsonrpc.MethodWriteTextFile, acp.WriteTextFileRequest{
		SessionId: t.sessionID,
		Path:      path,
		Content:   content,
	}, nil); err != nil {
		return t.say(ctx, "write failed: "+err.Error())
	}
	return t.say(ctx, "wrote "+path)
}
