// Package jsonrpc implements the line-delimited JSON-RPC 2.0 envelope that
// carries ACP (Agent Client Protocol) traffic between this process and the
// agent adapter.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the only JSON-RPC version spoken on the wire.
const Version = "2.0"

// Kind classifies an envelope by which of id/method it carries.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindResponse
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "invalid"
	}
}

// Message is one decoded envelope line: {id?, method?, params?, result?, error?}.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// HasID reports whether the envelope carries a non-null id.
func (m *Message) HasID() bool {
	id := bytes.TrimSpace(m.ID)
	return len(id) > 0 && !bytes.Equal(id, []byte("null"))
}

// Kind classifies the message: id+method is a request, id without method is a
// response, method without id is a notification.
func (m *Message) Kind() Kind {
	hasID := m.HasID()
	switch {
	case hasID && m.Method != "":
		return KindRequest
	case hasID:
		return KindResponse
	case m.Method != "":
		return KindNotification
	default:
		return KindInvalid
	}
}

// Request represents a JSON-RPC 2.0 request
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Notification represents a JSON-RPC 2.0 notification (no ID, no response expected)
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Error represents a JSON-RPC 2.0 error object. It is returned verbatim from
// Conn.Call when the peer answers with an error.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("jsonrpc error %d: %s (%s)", e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError builds an error object, attaching data when it is non-nil.
func NewError(code int, message string, data any) *Error {
	e := &Error{Code: code, Message: message}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			e.Data = raw
		}
	}
	return e
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// ACP Methods
const (
	// Client -> Agent methods
	MethodInitialize    = "initialize"
	MethodSessionNew    = "session/new"
	MethodSessionPrompt = "session/prompt"

	// Client -> Agent notifications
	NotificationSessionCancel = "session/cancel"

	// Agent -> Client notifications
	NotificationSessionUpdate = "session/update"

	// Agent -> Client requests (require response)
	MethodRequestPermission   = "session/request_permission"
	MethodReadTextFile        = "fs/read_text_file"
	MethodWriteTextFile       = "fs/write_text_file"
	MethodTerminalCreate      = "terminal/create"
	MethodTerminalOutput      = "terminal/output"
	MethodTerminalKill        = "terminal/kill"
	MethodTerminalRelease     = "terminal/release"
	MethodTerminalWaitForExit = "terminal/wait_for_exit"
)

// EnvVariable is a name/value pair used by terminal and MCP server env lists.
type EnvVariable struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// HTTPHeader is a name/value pair sent to remote MCP servers.
type HTTPHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// McpServer is one MCP server entry of a session/new request. Stdio servers
// carry command/args/env; remote servers carry type/url/headers.
type McpServer struct {
	Name    string
	Type    string // "" or "stdio" for stdio transport, "sse" or "http" for remote
	Command string
	Args    []string
	Env     []EnvVariable
	URL     string
	Headers []HTTPHeader
}

// MarshalJSON emits the stdio or remote shape; both require their list fields
// to be present even when empty.
func (s McpServer) MarshalJSON() ([]byte, error) {
	if s.Type == "" || s.Type == "stdio" {
		args := s.Args
		if args == nil {
			args = []string{}
		}
		env := s.Env
		if env == nil {
			env = []EnvVariable{}
		}
		return json.Marshal(struct {
			Name    string        `json:"name"`
			Command string        `json:"command"`
			Args    []string      `json:"args"`
			Env     []EnvVariable `json:"env"`
		}{s.Name, s.Command, args, env})
	}
	headers := s.Headers
	if headers == nil {
		headers = []HTTPHeader{}
	}
	return json.Marshal(struct {
		Type    string       `json:"type"`
		Name    string       `json:"name"`
		URL     string       `json:"url"`
		Headers []HTTPHeader `json:"headers"`
	}{s.Type, s.Name, s.URL, headers})
}

// UnmarshalJSON accepts either shape.
func (s *McpServer) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type    string        `json:"type"`
		Name    string        `json:"name"`
		Command string        `json:"command"`
		Args    []string      `json:"args"`
		Env     []EnvVariable `json:"env"`
		URL     string        `json:"url"`
		Headers []HTTPHeader  `json:"headers"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = McpServer{
		Name:    raw.Name,
		Type:    raw.Type,
		Command: raw.Command,
		Args:    raw.Args,
		Env:     raw.Env,
		URL:     raw.URL,
		Headers: raw.Headers,
	}
	return nil
}

// SessionNewParams for session/new method
type SessionNewParams struct {
	Cwd        string      `json:"cwd"`
	McpServers []McpServer `json:"mcpServers"` // required, can be empty
}

// SessionNewResult from session/new method
type SessionNewResult struct {
	SessionID string `json:"sessionId"`
}

// CreateTerminalParams for the terminal/create request from the agent.
type CreateTerminalParams struct {
	SessionID       string        `json:"sessionId"`
	Command         string        `json:"command"`
	Args            []string      `json:"args,omitempty"`
	Env             []EnvVariable `json:"env,omitempty"`
	Cwd             *string       `json:"cwd,omitempty"`
	OutputByteLimit *int          `json:"outputByteLimit,omitempty"`
}

// CreateTerminalResult is the response to terminal/create.
type CreateTerminalResult struct {
	TerminalID string `json:"terminalId"`
}

// TerminalParams identifies a terminal in terminal/output, kill, release and
// wait_for_exit requests.
type TerminalParams struct {
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
}

// TerminalExitStatus is the exit information of a finished terminal.
type TerminalExitStatus struct {
	ExitCode *int    `json:"exitCode"`
	Signal   *string `json:"signal"`
}

// TerminalOutputResult is the response to terminal/output.
type TerminalOutputResult struct {
	Output     string              `json:"output"`
	Truncated  bool                `json:"truncated"`
	ExitStatus *TerminalExitStatus `json:"exitStatus,omitempty"`
}

// WaitForTerminalExitResult is the response to terminal/wait_for_exit.
type WaitForTerminalExitResult struct {
	ExitCode *int    `json:"exitCode"`
	Signal   *string `json:"signal"`
}
