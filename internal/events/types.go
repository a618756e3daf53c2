// Package events provides the event names and payloads published to the
// external observer (the presentation layer), plus the Emitter the agent
// components publish through.
package events

// Event types for the adapter lifecycle
const (
	AgentReady          = "agent-ready"
	AgentStopped        = "agent-stopped"
	AgentSessionCreated = "agent-session-created"
)

// Event types for streamed session updates
const (
	AgentMessageChunk = "agent-message-chunk"
	UserMessageChunk  = "user-message-chunk"
	ToolCall          = "tool-call"
	ToolCallUpdate    = "tool-call-update"
	ModeUpdate        = "mode-update"
)

// Event types for prompt outcomes
const (
	AgentMessageComplete = "agent-message-complete"
	AgentMessageError    = "agent-message-error"
	AgentMaxTokens       = "agent-max-tokens"
)

// Event types for permission requests
const (
	PermissionRequest = "permission-request"
)

// Event types for agent-requested terminals
const (
	TerminalCreated = "terminal-created"
	TerminalOutput  = "terminal-output"
)

// AgentReadyPayload is published once the initialize handshake succeeds.
type AgentReadyPayload struct {
	AgentName    string `json:"agentName,omitempty"`
	AgentVersion string `json:"agentVersion,omitempty"`
}

// AgentStoppedPayload is published when the adapter goes away, whether by an
// explicit stop or an unexpected exit.
type AgentStoppedPayload struct {
	Reason string `json:"reason"`
}

type SessionCreatedPayload struct {
	SessionID        string `json:"sessionId"`
	WorkingDirectory string `json:"workingDirectory,omitempty"`
}

// MessageChunkPayload carries one assistant text chunk.
type MessageChunkPayload struct {
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId,omitempty"`
	Text      string `json:"text"`
}

// UserMessageChunkPayload carries one replayed user text chunk.
type UserMessageChunkPayload struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

// ToolCallLocation is a file position a tool call touches.
type ToolCallLocation struct {
	Path string `json:"path"`
	Line *int   `json:"line,omitempty"`
}

type ToolCallPayload struct {
	SessionID  string             `json:"sessionId"`
	RequestID  string             `json:"requestId,omitempty"`
	ToolCallID string             `json:"toolCallId"`
	Title      string             `json:"title"`
	Status     string             `json:"status"`
	Kind       string             `json:"kind"`
	RawInput   any                `json:"rawInput"`
	Locations  []ToolCallLocation `json:"locations"`
}

// ToolCallUpdatePayload only carries the fields the adapter changed.
type ToolCallUpdatePayload struct {
	SessionID  string  `json:"sessionId"`
	RequestID  string  `json:"requestId,omitempty"`
	ToolCallID string  `json:"toolCallId"`
	Status     *string `json:"status,omitempty"`
	Content    any     `json:"content,omitempty"`
	RawOutput  any     `json:"rawOutput,omitempty"`
}

type ModeUpdatePayload struct {
	SessionID string `json:"sessionId"`
	Mode      string `json:"mode"`
}

// PermissionOption is one choice offered to the approver.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
}

// PermissionRequestPayload asks the observer for a decision. RequestID is the
// correlation id the decision must echo back; CurrentRequestID ties the
// request to the logical send-message call that triggered it.
type PermissionRequestPayload struct {
	RequestID        string             `json:"requestId"`
	SessionID        string             `json:"sessionId"`
	ToolCallID       string             `json:"toolCallId"`
	Title            string             `json:"title"`
	Kind             string             `json:"kind"`
	RawInput         any                `json:"rawInput"`
	Options          []PermissionOption `json:"options"`
	CurrentRequestID string             `json:"currentRequestId,omitempty"`
}

type MessageCompletePayload struct {
	RequestID  string `json:"requestId"`
	StopReason string `json:"stopReason"`
}

type MessageErrorPayload struct {
	RequestID string `json:"requestId"`
	Error     string `json:"error"`
}

type MaxTokensPayload struct {
	RequestID string `json:"requestId"`
	Message   string `json:"message"`
}

type TerminalCreatedPayload struct {
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
	Command    string `json:"command"`
}

// TerminalOutputPayload mirrors a terminal/output reply. ExitStatus is null
// while the process is still running.
type TerminalOutputPayload struct {
	TerminalID string `json:"terminalId"`
	Output     string `json:"output"`
	ExitStatus *int   `json:"exitStatus"`
}
