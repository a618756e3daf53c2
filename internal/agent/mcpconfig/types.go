// Package mcpconfig discovers the MCP servers a workspace wants forwarded to
// the agent adapter when a session is created.
package mcpconfig

type ServerType string

const (
	ServerTypeStdio ServerType = "stdio"
	ServerTypeHTTP  ServerType = "http"
	ServerTypeSSE   ServerType = "sse"
)

// ServerDef is one entry under "mcpServers" in a workspace or global file.
type ServerDef struct {
	Type    ServerType        `json:"type,omitempty" yaml:"type,omitempty"`
	Command string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// File is the on-disk shape shared by .mcp.json and the global YAML file.
type File struct {
	McpServers map[string]ServerDef `json:"mcpServers" yaml:"mcpServers"`
}

type ResolvedServer struct {
	Name    string
	Type    ServerType
	Command string
	Args    []string
	Env     map[string]string
	URL     string
	Headers map[string]string
}
