package mcpconfig

import (
	"sort"

	"github.com/unforced/thinking-space/pkg/acp/jsonrpc"
)

// ToACPServers converts resolved MCP servers into the session/new server list.
// Stdio servers carry their env; remote servers carry their headers.
func ToACPServers(resolved []ResolvedServer) []jsonrpc.McpServer {
	servers := make([]jsonrpc.McpServer, 0, len(resolved))
	for _, server := range resolved {
		switch server.Type {
		case ServerTypeStdio:
			env := make([]jsonrpc.EnvVariable, 0, len(server.Env))
			for _, k := range sortedKeys(server.Env) {
				env = append(env, jsonrpc.EnvVariable{Name: k, Value: server.Env[k]})
			}
			servers = append(servers, jsonrpc.McpServer{
				Name:    server.Name,
				Type:    string(ServerTypeStdio),
				Command: server.Command,
				Args:    append([]string{}, server.Args...),
				Env:     env,
			})
		case ServerTypeSSE, ServerTypeHTTP:
			headers := make([]jsonrpc.HTTPHeader, 0, len(server.Headers))
			for _, k := range sortedKeys(server.Headers) {
				headers = append(headers, jsonrpc.HTTPHeader{Name: k, Value: server.Headers[k]})
			}
			servers = append(servers, jsonrpc.McpServer{
				Name:    server.Name,
				Type:    string(server.Type),
				URL:     server.URL,
				Headers: headers,
			})
		}
	}
	return servers
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
