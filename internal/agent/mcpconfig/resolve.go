package mcpconfig

import (
	"fmt"
	"sort"
	"strings"
)

// Merge overlays workspace definitions on top of global ones. A workspace
// entry replaces a global entry of the same name entirely.
func Merge(global, workspace map[string]ServerDef) map[string]ServerDef {
	merged := make(map[string]ServerDef, len(global)+len(workspace))
	for name, def := range global {
		merged[name] = def
	}
	for name, def := range workspace {
		merged[name] = def
	}
	return merged
}

// Resolve validates server definitions and returns them sorted by name.
// Invalid entries are skipped and reported as warnings.
func Resolve(servers map[string]ServerDef) ([]ResolvedServer, []string) {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)

	var warnings []string
	resolved := make([]ResolvedServer, 0, len(servers))

	for _, name := range names {
		server := servers[name]
		serverType := normalizeServerType(server)
		switch serverType {
		case "":
			warnings = append(warnings, fmt.Sprintf("mcp server %q skipped: missing command or url", name))
			continue
		case ServerTypeStdio, ServerTypeHTTP, ServerTypeSSE:
		default:
			warnings = append(warnings, fmt.Sprintf("mcp server %q skipped: unsupported type %q", name, serverType))
			continue
		}

		if serverType == ServerTypeStdio && strings.TrimSpace(server.Command) == "" {
			warnings = append(warnings, fmt.Sprintf("mcp server %q skipped: stdio server missing command", name))
			continue
		}
		if serverType != ServerTypeStdio && strings.TrimSpace(server.URL) == "" {
			warnings = append(warnings, fmt.Sprintf("mcp server %q skipped: %s server missing url", name, serverType))
			continue
		}

		resolved = append(resolved, ResolvedServer{
			Name:    name,
			Type:    serverType,
			Command: server.Command,
			Args:    append([]string{}, server.Args...),
			Env:     cloneStringMap(server.Env),
			URL:     server.URL,
			Headers: cloneStringMap(server.Headers),
		})
	}

	return resolved, warnings
}

// normalizeServerType defaults to stdio; an explicit type always wins.
func normalizeServerType(server ServerDef) ServerType {
	if server.Type != "" {
		return ServerType(strings.ToLower(string(server.Type)))
	}
	if strings.TrimSpace(server.Command) != "" {
		return ServerTypeStdio
	}
	if strings.TrimSpace(server.URL) != "" {
		return ServerTypeHTTP
	}
	return ""
}

func cloneStringMap(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
