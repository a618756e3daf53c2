package mcpconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// ParseWorkspace parses a .mcp.json document. Comments and trailing commas
// are tolerated.
func ParseWorkspace(data []byte) (*File, error) {
	var f File
	if err := json.Unmarshal(jsonc.ToJSON(data), &f); err != nil {
		return nil, fmt.Errorf("parsing mcp config: %w", err)
	}
	if f.McpServers == nil {
		f.McpServers = map[string]ServerDef{}
	}
	return &f, nil
}

// ParseGlobal parses the YAML global server file.
func ParseGlobal(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing global mcp config: %w", err)
	}
	if f.McpServers == nil {
		f.McpServers = map[string]ServerDef{}
	}
	return &f, nil
}

// readFile loads path with parse. A missing file yields an empty server set.
func readFile(path string, parse func([]byte) (*File, error)) (map[string]ServerDef, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]ServerDef{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	f, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f.McpServers, nil
}
