package terminal

import (
	"fmt"
	"os"
	"strings"
)

// mergeEnv overlays env on the parent environment and returns it in the
// KEY=VALUE form exec.Cmd expects.
func mergeEnv(env map[string]string) []string {
	base := make(map[string]string, len(os.Environ())+len(env))

	for _, entry := range os.Environ() {
		if eq := strings.IndexByte(entry, '='); eq >= 0 {
			key := entry[:eq]
			// npm_* variables leak from an npx-launched adapter and make nested npx noisy.
			if isNpmEnvVar(key) {
				continue
			}
			base[key] = entry[eq+1:]
		}
	}
	for k, v := range env {
		base[k] = v
	}

	merged := make([]string, 0, len(base))
	for k, v := range base {
		merged = append(merged, fmt.Sprintf("%s=%s", k, v))
	}
	return merged
}

func isNpmEnvVar(key string) bool {
	for _, prefix := range []string{
		"npm_config_",
		"npm_package_",
		"npm_lifecycle_",
		"npm_execpath",
		"npm_node_execpath",
	} {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}
