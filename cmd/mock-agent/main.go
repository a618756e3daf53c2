// Package main runs the scripted ACP adapter on stdin/stdout. Point
// agent.command at this binary to exercise the whole stack without a model
// behind it.
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/unforced/thinking-space/internal/agent/mockagent"
	"github.com/unforced/thinking-space/internal/common/logger"
	"github.com/unforced/thinking-space/pkg/acp/jsonrpc"
)

func main() {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      envOr("MOCK_AGENT_LOG_LEVEL", "warn"),
		Format:     "text",
		OutputPath: "stderr",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
		os.Exit(1)
	}

	agent := mockagent.New(
		mockagent.WithLogger(log),
		mockagent.WithChunkDelay(parseDelayFromArgs(os.Args)),
		mockagent.WithExitFunc(os.Exit),
	)
	err = agent.Serve(os.Stdin, os.Stdout)
	if err != nil && !errors.Is(err, jsonrpc.ErrConnectionClosed) {
		log.Error("mock-agent stopped", zap.Error(err))
		os.Exit(1)
	}
}

// parseDelayFromArgs extracts the --chunk-delay value from the given args.
func parseDelayFromArgs(args []string) time.Duration {
	var raw string
	for i, arg := range args[1:] {
		if arg == "--chunk-delay" && i+1 < len(args)-1 {
			raw = args[i+2]
		}
		if strings.HasPrefix(arg, "--chunk-delay=") {
			raw = strings.TrimPrefix(arg, "--chunk-delay=")
		}
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0
	}
	return d
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
