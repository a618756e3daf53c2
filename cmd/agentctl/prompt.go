package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/unforced/thinking-space/internal/agent/mcpconfig"
	"github.com/unforced/thinking-space/internal/agent/permission"
	"github.com/unforced/thinking-space/internal/agent/supervisor"
	"github.com/unforced/thinking-space/internal/api"
	"github.com/unforced/thinking-space/internal/events"
	"github.com/unforced/thinking-space/internal/events/bus"
)

var (
	promptDir         string
	promptSystem      string
	promptAutoApprove bool
	promptAPIKey      string
)

var promptCmd = &cobra.Command{
	Use:   "prompt <message>",
	Short: "Run one prompt turn and print its events",
	Long: `Start the adapter, send one message for a workspace and print every
observer event as a JSON line until the turn completes.

Without --auto-approve, permission requests are cancelled since nobody is
there to answer them.

Examples:
  agentctl prompt --dir ~/notes "summarize todo.md"
  agentctl prompt --dir . --auto-approve "fix the failing test"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPrompt,
}

func init() {
	promptCmd.Flags().StringVar(&promptDir, "dir", ".", "Workspace directory")
	promptCmd.Flags().StringVar(&promptSystem, "system", "", "System prompt for the new session")
	promptCmd.Flags().BoolVar(&promptAutoApprove, "auto-approve", false, "Approve every permission request")
	promptCmd.Flags().StringVar(&promptAPIKey, "api-key", "", "Credential passed to the adapter as "+supervisor.APIKeyEnv)
	rootCmd.AddCommand(promptCmd)
}

func runPrompt(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if promptAutoApprove {
		cfg.Agent.AutoApprove = true
	}
	cfg.NATS.URL = ""
	cfg.Logging.OutputPath = "stderr"
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	workDir, err := filepath.Abs(promptDir)
	if err != nil {
		return fmt.Errorf("resolving --dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provided, cleanup, err := events.Provide(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = cleanup() }()

	cfg.MCP.Watch = false
	mcp := mcpconfig.NewLoader(cfg.MCP, log)
	defer func() { _ = mcp.Close() }()

	sup := supervisor.New(cfg, events.NewBusEmitter(provided.Bus, cfg.Events.Subject, log), log,
		supervisor.WithMCPSource(mcp))

	printer := &eventPrinter{out: cmd.OutOrStdout(), sup: sup}
	sub, err := provided.Bus.Subscribe(cfg.Events.Subject, printer.handle)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()

	apiKey := promptAPIKey
	if apiKey == "" {
		apiKey = os.Getenv(supervisor.APIKeyEnv)
	}
	if err := sup.Start(ctx, apiKey); err != nil {
		return err
	}
	defer func() { _ = sup.Stop(context.Background()) }()

	go func() {
		<-ctx.Done()
		_ = sup.Cancel(context.Background(), workDir)
	}()

	return sup.SendMessage(ctx, supervisor.MessageRequest{
		RequestID:        uuid.New().String(),
		Message:          strings.Join(args, " "),
		WorkingDirectory: workDir,
		SystemPrompt:     promptSystem,
	})
}

// eventPrinter writes each event as one JSON line.
type eventPrinter struct {
	mu  sync.Mutex
	out io.Writer
	sup *supervisor.Supervisor
}

func (p *eventPrinter) handle(_ context.Context, event *bus.Event) error {
	line, err := json.Marshal(api.StreamMessage{
		Type:      event.Type,
		Payload:   event.Data,
		Timestamp: event.Timestamp,
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	_, err = fmt.Fprintln(p.out, string(line))
	p.mu.Unlock()

	// Nobody can answer interactively; cancel so the turn can finish.
	if req, ok := event.Data.(events.PermissionRequestPayload); ok {
		_ = p.sup.RespondPermission(req.RequestID, permission.Decision{Cancelled: true})
	}
	return err
}
