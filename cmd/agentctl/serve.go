package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/unforced/thinking-space/internal/agent/mcpconfig"
	"github.com/unforced/thinking-space/internal/agent/supervisor"
	"github.com/unforced/thinking-space/internal/api"
	"github.com/unforced/thinking-space/internal/events"
	"github.com/unforced/thinking-space/internal/tracing"
)

const shutdownTimeout = 30 * time.Second

var (
	servePort      int
	serveAutoStart bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control API and event stream",
	Long: `Run the HTTP control API and the WebSocket event stream.

The adapter is not started until POST /api/v1/agent/start is called, unless
--auto-start is given.

Examples:
  agentctl serve
  agentctl serve --port 9000
  agentctl serve --config ~/.thinking-space --auto-start`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides server.port)")
	serveCmd.Flags().BoolVar(&serveAutoStart, "auto-start", false, "Start the adapter immediately")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if enabled, err := tracing.Init(ctx, cfg.Tracing); err != nil {
		log.Warn("tracing disabled", zap.Error(err))
	} else if enabled {
		log.Info("exporting traces", zap.String("endpoint", cfg.Tracing.Endpoint))
	}

	provided, cleanup, err := events.Provide(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = cleanup() }()
	emitter := events.NewBusEmitter(provided.Bus, cfg.Events.Subject, log)

	mcp := mcpconfig.NewLoader(cfg.MCP, log)
	mcp.Start(ctx)
	defer func() { _ = mcp.Close() }()

	sup := supervisor.New(cfg, emitter, log, supervisor.WithMCPSource(mcp))
	hub := api.NewHub(provided.Bus, cfg.Events.Subject, log)
	server := api.NewServer(sup, hub, log)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	log.Info("starting agentctl",
		zap.String("version", version),
		zap.String("address", httpServer.Addr),
		zap.String("agent_command", cfg.Agent.Command),
		zap.Bool("nats", provided.NATS != nil))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(gctx)
	})
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	if serveAutoStart {
		g.Go(func() error {
			if err := sup.Start(gctx, ""); err != nil {
				log.Error("failed to auto-start agent", zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down agentctl")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := sup.Stop(shutdownCtx); err != nil {
			log.Error("error stopping agent process", zap.Error(err))
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("error shutting down HTTP server", zap.Error(err))
		}
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Warn("error flushing traces", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	log.Info("agentctl stopped")
	return err
}
