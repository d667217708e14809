package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	orchestration "github.com/koscakluka/ema-live/core"
	"github.com/koscakluka/ema-live/core/config"
	"github.com/koscakluka/ema-live/core/metrics"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the orchestrator and run until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath(cmd))
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, cmd.ErrOrStderr())
		},
	}
}

func run(ctx context.Context, cfg *config.Config, logOutput io.Writer) error {
	shutdownLogging, err := setupLogging(logOutput)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownLogging(context.WithoutCancel(ctx)) }()
	logger := otelslog.NewLogger("github.com/koscakluka/ema-live/cmd/ema-live")

	m := metrics.New()
	if cfg.Metrics.Addr != "" {
		server, err := serveMetrics(ctx, cfg.Metrics.Addr, m)
		if err != nil {
			return err
		}
		logger.InfoContext(ctx, "serving metrics", "addr", server.Addr())
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Shutdown.GracePeriod)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.WarnContext(shutdownCtx, "metrics server did not shut down cleanly", "error", err)
			}
		}()
	}

	orchestrator := orchestration.NewOrchestrator(cfg, orchestration.WithMetrics(m))
	if err := orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	<-ctx.Done()
	logger.InfoContext(ctx, "shutting down", slog.Duration("grace_period", cfg.Shutdown.GracePeriod))

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*cfg.Shutdown.GracePeriod)
	defer cancel()
	return orchestrator.Close(closeCtx)
}
