package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nfrund/chatrelay/internal/config"
	"github.com/nfrund/chatrelay/internal/logging"
	"github.com/nfrund/chatrelay/internal/server"
	"github.com/nfrund/chatrelay/internal/tracing"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay",
	Long: `Run the relay until interrupted.

Settings are read from the environment and from a .env file in the working
directory. The --addr flag overrides RELAY_ADDR.

Examples:
  relay serve
  relay serve --addr :8080
  DURABLE_LOG_BACKEND=kafka KAFKA_BROKERS=localhost:9092 relay serve`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides RELAY_ADDR)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.New()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Addr = serveAddr
	}
	logging.New(cfg.LogFormat, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, version)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}

	slog.Info("Starting relay",
		"version", version,
		"instance_id", cfg.InstanceID,
		"backend", cfg.DurableLog.Backend,
		"replay", cfg.DurableLog.ReplayEnabled)

	srv, err := server.New(ctx, cfg, server.WithTracer(tracer))
	if err != nil {
		return errors.Join(err, shutdownTracing(context.Background()))
	}

	runErr := srv.Run(ctx)
	if err := shutdownTracing(context.Background()); err != nil {
		slog.Warn("Failed to flush traces", "error", err)
	}
	return runErr
}
