package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openlis/astmlink/internal/logger"
	"github.com/openlis/astmlink/internal/service"
	"github.com/openlis/astmlink/pkg/config"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the astmlink service",
	Long: `Start the astmlink service in the foreground.

One TCP listener is opened per configured instrument. The process runs until
it receives SIGINT or SIGTERM, then shuts down gracefully within the
configured shutdown timeout.

Examples:
  # Start with the default config location
  astmlink start

  # Start with a custom config file
  astmlink start --config /etc/astmlink/config.yaml

  # Environment variable overrides
  ASTMLINK_LOGGING_LEVEL=DEBUG astmlink start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	svc, err := service.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		return err
	}

	// Pick up log level changes without a restart.
	config.Watch(GetConfigFile(), nil)

	logger.Info("astmlink running, press Ctrl-C to stop")
	return svc.WaitForSignalOrError(ctx)
}
