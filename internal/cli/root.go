package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"retrykit/internal/app"
	"retrykit/internal/config"
	"retrykit/internal/platform/logger"
	"retrykit/pkg/retry"
)

// env is resolved once before any subcommand runs.
type env struct {
	cfg  config.Config
	log  *slog.Logger
	opts retry.Options
}

// NewRootCmd builds the retryctl command tree.
func NewRootCmd() *cobra.Command {
	var (
		e         env
		retryFile string
		logLevel  string
	)

	root := &cobra.Command{
		Use:   "retryctl",
		Short: "Inspect and exercise retry policies",
		Long: `retryctl resolves the RetryPolicyOptions section from the environment
(RetryPolicyOptions__MaxRetries=5) and an optional YAML file, then prints the
resulting delay schedule or runs work under it.

Invalid values make the whole section fall back to defaults.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if retryFile != "" {
				cfg.RetryFile = retryFile
			}
			if logLevel != "" {
				cfg.Log.ConsoleLevel = logLevel
			}

			e.cfg = cfg
			e.log = logger.New(logger.Options{
				Env:          cfg.Env,
				ConsoleLevel: cfg.Log.ConsoleLevel,
				FileLevel:    cfg.Log.FileLevel,
				File:         cfg.Log.File,
				App:          "retryctl",
				Console:      cmd.ErrOrStderr(),
			})
			e.opts = app.RetryOptions(cfg, e.log)
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return logger.Close(e.log)
		},
	}

	root.PersistentFlags().StringVar(&retryFile, "config", "", "YAML file with a RetryPolicyOptions section (overrides RETRY_CONFIG_FILE)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "console log level: debug, info, warn, error")

	root.AddCommand(
		newScheduleCmd(&e),
		newProbeCmd(&e),
		newWaitDBCmd(&e),
		newServeCmd(&e),
	)
	return root
}

// Execute runs the root command until it finishes or SIGINT/SIGTERM arrives.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return NewRootCmd().ExecuteContext(ctx)
}
