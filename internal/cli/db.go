package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"retrykit/internal/app"
	"retrykit/internal/platform/pg"
	"retrykit/pkg/retry"
)

func newWaitDBCmd(e *env) *cobra.Command {
	var (
		dsn        string
		timeout    time.Duration
		migrations string
	)

	cmd := &cobra.Command{
		Use:   "wait-db",
		Short: "Wait until PostgreSQL accepts connections",
		Long: `Ping PostgreSQL every ForeverSleepDuration until it answers or --timeout
elapses. With --migrations, apply them afterwards (e.g. file://migrations);
applying is retried under the bounded policy.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dsn == "" {
				dsn = e.cfg.Postgres.DSN
			}
			if dsn == "" {
				return errors.New("no database: pass --dsn or set DATABASE_URL")
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			stderr := cmd.ErrOrStderr()
			wait := retry.NewForeverAsync(pg.Transient, e.opts,
				retry.WithName("wait-db"),
				retry.WithLogger(e.log),
				retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
					fmt.Fprintf(stderr, "attempt %d: %v (next in %s)\n", attempt, err, delay)
				}),
			)
			if err := pg.WaitForDB(ctx, dsn, wait); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "database is ready")

			if migrations == "" {
				return nil
			}
			apply := retry.NewBoundedAsync(pg.Transient, e.opts, retry.WithName("migrate"), retry.WithLogger(e.log))
			info, err := pg.ApplyMigrations(ctx, dsn, migrations, apply)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrations: version %d -> %d (applied: %t)\n",
				info.CurrentVersion, info.FinalVersion, info.Applied)
			return nil
		},
	}

	cmd.Flags().StringVar(&dsn, "dsn", "", "PostgreSQL connection string (default $DATABASE_URL)")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "give up after this long (0 = no limit)")
	cmd.Flags().StringVar(&migrations, "migrations", "", "migration source URL to apply once the database is up")
	return cmd
}

func newServeCmd(e *env) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := e.cfg
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			return app.New(cfg, e.log, e.opts).Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default $HTTP_ADDR or :8080)")
	return cmd
}
