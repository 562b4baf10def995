package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"retrykit/internal/adapter/scheduler"
	"retrykit/internal/config"
	"retrykit/internal/platform/pg"
	"retrykit/pkg/retry"
)

// dbCheckInterval is how often the database health job runs.
const dbCheckInterval = 30 * time.Second

// App wires application components.
type App struct {
	cfg  config.Config
	log  *slog.Logger
	opts retry.Options

	sched  *scheduler.Scheduler
	pool   *pgxpool.Pool
	dbMu   sync.RWMutex
	dbErr  error
	dbSeen bool
}

// New creates an App. opts are the resolved RetryPolicyOptions used by every
// policy the App builds.
func New(cfg config.Config, log *slog.Logger, opts retry.Options) *App {
	if log == nil {
		log = slog.Default()
	}
	return &App{cfg: cfg, log: log, opts: opts}
}

// RetryOptions resolves the RetryPolicyOptions section from the environment
// and the optional YAML file. Any invalid value falls back to defaults for
// the whole section; the failure is logged.
func RetryOptions(cfg config.Config, log *slog.Logger) retry.Options {
	src, err := cfg.RetrySource()
	if err != nil {
		log.Warn("retry config file ignored", slog.String("file", cfg.RetryFile), slog.Any("err", err))
	}
	opts, err := retry.LoadOptions(src)
	if err != nil {
		log.Warn("invalid retry options, using defaults", slog.Any("err", err))
	}
	return opts
}

// Run starts the HTTP server and background jobs and blocks until ctx ends.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("starting",
		slog.String("addr", a.cfg.HTTP.Addr),
		slog.String("strategy", a.opts.Strategy().String()),
	)

	sched := scheduler.New(ctx, scheduler.Config{Logger: a.log})
	a.sched = sched
	abort := func(err error) error {
		return errors.Join(err, sched.Stop(context.Background()))
	}
	if a.cfg.Postgres.DSN != "" {
		connect := retry.NewBoundedAsync(pg.Transient, a.opts, retry.WithName("pg.connect"), retry.WithLogger(a.log))
		pool, err := pg.NewPool(ctx, a.cfg.Postgres.DSN, connect, pg.DefaultPoolOptions())
		if err != nil {
			return abort(fmt.Errorf("connect database: %w", err))
		}
		defer pool.Close()
		a.pool = pool

		_, err = sched.AddInterval(dbCheckInterval, a.checkDB, scheduler.JobOptions{
			Name:    "db-health",
			Timeout: 5 * time.Second,
			Overlap: scheduler.SkipIfRunning,
			Retry:   retry.NewBoundedAsync(pg.Transient, a.opts, retry.WithName("db-health"), retry.WithLogger(a.log)),
		})
		if err != nil {
			return abort(err)
		}
	}
	sched.Start()

	srv := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.log.Info("shutting down")
	case err := <-errCh:
		serveErr = fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Join(serveErr, srv.Shutdown(shutdownCtx), sched.Stop(shutdownCtx))
}

func (a *App) checkDB(ctx context.Context) error {
	err := pg.HealthCheck(ctx, a.pool)
	a.dbMu.Lock()
	a.dbErr, a.dbSeen = err, true
	a.dbMu.Unlock()
	return err
}

// dbStatus reports whether a database is configured and its last check error.
func (a *App) dbStatus() (configured bool, err error) {
	a.dbMu.RLock()
	defer a.dbMu.RUnlock()
	if a.pool == nil {
		return false, nil
	}
	if !a.dbSeen {
		return true, nil
	}
	return true, a.dbErr
}
