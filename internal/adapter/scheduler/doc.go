// Package scheduler runs background jobs on cron schedules and fixed
// intervals.
//
// Each run gets a fresh run ID (a UUID) that is attached to every log record
// the run produces and passed to hooks. A job may carry a retry policy: a
// failed attempt is retried inside the same run under the policy, and the
// wait between attempts ends early when the scheduler stops.
//
//	s := scheduler.New(ctx, scheduler.Config{Logger: logger})
//
//	policy := retry.NewBoundedAsync(pg.Transient, opts, retry.WithName("db-health"))
//	_, err := s.AddInterval(30*time.Second, func(ctx context.Context) error {
//		return pg.HealthCheck(ctx, pool)
//	}, scheduler.JobOptions{
//		Name:    "db-health",
//		Timeout: 5 * time.Second,
//		Overlap: scheduler.SkipIfRunning,
//		Retry:   policy,
//	})
//
//	s.Start()
//	defer s.Stop(context.Background())
//
// Overlap policies:
//   - AllowOverlap: runs may overlap (default)
//   - SkipIfRunning: a tick is dropped while the previous run is active
//   - DelayIfRunning: a tick waits for the previous run to finish
//
// Timeout bounds one attempt, not the whole run. Panics are recovered and
// reported as ErrJobPanicked. Cancelling the parent context passed to New
// stops the scheduler like Stop does.
package scheduler
