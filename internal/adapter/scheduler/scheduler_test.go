package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retrykit/pkg/retry"
)

var errFlaky = errors.New("flaky")

// runs собирает запуски, переданные хукам.
type runs struct {
	mu      sync.Mutex
	started []Run
	ok      []Run
	failed  []Run
}

func (r *runs) hooks() Hooks {
	return Hooks{
		OnStart:   func(run Run) { r.mu.Lock(); r.started = append(r.started, run); r.mu.Unlock() },
		OnSuccess: func(run Run) { r.mu.Lock(); r.ok = append(r.ok, run); r.mu.Unlock() },
		OnError:   func(run Run) { r.mu.Lock(); r.failed = append(r.failed, run); r.mu.Unlock() },
	}
}

func (r *runs) counts() (started, ok, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.started), len(r.ok), len(r.failed)
}

func newScheduler(hooks Hooks) *Scheduler {
	return New(context.Background(), Config{Logger: slog.New(slog.DiscardHandler), Hooks: hooks})
}

func stop(t *testing.T, s *Scheduler) {
	t.Helper()
	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, s.IsRunning())
}

func TestScheduler_IntervalRunsAfterStart(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := newScheduler(Hooks{})
		var count atomic.Int32

		_, err := s.AddInterval(time.Minute, func(context.Context) error {
			count.Add(1)
			return nil
		}, JobOptions{Name: "tick"})
		require.NoError(t, err)

		time.Sleep(5 * time.Minute)
		synctest.Wait()
		assert.Zero(t, count.Load(), "не должна выполняться до Start")

		s.Start()
		time.Sleep(3*time.Minute + time.Second)
		synctest.Wait()
		assert.Equal(t, int32(3), count.Load())

		stop(t, s)
	})
}

func TestScheduler_AddIntervalAfterStart(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := newScheduler(Hooks{})
		s.Start()

		var count atomic.Int32
		_, err := s.AddInterval(10*time.Second, func(context.Context) error {
			count.Add(1)
			return nil
		}, JobOptions{})
		require.NoError(t, err)

		time.Sleep(25 * time.Second)
		synctest.Wait()
		assert.Equal(t, int32(2), count.Load())

		stop(t, s)
	})
}

func TestScheduler_CronJob(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := newScheduler(Hooks{})
		var count atomic.Int32

		id, err := s.AddCron("@every 1m", func(context.Context) error {
			count.Add(1)
			return nil
		}, JobOptions{Name: "cron"})
		require.NoError(t, err)

		s.Start()
		time.Sleep(2*time.Minute + time.Second)
		synctest.Wait()
		assert.Equal(t, int32(2), count.Load())

		s.Remove(id)
		time.Sleep(5 * time.Minute)
		synctest.Wait()
		assert.Equal(t, int32(2), count.Load())

		stop(t, s)
	})
}

func TestScheduler_InvalidJobs(t *testing.T) {
	s := newScheduler(Hooks{})
	noop := func(context.Context) error { return nil }

	_, err := s.AddCron("invalid schedule", noop, JobOptions{Name: "bad"})
	assert.ErrorContains(t, err, `add cron job "bad"`)

	_, err = s.AddInterval(0, noop, JobOptions{})
	assert.Error(t, err)

	stop(t, s)

	_, err = s.AddInterval(time.Second, noop, JobOptions{})
	assert.ErrorIs(t, err, ErrStopped)
	_, err = s.AddCron("@every 1s", noop, JobOptions{})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestScheduler_RetryWithinRun(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		rec := &runs{}
		s := newScheduler(rec.hooks())

		var calls atomic.Int32
		policy := retry.NewBoundedAsync(retry.Is(errFlaky), retry.Options{InitialDelay: time.Second, MaxRetries: 3})
		_, err := s.AddInterval(time.Hour, func(context.Context) error {
			if calls.Add(1) < 3 {
				return errFlaky
			}
			return nil
		}, JobOptions{Name: "flaky", Retry: policy})
		require.NoError(t, err)

		s.Start()
		// Линейные паузы 1s и 2s после первого тика.
		time.Sleep(time.Hour + 3*time.Second)
		synctest.Wait()

		started, ok, failed := rec.counts()
		assert.Equal(t, 1, started)
		assert.Equal(t, 1, ok)
		assert.Zero(t, failed)
		assert.Equal(t, 3, rec.ok[0].Attempts)
		assert.Equal(t, 3*time.Second, rec.ok[0].Duration)
		assert.Equal(t, rec.started[0].ID, rec.ok[0].ID)
		assert.NotEmpty(t, rec.ok[0].ID)

		stop(t, s)
	})
}

func TestScheduler_RetryExhausted(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		rec := &runs{}
		s := newScheduler(rec.hooks())

		policy := retry.NewBoundedAsync(retry.AnyError, retry.Options{InitialDelay: time.Second, MaxRetries: 2})
		_, err := s.AddInterval(time.Hour, func(context.Context) error {
			return errFlaky
		}, JobOptions{Name: "broken", Retry: policy})
		require.NoError(t, err)

		s.Start()
		time.Sleep(time.Hour + time.Minute)
		synctest.Wait()

		_, ok, failed := rec.counts()
		assert.Zero(t, ok)
		require.Equal(t, 1, failed)
		assert.Equal(t, 3, rec.failed[0].Attempts)
		assert.ErrorIs(t, rec.failed[0].Err, errFlaky)

		stop(t, s)
	})
}

func TestScheduler_OverlapPolicies(t *testing.T) {
	tests := []struct {
		policy      OverlapPolicy
		at2m, at2m5 int32
	}{
		{AllowOverlap, 2, 2},
		{SkipIfRunning, 1, 1},
		{DelayIfRunning, 1, 2},
	}

	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			synctest.Test(t, func(t *testing.T) {
				s := newScheduler(Hooks{})
				var starts atomic.Int32

				_, err := s.AddInterval(time.Minute, func(ctx context.Context) error {
					starts.Add(1)
					select {
					case <-time.After(90 * time.Second):
					case <-ctx.Done():
					}
					return nil
				}, JobOptions{Overlap: tt.policy})
				require.NoError(t, err)

				s.Start()
				// Первый запуск длится с 1m до 2m30s.
				time.Sleep(2*time.Minute + time.Second)
				synctest.Wait()
				assert.Equal(t, tt.at2m, starts.Load(), "at 2m")

				time.Sleep(30 * time.Second)
				synctest.Wait()
				assert.Equal(t, tt.at2m5, starts.Load(), "at 2m31s")

				stop(t, s)
			})
		})
	}
}

func TestScheduler_TimeoutPerAttempt(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		rec := &runs{}
		s := newScheduler(rec.hooks())

		policy := retry.NewBoundedAsync(retry.Is(context.DeadlineExceeded), retry.Options{InitialDelay: time.Second, MaxRetries: 1})
		_, err := s.AddInterval(time.Hour, func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}, JobOptions{Name: "slow", Timeout: 10 * time.Second, Retry: policy})
		require.NoError(t, err)

		s.Start()
		time.Sleep(time.Hour + time.Minute)
		synctest.Wait()

		require.Len(t, rec.failed, 1)
		assert.Equal(t, 2, rec.failed[0].Attempts)
		assert.Equal(t, 21*time.Second, rec.failed[0].Duration)
		assert.ErrorIs(t, rec.failed[0].Err, context.DeadlineExceeded)

		stop(t, s)
	})
}

func TestScheduler_PanicRecovered(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		rec := &runs{}
		s := newScheduler(rec.hooks())

		_, err := s.AddInterval(time.Minute, func(context.Context) error {
			panic("boom")
		}, JobOptions{Name: "panicky"})
		require.NoError(t, err)

		s.Start()
		time.Sleep(2*time.Minute + time.Second)
		synctest.Wait()

		_, _, failed := rec.counts()
		require.Equal(t, 2, failed, "планировщик продолжает работу после паники")
		assert.ErrorIs(t, rec.failed[0].Err, ErrJobPanicked)
		assert.ErrorContains(t, rec.failed[0].Err, "boom")

		stop(t, s)
	})
}

func TestScheduler_StopCancelsRetryWait(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		rec := &runs{}
		s := newScheduler(rec.hooks())

		var calls atomic.Int32
		policy := retry.NewForeverAsync(retry.AnyError, retry.Options{ForeverSleepDuration: time.Hour})
		_, err := s.AddInterval(time.Minute, func(context.Context) error {
			calls.Add(1)
			return errFlaky
		}, JobOptions{Name: "forever", Retry: policy})
		require.NoError(t, err)

		s.Start()
		time.Sleep(time.Minute + time.Second)
		synctest.Wait()

		start := time.Now()
		stop(t, s)
		assert.Zero(t, time.Since(start), "Stop не ждёт паузу политики")

		assert.Equal(t, int32(1), calls.Load())
		require.Len(t, rec.failed, 1)
		assert.ErrorIs(t, rec.failed[0].Err, retry.ErrCancelled)
		assert.ErrorIs(t, rec.failed[0].Err, context.Canceled)
	})
}

func TestScheduler_StopDeadline(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := newScheduler(Hooks{})

		_, err := s.AddInterval(time.Minute, func(context.Context) error {
			time.Sleep(time.Hour)
			return nil
		}, JobOptions{Name: "stubborn"})
		require.NoError(t, err)

		s.Start()
		time.Sleep(time.Minute + time.Second)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)

		<-s.Done()
		assert.NoError(t, s.Stop(context.Background()))
	})
}

func TestScheduler_ParentCancel(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		parent, cancel := context.WithCancel(context.Background())
		s := New(parent, Config{Logger: slog.New(slog.DiscardHandler)})
		s.Start()
		s.Start()

		cancel()
		<-s.Done()
		assert.False(t, s.IsRunning())
	})
}

func TestScheduler_RemoveInterval(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := newScheduler(Hooks{})
		var count atomic.Int32

		id, err := s.AddInterval(time.Minute, func(context.Context) error {
			count.Add(1)
			return nil
		}, JobOptions{})
		require.NoError(t, err)

		s.Start()
		time.Sleep(time.Minute + time.Second)
		synctest.Wait()
		require.Equal(t, int32(1), count.Load())

		assert.True(t, s.RemoveInterval(id))
		assert.False(t, s.RemoveInterval(id))

		time.Sleep(5 * time.Minute)
		synctest.Wait()
		assert.Equal(t, int32(1), count.Load())

		stop(t, s)
	})
}

func TestScheduler_RunIDInLogs(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var buf bytes.Buffer
		rec := &runs{}
		logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
		s := New(context.Background(), Config{Logger: logger, Hooks: rec.hooks()})

		_, err := s.AddInterval(time.Minute, func(context.Context) error {
			return errFlaky
		}, JobOptions{Name: "logged"})
		require.NoError(t, err)

		s.Start()
		time.Sleep(time.Minute + time.Second)
		synctest.Wait()
		stop(t, s)

		require.Len(t, rec.failed, 1)
		var found bool
		for line := range bytes.Lines(buf.Bytes()) {
			var m map[string]any
			require.NoError(t, json.Unmarshal(line, &m))
			if m["msg"] != "job failed" {
				continue
			}
			found = true
			assert.Equal(t, "logged", m["job"])
			assert.Equal(t, "scheduler", m["component"])
			assert.Equal(t, rec.failed[0].ID, m["run_id"])
			assert.Equal(t, "flaky", m["err"])
		}
		assert.True(t, found)
	})
}

func TestOverlapPolicy_String(t *testing.T) {
	assert.Equal(t, "allow", AllowOverlap.String())
	assert.Equal(t, "skip", SkipIfRunning.String())
	assert.Equal(t, "delay", DelayIfRunning.String())
	assert.Equal(t, "unknown", OverlapPolicy(42).String())
}
