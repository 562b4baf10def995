package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"retrykit/pkg/retry"
)

var (
	// ErrStopped возвращается при добавлении задачи в остановленный планировщик.
	ErrStopped = errors.New("scheduler is stopped")
	// ErrJobPanicked оборачивает панику внутри задачи. Повторяется только
	// если вид ошибки политики Retry её распознаёт.
	ErrJobPanicked = errors.New("job panicked")
)

// Job это функция задачи планировщика.
type Job func(ctx context.Context) error

// EntryID идентифицирует cron-задачу.
type EntryID = cron.EntryID

// IntervalID идентифицирует задачу с фиксированным интервалом.
type IntervalID int

// OverlapPolicy определяет, что делать, если предыдущий запуск ещё идёт.
type OverlapPolicy int

const (
	// AllowOverlap разрешает параллельные запуски (по умолчанию).
	AllowOverlap OverlapPolicy = iota
	// SkipIfRunning пропускает запуск, если предыдущий не завершён.
	SkipIfRunning
	// DelayIfRunning ждёт завершения предыдущего запуска.
	DelayIfRunning
)

func (p OverlapPolicy) String() string {
	switch p {
	case AllowOverlap:
		return "allow"
	case SkipIfRunning:
		return "skip"
	case DelayIfRunning:
		return "delay"
	default:
		return "unknown"
	}
}

// JobOptions настраивает задачу.
type JobOptions struct {
	// Name используется в логах и хуках.
	Name string
	// Timeout ограничивает одну попытку, а не весь запуск с повторами.
	Timeout time.Duration
	Overlap OverlapPolicy
	// Retry повторяет неудачную попытку внутри одного запуска. Если nil, повторов нет.
	Retry *retry.AsyncPolicy
}

// Run описывает один запуск задачи.
type Run struct {
	ID       string
	Job      string
	Attempts int
	Started  time.Time
	Duration time.Duration
	Err      error
}

// Hooks вызываются синхронно в горутине запуска.
type Hooks struct {
	OnStart   func(Run)
	OnSuccess func(Run)
	OnError   func(Run)
}

// Config содержит конфигурацию планировщика.
type Config struct {
	Logger *slog.Logger
	Hooks  Hooks
}

type entry struct {
	job     Job
	name    string
	opts    JobOptions
	running sync.Mutex
}

type interval struct {
	every  time.Duration
	entry  *entry
	cancel context.CancelFunc
}

// Scheduler запускает задачи по cron-расписанию и с фиксированным интервалом.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	hooks  Hooks

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	mu        sync.Mutex
	started   bool
	intervals map[IntervalID]*interval
	nextID    IntervalID

	startOnce sync.Once
	stopOnce  sync.Once
}

// New создаёт планировщик. Отмена parent после Start останавливает его
// так же, как Stop.
func New(parent context.Context, cfg Config) *Scheduler {
	ctx, cancel := context.WithCancel(parent)

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "scheduler"))

	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cronLogger{logger: logger}),
		),
		logger:    logger,
		hooks:     cfg.Hooks,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		intervals: make(map[IntervalID]*interval),
		nextID:    1,
	}
}

// AddCron добавляет задачу по cron-расписанию с секундами:
//   - "0 */5 * * * *": каждые 5 минут
//   - "@every 30s"
//   - "@hourly"
func (s *Scheduler) AddCron(spec string, job Job, opts JobOptions) (EntryID, error) {
	if !s.IsRunning() {
		return 0, ErrStopped
	}
	e := newEntry(job, opts)
	id, err := s.cron.AddFunc(spec, func() { s.run(e) })
	if err != nil {
		return 0, fmt.Errorf("add cron job %q: %w", e.name, err)
	}
	s.logger.Info("cron job added",
		slog.String("job", e.name),
		slog.String("schedule", spec),
		slog.String("overlap", opts.Overlap.String()),
		slog.Int("id", int(id)),
	)
	return id, nil
}

// AddInterval добавляет задачу, выполняемую каждые every после Start.
func (s *Scheduler) AddInterval(every time.Duration, job Job, opts JobOptions) (IntervalID, error) {
	if every <= 0 {
		return 0, fmt.Errorf("interval must be positive, got %s", every)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.IsRunning() {
		return 0, ErrStopped
	}
	id := s.nextID
	s.nextID++
	iv := &interval{every: every, entry: newEntry(job, opts)}
	s.intervals[id] = iv
	if s.started {
		s.launch(iv)
	}

	s.logger.Info("interval job added",
		slog.String("job", iv.entry.name),
		slog.Duration("every", every),
		slog.String("overlap", opts.Overlap.String()),
		slog.Int("id", int(id)),
	)
	return id, nil
}

// Remove удаляет cron-задачу. Текущий запуск не прерывается.
func (s *Scheduler) Remove(id EntryID) {
	s.cron.Remove(id)
	s.logger.Info("cron job removed", slog.Int("id", int(id)))
}

// RemoveInterval удаляет задачу с интервалом и сообщает, была ли она.
func (s *Scheduler) RemoveInterval(id IntervalID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	iv, ok := s.intervals[id]
	if !ok {
		return false
	}
	if iv.cancel != nil {
		iv.cancel()
	}
	delete(s.intervals, id)
	s.logger.Info("interval job removed", slog.String("job", iv.entry.name), slog.Int("id", int(id)))
	return true
}

// Start запускает планировщик. Повторные вызовы ничего не делают.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.IsRunning() {
			return
		}

		s.started = true
		for _, iv := range s.intervals {
			s.launch(iv)
		}
		s.cron.Start()
		context.AfterFunc(s.ctx, s.shutdown)
		s.logger.Info("scheduler started")
	})
}

// Stop отменяет контекст задач и ждёт завершения текущих запусков.
// Если ctx истекает раньше, возвращается его ошибка, а остановка
// продолжается в фоне. Вызов безопасен многократно.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	s.shutdown()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler stop deadline exceeded")
		return ctx.Err()
	}
}

// IsRunning сообщает, что планировщик не остановлен.
func (s *Scheduler) IsRunning() bool {
	return s.ctx.Err() == nil
}

// Done закрывается после полной остановки.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

func (s *Scheduler) shutdown() {
	s.stopOnce.Do(func() {
		s.logger.Info("stopping scheduler")
		go func() {
			<-s.cron.Stop().Done()
			// launch под s.mu мог успеть вызвать wg.Go до отмены.
			s.mu.Lock()
			s.mu.Unlock()
			s.wg.Wait()
			close(s.done)
			s.logger.Info("scheduler stopped")
		}()
	})
}

// launch запускает цикл задачи с интервалом. Вызывается под s.mu.
func (s *Scheduler) launch(iv *interval) {
	ctx, cancel := context.WithCancel(s.ctx)
	iv.cancel = cancel

	s.wg.Go(func() {
		defer cancel()
		ticker := time.NewTicker(iv.every)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.wg.Go(func() { s.run(iv.entry) })
			}
		}
	})
}

func newEntry(job Job, opts JobOptions) *entry {
	name := opts.Name
	if name == "" {
		name = "unnamed"
	}
	return &entry{job: job, name: name, opts: opts}
}

// run выполняет один запуск: политика перекрытий, повторы, хуки и логи.
// Все записи лога запуска несут run_id.
func (s *Scheduler) run(e *entry) {
	if s.ctx.Err() != nil {
		return
	}

	switch e.opts.Overlap {
	case SkipIfRunning:
		if !e.running.TryLock() {
			s.logger.Debug("job still running, skipped", slog.String("job", e.name))
			return
		}
		defer e.running.Unlock()
	case DelayIfRunning:
		e.running.Lock()
		defer e.running.Unlock()
	}

	r := Run{ID: uuid.NewString(), Job: e.name, Started: time.Now()}
	log := s.logger.With(slog.String("job", r.Job), slog.String("run_id", r.ID))
	if s.hooks.OnStart != nil {
		s.hooks.OnStart(r)
	}

	attempt := func(ctx context.Context) error {
		r.Attempts++
		return e.attempt(ctx)
	}
	var err error
	if e.opts.Retry != nil {
		err = e.opts.Retry.Execute(s.ctx, attempt)
	} else {
		err = attempt(s.ctx)
	}
	r.Duration = time.Since(r.Started)
	r.Err = err

	switch {
	case err == nil:
		log.Debug("job completed", slog.Int("attempts", r.Attempts), slog.Duration("duration", r.Duration))
		if s.hooks.OnSuccess != nil {
			s.hooks.OnSuccess(r)
		}
		return
	case errors.Is(err, retry.ErrCancelled) || s.ctx.Err() != nil:
		log.Info("job cancelled", slog.Int("attempts", r.Attempts), slog.Any("err", err))
	default:
		log.Error("job failed",
			slog.Int("attempts", r.Attempts),
			slog.Duration("duration", r.Duration),
			slog.Any("err", err),
		)
	}
	if s.hooks.OnError != nil {
		s.hooks.OnError(r)
	}
}

func (e *entry) attempt(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrJobPanicked, rec)
		}
	}()

	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}
	return e.job(ctx)
}

// cronLogger передаёт сообщения cron в slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append([]any{slog.Any("err", err)}, keysAndValues...)...)
}
