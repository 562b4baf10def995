package retry

import (
	"errors"
	"iter"
	"log/slog"
	"time"
)

// Option customizes a policy at construction.
type Option func(*settings)

type settings struct {
	name    string
	log     *slog.Logger
	onRetry func(attempt int, err error, delay time.Duration)
	rnd     func() float64
	sleep   func(time.Duration)
}

// WithName sets the policy name used in log records.
func WithName(name string) Option {
	return func(s *settings) { s.name = name }
}

// WithLogger logs each retry at debug level and exhaustion at warn level.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.log = l
		}
	}
}

// WithOnRetry is called before each wait with the 1-based retry number, the
// error that triggered it and the upcoming delay.
func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(s *settings) { s.onRetry = fn }
}

// WithRand sets the random source for jitter. fn must return values in
// [0, 1) and be safe for concurrent use if the policy is shared.
func WithRand(fn func() float64) Option {
	return func(s *settings) { s.rnd = fn }
}

// WithSleep replaces time.Sleep in blocking policies.
func WithSleep(fn func(time.Duration)) Option {
	return func(s *settings) {
		if fn != nil {
			s.sleep = fn
		}
	}
}

// policy holds what bounded and forever, sync and async policies share.
type policy struct {
	settings
	kind     Kind
	opts     Options
	strategy Strategy
}

func newPolicy(kind Kind, opts Options, forever bool, options []Option) policy {
	if kind == nil {
		panic("retry: nil kind")
	}
	p := policy{
		settings: settings{
			name:  "retry",
			log:   slog.New(slog.DiscardHandler),
			sleep: time.Sleep,
		},
		kind:     kind,
		opts:     opts,
		strategy: opts.Strategy(),
	}
	if forever {
		p.strategy = StrategyForever
	}
	for _, o := range options {
		o(&p.settings)
	}
	return p
}

// Strategy reports the backoff strategy the policy was built with.
func (p *policy) Strategy() Strategy { return p.strategy }

// Options returns a copy of the options the policy was built with.
func (p *policy) Options() Options { return p.opts }

// Delays returns a fresh delay sequence, infinite for forever policies.
func (p *policy) Delays() iter.Seq[time.Duration] {
	if p.strategy == StrategyForever {
		return Constant(p.opts.ForeverSleepDuration)
	}
	return p.opts.Backoff(p.rnd)
}

func (p *policy) retryable(err error) bool {
	return err != nil && p.kind.Match(err)
}

// DelayHinter is implemented by errors that ask for a minimum wait before
// the next attempt, such as an HTTP Retry-After. A longer hint replaces the
// policy's delay; a shorter one is ignored.
type DelayHinter interface {
	RetryDelay() time.Duration
}

func hinted(err error, delay time.Duration) time.Duration {
	var h DelayHinter
	if errors.As(err, &h) {
		return max(delay, h.RetryDelay())
	}
	return delay
}

func (p *policy) notify(attempt int, err error, delay time.Duration) {
	p.log.Debug("retrying",
		slog.String("policy", p.name),
		slog.String("strategy", p.strategy.String()),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
		slog.Any("err", err),
	)
	if p.onRetry != nil {
		p.onRetry(attempt, err, delay)
	}
}

func (p *policy) exhausted(retries int, err error) {
	p.log.Warn("retries exhausted",
		slog.String("policy", p.name),
		slog.Int("attempt", retries+1),
		slog.Any("err", err),
	)
}

// Policy retries an operation, blocking the calling goroutine during waits.
type Policy struct {
	policy
}

// NewBounded builds a blocking policy that retries errors matching kind at
// most opts.MaxRetries times.
func NewBounded(kind Kind, opts Options, options ...Option) *Policy {
	return &Policy{newPolicy(kind, opts, false, options)}
}

// NewForever builds a blocking policy that retries errors matching kind
// every opts.ForeverSleepDuration until the operation succeeds or fails with
// another error.
func NewForever(kind Kind, opts Options, options ...Option) *Policy {
	return &Policy{newPolicy(kind, opts, true, options)}
}

// Execute runs op until it succeeds, fails with an error the policy does
// not retry, or the delays run out. The returned error is op's last error,
// unwrapped.
func (p *Policy) Execute(op func() error) error {
	err := op()
	if !p.retryable(err) {
		return err
	}

	retries := 0
	for delay := range p.Delays() {
		retries++
		delay = hinted(err, delay)
		p.notify(retries, err, delay)
		p.sleep(delay)

		err = op()
		if !p.retryable(err) {
			return err
		}
	}

	p.exhausted(retries, err)
	return err
}

// Do runs op under p and returns its value.
func Do[T any](p *Policy, op func() (T, error)) (T, error) {
	var out T
	err := p.Execute(func() error {
		v, err := op()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
