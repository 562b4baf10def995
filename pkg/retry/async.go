package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrCancelled is matched by every error returned when an async policy
// stops because its context ended.
var ErrCancelled = errors.New("retry: cancelled")

// CancelledError is returned when the context ends before an attempt or
// during a wait. It unwraps to ErrCancelled and to the context cause, never
// to the operation's error.
type CancelledError struct {
	// Attempts is how many times the operation ran
	Attempts int
	// LastErr is the operation's most recent error, nil if it never ran
	LastErr error
	// Cause is context.Cause of the cancelled context
	Cause error
}

func (e *CancelledError) Error() string {
	msg := fmt.Sprintf("retry: cancelled after %d attempts: %v", e.Attempts, e.Cause)
	if e.LastErr != nil {
		msg += " (last error: " + e.LastErr.Error() + ")"
	}
	return msg
}

func (e *CancelledError) Unwrap() []error {
	return []error{ErrCancelled, e.Cause}
}

// AsyncPolicy retries a context-aware operation. Waits park only the calling
// goroutine and end early when the context is done.
type AsyncPolicy struct {
	policy
}

// NewBoundedAsync builds an async policy that retries errors matching kind
// at most opts.MaxRetries times.
func NewBoundedAsync(kind Kind, opts Options, options ...Option) *AsyncPolicy {
	return &AsyncPolicy{newPolicy(kind, opts, false, options)}
}

// NewForeverAsync builds an async policy that retries errors matching kind
// every opts.ForeverSleepDuration until success, another error, or ctx ends.
func NewForeverAsync(kind Kind, opts Options, options ...Option) *AsyncPolicy {
	return &AsyncPolicy{newPolicy(kind, opts, true, options)}
}

// Execute runs op until it succeeds, fails with an error the policy does not
// retry, the delays run out, or ctx ends. ctx is checked before every attempt
// and during every wait; once it is done op is not called again and a
// *CancelledError is returned.
func (p *AsyncPolicy) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if ctx.Err() != nil {
		return p.cancelled(ctx, 0, nil)
	}

	err := op(ctx)
	attempts := 1
	if !p.retryable(err) {
		return err
	}

	retries := 0
	for delay := range p.Delays() {
		retries++
		delay = hinted(err, delay)
		p.notify(retries, err, delay)
		if !wait(ctx, delay) {
			return p.cancelled(ctx, attempts, err)
		}

		err = op(ctx)
		attempts++
		if !p.retryable(err) {
			return err
		}
	}

	p.exhausted(retries, err)
	return err
}

// Go runs Execute on a new goroutine. The channel receives exactly one value.
func (p *AsyncPolicy) Go(ctx context.Context, op func(ctx context.Context) error) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- p.Execute(ctx, op)
	}()
	return done
}

// DoAsync runs op under p and returns its value.
func DoAsync[T any](ctx context.Context, p *AsyncPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (p *AsyncPolicy) cancelled(ctx context.Context, attempts int, lastErr error) error {
	cause := context.Cause(ctx)
	p.log.Debug("retry cancelled",
		slog.String("policy", p.name),
		slog.Int("attempt", attempts),
		slog.Any("err", cause),
	)
	return &CancelledError{Attempts: attempts, LastErr: lastErr, Cause: cause}
}

// wait reports whether d elapsed before ctx was done.
func wait(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return ctx.Err() == nil
	}
}
