// Package retry runs operations under bounded or forever retry policies with
// linear, exponential or decorrelated-jitter backoff.
//
// A policy is built once from resolved Options and a Kind that classifies the
// single failure category it retries. Every other error is returned on the
// first attempt. Policies are immutable and safe for concurrent use.
//
// Basic Usage:
//
//	opts := retry.ResolveOptions(src) // src may be nil
//	p := retry.NewBounded(retry.As[*net.OpError](), opts)
//	err := p.Execute(func() error {
//	    return dial()
//	})
//
// Async with cancellation:
//
//	p := retry.NewForeverAsync(pg.Transient, opts, retry.WithLogger(log))
//	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
//	defer cancel()
//	err := p.Execute(ctx, func(ctx context.Context) error {
//	    return ping(ctx)
//	})
//	if errors.Is(err, retry.ErrCancelled) {
//	    // gave up waiting, err also matches ctx.Err()
//	}
//
// Configuration:
//
// Options are read from a Source under the "RetryPolicyOptions" section.
// Keys look like "RetryPolicyOptions:MaxRetries". ResolveOptions never fails:
// a missing or malformed section yields DefaultOptions.
//
// Strategy selection is Jitter, then BackoffExponential, then linear. Forever
// policies always wait ForeverSleepDuration between attempts.
package retry
