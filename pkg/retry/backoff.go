package retry

import (
	"iter"
	"math"
	"math/rand/v2"
	"time"
)

// Strategy identifies how a policy computes its waits.
type Strategy int

const (
	// StrategyLinear waits InitialDelay × n before retry n
	StrategyLinear Strategy = iota
	// StrategyExponential waits InitialDelay × 2^(n-1) before retry n
	StrategyExponential
	// StrategyDecorrelatedJitter waits a randomized, decorrelated delay around a median
	StrategyDecorrelatedJitter
	// StrategyForever waits a fixed delay and never runs out
	StrategyForever
)

func (s Strategy) String() string {
	switch s {
	case StrategyLinear:
		return "linear"
	case StrategyExponential:
		return "exponential"
	case StrategyDecorrelatedJitter:
		return "decorrelated-jitter"
	case StrategyForever:
		return "forever"
	default:
		return "unknown"
	}
}

// Linear yields initial × n for n = 1..retries.
func Linear(initial time.Duration, retries int) iter.Seq[time.Duration] {
	return func(yield func(time.Duration) bool) {
		for n := 1; n <= retries; n++ {
			if !yield(mulSat(initial, int64(n))) {
				return
			}
		}
	}
}

// Exponential yields initial × 2^(n-1) for n = 1..retries.
func Exponential(initial time.Duration, retries int) iter.Seq[time.Duration] {
	return func(yield func(time.Duration) bool) {
		d := initial
		for n := 1; n <= retries; n++ {
			if !yield(d) {
				return
			}
			d = mulSat(d, 2)
		}
	}
}

// Constants of the decorrelated jitter v2 formula. rpScalingFactor brings the
// median of the generated delays to the requested median.
const (
	jitterPFactor         = 4.0
	jitterRPScalingFactor = 1 / 1.4
)

// DecorrelatedJitter yields retries randomized delays whose median is close
// to median. Retry n waits at most median × 2^n. rnd returns values in
// [0, 1); nil uses the shared math/rand/v2 source.
func DecorrelatedJitter(median time.Duration, retries int, rnd func() float64) iter.Seq[time.Duration] {
	if rnd == nil {
		rnd = rand.Float64
	}
	return func(yield func(time.Duration) bool) {
		target := float64(median)
		prev := 0.0
		for i := 0; i < retries; i++ {
			t := float64(i) + rnd()
			next := math.Pow(2, t) * math.Tanh(math.Sqrt(jitterPFactor*t))
			d := (next - prev) * jitterRPScalingFactor * target
			prev = next
			if !yield(durationFromFloat(d)) {
				return
			}
		}
	}
}

// Constant yields d forever.
func Constant(d time.Duration) iter.Seq[time.Duration] {
	return func(yield func(time.Duration) bool) {
		for yield(d) {
		}
	}
}

// Backoff returns the bounded delay sequence for the strategy o selects.
func (o Options) Backoff(rnd func() float64) iter.Seq[time.Duration] {
	switch o.Strategy() {
	case StrategyDecorrelatedJitter:
		return DecorrelatedJitter(o.DecoratedJitterMedian, o.MaxRetries, rnd)
	case StrategyExponential:
		return Exponential(o.InitialDelay, o.MaxRetries)
	default:
		return Linear(o.InitialDelay, o.MaxRetries)
	}
}

func mulSat(d time.Duration, n int64) time.Duration {
	if d > 0 && n > 0 && int64(d) > math.MaxInt64/n {
		return time.Duration(math.MaxInt64)
	}
	return d * time.Duration(n)
}

func durationFromFloat(f float64) time.Duration {
	switch {
	case math.IsNaN(f) || f <= 0:
		return 0
	case f >= math.MaxInt64:
		return time.Duration(math.MaxInt64)
	default:
		return time.Duration(f)
	}
}
