package retry

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// OptionsKey is the configuration section holding retry options.
const OptionsKey = "RetryPolicyOptions"

// Options defines retry configuration
type Options struct {
	// InitialDelay is the base delay for linear and exponential backoff
	InitialDelay time.Duration `yaml:"InitialDelay" validate:"gte=0"`
	// MaxRetries is the number of retries after the first attempt (bounded policies only)
	MaxRetries int `yaml:"MaxRetries" validate:"gte=0"`
	// Jitter selects decorrelated jitter, overriding BackoffExponential
	Jitter bool `yaml:"Jitter"`
	// BackoffExponential selects exponential over linear backoff
	BackoffExponential bool `yaml:"BackoffExponential"`
	// DecoratedJitterMedian is the median delay targeted by the jitter strategy
	DecoratedJitterMedian time.Duration `yaml:"DecoratedJitterMedian" validate:"gte=0"`
	// ForeverSleepDuration is the fixed wait used by forever policies
	ForeverSleepDuration time.Duration `yaml:"ForeverSleepDuration" validate:"gte=0"`
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		InitialDelay:          100 * time.Millisecond,
		MaxRetries:            3,
		Jitter:                false,
		BackoffExponential:    true,
		DecoratedJitterMedian: time.Second,
		ForeverSleepDuration:  30 * time.Second,
	}
}

var validate = validator.New()

// Validate checks that the retry count and all durations are non-negative.
func (o Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("retry: invalid options: %w", err)
	}
	return nil
}

// Strategy returns the backoff strategy a bounded policy built from o uses.
func (o Options) Strategy() Strategy {
	switch {
	case o.Jitter:
		return StrategyDecorrelatedJitter
	case o.BackoffExponential:
		return StrategyExponential
	default:
		return StrategyLinear
	}
}
