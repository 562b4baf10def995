package app

import (
	"iter"
	"time"

	"retrykit/pkg/retry"
)

const (
	// minForeverCount is the least number of delays shown for a forever policy.
	minForeverCount = 5
	// MaxPlanCount caps the delays a plan lists.
	MaxPlanCount = 1000
)

// OptionsView renders retry.Options with durations as strings.
type OptionsView struct {
	InitialDelay          string `json:"InitialDelay" yaml:"InitialDelay"`
	MaxRetries            int    `json:"MaxRetries" yaml:"MaxRetries"`
	Jitter                bool   `json:"Jitter" yaml:"Jitter"`
	BackoffExponential    bool   `json:"BackoffExponential" yaml:"BackoffExponential"`
	DecoratedJitterMedian string `json:"DecoratedJitterMedian" yaml:"DecoratedJitterMedian"`
	ForeverSleepDuration  string `json:"ForeverSleepDuration" yaml:"ForeverSleepDuration"`
}

// Plan describes the waits a policy built from Options would use.
type Plan struct {
	Options  OptionsView `json:"options" yaml:"options"`
	Strategy string      `json:"strategy" yaml:"strategy"`
	Forever  bool        `json:"forever" yaml:"forever"`
	Delays   []string    `json:"delays" yaml:"delays"`
}

// NewPlan lists the first count delays of a bounded or forever policy built
// from opts. count <= 0 means MaxRetries for bounded policies and
// max(MaxRetries, 5) for forever ones. Jittered plans differ between calls.
func NewPlan(opts retry.Options, forever bool, count int) Plan {
	var (
		strategy retry.Strategy
		delays   iter.Seq[time.Duration]
	)
	if forever {
		p := retry.NewForever(retry.AnyError, opts)
		strategy, delays = p.Strategy(), p.Delays()
	} else {
		p := retry.NewBounded(retry.AnyError, opts)
		strategy, delays = p.Strategy(), p.Delays()
	}

	if count <= 0 {
		count = opts.MaxRetries
		if forever {
			count = max(opts.MaxRetries, minForeverCount)
		}
	}
	count = min(count, MaxPlanCount)

	out := make([]string, 0, count)
	for d := range delays {
		if len(out) >= count {
			break
		}
		out = append(out, d.String())
	}

	return Plan{
		Options: OptionsView{
			InitialDelay:          opts.InitialDelay.String(),
			MaxRetries:            opts.MaxRetries,
			Jitter:                opts.Jitter,
			BackoffExponential:    opts.BackoffExponential,
			DecoratedJitterMedian: opts.DecoratedJitterMedian.String(),
			ForeverSleepDuration:  opts.ForeverSleepDuration.String(),
		},
		Strategy: strategy.String(),
		Forever:  forever,
		Delays:   out,
	}
}
