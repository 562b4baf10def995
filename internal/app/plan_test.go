package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gopkg.in/yaml.v3"

	"retrykit/pkg/retry"
)

func TestNewPlan(t *testing.T) {
	opts := retry.Options{InitialDelay: 250 * time.Millisecond, MaxRetries: 3, BackoffExponential: true}

	plan := NewPlan(opts, false, 0)
	assert.Equal(t, "exponential", plan.Strategy)
	assert.False(t, plan.Forever)
	assert.Equal(t, []string{"250ms", "500ms", "1s"}, plan.Delays)
	assert.Equal(t, "250ms", plan.Options.InitialDelay)

	plan = NewPlan(opts, false, 1)
	assert.Equal(t, []string{"250ms"}, plan.Delays)
}

func TestNewPlan_Forever(t *testing.T) {
	opts := retry.Options{MaxRetries: 8, ForeverSleepDuration: time.Minute}

	plan := NewPlan(opts, true, 0)
	assert.Equal(t, "forever", plan.Strategy)
	assert.Len(t, plan.Delays, 8)

	plan = NewPlan(opts, true, MaxPlanCount+10)
	assert.Len(t, plan.Delays, MaxPlanCount)
	assert.Equal(t, "1m0s", plan.Delays[0])
}

func TestNewPlan_Jitter(t *testing.T) {
	opts := retry.Options{MaxRetries: 4, Jitter: true, DecoratedJitterMedian: time.Second}

	plan := NewPlan(opts, false, 0)
	assert.Equal(t, "decorrelated-jitter", plan.Strategy)
	assert.Len(t, plan.Delays, 4)
	for _, d := range plan.Delays {
		v, err := time.ParseDuration(d)
		assert.NoError(t, err)
		assert.GreaterOrEqual(t, v, time.Duration(0))
	}
}

func TestPlan_YAML(t *testing.T) {
	out, err := yaml.Marshal(NewPlan(retry.Options{InitialDelay: time.Second, MaxRetries: 2}, false, 0))
	assert.NoError(t, err)
	assert.Contains(t, string(out), "strategy: linear")
	assert.Contains(t, string(out), "InitialDelay: 1s")
	assert.Contains(t, string(out), "- 2s")
}
