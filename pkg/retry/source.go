package retry

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Source is a key/value configuration lookup. Keys are colon separated
// paths such as "RetryPolicyOptions:MaxRetries".
type Source interface {
	Lookup(key string) (string, bool)
}

// MapSource is an in-memory Source. Keys match case-insensitively; an exact
// match wins, otherwise the first matching key in sorted order.
type MapSource map[string]string

// Lookup implements Source.
func (m MapSource) Lookup(key string) (string, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for _, k := range slices.Sorted(maps.Keys(m)) {
		if strings.EqualFold(k, key) {
			return m[k], true
		}
	}
	return "", false
}

type optionField struct {
	name string
	set  func(o *Options, raw string) error
}

var optionFields = []optionField{
	{"InitialDelay", durationField(func(o *Options) *time.Duration { return &o.InitialDelay })},
	{"MaxRetries", func(o *Options, raw string) error {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		o.MaxRetries = n
		return nil
	}},
	{"Jitter", boolField(func(o *Options) *bool { return &o.Jitter })},
	{"BackoffExponential", boolField(func(o *Options) *bool { return &o.BackoffExponential })},
	{"DecoratedJitterMedian", durationField(func(o *Options) *time.Duration { return &o.DecoratedJitterMedian })},
	{"ForeverSleepDuration", durationField(func(o *Options) *time.Duration { return &o.ForeverSleepDuration })},
}

func durationField(field func(*Options) *time.Duration) func(*Options, string) error {
	return func(o *Options, raw string) error {
		d, err := ParseDuration(raw)
		if err != nil {
			return err
		}
		*field(o) = d
		return nil
	}
}

func boolField(field func(*Options) *bool) func(*Options, string) error {
	return func(o *Options, raw string) error {
		b, err := strconv.ParseBool(strings.ToLower(raw))
		if err != nil {
			return err
		}
		*field(o) = b
		return nil
	}
}

// LoadOptions reads the RetryPolicyOptions section from src. Fields that are
// absent keep their defaults. Malformed or invalid values are reported as an
// error together with DefaultOptions.
func LoadOptions(src Source) (Options, error) {
	opts := DefaultOptions()
	if src == nil {
		return opts, nil
	}

	var errs []error
	for _, f := range optionFields {
		key := OptionsKey + ":" + f.name
		raw, ok := src.Lookup(key)
		if !ok {
			continue
		}
		if err := f.set(&opts, strings.TrimSpace(raw)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return DefaultOptions(), fmt.Errorf("retry: load options: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return DefaultOptions(), err
	}
	return opts, nil
}

// ResolveOptions is LoadOptions without the error: any failure yields
// DefaultOptions for the whole section.
func ResolveOptions(src Source) Options {
	opts, err := LoadOptions(src)
	if err != nil {
		return DefaultOptions()
	}
	return opts
}

// timeSpanRe matches [-][d.]hh:mm[:ss[.fffffff]].
var timeSpanRe = regexp.MustCompile(`^(-)?(?:(\d+)\.)?(\d{1,2}):(\d{1,2})(?::(\d{1,2})(?:\.(\d{1,7}))?)?$`)

// ParseDuration accepts Go durations ("250ms", "1m30s"), TimeSpan strings
// ("00:00:00.250", "1.02:03:04") and a bare integer meaning whole days.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty duration")
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	if days, err := strconv.ParseInt(s, 10, 64); err == nil {
		return scaleDuration(days, 24*time.Hour)
	}

	m := timeSpanRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	part := func(i int) int64 {
		if m[i] == "" {
			return 0
		}
		n, _ := strconv.ParseInt(m[i], 10, 64)
		return n
	}
	hours, minutes, seconds := part(3), part(4), part(5)
	if hours > 23 || minutes > 59 || seconds > 59 {
		return 0, fmt.Errorf("invalid duration %q: component out of range", s)
	}

	total, err := scaleDuration(part(2), 24*time.Hour)
	if err != nil {
		return 0, err
	}
	total += time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute + time.Duration(seconds)*time.Second
	if frac := m[6]; frac != "" {
		// fraction is in 100ns ticks, right padded to seven digits
		ticks, _ := strconv.ParseInt(frac+strings.Repeat("0", 7-len(frac)), 10, 64)
		total += time.Duration(ticks) * 100
	}
	if total < 0 {
		return 0, fmt.Errorf("invalid duration %q: overflow", s)
	}
	if m[1] == "-" {
		total = -total
	}
	return total, nil
}

func scaleDuration(n int64, unit time.Duration) (time.Duration, error) {
	if n > math.MaxInt64/int64(unit) || n < math.MinInt64/int64(unit) {
		return 0, fmt.Errorf("duration overflow: %d x %s", n, unit)
	}
	return time.Duration(n) * unit, nil
}
