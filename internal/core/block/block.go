package block

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const keyPrefix = "block:"

// Granularity is one configured window size processed over the same input.
type Granularity struct {
	Label    string
	Duration time.Duration
	// FlushEvery is the flush cadence; zero means Duration.
	FlushEvery time.Duration
}

// DefaultGranularities are the 10-minute, hourly and daily windows.
func DefaultGranularities() []Granularity {
	return []Granularity{
		{Label: "10minute", Duration: 10 * time.Minute},
		{Label: "hourly", Duration: time.Hour},
		{Label: "daily", Duration: 24 * time.Hour},
	}
}

// Millis returns the window duration in milliseconds.
func (g Granularity) Millis() int64 { return g.Duration.Milliseconds() }

// Cadence returns how often this granularity's windows are flushed.
func (g Granularity) Cadence() time.Duration {
	if g.FlushEvery > 0 {
		return g.FlushEvery
	}
	return g.Duration
}

// KeyFor maps a record timestamp to the window that contains it.
func (g Granularity) KeyFor(dateRecorded int64) Key {
	return Key{Label: g.Label, Start: WindowStart(dateRecorded, g.Millis())}
}

// Validate checks the label is usable inside a key and the duration is positive.
func (g Granularity) Validate() error {
	if g.Label == "" {
		return fmt.Errorf("granularity label must not be empty")
	}
	if strings.ContainsAny(g.Label, ":/ ") {
		return fmt.Errorf("granularity label %q must not contain ':', '/' or spaces", g.Label)
	}
	if g.Millis() <= 0 {
		return fmt.Errorf("granularity %q: duration must be at least 1ms, got %s", g.Label, g.Duration)
	}
	if g.FlushEvery < 0 {
		return fmt.Errorf("granularity %q: flush_every must not be negative", g.Label)
	}
	return nil
}

// Coarsest returns the granularity with the longest duration.
func Coarsest(gs []Granularity) (Granularity, bool) {
	if len(gs) == 0 {
		return Granularity{}, false
	}
	out := gs[0]
	for _, g := range gs[1:] {
		if g.Duration > out.Duration {
			out = g
		}
	}
	return out, true
}

// WindowStart returns daterecorded - (daterecorded mod duration).
// The modulo is floored so pre-epoch timestamps still land in the window containing them.
func WindowStart(dateRecorded, durationMillis int64) int64 {
	rem := dateRecorded % durationMillis
	if rem < 0 {
		rem += durationMillis
	}
	return dateRecorded - rem
}

// Key identifies one window: granularity label plus window start in epoch milliseconds.
type Key struct {
	Label string
	Start int64
}

// String renders the buffer key, e.g. "block:10minute:1000000200000".
func (k Key) String() string {
	return keyPrefix + k.Label + ":" + strconv.FormatInt(k.Start, 10)
}

// StartTime is the window start as a UTC time, for logging.
func (k Key) StartTime() time.Time {
	return time.UnixMilli(k.Start).UTC()
}

// LabelPrefix is the buffer key prefix shared by all windows of a granularity.
func LabelPrefix(label string) string {
	return keyPrefix + label + ":"
}

// IsKey reports whether s looks like a window key.
func IsKey(s string) bool {
	_, err := ParseKey(s)
	return err == nil
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	rest, ok := strings.CutPrefix(s, keyPrefix)
	if !ok {
		return Key{}, fmt.Errorf("block key %q: missing %q prefix", s, keyPrefix)
	}
	label, start, ok := strings.Cut(rest, ":")
	if !ok || label == "" {
		return Key{}, fmt.Errorf("block key %q: expected block:<label>:<start>", s)
	}
	ms, err := strconv.ParseInt(start, 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("block key %q: invalid start: %w", s, err)
	}
	return Key{Label: label, Start: ms}, nil
}

// ParseDuration parses Go duration syntax ("10m", "1h") plus "Xd" for days.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("duration must not be empty")
	}

	// time.ParseDuration has no day unit.
	if len(s) > 1 && s[len(s)-1] == 'd' {
		days, err := strconv.Atoi(s[:len(s)-1])
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		if days <= 0 {
			return 0, fmt.Errorf("duration must be positive, got %q", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %q", s)
	}
	return d, nil
}
