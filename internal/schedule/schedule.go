// Package schedule produces randomized, minimum-spaced send times within a daily window.
package schedule

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"
)

const (
	// MinSpacing is the minimum gap between consecutive times of one batch.
	MinSpacing = time.Hour
	// DefaultMaxAttempts caps rejection sampling for a single batch.
	DefaultMaxAttempts = 10000

	minSpacingSeconds = int64(MinSpacing / time.Second)
)

// ScheduleUnsatisfiableError reports a window that cannot hold the requested number of
// times at MinSpacing, or a draw that kept failing until the attempt cap.
type ScheduleUnsatisfiableError struct {
	Start    time.Time
	End      time.Time
	Count    int
	Attempts int
}

func (e *ScheduleUnsatisfiableError) Error() string {
	window := e.End.Sub(e.Start)
	if e.Attempts == 0 {
		return fmt.Sprintf("cannot schedule %d messages %v apart in a %v window starting %s",
			e.Count, MinSpacing, window, e.Start.Format(time.DateTime))
	}
	return fmt.Sprintf("no valid schedule for %d messages in a %v window starting %s after %d attempts",
		e.Count, window, e.Start.Format(time.DateTime), e.Attempts)
}

// ValidateSpacing reports whether every adjacent pair of sorted second offsets is at
// least MinSpacing apart. Empty and single-element inputs are valid.
func ValidateSpacing(offsets []int64) bool {
	for i := 1; i < len(offsets); i++ {
		if offsets[i]-offsets[i-1] < minSpacingSeconds {
			return false
		}
	}
	return true
}

// Opts holds configuration for a Generator.
type Opts struct {
	MaxAttempts int
}

// Option defines a configuration option for a Generator.
type Option func(*Opts)

// WithMaxAttempts overrides the rejection sampling cap.
func WithMaxAttempts(n int) Option {
	return func(o *Opts) { o.MaxAttempts = n }
}

// Generator draws batches of send times. It is not safe for concurrent use
// because it shares the caller's random source.
type Generator struct {
	rng         *rand.Rand
	maxAttempts int
}

// NewGenerator creates a Generator drawing from rng.
func NewGenerator(rng *rand.Rand, opts ...Option) *Generator {
	cfg := Opts{MaxAttempts: DefaultMaxAttempts}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Generator{rng: rng, maxAttempts: cfg.MaxAttempts}
}

// Generate returns n sorted times in [start, end) with consecutive times at least
// MinSpacing apart. Offsets are whole seconds drawn uniformly; a draw that violates
// the spacing is discarded and redrawn.
func (g *Generator) Generate(start, end time.Time, n int) ([]time.Time, error) {
	if n <= 0 {
		return []time.Time{}, nil
	}

	total := int64(end.Sub(start) / time.Second)
	// The last offset must stay below total, so n slots need more than (n-1) gaps.
	if total <= 0 || total <= int64(n-1)*minSpacingSeconds {
		slog.Warn("Generator.Generate: window too short", "start", start, "end", end, "count", n)
		return nil, &ScheduleUnsatisfiableError{Start: start, End: end, Count: n}
	}

	offsets := make([]int64, n)
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		for i := range offsets {
			offsets[i] = g.rng.Int64N(total)
		}
		slices.Sort(offsets)
		if !ValidateSpacing(offsets) {
			continue
		}

		times := make([]time.Time, n)
		for i, off := range offsets {
			times[i] = start.Add(time.Duration(off) * time.Second)
		}
		if attempt > 1 {
			slog.Debug("Generator.Generate: accepted draw", "attempts", attempt, "count", n)
		}
		return times, nil
	}

	slog.Error("Generator.Generate: attempt cap reached", "start", start, "end", end, "count", n, "attempts", g.maxAttempts)
	return nil, &ScheduleUnsatisfiableError{Start: start, End: end, Count: n, Attempts: g.maxAttempts}
}
