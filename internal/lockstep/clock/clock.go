package clock

import (
	"errors"
	"math/rand"
	"time"
)

// Config controls turn duration selection.
type Config struct {
	Min time.Duration
	Max time.Duration
	// Initial overrides the random pick from [Min, Max] when positive.
	Initial time.Duration
	// Adaptive enables periodic recomputation from RTT data; the duration is fixed otherwise.
	Adaptive bool
	// Period is the number of completed turns between recomputations.
	Period int
	// Offset is added after clamping the aggregate.
	Offset time.Duration
}

func (c Config) normalized() (Config, error) {
	if c.Min <= 0 {
		return c, errors.New("turn duration min must be positive")
	}
	if c.Max < c.Min {
		return c, errors.New("turn duration max must not be below min")
	}
	if c.Period <= 0 {
		c.Period = 20
	}
	if c.Offset < 0 {
		c.Offset = 0
	}
	return c, nil
}

// DurationChange reports an adaptive recomputation that changed the turn duration.
type DurationChange struct {
	Old       time.Duration
	New       time.Duration
	Completed int64
}

// Source supplies the RTT aggregate used by adaptive recomputation.
type Source func() time.Duration

// Clock accumulates wall-clock time and fires turn boundaries. A fire is only a chance to
// advance; the owner reports turns that actually completed with TurnCompleted.
type Clock struct {
	cfg       Config
	duration  time.Duration
	acc       time.Duration
	fired     int64
	completed int64
	lastCalc  int64
	source    Source

	onChange func(DurationChange)
}

// New creates a clock. rng is only used to draw the initial duration and may be nil.
func New(cfg Config, rng *rand.Rand, source Source) (*Clock, error) {
	cfg, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	c := &Clock{cfg: cfg, source: source}
	switch {
	case cfg.Initial > 0:
		c.duration = clamp(cfg.Initial, cfg.Min, cfg.Max)
	case rng != nil && cfg.Max > cfg.Min:
		c.duration = cfg.Min + time.Duration(rng.Int63n(int64(cfg.Max-cfg.Min)+1))
	default:
		c.duration = cfg.Min
	}
	return c, nil
}

// OnChange registers the duration-change diagnostic callback.
func (c *Clock) OnChange(fn func(DurationChange)) { c.onChange = fn }

// Advance adds delta and fires once per elapsed turn duration. It returns the number of
// fires, which exceeds one after a stall.
func (c *Clock) Advance(delta time.Duration) int {
	if delta > 0 {
		c.acc += delta
	}
	fired := 0
	for c.acc >= c.duration {
		c.acc -= c.duration
		c.fired++
		fired++
	}
	return fired
}

// TurnCompleted counts one completed turn and recomputes the duration every Period turns
// in adaptive mode. Stalled fires are not counted.
func (c *Clock) TurnCompleted() {
	c.completed++
	if c.cfg.Adaptive && c.completed-c.lastCalc >= int64(c.cfg.Period) {
		c.lastCalc = c.completed
		c.Recompute()
	}
}

// Recompute sets the duration from the RTT source. It is a no-op in fixed mode. With no
// RTT data the result is Min + Offset.
func (c *Clock) Recompute() time.Duration {
	if !c.cfg.Adaptive {
		return c.duration
	}
	var aggregate time.Duration
	if c.source != nil {
		aggregate = c.source()
	}
	prev := c.duration
	c.duration = clamp(aggregate, c.cfg.Min, c.cfg.Max) + c.cfg.Offset
	if c.duration != prev && c.onChange != nil {
		c.onChange(DurationChange{Old: prev, New: c.duration, Completed: c.completed})
	}
	return c.duration
}

// Reset clears the accumulator, e.g. after a freeze, so frozen time is not replayed.
func (c *Clock) Reset() { c.acc = 0 }

func (c *Clock) Duration() time.Duration  { return c.duration }
func (c *Clock) Remainder() time.Duration { return c.acc }
func (c *Clock) Fired() int64             { return c.fired }
func (c *Clock) Completed() int64         { return c.completed }
func (c *Clock) Adaptive() bool           { return c.cfg.Adaptive }

func clamp(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
