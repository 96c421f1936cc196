package clock

import (
	"log/slog"
	"time"

	"ticksched/internal/logging"
)

// Compensator turns the elapsed time on a free-running reference clock into
// a number of scheduler ticks, so that interrupts delayed by long
// interrupts-off sections or sleep states do not lose time.
type Compensator struct {
	period   time.Duration
	maxDelta uint64
	logger   *slog.Logger

	base    time.Duration // reference reading accounting started from
	counted uint64        // ticks reported since base
	prev    time.Duration // previous reading
	primed  bool
}

// NewCompensator creates a compensator for the given tick period. maxDelta
// bounds the ticks reported for one interrupt; zero means 1000.
func NewCompensator(period time.Duration, maxDelta uint64, logger *slog.Logger) *Compensator {
	if maxDelta == 0 {
		maxDelta = 1000
	}
	return &Compensator{
		period:   period,
		maxDelta: maxDelta,
		logger:   logging.Component(logger, "tickcomp"),
	}
}

// Delta returns how many logical ticks to process for an interrupt seen at
// reference reading ref. Ticks are counted against the reading accounting
// started from, so sub-tick remainders carry over and an early interrupt
// that was charged a whole tick is paid back by a later one. The result is
// always within [1, maxDelta]; a clamped interrupt drops the excess.
//
// The first call, and any reading that went backwards (wrap or a bad
// reference), restarts accounting and reports exactly one tick.
func (c *Compensator) Delta(ref time.Duration) uint64 {
	if c.primed && ref < c.prev {
		c.logger.Warn("reference clock went backwards, resyncing",
			"last", c.prev, "now", ref)
		c.primed = false
	}
	if !c.primed {
		c.primed = true
		c.base, c.prev, c.counted = ref, ref, 0
		return 1
	}
	c.prev = ref

	target := uint64((ref - c.base + c.period/2) / c.period)
	var delta uint64
	if target > c.counted {
		delta = target - c.counted
	}
	if delta < 1 {
		delta = 1
	}
	if delta > c.maxDelta {
		c.logger.Warn("tick delta clamped", "computed", delta, "max", c.maxDelta)
		c.base, c.counted = ref, 0
		return c.maxDelta
	}
	c.counted += delta
	return delta
}

// Reset forgets the previous reading; the next Delta call counts one tick.
func (c *Compensator) Reset() {
	c.primed = false
	c.base, c.prev, c.counted = 0, 0, 0
}
