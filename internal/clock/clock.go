// Package clock owns the system tick counter and the wall-clock bias
// derived from it.
package clock

import (
	"errors"
	"math"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"
)

// NsecPerSec is the number of nanoseconds in one second.
const NsecPerSec = int64(time.Second)

// ID selects one of the clocks served by Clock.
type ID int

const (
	// Realtime is the settable wall clock.
	Realtime ID = iota
	// Monotonic counts elapsed time since boot and is never set.
	Monotonic
	// Boottime is an alias of Monotonic kept for callers that ask for it by name.
	Boottime
)

func (id ID) String() string {
	switch id {
	case Realtime:
		return "realtime"
	case Monotonic:
		return "monotonic"
	case Boottime:
		return "boottime"
	default:
		return "unknown"
	}
}

var (
	ErrInvalidClockID  = errors.New("clock: invalid clock id")
	ErrInvalidArgument = errors.New("clock: invalid timespec")
)

// Timespec is a seconds + nanoseconds timestamp.
type Timespec struct {
	Sec  int64
	Nsec int64
}

// Valid reports whether Nsec is within [0, 1s).
func (ts Timespec) Valid() bool {
	return ts.Nsec >= 0 && ts.Nsec < NsecPerSec
}

// FromDuration converts a non-negative duration to a Timespec.
func FromDuration(d time.Duration) Timespec {
	return Timespec{Sec: int64(d / time.Second), Nsec: int64(d % time.Second)}
}

// FromTime converts a wall-clock time to a Timespec.
func FromTime(t time.Time) Timespec {
	return Timespec{Sec: t.Unix(), Nsec: int64(t.Nanosecond())}
}

// Time returns ts as a UTC time.Time.
func (ts Timespec) Time() time.Time {
	return time.Unix(ts.Sec, ts.Nsec).UTC()
}

// Add returns ts + o with the nanosecond carry folded into seconds.
func (ts Timespec) Add(o Timespec) Timespec {
	r := Timespec{Sec: ts.Sec + o.Sec, Nsec: ts.Nsec + o.Nsec}
	if r.Nsec >= NsecPerSec {
		r.Nsec -= NsecPerSec
		r.Sec++
	}
	return r
}

// Sub returns ts - o with a one second borrow when needed.
func (ts Timespec) Sub(o Timespec) Timespec {
	r := Timespec{Sec: ts.Sec - o.Sec, Nsec: ts.Nsec - o.Nsec}
	if ts.Nsec < o.Nsec {
		r.Nsec += NsecPerSec
		r.Sec--
	}
	return r
}

// Before reports whether ts is strictly earlier than o.
func (ts Timespec) Before(o Timespec) bool {
	return ts.Sec < o.Sec || (ts.Sec == o.Sec && ts.Nsec < o.Nsec)
}

// Clock is the tick counter plus the wall-clock bias.
//
// The tick counter is advanced by the tick path while it holds the
// scheduler critical section. Settime takes the same critical section so
// that no tick lands between reading the elapsed time and rewriting the
// bias. Never call Gettime, Settime or AbstimeToTicks while holding cs.
type Clock struct {
	cs     sync.Locker
	period time.Duration
	ticks  atomic.Uint64
	base   Timespec
}

// New creates a clock with the given tick period. cs is the critical
// section shared with the tick path; nil gives the clock a private one.
func New(cs sync.Locker, period time.Duration) *Clock {
	if cs == nil {
		cs = &sync.Mutex{}
	}
	if period <= 0 {
		period = 10 * time.Millisecond
	}
	return &Clock{cs: cs, period: period}
}

// Period returns the duration of one tick.
func (c *Clock) Period() time.Duration { return c.period }

// Ticks returns the number of ticks processed since boot.
func (c *Clock) Ticks() uint64 {
	return c.ticks.Load()
}

// Advance adds n logical ticks. Callers hold the critical section.
func (c *Clock) Advance(n uint64) uint64 {
	return c.ticks.Add(n)
}

// TicksToTimespec converts a tick count into elapsed time.
func (c *Clock) TicksToTimespec(ticks uint64) Timespec {
	perSec := uint64(NsecPerSec) / uint64(c.period)
	if perSec > 0 && uint64(NsecPerSec)%uint64(c.period) == 0 {
		return Timespec{
			Sec:  int64(ticks / perSec),
			Nsec: int64(ticks%perSec) * int64(c.period),
		}
	}
	hi, lo := bits.Mul64(ticks, uint64(c.period))
	if hi >= uint64(NsecPerSec) {
		return Timespec{Sec: math.MaxInt64}
	}
	sec, nsec := bits.Div64(hi, lo, uint64(NsecPerSec))
	return Timespec{Sec: int64(sec), Nsec: int64(nsec)}
}

// TicksToDuration converts a tick count into a duration, saturating at the
// largest representable duration.
func (c *Clock) TicksToDuration(ticks int64) time.Duration {
	if ticks > 0 && ticks > math.MaxInt64/int64(c.period) {
		return math.MaxInt64
	}
	return time.Duration(ticks) * c.period
}

// DurationToTicks converts d into ticks, rounding up so that a wait of the
// returned length never ends before d has elapsed. Negative durations round
// toward zero.
func (c *Clock) DurationToTicks(d time.Duration) int64 {
	if d <= 0 {
		return -int64(-d / c.period)
	}
	return int64((d-1)/c.period) + 1
}

// Gettime reads the given clock.
func (c *Clock) Gettime(id ID) (Timespec, error) {
	switch id {
	case Monotonic, Boottime:
		return c.TicksToTimespec(c.Ticks()), nil
	case Realtime:
		c.cs.Lock()
		elapsed := c.TicksToTimespec(c.Ticks())
		base := c.base
		c.cs.Unlock()
		return base.Add(elapsed), nil
	default:
		return Timespec{}, ErrInvalidClockID
	}
}

// Settime sets the wall clock so that Gettime(Realtime) reads ts now and
// keeps advancing one period per tick from there.
func (c *Clock) Settime(id ID, ts Timespec) error {
	if id != Realtime {
		return ErrInvalidClockID
	}
	if !ts.Valid() {
		return ErrInvalidArgument
	}

	c.cs.Lock()
	defer c.cs.Unlock()

	elapsed := c.TicksToTimespec(c.Ticks())
	c.base = ts.Sub(elapsed)
	return nil
}

// AbstimeToTicks converts the absolute deadline abs on clock id into a tick
// delay relative to now. The result is rounded up; a deadline at or before
// now yields a value <= 0.
func (c *Clock) AbstimeToTicks(id ID, abs Timespec) (int64, error) {
	if !abs.Valid() {
		return 0, ErrInvalidArgument
	}
	now, err := c.Gettime(id)
	if err != nil {
		return 0, err
	}

	rel := abs.Sub(now)
	const maxSec = math.MaxInt64/NsecPerSec - 1
	switch {
	case rel.Sec > maxSec:
		return math.MaxInt64, nil
	case rel.Sec < -maxSec:
		return math.MinInt64 / 2, nil
	}
	return c.DurationToTicks(time.Duration(rel.Sec*NsecPerSec + rel.Nsec)), nil
}
