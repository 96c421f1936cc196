// internal/clock/ticker.go

package clock

import (
	"sync"
	"sync/atomic"
	"time"
)

// Ticker stands in for the periodic timer interrupt: it emits one event per
// period and counts them atomically. It also exposes a free-running
// reference clock that tick compensation measures against.
type Ticker struct {
	ch       chan struct{}
	count    atomic.Uint64
	dropped  atomic.Uint64
	stop     chan struct{}
	stopOnce sync.Once
	start    time.Time
}

// NewTicker creates a ticker but does not start it.
func NewTicker(buffer int) *Ticker {
	return &Ticker{
		ch:    make(chan struct{}, buffer),
		stop:  make(chan struct{}),
		start: time.Now(),
	}
}

// Start begins emitting ticks at the given interval. If the consumer falls
// behind and the buffer is full the interrupt is dropped, the same way a
// held-off timer interrupt coalesces on real hardware.
func (t *Ticker) Start(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.count.Add(1)
				select {
				case t.ch <- struct{}{}:
				default:
					t.dropped.Add(1)
				}
			case <-t.stop:
				close(t.ch)
				return
			}
		}
	}()
}

// Stop signals the ticker to stop emitting. The tick channel is closed
// once the emitting goroutine exits.
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Ticks returns the interrupt channel.
func (t *Ticker) Ticks() <-chan struct{} { return t.ch }

// Count returns the number of hardware ticks raised so far.
func (t *Ticker) Count() uint64 {
	return t.count.Load()
}

// Dropped returns the number of interrupts lost to a full buffer.
func (t *Ticker) Dropped() uint64 {
	return t.dropped.Load()
}

// Reference returns the time elapsed on the free-running reference clock.
func (t *Ticker) Reference() time.Duration {
	return time.Since(t.start)
}
