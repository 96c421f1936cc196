// Package wdog implements one-shot, tick-relative callback timers.
//
// A Pool has no lock of its own. Every method must be called with the
// scheduler critical section held; Tick runs callbacks in that same
// section, which is the interrupt-context contract: a callback must not
// block and should only re-check its waiter and wake it.
package wdog

import (
	"errors"
	"fmt"

	"github.com/emirpasic/gods/trees/redblacktree"
)

// ID is a handle to one watchdog slot.
type ID int

// None is the zero handle: no watchdog.
const None ID = -1

// Func is a watchdog expiry callback.
type Func func(arg uintptr)

var (
	ErrNoSlot       = errors.New("wdog: no free watchdog")
	ErrInvalidDelay = errors.New("wdog: negative delay")
)

type dog struct {
	inUse bool
	armed bool
	key   expiry
	fn    Func
	arg   uintptr
}

// expiry orders armed timers by the tick they fire on, then by start order.
type expiry struct {
	at  uint64
	seq uint64
}

func cmpExpiry(a, b any) int {
	ka, kb := a.(expiry), b.(expiry)
	switch {
	case ka.at < kb.at:
		return -1
	case ka.at > kb.at:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}

// Pool is a fixed set of watchdog slots plus the sorted list of armed ones.
type Pool struct {
	dogs  []dog
	free  []ID
	armed *redblacktree.Tree
	now   uint64
	seq   uint64
	fired uint64
}

// NewPool creates a pool with n slots.
func NewPool(n int) *Pool {
	p := &Pool{
		dogs:  make([]dog, n),
		free:  make([]ID, 0, n),
		armed: redblacktree.NewWith(cmpExpiry),
	}
	for i := n - 1; i >= 0; i-- {
		p.free = append(p.free, ID(i))
	}
	return p
}

func (p *Pool) get(id ID) *dog {
	if id < 0 || int(id) >= len(p.dogs) || !p.dogs[id].inUse {
		panic(fmt.Sprintf("wdog: watchdog %d not allocated", id))
	}
	return &p.dogs[id]
}

// Create takes a free slot. It fails with ErrNoSlot when the pool is exhausted.
func (p *Pool) Create() (ID, error) {
	if len(p.free) == 0 {
		return None, ErrNoSlot
	}
	id := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.dogs[id] = dog{inUse: true}
	return id, nil
}

// Delete cancels the watchdog if armed and returns its slot.
// Deleting a slot twice is a programming error and panics.
func (p *Pool) Delete(id ID) {
	p.Cancel(id)
	p.dogs[id] = dog{}
	p.free = append(p.free, id)
}

// Start arms the watchdog to call fn(arg) after delay ticks. A delay of 0
// fires on the next tick pass. Starting an armed watchdog re-arms it.
func (p *Pool) Start(id ID, delay int64, fn Func, arg uintptr) error {
	d := p.get(id)
	if delay < 0 {
		return ErrInvalidDelay
	}
	if fn == nil {
		panic("wdog: nil callback")
	}
	if d.armed {
		p.armed.Remove(d.key)
	}
	if delay == 0 {
		delay = 1
	}

	p.seq++
	d.key = expiry{at: p.now + uint64(delay), seq: p.seq}
	d.fn = fn
	d.arg = arg
	d.armed = true
	p.armed.Put(d.key, id)
	return nil
}

// Cancel disarms the watchdog. It reports whether the watchdog was armed;
// cancelling a fired or idle watchdog is not an error.
func (p *Pool) Cancel(id ID) bool {
	d := p.get(id)
	if !d.armed {
		return false
	}
	p.armed.Remove(d.key)
	d.armed = false
	return true
}

// Active reports whether the watchdog is armed.
func (p *Pool) Active(id ID) bool {
	return p.get(id).armed
}

// Remaining returns the ticks left before the watchdog fires.
func (p *Pool) Remaining(id ID) (int64, bool) {
	d := p.get(id)
	if !d.armed {
		return 0, false
	}
	return int64(d.key.at - p.now), true
}

// Tick advances the pool by one tick and fires every watchdog whose delay
// has run out, earliest first. A fired watchdog is disarmed before its
// callback runs, so the callback may restart it.
func (p *Pool) Tick() int {
	p.now++
	n := 0
	for {
		node := p.armed.Left()
		if node == nil {
			break
		}
		key := node.Key.(expiry)
		if key.at > p.now {
			break
		}
		id := node.Value.(ID)
		p.armed.Remove(key)

		d := &p.dogs[id]
		d.armed = false
		fn, arg := d.fn, d.arg
		p.fired++
		n++
		fn(arg)
	}
	return n
}

// Armed returns the number of armed watchdogs.
func (p *Pool) Armed() int { return p.armed.Size() }

// InUse returns the number of allocated slots.
func (p *Pool) InUse() int { return len(p.dogs) - len(p.free) }

// Cap returns the pool capacity.
func (p *Pool) Cap() int { return len(p.dogs) }

// Fired returns the number of callbacks run since the pool was created.
func (p *Pool) Fired() uint64 { return p.fired }
