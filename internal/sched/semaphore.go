package sched

import (
	"fmt"
	"math"

	"ticksched/internal/clock"
	"ticksched/internal/wdog"
)

// SemValueMax is the largest count a semaphore can hold.
const SemValueMax = math.MaxInt32

// Semaphore is a counting semaphore whose waiters are woken highest
// priority first, first come first served among equals.
//
// A negative count is the number of waiters. Post hands the count straight
// to the woken waiter, so a wakeup never has to compete for it.
type Semaphore struct {
	k       *Kernel
	name    string
	count   int
	waiters *taskList
}

// NewSemaphore creates a semaphore with the given initial count.
func (k *Kernel) NewSemaphore(name string, count int) (*Semaphore, error) {
	if count < 0 || count > SemValueMax {
		return nil, fmt.Errorf("semaphore %q count %d: %w", name, count, ErrInvalidArgument)
	}
	return &Semaphore{
		k:       k,
		name:    name,
		count:   count,
		waiters: newTaskList("sem:" + name),
	}, nil
}

// Name returns the semaphore's name.
func (s *Semaphore) Name() string { return s.name }

// Value returns the count; negative values are the number of waiters.
func (s *Semaphore) Value() int {
	s.k.mu.Lock()
	defer s.k.mu.Unlock()
	return s.count
}

// Waiters returns the blocked tasks in wakeup order.
func (s *Semaphore) Waiters() []TaskID {
	s.k.mu.Lock()
	defer s.k.mu.Unlock()
	return s.waiters.ids()
}

// TryWait takes the semaphore if its count is positive and fails with
// ErrWouldBlock otherwise.
func (s *Semaphore) TryWait() error {
	s.k.mu.Lock()
	defer s.k.mu.Unlock()
	return s.tryWaitLocked()
}

func (s *Semaphore) tryWaitLocked() error {
	if s.count > 0 {
		s.count--
		return nil
	}
	return ErrWouldBlock
}

// Wait takes the semaphore, blocking the calling task until a Post hands
// it over.
func (s *Semaphore) Wait(self TaskID) error {
	k := s.k
	k.mu.Lock()
	defer k.mu.Unlock()

	t := k.self(self)
	if err := k.suspend(t); err != nil {
		return err
	}
	return s.waitLocked(t)
}

func (s *Semaphore) waitLocked(t *TCB) error {
	k := s.k
	if s.count > 0 {
		s.count--
		return nil
	}

	s.count--
	t.waitSem = s
	t.waitErr = nil
	k.block(t, StateWaitingSemaphore, s.waiters)
	k.reconcile()

	if err := k.suspend(t); err != nil {
		return err
	}
	err := t.waitErr
	t.waitErr = nil
	return err
}

// Post releases the semaphore and wakes the most deserving waiter. It
// never blocks and may be called from interrupt context.
func (s *Semaphore) Post() error {
	s.k.mu.Lock()
	defer s.k.mu.Unlock()
	return s.postLocked()
}

func (s *Semaphore) postLocked() error {
	k := s.k
	if s.count >= SemValueMax {
		return ErrOverflow
	}
	s.count++
	if s.count <= 0 {
		w := s.waiters.head()
		k.assert(w != nil, nil, "semaphore %q count %d with no waiters", s.name, s.count)
		k.assert(w.state == StateWaitingSemaphore && w.waitSem == s, w, "waiter of %q in wrong state", s.name)
		w.waitSem = nil
		w.waitErr = nil
		k.unblock(w)
	}
	k.reconcile()
	return nil
}

// TickWait takes the semaphore, giving up with ErrTimedOut once delay
// ticks have passed since start. A zero delay is a TryWait. When the
// deadline has already passed the semaphore is not touched at all.
func (s *Semaphore) TickWait(self TaskID, start uint64, delay int64) error {
	if delay < 0 {
		return fmt.Errorf("tick wait delay %d: %w", delay, ErrInvalidArgument)
	}
	k := s.k
	k.mu.Lock()
	defer k.mu.Unlock()

	t := k.self(self)
	if err := k.suspend(t); err != nil {
		return err
	}
	if delay == 0 {
		if s.tryWaitLocked() != nil {
			return ErrTimedOut
		}
		return nil
	}
	return s.boundedWaitLocked(t, start, delay)
}

// TimedWait takes the semaphore, giving up with ErrTimedOut at the absolute
// deadline abs on clock id. A malformed deadline fails with
// ErrInvalidArgument before the semaphore is looked at; a semaphore that
// can be taken at once is taken whatever the deadline.
func (s *Semaphore) TimedWait(self TaskID, id clock.ID, abs clock.Timespec) error {
	k := s.k
	start := k.clock.Ticks()
	delay, err := k.clock.AbstimeToTicks(id, abs)
	if err != nil {
		return fmt.Errorf("timed wait: %w: %w", ErrInvalidArgument, err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	t := k.self(self)
	if err := k.suspend(t); err != nil {
		return err
	}
	if s.tryWaitLocked() == nil {
		return nil
	}
	if delay <= 0 {
		return ErrTimedOut
	}
	return s.boundedWaitLocked(t, start, delay)
}

// boundedWaitLocked is the shared body of the timed waits. The watchdog it
// arms lives exactly as long as this call.
func (s *Semaphore) boundedWaitLocked(t *TCB, start uint64, delay int64) error {
	k := s.k
	elapsed := k.clock.Ticks() - start
	if elapsed >= uint64(delay) {
		return ErrTimedOut
	}
	if s.tryWaitLocked() == nil {
		return nil
	}

	wd, err := k.armWaitdog(t, delay-int64(elapsed), k.semTimeout)
	if err != nil {
		return err
	}
	defer k.releaseWaitdog(t, wd)

	return s.waitLocked(t)
}

// semTimeout fires in interrupt context. The waiter may already have been
// granted the semaphore in the same critical section, so it re-checks the
// task is still waiting before timing it out.
func (k *Kernel) semTimeout(arg uintptr) {
	t := &k.tasks[arg]
	if !t.inUse || t.state != StateWaitingSemaphore {
		return
	}
	s := t.waitSem
	s.count++
	t.waitSem = nil
	t.waitErr = ErrTimedOut
	k.emit(EventTimeout, t, t.cpu)
	k.unblock(t)
}

// armWaitdog allocates and starts the task's own wait watchdog.
func (k *Kernel) armWaitdog(t *TCB, delay int64, fn wdog.Func) (wdog.ID, error) {
	k.assert(t.waitdog == wdog.None, t, "task already owns a wait watchdog")
	wd, err := k.dogs.Create()
	if err != nil {
		k.logger.Warn("bounded wait without watchdog", "task", t.id, "error", err)
		return wdog.None, fmt.Errorf("%w: %w", ErrNoMemory, err)
	}
	if err := k.dogs.Start(wd, delay, fn, uintptr(t.id)); err != nil {
		k.dogs.Delete(wd)
		return wdog.None, fmt.Errorf("start watchdog: %w", err)
	}
	t.waitdog = wd
	return wd, nil
}

// releaseWaitdog disarms and frees the task's wait watchdog.
func (k *Kernel) releaseWaitdog(t *TCB, wd wdog.ID) {
	k.dogs.Cancel(wd)
	k.dogs.Delete(wd)
	if t.waitdog == wd {
		t.waitdog = wdog.None
	}
}

// Signal interrupts a semaphore wait: the waiter returns ErrInterrupted.
// Tasks in any other state are not affected. It reports whether a waiter
// was woken.
func (k *Kernel) Signal(id TaskID) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	t, err := k.lookup(id)
	if err != nil {
		return false, err
	}
	if t.state != StateWaitingSemaphore {
		return false, nil
	}
	t.waitSem.count++
	t.waitSem = nil
	t.waitErr = ErrInterrupted
	k.unblock(t)
	k.reconcile()
	return true, nil
}
