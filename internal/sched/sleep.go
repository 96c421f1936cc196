package sched

import "time"

// Sleep suspends the calling task for at least d. A duration shorter than
// one tick rounds up to a tick; zero or less yields instead.
func (k *Kernel) Sleep(self TaskID, d time.Duration) error {
	return k.SleepTicks(self, k.clock.DurationToTicks(d))
}

// SleepTicks suspends the calling task for n ticks.
func (k *Kernel) SleepTicks(self TaskID, n int64) error {
	if n <= 0 {
		return k.Yield(self)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	t := k.self(self)
	if err := k.suspend(t); err != nil {
		return err
	}

	wd, err := k.armWaitdog(t, n, k.sleepTimeout)
	if err != nil {
		return err
	}
	defer k.releaseWaitdog(t, wd)

	k.block(t, StateSleepNoSignal, k.sleeping)
	k.reconcile()
	return k.suspend(t)
}

func (k *Kernel) sleepTimeout(arg uintptr) {
	t := &k.tasks[arg]
	if !t.inUse || t.state != StateSleepNoSignal {
		return
	}
	k.unblock(t)
}

// Sleepers returns the sleeping tasks in priority order.
func (k *Kernel) Sleepers() []TaskID {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.sleeping.ids()
}
