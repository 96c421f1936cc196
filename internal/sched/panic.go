package sched

import (
	"fmt"
	"runtime/debug"
)

// PanicInfo describes a fatal scheduler invariant violation.
type PanicInfo struct {
	Reason string
	Task   TaskID
	State  TaskState
	Tick   uint64
	Stack  []byte
}

// SetPanicHandler installs a hook run once, on the first invariant
// violation, before the kernel panics. It must not panic and must not call
// back into the kernel.
func (k *Kernel) SetPanicHandler(fn func(PanicInfo)) {
	k.mu.Lock()
	k.panicHandler = fn
	k.mu.Unlock()
}

// assert stops the system when a kernel-internal invariant does not hold.
// Running on against a corrupted run queue is not an option.
func (k *Kernel) assert(cond bool, t *TCB, format string, args ...any) {
	if cond {
		return
	}
	k.panicf(t, format, args...)
}

func (k *Kernel) panicf(t *TCB, format string, args ...any) {
	info := PanicInfo{
		Reason: fmt.Sprintf(format, args...),
		Task:   NoTask,
		Tick:   k.clock.Ticks(),
	}
	if t != nil {
		info.Task = t.id
		info.State = t.state
	}

	k.logger.Error("kernel panic", "reason", info.Reason, "task", info.Task, "state", info.State)
	k.panicOnce.Do(func() {
		if k.panicHandler != nil {
			info.Stack = debug.Stack()
			k.panicHandler(info)
		}
	})
	panic("sched: " + info.Reason)
}
