// internal/sched/scheduler.go

package sched

import (
	"fmt"

	"ticksched/internal/logging"
)

// current returns the task owning cpu: the head of its assigned list, or
// of the ready list on a single core.
func (k *Kernel) current(cpu int) *TCB {
	if !k.smp {
		return k.ready.head()
	}
	return k.cpus[cpu].assigned.head()
}

// setRunning records that t now owns cpu and starts a fresh timeslice.
func (k *Kernel) setRunning(t *TCB, cpu int) {
	t.state = StateRunning
	t.cpu = cpu
	t.timeslice = k.quantum
	t.wake()
}

// addReadyToRun admits t to the ready-to-run structures. Among equal
// priorities t goes last. It returns true when t became the owner of its
// core, which means a context switch is due.
func (k *Kernel) addReadyToRun(t *TCB) bool {
	k.assert(t.list == nil, t, "add_ready_to_run of a queued task")
	if !k.smp {
		return k.addReadyToRunUP(t)
	}
	return k.addReadyToRunSMP(t)
}

func (k *Kernel) addReadyToRunUP(t *TCB) bool {
	prev := k.ready.head()
	k.listAdd(k.ready, t, false)
	if k.ready.head() != t {
		t.state = StateReadyToRun
		if !t.cpuLocked {
			t.cpu = NoCPU
		}
		return false
	}
	if prev != nil {
		prev.state = StateReadyToRun
		if !prev.cpuLocked {
			prev.cpu = NoCPU
		}
		k.emit(EventPreempt, prev, 0)
	}
	k.setRunning(t, 0)
	return true
}

func (k *Kernel) addReadyToRunSMP(t *TCB) bool {
	if t.cpuLocked && !k.cpus[t.cpu].online {
		// Pinned to a core that went offline while the task was blocked.
		k.releasePin(t)
	}
	cpu := t.cpu
	if !t.cpuLocked {
		cpu = k.selectCPU(t.affinity)
	}
	if cpu == NoCPU {
		// No online core in the task's affinity: it waits unassigned.
		t.state = StateReadyToRun
		t.cpu = NoCPU
		k.listAdd(k.ready, t, false)
		return false
	}
	cs := &k.cpus[cpu]
	k.assert(cs.online, t, "admit to offline cpu %d", cpu)

	owner := cs.assigned.head()
	if t.priority > owner.priority {
		k.listAdd(cs.assigned, t, false)
		k.assert(cs.assigned.head() == t, t, "new owner of cpu %d is not at head", cpu)
		k.displace(cpu, owner)
		k.setRunning(t, cpu)
		return true
	}

	if t.cpuLocked {
		t.state = StateAssigned
		k.listAdd(cs.assigned, t, false)
		return false
	}
	t.state = StateReadyToRun
	t.cpu = NoCPU
	k.listAdd(k.ready, t, false)
	return false
}

// displace deals with the previous owner of cpu after a higher-priority
// task took the core. Pinned tasks stay on the core's list. Others take
// another allowed core whose owner they outrank, or else return to the
// head of their band in the ready list.
func (k *Kernel) displace(cpu int, old *TCB) {
	if old.cpuLocked {
		old.state = StateAssigned
		return
	}
	k.listRemove(k.cpus[cpu].assigned, old)
	old.cpu = NoCPU
	k.emit(EventPreempt, old, cpu)

	if other := k.selectCPUExcept(old.affinity, cpu); other != NoCPU {
		cs := &k.cpus[other]
		if owner := cs.assigned.head(); old.priority > owner.priority {
			k.listAdd(cs.assigned, old, false)
			k.displace(other, owner)
			k.setRunning(old, other)
			return
		}
	}
	old.state = StateReadyToRun
	k.listAdd(k.ready, old, true)
}

// removeReadyToRun takes t off the ready-to-run structures. It returns
// true when t owned its core, which means a context switch is due.
func (k *Kernel) removeReadyToRun(t *TCB) bool {
	k.assert(t.state.runnable(), t, "remove_ready_to_run of a task not ready")
	if !k.smp {
		wasHead := k.ready.head() == t
		k.listRemove(k.ready, t)
		if !t.cpuLocked {
			t.cpu = NoCPU
		}
		if wasHead {
			k.setRunning(k.ready.head(), 0)
		}
		return wasHead
	}

	if t.state == StateReadyToRun {
		k.listRemove(k.ready, t)
		return false
	}
	cpu := t.cpu
	cs := &k.cpus[cpu]
	wasHead := cs.assigned.head() == t
	k.listRemove(cs.assigned, t)
	if !t.cpuLocked {
		t.cpu = NoCPU
	}
	if wasHead {
		k.fillCPU(cpu)
	}
	return wasHead
}

// fillCPU hands cpu to its next owner after the head left: the best of the
// tasks pinned there and the ready tasks allowed to run there.
func (k *Kernel) fillCPU(cpu int) {
	cs := &k.cpus[cpu]
	next := cs.assigned.head()
	k.assert(next != nil, nil, "cpu %d lost its idle task", cpu)
	if cs.online {
		if cand := k.firstEligible(cpu); cand != nil && cand.priority >= next.priority {
			k.listRemove(k.ready, cand)
			k.listAdd(cs.assigned, cand, true)
			next = cand
		}
	}
	k.setRunning(next, cpu)
}

// firstEligible returns the first ready task whose affinity includes cpu.
func (k *Kernel) firstEligible(cpu int) *TCB {
	return k.ready.find(func(t *TCB) bool { return t.affinity.Has(cpu) })
}

// block moves the running or ready task t to the wait list l.
func (k *Kernel) block(t *TCB, state TaskState, l *taskList) {
	k.assert(!t.idle, t, "idle task cannot block")
	k.assert(state.Blocked(), t, "block into non-waiting state %s", state)
	cpu := t.cpu
	k.removeReadyToRun(t)
	t.state = state
	k.listAdd(l, t, false)
	k.emit(EventBlock, t, cpu)
}

// unblock moves t from its wait list back to the ready-to-run structures
// with a full timeslice. It returns true when a context switch is due; the
// switch itself happens in reconcile, deferred in interrupt context.
func (k *Kernel) unblock(t *TCB) bool {
	k.assert(t.state.Blocked(), t, "unblock of a task that is not waiting")
	k.listRemove(t.list, t)
	t.timeslice = k.quantum
	switched := k.addReadyToRun(t)
	k.emit(EventUnblock, t, t.cpu)
	return switched
}

// requeue puts the running task t behind its equal-priority peers.
func (k *Kernel) requeue(t *TCB) {
	k.removeReadyToRun(t)
	k.addReadyToRun(t)
}

// reconcile performs the context switches the last list operations made
// necessary. Cores in interrupt context only get a pending mark; they
// switch on interrupt exit.
func (k *Kernel) reconcile() {
	for cpu := range k.cpus {
		cs := &k.cpus[cpu]
		head := k.current(cpu)
		if head.id == cs.running {
			cs.pending = false
			continue
		}
		if cs.inIRQ > 0 {
			cs.pending = true
			continue
		}
		from := cs.running
		cs.running = head.id
		cs.pending = false
		logging.Trace(k.logger, "context switch", "cpu", cpu, "from", from, "to", head.id)
		k.arch.SwitchContext(cpu, from, head.id)
		k.emit(EventDispatch, head, cpu)
	}
}

// suspend parks the calling goroutine until t owns a core again. It is
// called and returns with the critical section held.
func (k *Kernel) suspend(t *TCB) error {
	gen, resume := t.gen, t.resume
	for t.state != StateRunning {
		k.mu.Unlock()
		select {
		case <-resume:
		case <-k.stopped:
			k.mu.Lock()
			return ErrStopped
		}
		k.mu.Lock()
		if t.gen != gen || !t.inUse {
			return ErrTaskExited
		}
	}
	return nil
}

// Checkpoint is a preemption point for task code: it returns at once if
// self owns a core and otherwise parks until the scheduler hands it one.
func (k *Kernel) Checkpoint(self TaskID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.suspend(k.self(self))
}

// Yield moves the calling task behind its equal-priority peers.
func (k *Kernel) Yield(self TaskID) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	t := k.self(self)
	if err := k.suspend(t); err != nil {
		return err
	}
	k.requeue(t)
	k.reconcile()
	return k.suspend(t)
}

// SetPriority changes a task's priority and requeues it, wherever it is,
// so that its position reflects the new priority.
func (k *Kernel) SetPriority(id TaskID, prio int) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	t, err := k.lookup(id)
	if err != nil {
		return err
	}
	if prio < MinPriority || prio > MaxPriority {
		return fmt.Errorf("priority %d: %w", prio, ErrInvalidArgument)
	}

	switch {
	case t.state.runnable():
		k.removeReadyToRun(t)
		t.priority = prio
		k.addReadyToRun(t)
	case t.state.Blocked():
		l := t.list
		k.listRemove(l, t)
		t.priority = prio
		k.listAdd(l, t, false)
	default:
		t.priority = prio
	}
	k.emit(EventPriority, t, t.cpu)
	k.reconcile()
	return nil
}

// PreemptDisable raises the task's preemption lock count. While it is
// non-zero the round-robin timeslice is frozen.
func (k *Kernel) PreemptDisable(self TaskID) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.self(self).lockcount++
}

// PreemptEnable drops the task's preemption lock count.
func (k *Kernel) PreemptEnable(self TaskID) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t := k.self(self)
	k.assert(t.lockcount > 0, t, "unbalanced preempt enable")
	t.lockcount--
}
