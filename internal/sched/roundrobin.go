package sched

// roundRobin charges one tick to the task owning each online core and
// requeues it behind an equal-or-higher priority peer once its slice runs
// out. Called from the tick path with the critical section held.
func (k *Kernel) roundRobin() {
	// Snapshot the owners first: a requeue may move a task to another core
	// and it must not be charged twice for the same tick.
	owners := make([]*TCB, len(k.cpus))
	for cpu := range k.cpus {
		if k.cpus[cpu].online {
			owners[cpu] = k.current(cpu)
		}
	}

	for cpu, t := range owners {
		if t == nil || t.idle || t.policy != PolicyRR {
			continue
		}
		if t.lockcount > 0 {
			// Frozen until preemption is enabled again.
			continue
		}
		t.timeslice--
		if t.timeslice > 0 {
			continue
		}
		t.timeslice = k.quantum
		if k.hasPeer(cpu, t) {
			k.requeue(t)
			k.emit(EventPreempt, t, cpu)
		}
	}
}

// hasPeer reports whether a task other than t with at least t's priority
// could run on cpu.
func (k *Kernel) hasPeer(cpu int, t *TCB) bool {
	if !k.smp {
		next := k.ready.second()
		return next != nil && next.priority >= t.priority
	}
	if next := k.cpus[cpu].assigned.second(); next != nil && next.priority >= t.priority {
		return true
	}
	cand := k.firstEligible(cpu)
	return cand != nil && cand.priority >= t.priority
}

// Timeslice returns the ticks left in a task's current slice.
func (k *Kernel) Timeslice(id TaskID) int {
	info, ok := k.Task(id)
	if !ok {
		return 0
	}
	return info.Timeslice
}
