package sched

import "fmt"

// selectCPU picks, among the online cores in affinity, the one whose owner
// has the lowest priority. Ties go to the lowest numbered core. It returns
// NoCPU when no online core is allowed.
func (k *Kernel) selectCPU(affinity CPUSet) int {
	return k.selectCPUExcept(affinity, NoCPU)
}

// selectCPUExcept is selectCPU with core except left out.
func (k *Kernel) selectCPUExcept(affinity CPUSet, except int) int {
	best, bestPrio := NoCPU, MaxPriority+1
	for cpu := range k.cpus {
		if cpu == except || !k.cpus[cpu].online || !affinity.Has(cpu) {
			continue
		}
		if p := k.cpus[cpu].assigned.head().priority; p < bestPrio {
			best, bestPrio = cpu, p
		}
	}
	return best
}

// releasePin drops a hard pin to an offline core. When no online core is
// left in the task's affinity it may run anywhere.
func (k *Kernel) releasePin(t *TCB) {
	k.logger.Info("cleared hard affinity", "task", t.id, "cpu", t.cpu)
	t.cpuLocked = false
	t.cpu = NoCPU
	if k.selectCPU(t.affinity) == NoCPU {
		t.affinity = AllCPUs(len(k.cpus))
	}
}

func (k *Kernel) validCPU(cpu int) bool {
	return cpu >= 0 && cpu < len(k.cpus)
}

// CPUDown removes cpu from the set of cores eligible for scheduling
// decisions. The tasks already on it stay until MigrateTasks moves them.
func (k *Kernel) CPUDown(cpu int) error {
	if !k.smp || !k.validCPU(cpu) {
		return fmt.Errorf("cpu %d down: %w", cpu, ErrInvalidCPU)
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	cs := &k.cpus[cpu]
	if !cs.online {
		return nil
	}
	online := 0
	for i := range k.cpus {
		if k.cpus[i].online {
			online++
		}
	}
	if online == 1 {
		return fmt.Errorf("cpu %d is the last online core: %w", cpu, ErrInvalidCPU)
	}
	cs.online = false
	k.emit(EventCPUOffline, nil, cpu)
	k.logger.Info("cpu offline", "cpu", cpu)
	return nil
}

// CPUUp returns cpu to service and lets it pick up the best ready task it
// is allowed to run.
func (k *Kernel) CPUUp(cpu int) error {
	if !k.smp || !k.validCPU(cpu) {
		return fmt.Errorf("cpu %d up: %w", cpu, ErrInvalidCPU)
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	cs := &k.cpus[cpu]
	if cs.online {
		return nil
	}
	cs.online = true
	owner := cs.assigned.head()
	if cand := k.firstEligible(cpu); cand != nil && cand.priority > owner.priority {
		k.listRemove(k.ready, cand)
		k.listAdd(cs.assigned, cand, false)
		k.displace(cpu, owner)
		k.setRunning(cand, cpu)
	}
	k.emit(EventCPUOnline, nil, cpu)
	k.logger.Info("cpu online", "cpu", cpu)
	k.reconcile()
	return nil
}

// MigrateTasks moves every task except the idle task off cpu, which must
// already be offline, through the ordinary admission path. A hard pin to
// cpu is cleared since it can no longer be honoured; blocked tasks pinned
// there lose their pin when they wake. caller is the core running the
// migration and cannot be the one going away.
func (k *Kernel) MigrateTasks(caller, cpu int) error {
	if !k.smp || !k.validCPU(cpu) || !k.validCPU(caller) || cpu == caller {
		return fmt.Errorf("migrate from cpu %d on cpu %d: %w", cpu, caller, ErrInvalidCPU)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	cs := &k.cpus[cpu]
	k.assert(!cs.online, nil, "migrate tasks off online cpu %d", cpu)

	moved := 0
	for _, t := range cs.assigned.tasks() {
		if t.idle {
			continue
		}
		k.listRemove(cs.assigned, t)
		if t.cpuLocked {
			k.releasePin(t)
		} else if k.selectCPU(t.affinity) == NoCPU {
			t.affinity = AllCPUs(len(k.cpus))
		}
		t.cpu = NoCPU
		k.addReadyToRun(t)
		k.emit(EventMigrate, t, t.cpu)
		moved++
	}

	idle := &k.tasks[cs.idle]
	k.assert(cs.assigned.head() == idle && cs.assigned.len() == 1, idle,
		"cpu %d assigned list not drained", cpu)
	if idle.state != StateRunning {
		k.setRunning(idle, cpu)
	}
	k.reconcile()
	k.logger.Info("migrated tasks", "cpu", cpu, "moved", moved)
	return nil
}
