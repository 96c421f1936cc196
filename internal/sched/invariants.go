package sched

import "fmt"

// CheckInvariants walks the scheduling structures and reports the first
// inconsistency found. It is meant for tests and debugging sessions.
func (k *Kernel) CheckInvariants() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	lists := []*taskList{k.ready, k.sleeping}
	if k.smp {
		for cpu := range k.cpus {
			lists = append(lists, k.cpus[cpu].assigned)
		}
	}
	for _, l := range lists {
		if err := checkOrder(l); err != nil {
			return err
		}
	}

	for i := range k.tasks {
		t := &k.tasks[i]
		if !t.inUse {
			if t.list != nil {
				return fmt.Errorf("free slot %d still on %s", i, t.list.name)
			}
			continue
		}
		if t.state == StateInvalid {
			if t.list != nil {
				return fmt.Errorf("inactive task %d on %s", t.id, t.list.name)
			}
			continue
		}
		if t.list == nil {
			return fmt.Errorf("task %d in state %s is on no list", t.id, t.state)
		}
		if v, ok := t.list.rbt.Get(t.key); !ok || v.(*TCB) != t {
			return fmt.Errorf("task %d not found on its list %s", t.id, t.list.name)
		}
		if t.state.Blocked() != (t.list != k.ready && !k.isAssigned(t.list)) {
			return fmt.Errorf("task %d in state %s sits on %s", t.id, t.state, t.list.name)
		}
	}

	running := 0
	for cpu := range k.cpus {
		if k.smp {
			for i, t := range k.cpus[cpu].assigned.tasks() {
				if i == 0 && t.state != StateRunning {
					return fmt.Errorf("cpu %d owner %d in state %s", cpu, t.id, t.state)
				}
				if i > 0 && t.state != StateAssigned {
					return fmt.Errorf("task %d queued on cpu %d in state %s", t.id, cpu, t.state)
				}
				if t.cpu != cpu {
					return fmt.Errorf("task %d on cpu %d list records cpu %d", t.id, cpu, t.cpu)
				}
			}
		}
	}
	for i := range k.tasks {
		if k.tasks[i].inUse && k.tasks[i].state == StateRunning {
			running++
		}
	}
	if running != len(k.cpus) {
		return fmt.Errorf("%d running tasks on %d cpus", running, len(k.cpus))
	}

	if !k.smp {
		for i, t := range k.ready.tasks() {
			if (i == 0) != (t.state == StateRunning) {
				return fmt.Errorf("ready list position %d holds task %d in state %s", i, t.id, t.state)
			}
		}
	} else {
		for _, t := range k.ready.tasks() {
			if t.state != StateReadyToRun || t.cpu != NoCPU || t.cpuLocked {
				return fmt.Errorf("ready task %d: state %s cpu %d pinned %v", t.id, t.state, t.cpu, t.cpuLocked)
			}
		}
	}
	return nil
}

func (k *Kernel) isAssigned(l *taskList) bool {
	if !k.smp {
		return false
	}
	for cpu := range k.cpus {
		if k.cpus[cpu].assigned == l {
			return true
		}
	}
	return false
}

func checkOrder(l *taskList) error {
	prev := MaxPriority + 1
	for _, t := range l.tasks() {
		if t.list != l {
			return fmt.Errorf("task %d found on %s but records %s", t.id, l.name, listName(t.list))
		}
		if t.priority > prev {
			return fmt.Errorf("%s out of order at task %d", l.name, t.id)
		}
		prev = t.priority
	}
	return nil
}
