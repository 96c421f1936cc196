package sched

import (
	"math/bits"

	"ticksched/internal/wdog"
)

// TaskID uniquely identifies a task slot in the kernel's task arena.
type TaskID int

// NoTask is returned where no task applies.
const NoTask TaskID = -1

// NoCPU marks a task that does not currently own or belong to a core.
const NoCPU = -1

const (
	IdlePriority = 0   // reserved for the per-core idle tasks
	MinPriority  = 1   // lowest priority a regular task may have
	MaxPriority  = 255 // highest priority
)

// TaskState is the scheduling state of a task.
type TaskState int

const (
	StateInvalid TaskState = iota
	StateReadyToRun
	StateAssigned // SMP: queued on a core's assigned list behind its owner
	StateRunning
	StateWaitingSemaphore
	StateSleepNoSignal
)

func (s TaskState) String() string {
	switch s {
	case StateInvalid:
		return "Invalid"
	case StateReadyToRun:
		return "ReadyToRun"
	case StateAssigned:
		return "Assigned"
	case StateRunning:
		return "Running"
	case StateWaitingSemaphore:
		return "WaitingSemaphore"
	case StateSleepNoSignal:
		return "SleepNoSignal"
	default:
		return "Unknown"
	}
}

// Blocked reports whether s is one of the waiting states.
func (s TaskState) Blocked() bool {
	return s == StateWaitingSemaphore || s == StateSleepNoSignal
}

// runnable reports whether a task in state s sits on a ready or assigned list.
func (s TaskState) runnable() bool {
	return s == StateReadyToRun || s == StateAssigned || s == StateRunning
}

// Policy selects how a task shares its priority level.
type Policy int

const (
	PolicyFIFO Policy = iota // runs until it blocks, yields or is preempted
	PolicyRR                 // additionally bounded by the round-robin timeslice
)

func (p Policy) String() string {
	if p == PolicyRR {
		return "rr"
	}
	return "fifo"
}

// CPUSet is a bit mask of cores.
type CPUSet uint64

// AllCPUs returns the set of cores 0..n-1.
func AllCPUs(n int) CPUSet {
	if n >= 64 {
		return ^CPUSet(0)
	}
	return CPUSet(1)<<uint(n) - 1
}

// CPUSetOf returns the set holding the given cores.
func CPUSetOf(cpus ...int) CPUSet {
	var s CPUSet
	for _, c := range cpus {
		s |= 1 << uint(c)
	}
	return s
}

// Has reports whether cpu is in the set.
func (s CPUSet) Has(cpu int) bool {
	return cpu >= 0 && cpu < 64 && s&(1<<uint(cpu)) != 0
}

// Count returns the number of cores in the set.
func (s CPUSet) Count() int { return bits.OnesCount64(uint64(s)) }

// TaskConfig describes a task handed to the kernel by the thread-creation
// layer.
type TaskConfig struct {
	Name     string
	Priority int // clamped to [MinPriority, MaxPriority]
	Policy   Policy
	Affinity CPUSet // zero means every core
	Pinned   bool   // hard affinity: only ever run on CPU
	CPU      int    // core for a pinned task
}

// TCB is the kernel's record for one task. All fields are guarded by the
// kernel critical section.
type TCB struct {
	id       TaskID
	gen      uint32
	name     string
	priority int
	policy   Policy
	state    TaskState
	idle     bool
	inUse    bool

	timeslice int
	lockcount int

	cpu       int
	affinity  CPUSet
	cpuLocked bool

	waitdog wdog.ID
	waitSem *Semaphore
	waitErr error

	list *taskList
	key  listKey

	resume chan struct{}
}

// TaskInfo is a copy of the externally interesting TCB fields.
type TaskInfo struct {
	ID        TaskID
	Name      string
	Priority  int
	Policy    Policy
	State     TaskState
	Timeslice int
	CPU       int
	Affinity  CPUSet
	Pinned    bool
	Idle      bool
	LockCount int
}

func (t *TCB) info() TaskInfo {
	return TaskInfo{
		ID:        t.id,
		Name:      t.name,
		Priority:  t.priority,
		Policy:    t.policy,
		State:     t.state,
		Timeslice: t.timeslice,
		CPU:       t.cpu,
		Affinity:  t.affinity,
		Pinned:    t.cpuLocked,
		Idle:      t.idle,
		LockCount: t.lockcount,
	}
}

// clampPriority keeps a regular task's priority within the legal range.
func clampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	} else if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// wake lets a goroutine parked in suspend re-check its task.
func (t *TCB) wake() {
	select {
	case t.resume <- struct{}{}:
	default:
	}
}
