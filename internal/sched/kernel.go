// internal/sched/kernel.go

package sched

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"ticksched/internal/clock"
	"ticksched/internal/logging"
	"ticksched/internal/wdog"
)

// Arch is the architecture context-switch collaborator. SwitchContext is
// called with the critical section held, after the scheduling lists are
// consistent, whenever the task owning cpu changes. It must not call back
// into the kernel.
type Arch interface {
	SwitchContext(cpu int, from, to TaskID)
}

type nopArch struct{}

func (nopArch) SwitchContext(int, TaskID, TaskID) {}

type cpuState struct {
	online   bool
	idle     TaskID
	assigned *taskList // SMP only
	running  TaskID    // last task handed to Arch
	inIRQ    int
	pending  bool
}

// Kernel is the scheduler context: task arena, scheduling lists, tick
// clock and watchdogs. It is created once at boot.
//
// mu is the single global critical section. Every list, TCB field, the
// watchdog pool and the tick counter are only mutated while it is held.
type Kernel struct {
	mu     sync.Mutex
	cfg    Config
	arch   Arch
	logger *slog.Logger

	clock *clock.Clock
	dogs  *wdog.Pool

	tasks    []TCB
	free     []TaskID
	ready    *taskList
	sleeping *taskList
	cpus     []cpuState
	smp      bool
	quantum  int

	seq      int64
	frontSeq int64

	events  chan Event
	dropped atomic.Uint64

	stopped  chan struct{}
	stopOnce sync.Once

	panicHandler func(PanicInfo)
	panicOnce    sync.Once
}

// New boots a kernel: it creates one idle task per core and leaves every
// core running its idle task.
func New(cfg Config, arch Arch, logger *slog.Logger) *Kernel {
	cfg.clamp()
	if arch == nil {
		arch = nopArch{}
	}

	k := &Kernel{
		cfg:      cfg,
		arch:     arch,
		logger:   logging.Component(logger, "sched"),
		dogs:     wdog.NewPool(cfg.Watchdogs),
		ready:    newTaskList("ready"),
		sleeping: newTaskList("sleeping"),
		cpus:     make([]cpuState, cfg.CPUs),
		smp:      cfg.CPUs > 1,
		quantum:  cfg.SliceTicks,
		stopped:  make(chan struct{}),
	}
	k.clock = clock.New(&k.mu, cfg.TickPeriod())
	if cfg.EventBuffer > 0 {
		k.events = make(chan Event, cfg.EventBuffer)
	}

	total := cfg.MaxTasks + cfg.CPUs
	k.tasks = make([]TCB, total)
	k.free = make([]TaskID, 0, cfg.MaxTasks)
	for i := total - 1; i >= cfg.CPUs; i-- {
		k.tasks[i] = TCB{id: TaskID(i), state: StateInvalid, cpu: NoCPU, waitdog: wdog.None}
		k.free = append(k.free, TaskID(i))
	}

	for cpu := range k.cpus {
		t := &k.tasks[cpu]
		*t = TCB{
			id:        TaskID(cpu),
			name:      fmt.Sprintf("idle%d", cpu),
			priority:  IdlePriority,
			idle:      true,
			inUse:     true,
			cpu:       cpu,
			affinity:  CPUSetOf(cpu),
			cpuLocked: true,
			waitdog:   wdog.None,
			resume:    make(chan struct{}, 1),
		}
		cs := &k.cpus[cpu]
		cs.online = true
		cs.idle = t.id
		cs.running = t.id
		if k.smp {
			cs.assigned = newTaskList(fmt.Sprintf("cpu%d", cpu))
			k.listAdd(cs.assigned, t, false)
		} else {
			k.listAdd(k.ready, t, false)
		}
		t.state = StateRunning
	}

	k.logger.Info("kernel booted",
		"cpus", cfg.CPUs, "tick", cfg.TickPeriod(), "slice_ticks", cfg.SliceTicks,
		"max_tasks", cfg.MaxTasks, "watchdogs", cfg.Watchdogs)
	return k
}

// Config returns the effective configuration.
func (k *Kernel) Config() Config { return k.cfg }

// Clock returns the tick clock.
func (k *Kernel) Clock() *clock.Clock { return k.clock }

// TicksNow returns the current tick count.
func (k *Kernel) TicksNow() uint64 { return k.clock.Ticks() }

// Gettime reads clock id.
func (k *Kernel) Gettime(id clock.ID) (clock.Timespec, error) { return k.clock.Gettime(id) }

// Settime sets the wall clock.
func (k *Kernel) Settime(id clock.ID, ts clock.Timespec) error { return k.clock.Settime(id, ts) }

// AbstimeToTicks converts an absolute deadline into a tick delay from now.
func (k *Kernel) AbstimeToTicks(id clock.ID, abs clock.Timespec) (int64, error) {
	return k.clock.AbstimeToTicks(id, abs)
}

// CPUs returns the number of cores the kernel was booted with.
func (k *Kernel) CPUs() int { return len(k.cpus) }

// Stop halts the kernel: every goroutine parked in a blocking call returns
// ErrStopped.
func (k *Kernel) Stop() {
	k.stopOnce.Do(func() {
		close(k.stopped)
		k.logger.Info("kernel stopped", "tick", k.clock.Ticks())
	})
}

// Done is closed once the kernel has been stopped.
func (k *Kernel) Done() <-chan struct{} { return k.stopped }

// CreateTask takes a free TCB slot and initialises it from cfg. The task
// does not run until Activate.
func (k *Kernel) CreateTask(cfg TaskConfig) (TaskID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if cfg.Pinned && (cfg.CPU < 0 || cfg.CPU >= len(k.cpus)) {
		return NoTask, fmt.Errorf("pin to cpu %d: %w", cfg.CPU, ErrInvalidCPU)
	}
	if len(k.free) == 0 {
		return NoTask, ErrNoTaskSlot
	}
	id := k.free[len(k.free)-1]
	k.free = k.free[:len(k.free)-1]

	t := &k.tasks[id]
	affinity := cfg.Affinity & AllCPUs(len(k.cpus))
	if affinity == 0 {
		affinity = AllCPUs(len(k.cpus))
	}
	*t = TCB{
		id:        id,
		gen:       t.gen + 1,
		name:      cfg.Name,
		priority:  clampPriority(cfg.Priority),
		policy:    cfg.Policy,
		state:     StateInvalid,
		inUse:     true,
		timeslice: k.quantum,
		cpu:       NoCPU,
		affinity:  affinity,
		waitdog:   wdog.None,
		resume:    make(chan struct{}, 1),
	}
	if cfg.Pinned {
		t.cpu = cfg.CPU
		t.cpuLocked = true
		t.affinity = CPUSetOf(cfg.CPU)
	}
	if t.name == "" {
		t.name = fmt.Sprintf("task%d", id)
	}
	return id, nil
}

// Activate makes a created task runnable. It reports whether the task took
// a core straight away.
func (k *Kernel) Activate(id TaskID) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	t, err := k.lookup(id)
	if err != nil {
		return false, err
	}
	if t.state != StateInvalid || t.list != nil {
		return false, fmt.Errorf("activate task %d in state %s: %w", id, t.state, ErrInvalidArgument)
	}
	if t.cpuLocked && !k.cpus[t.cpu].online {
		return false, fmt.Errorf("activate task %d pinned to offline cpu %d: %w", id, t.cpu, ErrInvalidCPU)
	}
	switched := k.addReadyToRun(t)
	k.emit(EventEnqueue, t, t.cpu)
	k.reconcile()
	return switched, nil
}

// Spawn is CreateTask followed by Activate.
func (k *Kernel) Spawn(cfg TaskConfig) (TaskID, error) {
	id, err := k.CreateTask(cfg)
	if err != nil {
		return NoTask, err
	}
	if _, err := k.Activate(id); err != nil {
		_ = k.DeleteTask(id)
		return NoTask, err
	}
	return id, nil
}

// DeleteTask takes a task off whatever list holds it and frees its slot.
// A goroutine still parked on the task's behalf returns ErrTaskExited.
func (k *Kernel) DeleteTask(id TaskID) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	t, err := k.lookup(id)
	if err != nil {
		return err
	}
	if t.waitdog != wdog.None {
		// The owning wait call frees the slot when its goroutine unwinds;
		// it just must not fire into a recycled TCB.
		k.dogs.Cancel(t.waitdog)
		t.waitdog = wdog.None
	}

	cpu := t.cpu
	switch {
	case t.state.runnable():
		k.removeReadyToRun(t)
	case t.state == StateWaitingSemaphore:
		t.waitSem.count++
		t.waitSem = nil
		k.listRemove(t.list, t)
	case t.state == StateSleepNoSignal:
		k.listRemove(k.sleeping, t)
	}
	k.emit(EventExit, t, cpu)

	t.state = StateInvalid
	t.inUse = false
	close(t.resume)
	k.free = append(k.free, id)
	k.reconcile()
	return nil
}

// lookup returns the live, non-idle task id.
func (k *Kernel) lookup(id TaskID) (*TCB, error) {
	if id < 0 || int(id) >= len(k.tasks) {
		return nil, fmt.Errorf("task %d: %w", id, ErrNoSuchTask)
	}
	t := &k.tasks[id]
	if !t.inUse || t.idle {
		return nil, fmt.Errorf("task %d: %w", id, ErrNoSuchTask)
	}
	return t, nil
}

// self resolves the task making a blocking call. A bad id here means a
// caller passed somebody else's identity, which is a kernel bug.
func (k *Kernel) self(id TaskID) *TCB {
	t, err := k.lookup(id)
	k.assert(err == nil, nil, "blocking call from unknown task %d", id)
	return t
}

// Task returns a snapshot of a task, idle tasks included.
func (k *Kernel) Task(id TaskID) (TaskInfo, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if id < 0 || int(id) >= len(k.tasks) || !k.tasks[id].inUse {
		return TaskInfo{}, false
	}
	return k.tasks[id].info(), true
}

// State returns the scheduling state of a task.
func (k *Kernel) State(id TaskID) TaskState {
	info, ok := k.Task(id)
	if !ok {
		return StateInvalid
	}
	return info.State
}

// Running returns the task owning cpu.
func (k *Kernel) Running(cpu int) TaskID {
	k.mu.Lock()
	defer k.mu.Unlock()
	if cpu < 0 || cpu >= len(k.cpus) {
		return NoTask
	}
	return k.current(cpu).id
}

// Idle returns the idle task of cpu.
func (k *Kernel) Idle(cpu int) TaskID {
	if cpu < 0 || cpu >= len(k.cpus) {
		return NoTask
	}
	return k.cpus[cpu].idle
}

// ReadyList returns the ready-to-run list in order. On a single core this
// includes the running task at its head.
func (k *Kernel) ReadyList() []TaskID {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.ready.ids()
}

// AssignedList returns the assigned list of cpu, owner first. It is empty
// on a single-core kernel.
func (k *Kernel) AssignedList(cpu int) []TaskID {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.smp || cpu < 0 || cpu >= len(k.cpus) {
		return nil
	}
	return k.cpus[cpu].assigned.ids()
}

// Online reports whether cpu takes part in scheduling decisions.
func (k *Kernel) Online(cpu int) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return cpu >= 0 && cpu < len(k.cpus) && k.cpus[cpu].online
}

// WatchdogsInUse returns the number of allocated watchdogs.
func (k *Kernel) WatchdogsInUse() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.dogs.InUse()
}

// WatchdogsArmed returns the number of armed watchdogs.
func (k *Kernel) WatchdogsArmed() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.dogs.Armed()
}

// Interrupt runs fn in interrupt context on cpu: context switches made
// necessary while fn runs on that core are deferred until fn returns.
func (k *Kernel) Interrupt(cpu int, fn func()) error {
	if cpu < 0 || cpu >= len(k.cpus) {
		return ErrInvalidCPU
	}
	k.mu.Lock()
	k.cpus[cpu].inIRQ++
	k.mu.Unlock()

	defer func() {
		k.mu.Lock()
		k.cpus[cpu].inIRQ--
		k.reconcile()
		k.mu.Unlock()
	}()
	fn()
	return nil
}
