package sched

import (
	"errors"
	"testing"
)

func TestSMPSelectsLowestPriorityCore(t *testing.T) {
	k, _ := newTestKernel(t, testConfig(2))

	a := spawn(t, k, "a", 10, PolicyFIFO)
	b := spawn(t, k, "b", 20, PolicyFIFO)
	if k.Running(0) != a || k.Running(1) != b {
		t.Fatalf("owners %d, %d, want %d, %d", k.Running(0), k.Running(1), a, b)
	}
	d := spawn(t, k, "d", 10, PolicyFIFO)
	if k.State(d) != StateReadyToRun {
		t.Fatalf("d state %s", k.State(d))
	}

	// c takes cpu 0 from a; a goes ahead of d in the ready list.
	c := spawn(t, k, "c", 15, PolicyFIFO)
	if k.Running(0) != c {
		t.Fatalf("c did not preempt the lowest priority core")
	}
	if got, want := k.ReadyList(), []TaskID{a, d}; !equalIDs(got, want) {
		t.Errorf("ReadyList = %v, want %v", got, want)
	}
	info, _ := k.Task(a)
	if info.State != StateReadyToRun || info.CPU != NoCPU {
		t.Errorf("preempted task %+v", info)
	}

	// Leaving cpu 1 hands it to the first ready task.
	if err := k.DeleteTask(b); err != nil {
		t.Fatal(err)
	}
	if k.Running(1) != a {
		t.Errorf("cpu 1 went to %d, want %d", k.Running(1), a)
	}
	checkInvariants(t, k)
}

func TestSMPPinnedAndAffinity(t *testing.T) {
	k, _ := newTestKernel(t, testConfig(2))

	q := spawnPinned(t, k, "q", 10, 1)
	p := spawnPinned(t, k, "p", 5, 1)
	if got, want := k.AssignedList(1), []TaskID{q, p, k.Idle(1)}; !equalIDs(got, want) {
		t.Fatalf("AssignedList(1) = %v, want %v", got, want)
	}
	if k.State(p) != StateAssigned || k.Running(0) != k.Idle(0) {
		t.Fatalf("p state %s, cpu 0 runs %d", k.State(p), k.Running(0))
	}

	r, err := k.Spawn(TaskConfig{Name: "r", Priority: 7, Affinity: CPUSetOf(1)})
	if err != nil {
		t.Fatal(err)
	}
	if k.State(r) != StateReadyToRun || k.Running(0) != k.Idle(0) {
		t.Errorf("affinity ignored: r %s, cpu 0 runs %d", k.State(r), k.Running(0))
	}

	if err := k.DeleteTask(q); err != nil {
		t.Fatal(err)
	}
	// r (7) beats the pinned p (5) for cpu 1.
	if k.Running(1) != r {
		t.Errorf("cpu 1 runs %d, want %d", k.Running(1), r)
	}
	checkInvariants(t, k)
}

func TestMigrateTasks(t *testing.T) {
	k, arch := newTestKernel(t, testConfig(3))

	y := spawnPinned(t, k, "y", 30, 1)
	p := spawnPinned(t, k, "p", 20, 2)
	u1, _ := k.CreateTask(TaskConfig{Name: "u1", Priority: 15})
	u2, _ := k.CreateTask(TaskConfig{Name: "u2", Priority: 12})

	// Queue the unpinned tasks on cpu 2 as an earlier balancing pass
	// would have.
	k.locked(func() {
		for _, id := range []TaskID{u1, u2} {
			tcb := &k.tasks[id]
			tcb.state = StateAssigned
			tcb.cpu = 2
			k.listAdd(k.cpus[2].assigned, tcb, false)
		}
	})
	if got, want := k.AssignedList(2), []TaskID{p, u1, u2, k.Idle(2)}; !equalIDs(got, want) {
		t.Fatalf("AssignedList(2) = %v, want %v", got, want)
	}
	checkInvariants(t, k)

	if err := k.CPUDown(2); err != nil {
		t.Fatal(err)
	}
	if err := k.MigrateTasks(0, 2); err != nil {
		t.Fatal(err)
	}

	if got := k.AssignedList(2); !equalIDs(got, []TaskID{k.Idle(2)}) {
		t.Errorf("AssignedList(2) = %v, want only idle", got)
	}
	if k.Running(2) != k.Idle(2) || k.Running(0) != p || k.Running(1) != y {
		t.Errorf("owners %d %d %d", k.Running(0), k.Running(1), k.Running(2))
	}
	if got, want := k.ReadyList(), []TaskID{u1, u2}; !equalIDs(got, want) {
		t.Errorf("ReadyList = %v, want %v", got, want)
	}
	info, _ := k.Task(p)
	if info.Pinned || info.Affinity != AllCPUs(3) {
		t.Errorf("migrated pinned task kept its pin: %+v", info)
	}
	for _, id := range []TaskID{p, u1, u2, y} {
		if info, _ := k.Task(id); info.CPU == 2 {
			t.Errorf("task %d still on offline cpu", id)
		}
	}
	if last := arch.last(); last.cpu != 2 || last.from != p || last.to != k.Idle(2) {
		t.Errorf("last switch %+v", last)
	}
	checkInvariants(t, k)

	// Back online, cpu 2 picks up the best ready task.
	if err := k.CPUUp(2); err != nil {
		t.Fatal(err)
	}
	if k.Running(2) != u1 || !equalIDs(k.ReadyList(), []TaskID{u2}) {
		t.Errorf("after CPUUp: cpu 2 runs %d, ready %v", k.Running(2), k.ReadyList())
	}
	checkInvariants(t, k)
}

func TestMigrateTasksErrors(t *testing.T) {
	up, _ := newTestKernel(t, testConfig(1))
	if err := up.MigrateTasks(0, 0); !errors.Is(err, ErrInvalidCPU) {
		t.Errorf("single core: %v", err)
	}
	if err := up.CPUDown(0); !errors.Is(err, ErrInvalidCPU) {
		t.Errorf("single core CPUDown: %v", err)
	}

	k, _ := newTestKernel(t, testConfig(2))
	tests := []struct{ caller, cpu int }{
		{1, 1},
		{0, 5},
		{0, -1},
		{4, 1},
	}
	for _, tt := range tests {
		if err := k.MigrateTasks(tt.caller, tt.cpu); !errors.Is(err, ErrInvalidCPU) {
			t.Errorf("MigrateTasks(%d, %d) = %v, want ErrInvalidCPU", tt.caller, tt.cpu, err)
		}
	}

	if err := k.CPUDown(1); err != nil {
		t.Fatal(err)
	}
	if err := k.CPUDown(1); err != nil {
		t.Errorf("repeated CPUDown: %v", err)
	}
	if err := k.CPUDown(0); !errors.Is(err, ErrInvalidCPU) {
		t.Errorf("last core CPUDown: %v", err)
	}
	if err := k.MigrateTasks(0, 1); err != nil {
		t.Errorf("migrating an idle core: %v", err)
	}
}

func TestMigrateTasksOnlineCorePanics(t *testing.T) {
	k, _ := newTestKernel(t, testConfig(2))
	called := false
	k.SetPanicHandler(func(PanicInfo) { called = true })
	defer func() {
		if recover() == nil {
			t.Fatal("migration off an online core did not panic")
		}
		if !called {
			t.Error("panic handler not run")
		}
	}()
	_ = k.MigrateTasks(0, 1)
}

func TestOfflineCoreIsNotSelected(t *testing.T) {
	k, _ := newTestKernel(t, testConfig(2))
	if err := k.CPUDown(1); err != nil {
		t.Fatal(err)
	}

	a := spawn(t, k, "a", 10, PolicyFIFO)
	b := spawn(t, k, "b", 20, PolicyFIFO)
	if k.Running(0) != b || k.Running(1) != k.Idle(1) {
		t.Fatalf("owners %d, %d", k.Running(0), k.Running(1))
	}
	only1, err := k.Spawn(TaskConfig{Name: "only1", Priority: 50, Affinity: CPUSetOf(1)})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := k.ReadyList(), []TaskID{only1, a}; !equalIDs(got, want) {
		t.Fatalf("ReadyList = %v, want %v", got, want)
	}

	// Round robin leaves offline cores alone.
	k.Tick(5)
	if k.Running(1) != k.Idle(1) {
		t.Errorf("offline core dispatched %d", k.Running(1))
	}

	if err := k.CPUUp(1); err != nil {
		t.Fatal(err)
	}
	if k.Running(1) != only1 {
		t.Errorf("cpu 1 runs %d after CPUUp, want %d", k.Running(1), only1)
	}
	checkInvariants(t, k)
}

func TestBlockedPinnedTaskWakesAfterItsCoreLeft(t *testing.T) {
	tests := []struct {
		name  string
		state TaskState
		block func(k *Kernel, sem *Semaphore, id TaskID) error
		wake  func(k *Kernel, sem *Semaphore) error
	}{
		{
			name:  "sleep",
			state: StateSleepNoSignal,
			block: func(k *Kernel, _ *Semaphore, id TaskID) error { return k.SleepTicks(id, 3) },
			wake: func(k *Kernel, _ *Semaphore) error {
				k.Tick(3)
				return nil
			},
		},
		{
			name:  "semaphore",
			state: StateWaitingSemaphore,
			block: func(_ *Kernel, sem *Semaphore, id TaskID) error { return sem.Wait(id) },
			wake:  func(_ *Kernel, sem *Semaphore) error { return sem.Post() },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, _ := newTestKernel(t, testConfig(2))
			sem, _ := k.NewSemaphore("s", 0)
			p := spawnPinned(t, k, "p", 10, 1)

			done := make(chan error, 1)
			go func() { done <- tt.block(k, sem, p) }()
			waitState(t, k, p, tt.state)

			if err := k.CPUDown(1); err != nil {
				t.Fatal(err)
			}
			if err := k.MigrateTasks(0, 1); err != nil {
				t.Fatal(err)
			}
			if err := tt.wake(k, sem); err != nil {
				t.Fatal(err)
			}

			if err := recvErr(t, done); err != nil {
				t.Fatalf("blocking call = %v", err)
			}
			if k.Running(0) != p || k.Running(1) != k.Idle(1) {
				t.Errorf("owners %d, %d, want %d on cpu 0", k.Running(0), k.Running(1), p)
			}
			info, _ := k.Task(p)
			if info.Pinned || info.Affinity != AllCPUs(2) || info.CPU != 0 {
				t.Errorf("woken task %+v still bound to the offline core", info)
			}
			checkInvariants(t, k)
		})
	}
}

func TestDisplacedTaskTakesAnotherCore(t *testing.T) {
	k, _ := newTestKernel(t, testConfig(2))
	a := spawn(t, k, "a", 10, PolicyFIFO)
	b := spawn(t, k, "b", 5, PolicyFIFO)
	if k.Running(0) != a || k.Running(1) != b {
		t.Fatalf("owners %d, %d", k.Running(0), k.Running(1))
	}

	c, err := k.Spawn(TaskConfig{Name: "c", Priority: 20, Affinity: CPUSetOf(0)})
	if err != nil {
		t.Fatal(err)
	}
	if k.Running(0) != c || k.Running(1) != a {
		t.Errorf("owners %d, %d, want %d, %d", k.Running(0), k.Running(1), c, a)
	}
	if got := k.ReadyList(); !equalIDs(got, []TaskID{b}) {
		t.Errorf("ReadyList = %v, want [%d]", got, b)
	}
	checkInvariants(t, k)
}
