package sched

import (
	"sync"
	"testing"
	"time"

	"ticksched/internal/logging"
)

type switchRec struct {
	cpu      int
	from, to TaskID
}

type recordArch struct {
	mu       sync.Mutex
	switches []switchRec
}

func (a *recordArch) SwitchContext(cpu int, from, to TaskID) {
	a.mu.Lock()
	a.switches = append(a.switches, switchRec{cpu, from, to})
	a.mu.Unlock()
}

func (a *recordArch) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.switches)
}

func (a *recordArch) last() switchRec {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.switches) == 0 {
		return switchRec{cpu: NoCPU, from: NoTask, to: NoTask}
	}
	return a.switches[len(a.switches)-1]
}

func testConfig(cpus int) Config {
	cfg := DefaultConfig()
	cfg.CPUs = cpus
	cfg.SliceTicks = 3
	cfg.MaxTasks = 8
	cfg.Watchdogs = 8
	cfg.EventBuffer = 0
	return cfg
}

func newTestKernel(t *testing.T, cfg Config) (*Kernel, *recordArch) {
	t.Helper()
	arch := &recordArch{}
	k := New(cfg, arch, logging.Discard())
	t.Cleanup(k.Stop)
	return k, arch
}

func spawn(t *testing.T, k *Kernel, name string, prio int, policy Policy) TaskID {
	t.Helper()
	id, err := k.Spawn(TaskConfig{Name: name, Priority: prio, Policy: policy})
	if err != nil {
		t.Fatalf("Spawn(%s): %v", name, err)
	}
	return id
}

func spawnPinned(t *testing.T, k *Kernel, name string, prio, cpu int) TaskID {
	t.Helper()
	id, err := k.Spawn(TaskConfig{Name: name, Priority: prio, Pinned: true, CPU: cpu})
	if err != nil {
		t.Fatalf("Spawn(%s): %v", name, err)
	}
	return id
}

// waitState polls until the task reaches state; goroutines running task
// code park asynchronously.
func waitState(t *testing.T, k *Kernel, id TaskID, state TaskState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if k.State(id) == state {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("task %d state = %s, want %s", id, k.State(id), state)
}

func recvErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("blocking call did not return")
		return nil
	}
}

func expectNoResult(t *testing.T, ch <-chan error) {
	t.Helper()
	select {
	case err := <-ch:
		t.Fatalf("blocking call returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
}

func checkInvariants(t *testing.T, k *Kernel) {
	t.Helper()
	if err := k.CheckInvariants(); err != nil {
		t.Fatalf("CheckInvariants: %v", err)
	}
}

func equalIDs(a, b []TaskID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (k *Kernel) locked(fn func()) {
	k.mu.Lock()
	defer k.mu.Unlock()
	fn()
}
