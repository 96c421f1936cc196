package job

import (
	"context"
	"testing"
	"time"

	"ticksched/internal/logging"
	"ticksched/internal/sched"
)

func newKernel(t *testing.T) *sched.Kernel {
	t.Helper()
	cfg := sched.DefaultConfig()
	cfg.EventBuffer = 0
	k := sched.New(cfg, nil, logging.Discard())
	t.Cleanup(k.Stop)
	return k
}

func start(t *testing.T, k *sched.Kernel, prio int, policy sched.Policy, body Body) <-chan error {
	t.Helper()
	id, err := k.Spawn(sched.TaskConfig{Priority: prio, Policy: policy})
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- Run(context.Background(), k, id, body) }()
	return done
}

// tickUntil advances the kernel until every channel delivered.
func tickUntil(t *testing.T, k *sched.Kernel, chans ...<-chan error) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for _, ch := range chans {
		for finished := false; !finished; {
			select {
			case err := <-ch:
				if err != nil {
					t.Fatalf("job: %v", err)
				}
				finished = true
			default:
				if time.Now().After(deadline) {
					t.Fatal("jobs did not finish")
				}
				k.Tick(1)
				time.Sleep(time.Millisecond)
			}
		}
	}
}

func TestProducerConsumer(t *testing.T) {
	k := newKernel(t)
	sem, err := k.NewSemaphore("items", 0)
	if err != nil {
		t.Fatal(err)
	}
	var stats Stats

	consumer := start(t, k, 20, sched.PolicyFIFO, Consumer(sem, 50, 3, &stats))
	producer := start(t, k, 10, sched.PolicyFIFO, Producer(sem, 2, 3, &stats))
	tickUntil(t, k, consumer, producer)

	if stats.Posts.Load() != 3 || stats.Takes.Load() != 3 {
		t.Errorf("posts %d takes %d", stats.Posts.Load(), stats.Takes.Load())
	}
	if sem.Value() != 0 {
		t.Errorf("Value = %d", sem.Value())
	}
	if k.WatchdogsInUse() != 0 {
		t.Errorf("%d watchdogs leaked", k.WatchdogsInUse())
	}
}

func TestConsumerCountsTimeouts(t *testing.T) {
	k := newKernel(t)
	sem, _ := k.NewSemaphore("late", 0)
	var stats Stats

	consumer := start(t, k, 20, sched.PolicyFIFO, Consumer(sem, 2, 1, &stats))
	producer := start(t, k, 10, sched.PolicyFIFO, Producer(sem, 7, 1, &stats))
	tickUntil(t, k, consumer, producer)

	if stats.Timeouts.Load() == 0 || stats.Takes.Load() != 1 {
		t.Errorf("timeouts %d takes %d", stats.Timeouts.Load(), stats.Takes.Load())
	}
}

func TestSpinnersAlternate(t *testing.T) {
	k := newKernel(t)
	var stats Stats

	a := start(t, k, 10, sched.PolicyRR, Spinner(5, &stats))
	b := start(t, k, 10, sched.PolicyRR, Spinner(5, &stats))
	tickUntil(t, k, a, b)

	if stats.Yields.Load() != 10 {
		t.Errorf("Yields = %d, want 10", stats.Yields.Load())
	}
	if got := k.ReadyList(); len(got) != 1 || got[0] != k.Idle(0) {
		t.Errorf("ReadyList = %v, want only idle", got)
	}
}

func TestSleeper(t *testing.T) {
	k := newKernel(t)
	var stats Stats

	done := start(t, k, 5, sched.PolicyFIFO, Sleeper(25*time.Millisecond, 2, &stats))
	tickUntil(t, k, done)
	if stats.Sleeps.Load() != 2 {
		t.Errorf("Sleeps = %d", stats.Sleeps.Load())
	}
	if k.TicksNow() < 6 {
		t.Errorf("two 3-tick sleeps finished after %d ticks", k.TicksNow())
	}
}

func TestRunIgnoresStop(t *testing.T) {
	k := newKernel(t)
	sem, _ := k.NewSemaphore("never", 0)
	var stats Stats

	done := start(t, k, 10, sched.PolicyFIFO, Consumer(sem, 1000, 1, &stats))
	time.Sleep(10 * time.Millisecond)
	k.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run after Stop = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not return after Stop")
	}
}
