// Package job holds demo task bodies for the simulator. Each body runs on
// its own goroutine on behalf of one kernel task and only touches the
// kernel through its blocking calls.
package job

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"ticksched/internal/sched"
)

// Body is the code of one task.
type Body func(ctx context.Context, k *sched.Kernel, self sched.TaskID) error

// Stats counts what the demo tasks did.
type Stats struct {
	Posts    atomic.Uint64
	Takes    atomic.Uint64
	Timeouts atomic.Uint64
	Sleeps   atomic.Uint64
	Yields   atomic.Uint64
}

// Run executes body for task self and deletes the task when the body
// returns. A stopped kernel is a normal way for a body to end.
func Run(ctx context.Context, k *sched.Kernel, self sched.TaskID, body Body) error {
	err := body(ctx, k, self)
	if delErr := k.DeleteTask(self); delErr != nil && !errors.Is(delErr, sched.ErrNoSuchTask) {
		return fmt.Errorf("exit task %d: %w", self, delErr)
	}
	switch {
	case err == nil, errors.Is(err, sched.ErrStopped), errors.Is(err, sched.ErrTaskExited):
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil
	default:
		return fmt.Errorf("task %d: %w", self, err)
	}
}

// Spinner burns its rounds cooperatively, yielding to equal-priority
// peers after each one.
func Spinner(rounds int, stats *Stats) Body {
	return func(ctx context.Context, k *sched.Kernel, self sched.TaskID) error {
		for i := 0; i < rounds; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := k.Checkpoint(self); err != nil {
				return err
			}
			if err := k.Yield(self); err != nil {
				return err
			}
			stats.Yields.Add(1)
		}
		return nil
	}
}

// Producer posts sem once every interval ticks, n times.
func Producer(sem *sched.Semaphore, interval int64, n int, stats *Stats) Body {
	return func(ctx context.Context, k *sched.Kernel, self sched.TaskID) error {
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := k.SleepTicks(self, interval); err != nil {
				return err
			}
			if err := sem.Post(); err != nil {
				return err
			}
			stats.Posts.Add(1)
		}
		return nil
	}
}
