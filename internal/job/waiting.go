package job

import (
	"context"
	"errors"
	"time"

	"ticksched/internal/sched"
)

// Sleeper sleeps for d, rounds times.
func Sleeper(d time.Duration, rounds int, stats *Stats) Body {
	return func(ctx context.Context, k *sched.Kernel, self sched.TaskID) error {
		for i := 0; i < rounds; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := k.Sleep(self, d); err != nil {
				return err
			}
			stats.Sleeps.Add(1)
		}
		return nil
	}
}

// Consumer takes sem n times, giving each attempt timeout ticks. Timed out
// attempts are counted and retried.
func Consumer(sem *sched.Semaphore, timeout int64, n int, stats *Stats) Body {
	return func(ctx context.Context, k *sched.Kernel, self sched.TaskID) error {
		for taken := 0; taken < n; {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := sem.TickWait(self, k.TicksNow(), timeout)
			switch {
			case err == nil:
				taken++
				stats.Takes.Add(1)
			case errors.Is(err, sched.ErrTimedOut):
				stats.Timeouts.Add(1)
			default:
				return err
			}
		}
		return nil
	}
}
