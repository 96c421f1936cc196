package sched

import (
	"context"
	"time"

	"ticksched/internal/clock"
)

// TickSource delivers timer interrupts and a free-running reference clock.
type TickSource interface {
	Ticks() <-chan struct{}
	Reference() time.Duration
}

// Tick processes n logical ticks. For each tick, with every core in
// interrupt context: advance the clock, fire expired watchdogs, charge the
// round-robin slices, then perform the deferred switches. One tick is
// finished before the next one starts.
func (k *Kernel) Tick(n uint64) {
	for i := uint64(0); i < n; i++ {
		k.mu.Lock()
		for cpu := range k.cpus {
			k.cpus[cpu].inIRQ++
		}

		k.clock.Advance(1)
		k.dogs.Tick()
		k.roundRobin()

		for cpu := range k.cpus {
			k.cpus[cpu].inIRQ--
		}
		k.reconcile()
		k.mu.Unlock()
	}
}

// Drive feeds interrupts from src into the tick path until ctx is done or
// src closes. With Config.Compensate set, each interrupt is worth as many
// ticks as elapsed on the reference clock.
func (k *Kernel) Drive(ctx context.Context, src TickSource) error {
	var comp *clock.Compensator
	if k.cfg.Compensate {
		comp = clock.NewCompensator(k.clock.Period(), uint64(k.cfg.MaxCompensateTicks), k.logger)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-k.stopped:
			return nil
		case _, ok := <-src.Ticks():
			if !ok {
				return nil
			}
			n := uint64(1)
			if comp != nil {
				n = comp.Delta(src.Reference())
			}
			if n > 1 {
				ev := k.newEvent(EventCatchUp, nil, NoCPU)
				ev.Ticks = n
				k.send(ev)
			}
			k.Tick(n)
		}
	}
}
