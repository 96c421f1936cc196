// internal/sched/events.go

package sched

import (
	"time"
)

// EventKind represents the type of scheduler event
type EventKind int

const (
	EventEnqueue EventKind = iota
	EventDispatch
	EventPreempt
	EventBlock
	EventUnblock
	EventTimeout
	EventPriority
	EventMigrate
	EventCPUOffline
	EventCPUOnline
	EventExit
	EventCatchUp
)

// Event is emitted on key scheduling actions.
type Event struct {
	Time     time.Time
	Tick     uint64
	Kind     EventKind
	CPU      int
	TaskID   TaskID
	Priority int
	State    TaskState
	Ticks    uint64 // EventCatchUp: logical ticks processed for one interrupt
}

func (ek EventKind) String() string {
	switch ek {
	case EventEnqueue:
		return "Enqueued"
	case EventDispatch:
		return "Dispatch"
	case EventPreempt:
		return "Preempt"
	case EventBlock:
		return "Block"
	case EventUnblock:
		return "Unblock"
	case EventTimeout:
		return "Timeout"
	case EventPriority:
		return "Priority"
	case EventMigrate:
		return "Migrate"
	case EventCPUOffline:
		return "CPUOffline"
	case EventCPUOnline:
		return "CPUOnline"
	case EventExit:
		return "Exit"
	case EventCatchUp:
		return "CatchUp"
	default:
		return "Unknown"
	}
}

// Events exposes the read-only event stream. It is nil when the kernel was
// configured with EventBuffer 0.
func (k *Kernel) Events() <-chan Event { return k.events }

// Dropped returns how many events were discarded because nobody drained
// the stream fast enough.
func (k *Kernel) Dropped() uint64 { return k.dropped.Load() }

// emit never blocks: it runs inside the critical section, often in
// interrupt context.
func (k *Kernel) emit(kind EventKind, t *TCB, cpu int) {
	if k.events == nil {
		return
	}
	k.send(k.newEvent(kind, t, cpu))
}

func (k *Kernel) newEvent(kind EventKind, t *TCB, cpu int) Event {
	ev := Event{
		Time:   time.Now(),
		Tick:   k.clock.Ticks(),
		Kind:   kind,
		CPU:    cpu,
		TaskID: NoTask,
	}
	if t != nil {
		ev.TaskID = t.id
		ev.Priority = t.priority
		ev.State = t.state
	}
	return ev
}

func (k *Kernel) send(ev Event) {
	if k.events == nil {
		return
	}
	select {
	case k.events <- ev:
	default:
		k.dropped.Add(1)
	}
}
