// Package arch provides the host stand-in for the architecture
// context-switch layer: it keeps per-core bookkeeping of which task the
// scheduler handed each core, instead of saving and restoring registers.
package arch

import (
	"log/slog"
	"sync"

	"ticksched/internal/logging"
	"ticksched/internal/sched"
)

// Switch records one context switch.
type Switch struct {
	CPU  int
	From sched.TaskID
	To   sched.TaskID
}

// Host implements sched.Arch.
type Host struct {
	mu       sync.Mutex
	logger   *slog.Logger
	current  []sched.TaskID
	switches []uint64
	history  []Switch
	keep     int
}

// NewHost creates the bookkeeping for cpus cores; the first keep switches
// are retained for inspection.
func NewHost(cpus, keep int, logger *slog.Logger) *Host {
	h := &Host{
		logger:   logging.Component(logger, "arch"),
		current:  make([]sched.TaskID, cpus),
		switches: make([]uint64, cpus),
		keep:     keep,
	}
	for cpu := range h.current {
		// Cores boot on their idle task, which takes the id of the core.
		h.current[cpu] = sched.TaskID(cpu)
	}
	return h
}

// SwitchContext saves nothing and restores nothing: the goroutine behind
// each task parks and resumes on its own. It only records the handover.
func (h *Host) SwitchContext(cpu int, from, to sched.TaskID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cpu < 0 || cpu >= len(h.current) {
		h.logger.Error("switch on unknown cpu", "cpu", cpu)
		return
	}
	if h.current[cpu] != from {
		h.logger.Warn("switch from a task the core was not running",
			"cpu", cpu, "expected", h.current[cpu], "from", from)
	}
	h.current[cpu] = to
	h.switches[cpu]++
	if len(h.history) < h.keep {
		h.history = append(h.history, Switch{CPU: cpu, From: from, To: to})
	}
}

// Current returns the task last switched to on cpu.
func (h *Host) Current(cpu int) sched.TaskID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current[cpu]
}

// Switches returns how many context switches cpu performed.
func (h *Host) Switches(cpu int) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.switches[cpu]
}

// Total returns the context switches over all cores.
func (h *Host) Total() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var n uint64
	for _, s := range h.switches {
		n += s
	}
	return n
}

// History returns the retained switches in order.
func (h *Host) History() []Switch {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Switch(nil), h.history...)
}
