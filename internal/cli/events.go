package cli

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"ticksched/internal/sched"
)

// eventSink prints scheduler events and optionally records them as CSV.
type eventSink struct {
	out       io.Writer
	quiet     bool
	runID     string
	csvFile   *os.File
	csvWriter *csv.Writer
	seen      uint64
}

func newEventSink(out io.Writer, quiet bool, runID, csvPath string) (*eventSink, error) {
	s := &eventSink{out: out, quiet: quiet, runID: runID}
	if csvPath == "" {
		return s, nil
	}
	f, err := os.Create(csvPath)
	if err != nil {
		return nil, fmt.Errorf("create event log: %w", err)
	}
	w := csv.NewWriter(f)

	// write header
	if err := w.Write([]string{"run_id", "timestamp", "tick", "event", "cpu", "task_id", "priority", "state", "ticks"}); err != nil {
		f.Close()
		return nil, fmt.Errorf("write event log header: %w", err)
	}
	s.csvFile = f
	s.csvWriter = w
	return s, nil
}

// center pads str on both sides to width.
func center(str string, width int) string {
	if len(str) >= width {
		return str
	}
	spaces := (width - len(str)) / 2
	return strings.Repeat(" ", spaces) + str + strings.Repeat(" ", width-(spaces+len(str)))
}

func (s *eventSink) handle(ev sched.Event) error {
	s.seen++
	if !s.quiet {
		cpu := "-"
		if ev.CPU != sched.NoCPU {
			cpu = strconv.Itoa(ev.CPU)
		}
		msg := fmt.Sprintf("%s = Tick: %07d [%s] => CPU: %s, Task: %04d, prio=%03d, state=%s",
			ev.Time.Format("Jan 02 15:04:05.000"),
			ev.Tick,
			center(ev.Kind.String(), 12),
			cpu,
			ev.TaskID,
			ev.Priority,
			ev.State,
		)
		if ev.Kind == sched.EventCatchUp {
			msg += fmt.Sprintf(", caught up %d ticks", ev.Ticks)
		}
		fmt.Fprintln(s.out, msg)
	}

	if s.csvWriter == nil {
		return nil
	}
	rec := []string{
		s.runID,
		ev.Time.Format(time.RFC3339Nano),
		strconv.FormatUint(ev.Tick, 10),
		ev.Kind.String(),
		strconv.Itoa(ev.CPU),
		strconv.Itoa(int(ev.TaskID)),
		strconv.Itoa(ev.Priority),
		ev.State.String(),
		strconv.FormatUint(ev.Ticks, 10),
	}
	if err := s.csvWriter.Write(rec); err != nil {
		return fmt.Errorf("write event log: %w", err)
	}
	s.csvWriter.Flush()
	return s.csvWriter.Error()
}

func (s *eventSink) Close() error {
	if s.csvFile == nil {
		return nil
	}
	s.csvWriter.Flush()
	if err := s.csvWriter.Error(); err != nil {
		s.csvFile.Close()
		return err
	}
	return s.csvFile.Close()
}
