package sched

import "errors"

var (
	ErrWouldBlock      = errors.New("sched: would block")
	ErrTimedOut        = errors.New("sched: timed out")
	ErrNoMemory        = errors.New("sched: out of watchdogs")
	ErrInvalidArgument = errors.New("sched: invalid argument")
	ErrInvalidCPU      = errors.New("sched: invalid cpu")
	ErrNoTaskSlot      = errors.New("sched: no free task slot")
	ErrNoSuchTask      = errors.New("sched: no such task")
	ErrOverflow        = errors.New("sched: semaphore count overflow")
	ErrInterrupted     = errors.New("sched: wait interrupted")
	ErrTaskExited      = errors.New("sched: task deleted while suspended")
	ErrStopped         = errors.New("sched: kernel stopped")
)
