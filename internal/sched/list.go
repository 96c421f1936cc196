package sched

import (
	"github.com/emirpasic/gods/trees/redblacktree"
)

// listKey orders a scheduling list: higher priority first, then by
// insertion sequence. Tail inserts take increasing positive sequence
// numbers, head-of-band inserts take decreasing negative ones.
type listKey struct {
	prio int
	seq  int64
}

func cmpListKey(a, b any) int {
	ka, kb := a.(listKey), b.(listKey)
	switch {
	case ka.prio > kb.prio:
		return -1
	case ka.prio < kb.prio:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}

// taskList is one priority-ordered scheduling list: the ready list, a
// core's assigned list, a semaphore's waiters or the sleepers.
type taskList struct {
	name string
	rbt  *redblacktree.Tree
}

func newTaskList(name string) *taskList {
	return &taskList{name: name, rbt: redblacktree.NewWith(cmpListKey)}
}

func (l *taskList) head() *TCB {
	n := l.rbt.Left()
	if n == nil {
		return nil
	}
	return n.Value.(*TCB)
}

// second returns the task right behind the head.
func (l *taskList) second() *TCB {
	it := l.rbt.Iterator()
	if !it.Next() || !it.Next() {
		return nil
	}
	return it.Value().(*TCB)
}

func (l *taskList) len() int { return l.rbt.Size() }

// find returns the first task, in list order, accepted by fn.
func (l *taskList) find(fn func(*TCB) bool) *TCB {
	it := l.rbt.Iterator()
	for it.Next() {
		t := it.Value().(*TCB)
		if fn(t) {
			return t
		}
	}
	return nil
}

func (l *taskList) tasks() []*TCB {
	out := make([]*TCB, 0, l.rbt.Size())
	it := l.rbt.Iterator()
	for it.Next() {
		out = append(out, it.Value().(*TCB))
	}
	return out
}

func (l *taskList) ids() []TaskID {
	out := make([]TaskID, 0, l.rbt.Size())
	it := l.rbt.Iterator()
	for it.Next() {
		out = append(out, it.Value().(*TCB).id)
	}
	return out
}

// listAdd inserts t into l behind every task of equal or higher priority,
// or, with front set, ahead of the tasks sharing its priority.
func (k *Kernel) listAdd(l *taskList, t *TCB, front bool) {
	k.assert(t.list == nil, t, "insert into %s while on %s", l.name, listName(t.list))
	if front {
		k.frontSeq--
		t.key = listKey{prio: t.priority, seq: k.frontSeq}
	} else {
		k.seq++
		t.key = listKey{prio: t.priority, seq: k.seq}
	}
	l.rbt.Put(t.key, t)
	t.list = l
}

// listRemove takes t off l. Removing a task from a list it is not on is an
// invariant violation.
func (k *Kernel) listRemove(l *taskList, t *TCB) {
	k.assert(t.list == l, t, "remove from %s while on %s", l.name, listName(t.list))
	l.rbt.Remove(t.key)
	t.list = nil
}

func listName(l *taskList) string {
	if l == nil {
		return "no list"
	}
	return l.name
}
