package coordinator

import "github.com/roach88/cohortgen/internal/ir"

// pending is a scheduled event waiting to be checked against the rules,
// with the propagation depth at which it entered this invocation.
type pending struct {
	event ir.TimelineEvent
	depth int
}

// worklist is the FIFO frontier of one ExecuteCoordinated invocation.
//
// Seed events are pushed in (date, domain, seq, id) order and synthesized
// events are appended as they are created, so processing is breadth-first
// by depth and fully determined by the inputs. It is only used under the
// linked entity's lock and needs no locking of its own.
type worklist struct {
	items []pending
}

func (w *worklist) push(p pending) {
	w.items = append(w.items, p)
}

func (w *worklist) pop() (pending, bool) {
	if len(w.items) == 0 {
		return pending{}, false
	}
	p := w.items[0]

	// Clear the slot so the backing array does not pin event params.
	w.items[0] = pending{}
	if len(w.items) == 1 {
		w.items = w.items[:0]
	} else {
		w.items = w.items[1:]
	}
	return p, true
}

func (w *worklist) len() int {
	return len(w.items)
}
