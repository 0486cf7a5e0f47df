package coordinator

import "sync/atomic"

// Clock is a monotonic logical clock stamping synthesized events.
//
// Timeline order breaks same-day ties by seq, so synthesized events must
// never reuse a seq already present on the entity. A linked entity's clock
// is advanced past every attached event before it stamps anything.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClockAt creates a clock whose next value is start+1.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// AdvanceTo moves the clock forward so the next value exceeds seq.
// It never moves the clock backwards.
func (c *Clock) AdvanceTo(seq int64) {
	for {
		cur := c.seq.Load()
		if cur >= seq || c.seq.CompareAndSwap(cur, seq) {
			return
		}
	}
}
