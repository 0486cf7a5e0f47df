package coordinator

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/cohortgen/internal/ir"
)

func TestFiringLedger(t *testing.T) {
	l := NewFiringLedger()

	assert.False(t, l.Has("e1"))
	l.Record("e1")
	l.Record("e1")

	assert.True(t, l.Has("e1"))
	assert.False(t, l.Has("e2"))
	assert.Equal(t, 1, l.Size())
}

func TestFiringLedger_ThreadSafe(t *testing.T) {
	l := NewFiringLedger()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("e%d", i)
			l.Record(id)
			assert.True(t, l.Has(id))
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, l.Size())
}

func TestClock_AdvanceTo(t *testing.T) {
	c := NewClockAt(0)

	assert.Equal(t, int64(1), c.Next())
	c.AdvanceTo(10)
	assert.Equal(t, int64(11), c.Next())
	c.AdvanceTo(3)
	assert.Equal(t, int64(12), c.Next(), "never moves backwards")
	c.AdvanceTo(12)
	assert.Equal(t, int64(13), c.Next(), "advancing to the last issued value is a no-op")
}

func TestWorklistFIFO(t *testing.T) {
	var w worklist
	w.push(pending{event: ir.TimelineEvent{ID: "a"}})
	w.push(pending{event: ir.TimelineEvent{ID: "b"}, depth: 1})
	assert.Equal(t, 2, w.len())

	p, ok := w.pop()
	assert.True(t, ok)
	assert.Equal(t, "a", p.event.ID)

	p, ok = w.pop()
	assert.True(t, ok)
	assert.Equal(t, "b", p.event.ID)
	assert.Equal(t, 1, p.depth)

	_, ok = w.pop()
	assert.False(t, ok)
	assert.Equal(t, 0, w.len())
}
