package coordinator

import "sync"

// FiringLedger records which source events have already been processed
// for triggering on one linked entity.
//
// An event is recorded once every rule matching it has been applied (or
// found not to hold). Recording is what makes ExecuteCoordinated
// idempotent: re-invoking with the same or a later cutoff skips recorded
// events, so no firing is ever repeated.
//
// CRITICAL DISTINCTION from the depth limit:
//   - Ledger: "Has this event already fired?" (persists across invocations)
//   - Depth limit: "How far has this invocation propagated?" (per invocation)
//
// Events left unfired at the depth limit are NOT recorded, so a later
// invocation picks them up.
type FiringLedger struct {
	mu    sync.Mutex
	fired map[string]bool
}

// NewFiringLedger creates an empty ledger.
func NewFiringLedger() *FiringLedger {
	return &FiringLedger{fired: make(map[string]bool)}
}

// Has reports whether eventID has been recorded.
//
// Thread-safe: Can be called concurrently.
func (l *FiringLedger) Has(eventID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fired[eventID]
}

// Record marks eventID as fired.
//
// Thread-safe: Can be called concurrently.
func (l *FiringLedger) Record(eventID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fired[eventID] = true
}

// Size returns the number of recorded events.
func (l *FiringLedger) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fired)
}
