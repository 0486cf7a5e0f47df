package testutil

import (
	"context"
	"sync"

	"github.com/roach88/cohortgen/internal/profile"
)

// CountingResolver wraps a resolver and records every key it is asked
// for, so tests can check how often reference data is fetched.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type CountingResolver struct {
	next profile.Resolver

	mu   sync.Mutex
	keys []string
}

// NewCountingResolver wraps next.
func NewCountingResolver(next profile.Resolver) *CountingResolver {
	return &CountingResolver{next: next}
}

// Resolve implements profile.Resolver.
func (r *CountingResolver) Resolve(ctx context.Context, key string) (profile.Baseline, error) {
	r.mu.Lock()
	r.keys = append(r.keys, key)
	r.mu.Unlock()
	return r.next.Resolve(ctx, key)
}

// Calls returns the number of Resolve calls so far.
func (r *CountingResolver) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

// Keys returns the requested keys in call order.
func (r *CountingResolver) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...)
}

// Reset forgets all recorded calls.
func (r *CountingResolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = nil
}
