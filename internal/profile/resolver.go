package profile

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/cohortgen/internal/ir"
)

// ErrUnknownReferenceKey is returned by StaticResolver for keys it does not
// hold.
var ErrUnknownReferenceKey = errors.New("unknown reference key")

// Baseline maps attribute names to reference-derived descriptors. Fixed
// reference values are ir.Fixed descriptors.
type Baseline map[string]ir.Distribution

// Names returns the baseline's attribute names in sorted order.
func (b Baseline) Names() []string {
	names := make([]string, 0, len(b))
	for n := range b {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolver supplies reference statistics for a lookup key such as a
// geography code. It is the only outside collaborator the executor calls,
// and it is called once per execution. Retrying is the resolver's business.
type Resolver interface {
	Resolve(ctx context.Context, key string) (Baseline, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, key string) (Baseline, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(ctx context.Context, key string) (Baseline, error) {
	return f(ctx, key)
}

// StaticResolver serves baselines from memory, e.g. reference tables
// compiled from spec files.
type StaticResolver map[string]Baseline

// Resolve implements Resolver.
func (r StaticResolver) Resolve(_ context.Context, key string) (Baseline, error) {
	b, ok := r[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownReferenceKey, key)
	}
	return b, nil
}

// NewStaticResolver builds a StaticResolver from compiled reference tables.
func NewStaticResolver(tables []ir.ReferenceTable) StaticResolver {
	r := make(StaticResolver, len(tables))
	for _, t := range tables {
		b := make(Baseline, len(t.Attributes))
		for _, a := range t.Attributes {
			b[a.Name] = a.Distribution
		}
		r[t.Key] = b
	}
	return r
}
