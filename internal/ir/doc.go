// Package ir provides the foundation types for cohortgen.
//
// This package contains type definitions only: values, distribution
// descriptors, predicate trees, specs, entities and timelines, plus the
// canonical JSON and content-hash helpers shared by every other package.
// All other internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Sealed interfaces (IRValue, Distribution, Predicate) so every switch
//     over a variant is exhaustive by construction
//   - All JSON tags use snake_case
//   - Dates are calendar days at midnight UTC
//   - Event IDs are content-addressed, never random
package ir
