// Package harness runs cohort scenarios: it generates a cohort from a spec
// directory and checks assertions against the generated members.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: t2d_care_order
//	description: "Lab work follows the diagnosis"
//	specs: ../specs/t2d          # spec directory, relative to this file
//	cohort: t2d-2025
//	cutoff: "2025-06-30"         # optional override of the cohort cutoff
//	assertions:
//	  - type: entity_count
//	    count: 200
//	  - type: attribute_range
//	    attr: age
//	    min: 30
//	    max: 85
//	  - type: event_order
//	    events: [dx, a1c]
//	  - type: event_count
//	    event: claims.claim
//	    min: 1
//	  - type: skip_propagates
//	    journey: t2d-care
//	    event: eye_exam
//	  - type: trigger_fired
//	    rule: dx-claim
//
// Unknown fields are rejected so typos fail loudly.
//
// # Event references
//
// event_order, event_count and skip_propagates name events either by
// journey template ID (dx, a1c) or by "domain.type" (claims.claim), which
// also matches events synthesized by trigger rules.
//
// # Assertion Types
//
//   - entity_count: number of members, optionally only those matching a
//     `where` predicate (CUE syntax), equals count or lies in [min, max]
//   - attribute_range: every member has a numeric attr within [min, max]
//   - event_order: in every member, the first scheduled occurrence of each
//     listed event is no later than the next one's, when both are scheduled
//   - event_count: every member has between min and max matching events,
//     optionally only those with the given status
//   - skip_propagates: wherever event is skipped entirely, every event that
//     depends on it, directly or not, is skipped as well
//   - trigger_fired: the rule fired between min (default 1) and max times
//     across the cohort
//
// # Deterministic Testing
//
// Generation is seeded by the specs, and the harness fixes the run ID, so
// the same scenario always produces a byte-identical snapshot. Each run is
// also written to an in-memory store and read back, so scenarios exercise
// persistence as well.
package harness
