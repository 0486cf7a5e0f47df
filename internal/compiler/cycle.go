package compiler

import (
	"fmt"
	"strings"

	"github.com/roach88/cohortgen/internal/dag"
	"github.com/roach88/cohortgen/internal/ir"
)

// CycleWarning represents a potential cycle in trigger rules.
//
// Cycles are warnings, not errors, because they may be intentional:
// a claim denial that schedules a follow-up visit which produces another
// claim is a real feedback loop. The coordinator bounds it at run time
// with its propagation depth.
type CycleWarning struct {
	Path    []string `json:"path"`    // Cycle path: ["rule-a", "rule-b", "rule-a"]
	Message string   `json:"message"` // Human-readable description
	Level   string   `json:"level"`   // "warning"
}

// AnalyzeTriggerCycles performs static cycle analysis on trigger rules.
//
// Rule A precedes rule B when A's target is B's source, i.e. an event
// synthesized by A can fire B. Strongly connected components of that graph
// (Tarjan, via dag.Cycles) are reported as warnings, each as a closed path
// of rule IDs starting at the earliest declared rule.
//
// A DAG (no cycles) returns an empty warning list.
func AnalyzeTriggerCycles(rules []ir.TriggerRule) []CycleWarning {
	if len(rules) == 0 {
		return []CycleWarning{}
	}

	bySource := make(map[ir.EventRef][]string)
	for _, r := range rules {
		bySource[r.Source] = append(bySource[r.Source], r.ID)
	}

	g := dag.New()
	for _, r := range rules {
		g.AddNode(r.ID)
	}
	for _, r := range rules {
		for _, next := range bySource[r.Target] {
			g.AddEdge(r.ID, next)
		}
	}

	warnings := []CycleWarning{}
	for _, path := range g.Cycles() {
		warnings = append(warnings, cycleToWarning(path))
	}
	return warnings
}

func cycleToWarning(path []string) CycleWarning {
	if len(path) == 2 {
		return CycleWarning{
			Path:    path,
			Message: fmt.Sprintf("Self-triggering rule detected: %s → %s", path[0], path[1]),
			Level:   "warning",
		}
	}
	return CycleWarning{
		Path:    path,
		Message: fmt.Sprintf("Potential trigger cycle detected: %s", strings.Join(path, " → ")),
		Level:   "warning",
	}
}
