package coordinator

import (
	"errors"
	"fmt"
	"strings"
)

// Warnings are returned in Result.Warnings. They implement error so callers
// can inspect them with errors.As, but a warning never fails a call: every
// event resolved before it was raised is kept.

// TriggerDepthExceeded reports that propagation stopped at the depth limit
// during one ExecuteCoordinated invocation.
//
// The events in Pending matched a rule but were left unfired. A later
// invocation starts them again at depth zero, so expansion of a rule cycle
// advances by at most Limit generations per invocation and never loops.
type TriggerDepthExceeded struct {
	CoreID  string
	Limit   int
	Pending []string // source event IDs left unfired
}

// Error implements the error interface.
func (e *TriggerDepthExceeded) Error() string {
	return fmt.Sprintf("linked entity %s: trigger propagation stopped at depth %d with %d event(s) unfired",
		e.CoreID, e.Limit, len(e.Pending))
}

// IsTriggerDepthExceeded reports whether err is a TriggerDepthExceeded.
// Uses errors.As to handle wrapped errors.
func IsTriggerDepthExceeded(err error) bool {
	var de *TriggerDepthExceeded
	return errors.As(err, &de)
}

// UnlinkedTarget reports a rule whose target domain is not linked to the
// entity. The rule is skipped for that entity.
type UnlinkedTarget struct {
	CoreID        string
	RuleID        string
	Domain        string
	SourceEventID string
}

// Error implements the error interface.
func (e *UnlinkedTarget) Error() string {
	return fmt.Sprintf("linked entity %s: rule %s targets domain %q, which is not linked",
		e.CoreID, e.RuleID, e.Domain)
}

// RuleCycle is a static warning: the rules in Path can trigger each other
// indefinitely. Path is closed, e.g. [clinical.dx claims.claim clinical.dx].
type RuleCycle struct {
	Path []string
}

// Error implements the error interface.
func (e *RuleCycle) Error() string {
	return fmt.Sprintf("trigger rules form a cycle: %s", strings.Join(e.Path, " -> "))
}
