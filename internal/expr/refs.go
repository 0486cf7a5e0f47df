package expr

import "github.com/roach88/cohortgen/internal/ir"

// Refs lists the attributes and events p refers to, each in first-seen
// order without duplicates.
func Refs(p ir.Predicate) (attrs, events []string) {
	seenAttr := map[string]bool{}
	seenEvent := map[string]bool{}

	var walk func(ir.Predicate)
	walk = func(p ir.Predicate) {
		switch node := p.(type) {
		case ir.Compare:
			if !seenAttr[node.Attr] {
				seenAttr[node.Attr] = true
				attrs = append(attrs, node.Attr)
			}
		case ir.Exists:
			if !seenAttr[node.Attr] {
				seenAttr[node.Attr] = true
				attrs = append(attrs, node.Attr)
			}
		case ir.And:
			for _, c := range node.Predicates {
				walk(c)
			}
		case ir.Or:
			for _, c := range node.Predicates {
				walk(c)
			}
		case ir.Not:
			walk(node.Predicate)
		case ir.EventState:
			if !seenEvent[node.Event] {
				seenEvent[node.Event] = true
				events = append(events, node.Event)
			}
		}
	}
	walk(p)
	return attrs, events
}

// DistributionRefs lists the attributes a distribution's branch predicates
// refer to, including those of nested descriptors.
func DistributionRefs(d ir.Distribution) []string {
	var out []string
	seen := map[string]bool{}
	add := func(names []string) {
		for _, n := range names {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}

	var walk func(ir.Distribution)
	walk = func(d ir.Distribution) {
		c, ok := d.(ir.Conditional)
		if !ok {
			return
		}
		for _, b := range c.Branches {
			attrs, _ := Refs(b.When)
			add(attrs)
			walk(b.Then)
		}
		walk(c.Fallback)
	}
	walk(d)
	return out
}
