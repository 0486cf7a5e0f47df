package ir

import "encoding/json"

// Predicate is a sealed interface over condition expression nodes.
// Conditions are data, never free text, so they can be validated before
// anything is generated.
type Predicate interface {
	predicateNode() // Sealed
}

// CompareOp is a comparison operator.
type CompareOp string

const (
	OpEq CompareOp = "eq"
	OpNe CompareOp = "ne"
	OpLt CompareOp = "lt"
	OpLe CompareOp = "le"
	OpGt CompareOp = "gt"
	OpGe CompareOp = "ge"
	OpIn CompareOp = "in"
)

// ValidCompareOps is the set of allowed comparison operators.
var ValidCompareOps = map[CompareOp]bool{
	OpEq: true, OpNe: true, OpLt: true, OpLe: true, OpGt: true, OpGe: true, OpIn: true,
}

// Compare compares an attribute to a literal. For OpIn, Value must be an
// IRArray and the predicate holds when the attribute equals any element.
// An array attribute (a MultiLabel draw) holds when any of its elements is
// listed.
type Compare struct {
	Attr  string    `json:"attr"`
	Op    CompareOp `json:"op"`
	Value IRValue   `json:"value"`
}

func (Compare) predicateNode() {}

// Exists holds when the attribute is present.
type Exists struct {
	Attr string `json:"exists"`
}

func (Exists) predicateNode() {}

// And holds when every child holds. An empty And holds.
type And struct {
	Predicates []Predicate `json:"all"`
}

func (And) predicateNode() {}

// Or holds when any child holds. An empty Or does not hold.
type Or struct {
	Predicates []Predicate `json:"any"`
}

func (Or) predicateNode() {}

// Not negates its child.
type Not struct {
	Predicate Predicate `json:"not"`
}

func (Not) predicateNode() {}

// EventState holds when the named event of the same journey has resolved
// to State. It is only meaningful in event template conditions.
type EventState struct {
	Event string      `json:"event"`
	State EventStatus `json:"state"`
}

func (EventState) predicateNode() {}

// MarshalPredicate encodes p in the same shape the compiler accepts.
func MarshalPredicate(p Predicate) ([]byte, error) {
	switch v := p.(type) {
	case nil:
		return []byte("null"), nil
	case Compare:
		val, err := MarshalIRValue(orNull(v.Value))
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			Attr  string          `json:"attr"`
			Op    CompareOp       `json:"op"`
			Value json.RawMessage `json:"value"`
		}{v.Attr, v.Op, val})
	case And:
		return marshalPredicateList("all", v.Predicates)
	case Or:
		return marshalPredicateList("any", v.Predicates)
	case Not:
		inner, err := MarshalPredicate(v.Predicate)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]json.RawMessage{"not": inner})
	default:
		return json.Marshal(v)
	}
}

func marshalPredicateList(key string, ps []Predicate) ([]byte, error) {
	items := make([]json.RawMessage, 0, len(ps))
	for _, p := range ps {
		b, err := MarshalPredicate(p)
		if err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	return json.Marshal(map[string][]json.RawMessage{key: items})
}

func orNull(v IRValue) IRValue {
	if v == nil {
		return IRNull{}
	}
	return v
}
