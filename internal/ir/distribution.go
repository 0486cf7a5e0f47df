package ir

import (
	"encoding/json"
)

// DistributionKind tags a distribution descriptor variant.
type DistributionKind string

const (
	KindCategorical DistributionKind = "categorical"
	KindNormal      DistributionKind = "normal"
	KindLogNormal   DistributionKind = "lognormal"
	KindUniform     DistributionKind = "uniform"
	KindAgeBand     DistributionKind = "age_band"
	KindExplicit    DistributionKind = "explicit"
	KindConditional DistributionKind = "conditional"
	KindMultiLabel  DistributionKind = "multi_label"
)

// Distribution is a sealed interface over distribution descriptors.
// Descriptors are immutable once constructed; samplers never modify them.
type Distribution interface {
	distribution() // Sealed
	Kind() DistributionKind
}

// WeightedLabel is one option of a Categorical distribution.
type WeightedLabel struct {
	Label  string  `json:"label"`
	Weight float64 `json:"weight"`
}

// Categorical selects a label with probability proportional to its weight.
// Weights need not sum to 1 but must be non-negative with a positive sum.
// Options keep declaration order so inverse-CDF selection is deterministic.
type Categorical struct {
	Options []WeightedLabel `json:"options"`
}

func (Categorical) distribution() {}
func (Categorical) Kind() DistributionKind { return KindCategorical }

// Normal samples a Gaussian, clamped to [Min, Max] after sampling.
// Integer rounds the clamped sample to the nearest integer.
type Normal struct {
	Mean    float64  `json:"mean"`
	StdDev  float64  `json:"std"`
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
	Integer bool     `json:"integer,omitempty"`
}

func (Normal) distribution() {}
func (Normal) Kind() DistributionKind { return KindNormal }

// LogNormal samples exp(N(Mean, Sigma)); Mean and Sigma describe the
// underlying normal. Clamping works as for Normal.
type LogNormal struct {
	Mean    float64  `json:"mean"`
	Sigma   float64  `json:"sigma"`
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
	Integer bool     `json:"integer,omitempty"`
}

func (LogNormal) distribution() {}
func (LogNormal) Kind() DistributionKind { return KindLogNormal }

// Uniform samples in [Min, Max) for continuous values, or in [Min, Max]
// inclusive when Integer is set.
type Uniform struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Integer bool    `json:"integer,omitempty"`
}

func (Uniform) distribution() {}
func (Uniform) Kind() DistributionKind { return KindUniform }

// Band is one age band: a weight and a half-open integer range [Lower, Upper).
type Band struct {
	Lower  int64   `json:"lower"`
	Upper  int64   `json:"upper"`
	Weight float64 `json:"weight"`
}

// AgeBand selects a band by weight, then an integer uniformly within it.
type AgeBand struct {
	Bands []Band `json:"bands"`
}

func (AgeBand) distribution() {}
func (AgeBand) Kind() DistributionKind { return KindAgeBand }

// Explicit picks from a fixed list of values. With ByIndex the entity index
// selects the value (index mod len), otherwise the seed does.
type Explicit struct {
	Values  []IRValue `json:"values"`
	ByIndex bool      `json:"by_index,omitempty"`
}

func (Explicit) distribution() {}
func (Explicit) Kind() DistributionKind { return KindExplicit }

// Fixed returns an Explicit descriptor that always yields v.
func Fixed(v IRValue) Explicit {
	return Explicit{Values: []IRValue{v}}
}

// Branch is one arm of a Conditional distribution.
type Branch struct {
	When Predicate    `json:"when"`
	Then Distribution `json:"then"`
}

// Conditional evaluates branch predicates against already-sampled
// attributes in declaration order. The first match wins; Fallback applies
// when nothing matches.
type Conditional struct {
	Branches []Branch     `json:"branches"`
	Fallback Distribution `json:"fallback,omitempty"`
}

func (Conditional) distribution() {}
func (Conditional) Kind() DistributionKind { return KindConditional }

// LabelProbability is one independently drawn label of a MultiLabel.
type LabelProbability struct {
	Label       string  `json:"label"`
	Probability float64 `json:"probability"`
}

// MultiLabel includes each label independently with its probability and
// yields the included labels as an IRArray in declaration order. It models
// composite attributes such as a comorbidity list.
type MultiLabel struct {
	Options []LabelProbability `json:"options"`
}

func (MultiLabel) distribution() {}
func (MultiLabel) Kind() DistributionKind { return KindMultiLabel }

// MarshalDistribution encodes d in its tagged form, e.g.
// {"normal":{"mean":50,"std":10}}.
func MarshalDistribution(d Distribution) ([]byte, error) {
	if d == nil {
		return []byte("null"), nil
	}
	return json.Marshal(map[string]any{string(d.Kind()): distributionBody(d)})
}

func distributionBody(d Distribution) any {
	switch v := d.(type) {
	case Conditional:
		branches := make([]map[string]json.RawMessage, 0, len(v.Branches))
		for _, b := range v.Branches {
			when, _ := MarshalPredicate(b.When)
			then, _ := MarshalDistribution(b.Then)
			branches = append(branches, map[string]json.RawMessage{"when": when, "then": then})
		}
		body := map[string]any{"branches": branches}
		if v.Fallback != nil {
			fb, _ := MarshalDistribution(v.Fallback)
			body["fallback"] = json.RawMessage(fb)
		}
		return body
	case Explicit:
		return struct {
			Values  IRArray `json:"values"`
			ByIndex bool    `json:"by_index,omitempty"`
		}{IRArray(v.Values), v.ByIndex}
	default:
		return v
	}
}

// Attributes is an ordered list of named attribute descriptors.
type Attributes []AttributeSpec

// AttributeSpec declares one attribute of a population.
type AttributeSpec struct {
	Name         string       `json:"name"`
	Distribution Distribution `json:"-"`
}

// MarshalJSON implements json.Marshaler for AttributeSpec.
func (a AttributeSpec) MarshalJSON() ([]byte, error) {
	dist, err := MarshalDistribution(a.Distribution)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Name         string          `json:"name"`
		Distribution json.RawMessage `json:"distribution"`
	}{a.Name, dist})
}

// Names returns attribute names in declaration order.
func (as Attributes) Names() []string {
	names := make([]string, len(as))
	for i, a := range as {
		names[i] = a.Name
	}
	return names
}
