package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/cohortgen/internal/ir"
)

// Scenario defines one cohort generation and the assertions it must meet.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Specs is the spec directory. Relative paths are resolved against the
	// scenario file's directory by LoadScenario.
	Specs string `yaml:"specs"`

	// Cohort names the cohort to generate.
	Cohort string `yaml:"cohort"`

	// Cutoff optionally replaces the cohort's cutoff (YYYY-MM-DD).
	Cutoff string `yaml:"cutoff,omitempty"`

	// MaxTriggerDepth optionally overrides the coordinator's propagation
	// depth.
	MaxTriggerDepth int `yaml:"max_trigger_depth,omitempty"`

	Assertions []Assertion `yaml:"assertions"`
}

// Assertion is one check against the generated cohort. Which fields apply
// depends on Type; see the package documentation.
type Assertion struct {
	Type string `yaml:"type"`

	// Count is an exact expectation (entity_count).
	Count *int `yaml:"count,omitempty"`

	// Min and Max bound a value or a count. Either may be omitted.
	Min *float64 `yaml:"min,omitempty"`
	Max *float64 `yaml:"max,omitempty"`

	// Where restricts entity_count to members matching a CUE predicate,
	// e.g. `{attr: "age", op: "ge", value: 65}`.
	Where string `yaml:"where,omitempty"`

	// Attr is the attribute checked by attribute_range.
	Attr string `yaml:"attr,omitempty"`

	// Event is an event reference (event_count, skip_propagates).
	Event string `yaml:"event,omitempty"`

	// Events is the expected order of event references (event_order).
	Events []string `yaml:"events,omitempty"`

	// Status restricts event_count to scheduled or skipped events.
	Status string `yaml:"status,omitempty"`

	// Journey disambiguates the template named by skip_propagates.
	Journey string `yaml:"journey,omitempty"`

	// Rule is the trigger rule ID (trigger_fired).
	Rule string `yaml:"rule,omitempty"`
}

// Assertion type constants.
const (
	AssertEntityCount    = "entity_count"
	AssertAttributeRange = "attribute_range"
	AssertEventOrder     = "event_order"
	AssertEventCount     = "event_count"
	AssertSkipPropagates = "skip_propagates"
	AssertTriggerFired   = "trigger_fired"
)

// LoadScenario reads and parses a scenario YAML file, resolving Specs
// relative to the file's directory.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	s, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	if s.Specs != "" && !filepath.IsAbs(s.Specs) {
		s.Specs = filepath.Join(filepath.Dir(path), s.Specs)
	}
	if info, err := os.Stat(s.Specs); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("invalid scenario: specs directory not found: %s", s.Specs)
	}
	return s, nil
}

// ParseScenario parses scenario YAML without touching the filesystem.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Specs == "" {
		return fmt.Errorf("specs is required")
	}
	if s.Cohort == "" {
		return fmt.Errorf("cohort is required")
	}
	if s.Cutoff != "" {
		if _, err := ir.ParseDate(s.Cutoff); err != nil {
			return fmt.Errorf("cutoff: %w", err)
		}
	}
	if s.MaxTriggerDepth < 0 {
		return fmt.Errorf("max_trigger_depth must be non-negative")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Min != nil && a.Max != nil && *a.Min > *a.Max {
		return fmt.Errorf("assertions[%d]: min %v exceeds max %v", index, *a.Min, *a.Max)
	}

	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertEntityCount:
		if a.Count == nil && a.Min == nil && a.Max == nil {
			return fmt.Errorf("assertions[%d]: count, min or max is required for entity_count", index)
		}
	case AssertAttributeRange:
		if a.Attr == "" {
			return fmt.Errorf("assertions[%d]: attr is required for attribute_range", index)
		}
		if a.Min == nil && a.Max == nil {
			return fmt.Errorf("assertions[%d]: min or max is required for attribute_range", index)
		}
	case AssertEventOrder:
		if len(a.Events) < 2 {
			return fmt.Errorf("assertions[%d]: at least two events are required for event_order", index)
		}
	case AssertEventCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for event_count", index)
		}
		if a.Min == nil && a.Max == nil {
			return fmt.Errorf("assertions[%d]: min or max is required for event_count", index)
		}
		switch ir.EventStatus(a.Status) {
		case "", ir.StatusScheduled, ir.StatusSkipped:
		default:
			return fmt.Errorf("assertions[%d]: unknown status %q", index, a.Status)
		}
	case AssertSkipPropagates:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for skip_propagates", index)
		}
	case AssertTriggerFired:
		if a.Rule == "" {
			return fmt.Errorf("assertions[%d]: rule is required for trigger_fired", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
