package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/cohortgen/internal/ir"
)

// marshalObject converts IRObject to canonical JSON TEXT for storage.
// Uses RFC 8785 canonical JSON so json_extract sees the same values the
// generator produced.
func marshalObject(obj ir.IRObject) (string, error) {
	if obj == nil {
		return "{}", nil
	}
	data, err := ir.MarshalCanonical(obj)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// unmarshalObject parses canonical JSON TEXT to IRObject.
// Uses ir.IRObject.UnmarshalJSON which properly handles large integers via json.Number
// to avoid float64 precision loss for values > 2^53.
func unmarshalObject(data string) (ir.IRObject, error) {
	if data == "" || data == "{}" {
		return ir.IRObject{}, nil
	}
	var obj ir.IRObject
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// marshalStringList encodes a string list; nil encodes as [].
func marshalStringList(ss []string) (string, error) {
	if ss == nil {
		ss = []string{}
	}
	data, err := json.Marshal(ss)
	return string(data), err
}

// marshalStringMap encodes a string map. encoding/json sorts map keys,
// which is all the canonical form needs for plain strings.
func marshalStringMap[V ~string](m map[string]V) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	return string(data), err
}

func unmarshalStringList(data string) ([]string, error) {
	out := []string{}
	if data == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func unmarshalStringMap(data string) (map[string]string, error) {
	out := map[string]string{}
	if data == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func formatDate(t time.Time) string {
	return t.Format(ir.DateLayout)
}

// formatOptionalDate maps the zero date of skipped events to NULL.
func formatOptionalDate(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatDate(t)
}

// marshalCohort stores the cohort definition the run was generated from.
func marshalCohort(c ir.CohortSpec) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal cohort: %w", err)
	}
	return string(data), nil
}

func unmarshalCohort(data string) (ir.CohortSpec, error) {
	var c ir.CohortSpec
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return ir.CohortSpec{}, fmt.Errorf("unmarshal cohort: %w", err)
	}
	return c, nil
}
