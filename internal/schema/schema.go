// Package schema maps decoder output onto the canonical reading shape.
//
// A Schema is data, not code: each deployment's sensor layout is described by
// which source keys feed which canonical attribute and which attributes are
// required. Validation is atomic; a candidate either becomes a complete
// Reading or is rejected with every offending attribute named.
package schema

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/tinytelemetry/sensord/internal/model"
)

// FieldSpec declares the accepted source keys of one canonical attribute.
type FieldSpec struct {
	Attribute model.Attribute `yaml:"attribute"`
	Sources   []string        `yaml:"sources"`
	Required  bool            `yaml:"required"`
}

// Schema is the externally supplied mapping plus required set.
type Schema struct {
	Name             string      `yaml:"name"`
	Fields           []FieldSpec `yaml:"fields"`
	TimestampSources []string    `yaml:"timestamp_sources"`
}

// DefaultTimestampSources is used when a schema names none.
var DefaultTimestampSources = []string{"timestamp"}

// Problem describes why one attribute failed validation.
type Problem struct {
	Attribute model.Attribute
	Reason    string
}

// ValidationError rejects a whole candidate. Attributes lists every offender.
type ValidationError struct {
	Schema   string
	Problems []Problem
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, fmt.Sprintf("%s (%s)", p.Attribute, p.Reason))
	}
	return fmt.Sprintf("schema %s: invalid reading: %s", e.Schema, strings.Join(parts, ", "))
}

// Attributes returns the names of the offending attributes.
func (e *ValidationError) Attributes() []string {
	out := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		out = append(out, string(p.Attribute))
	}
	return out
}

// Validate checks the schema itself: attributes must be canonical and unique,
// and each must have at least one source key.
func (s *Schema) Validate() error {
	if s == nil {
		return errors.New("schema: nil schema")
	}
	if len(s.Fields) == 0 {
		return fmt.Errorf("schema %q: no fields declared", s.Name)
	}
	seen := make(map[model.Attribute]bool, len(s.Fields))
	for _, f := range s.Fields {
		if !f.Attribute.Valid() {
			return fmt.Errorf("schema %q: unknown attribute %q", s.Name, f.Attribute)
		}
		if seen[f.Attribute] {
			return fmt.Errorf("schema %q: attribute %q declared twice", s.Name, f.Attribute)
		}
		seen[f.Attribute] = true
		if len(f.Sources) == 0 {
			return fmt.Errorf("schema %q: attribute %q has no source keys", s.Name, f.Attribute)
		}
	}
	return nil
}

// Required returns the required attributes in declaration order.
func (s *Schema) Required() []model.Attribute {
	var out []model.Attribute
	for _, f := range s.Fields {
		if f.Required {
			out = append(out, f.Attribute)
		}
	}
	return out
}

// Complete reports whether every required attribute has at least one source
// key present in fields. Value types are not checked here; that is left to
// MapAndValidate so the rejection names the bad attribute.
func (s *Schema) Complete(fields model.Fields) bool {
	for _, f := range s.Fields {
		if !f.Required {
			continue
		}
		if _, _, ok := lookup(fields, f.Sources); !ok {
			return false
		}
	}
	return true
}

// MapAndValidate converts candidate fields into a Reading. now supplies the
// timestamp when the candidate carries none; the result is always UTC.
func (s *Schema) MapAndValidate(fields model.Fields, now time.Time) (*model.Reading, error) {
	reading := &model.Reading{}
	var problems []Problem

	for _, f := range s.Fields {
		key, raw, ok := lookup(fields, f.Sources)
		if !ok {
			if f.Required {
				problems = append(problems, Problem{Attribute: f.Attribute, Reason: "missing"})
			}
			continue
		}
		v, ok := raw.(float64)
		if !ok {
			problems = append(problems, Problem{
				Attribute: f.Attribute,
				Reason:    fmt.Sprintf("%s is %T, want number", key, raw),
			})
			continue
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			problems = append(problems, Problem{Attribute: f.Attribute, Reason: key + " is not finite"})
			continue
		}
		reading.Set(f.Attribute, v)
	}

	if len(problems) > 0 {
		sort.SliceStable(problems, func(i, j int) bool { return problems[i].Attribute < problems[j].Attribute })
		return nil, &ValidationError{Schema: s.Name, Problems: problems}
	}

	reading.Timestamp = now.UTC().Truncate(TimestampPrecision)
	sources := s.TimestampSources
	if len(sources) == 0 {
		sources = DefaultTimestampSources
	}
	if _, raw, ok := lookup(fields, sources); ok {
		if ts, ok := parseTimestamp(raw); ok {
			reading.Timestamp = ts.Truncate(TimestampPrecision)
		}
	}
	return reading, nil
}

// TimestampPrecision is the finest timestamp resolution the stores keep.
// Readings are truncated to it before they are stored or broadcast.
const TimestampPrecision = time.Microsecond

// maxEpochMillis is the largest epoch-millisecond value representable as a
// time.Time with nanosecond arithmetic (year 2262).
const maxEpochMillis = float64(math.MaxInt64 / int64(time.Millisecond))

func lookup(fields model.Fields, keys []string) (string, any, bool) {
	for _, k := range keys {
		if v, ok := fields[k]; ok {
			return k, v, true
		}
	}
	return "", nil, false
}

// parseTimestamp accepts RFC 3339 strings and epoch milliseconds.
func parseTimestamp(raw any) (time.Time, bool) {
	switch v := raw.(type) {
	case string:
		ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(v))
		if err != nil {
			return time.Time{}, false
		}
		return ts.UTC(), true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 || v >= maxEpochMillis {
			return time.Time{}, false
		}
		return time.UnixMilli(int64(v)).UTC(), true
	}
	return time.Time{}, false
}
