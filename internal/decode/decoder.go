// Package decode turns raw sensor lines into candidate fields.
//
// Two syntaxes are understood: a single JSON object per line, and free-form
// "Label = value unit" fragments matched against a configurable label set.
package decode

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tinytelemetry/sensord/internal/model"
)

// ErrNotARecord is wrapped by every DecodeError.
var ErrNotARecord = errors.New("not a record")

// DecodeError explains why a line produced no candidate fields.
type DecodeError struct {
	Line   string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode: %s: %v", e.Reason, e.Err)
	}
	return "decode: " + e.Reason
}

func (e *DecodeError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrNotARecord, e.Err}
	}
	return []error{ErrNotARecord}
}

func notARecord(line, reason string, err error) *DecodeError {
	return &DecodeError{Line: line, Reason: reason, Err: err}
}

// Syntax identifies which parser produced a set of fields.
type Syntax int

const (
	SyntaxNone Syntax = iota
	SyntaxJSON
	SyntaxLabels
)

func (s Syntax) String() string {
	switch s {
	case SyntaxJSON:
		return "json"
	case SyntaxLabels:
		return "labels"
	}
	return "none"
}

// Decoder is the stateless single-line decoder. It is safe for concurrent use.
type Decoder struct {
	labels []LabelPattern
}

// NewDecoder creates a decoder using the given label patterns.
// With no patterns, DefaultLabels is used.
func NewDecoder(labels ...LabelPattern) *Decoder {
	if len(labels) == 0 {
		labels = DefaultLabels()
	}
	return &Decoder{labels: labels}
}

// Decode converts one raw line into candidate fields.
// Malformed input yields a *DecodeError, never a panic.
func (d *Decoder) Decode(line string) (model.Fields, error) {
	fields, _, err := d.DecodeSyntax(line)
	return fields, err
}

// DecodeSyntax is Decode that also reports which syntax matched.
func (d *Decoder) DecodeSyntax(line string) (model.Fields, Syntax, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil, SyntaxNone, notARecord(line, "empty line", nil)
	}

	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		fields, err := decodeJSON(trimmed)
		if err != nil {
			return nil, SyntaxJSON, notARecord(line, "malformed json", err)
		}
		return fields, SyntaxJSON, nil
	}

	fields := matchLabels(trimmed, d.labels)
	if len(fields) == 0 {
		return nil, SyntaxNone, notARecord(line, "no known labels", nil)
	}
	return fields, SyntaxLabels, nil
}

// decodeJSON keeps only scalar members of a top-level object.
func decodeJSON(s string) (model.Fields, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, err
	}
	fields := make(model.Fields, len(raw))
	for k, v := range raw {
		switch v.(type) {
		case float64, string, bool:
			fields[k] = v
		}
	}
	if len(fields) == 0 {
		return nil, errors.New("object has no scalar members")
	}
	return fields, nil
}
