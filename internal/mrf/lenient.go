package mrf

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Payers disagree on scalar shapes: ids and NPIs show up as numbers or
// strings, single values show up where arrays are expected. The types in
// this file accept every variant seen in the wild and normalize to strings.

// RefID identifies a provider group within one document.
type RefID string

// UnmarshalJSON accepts a string or a number. Integral floats such as 1.0
// normalize to "1".
func (id *RefID) UnmarshalJSON(b []byte) error {
	s, err := scalarString(b)
	if err != nil {
		return fmt.Errorf("provider group id: %w", err)
	}
	*id = RefID(s)
	return nil
}

// Text is a string field that some payers publish as a number.
type Text string

// UnmarshalJSON accepts a string or a number.
func (t *Text) UnmarshalJSON(b []byte) error {
	s, err := scalarString(b)
	if err != nil {
		return err
	}
	*t = Text(s)
	return nil
}

// String returns the text.
func (t Text) String() string { return string(t) }

// StringList is a list of strings that may also be published as a single
// scalar.
type StringList []string

// UnmarshalJSON accepts an array of scalars or a single scalar.
func (l *StringList) UnmarshalJSON(b []byte) error {
	vals, err := scalarList(b)
	if err != nil {
		return err
	}
	*l = vals
	return nil
}

// NPIList holds NPIs as strings regardless of how they were published.
type NPIList []string

// UnmarshalJSON accepts an array of numbers or strings, or a single value.
func (l *NPIList) UnmarshalJSON(b []byte) error {
	vals, err := scalarList(b)
	if err != nil {
		return fmt.Errorf("npi: %w", err)
	}
	*l = vals
	return nil
}

// UnmarshalJSON accepts the standard object form or a bare value string.
func (t *TIN) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' {
		s, err := scalarString(b)
		if err != nil {
			return fmt.Errorf("tin: %w", err)
		}
		*t = TIN{Value: s}
		return nil
	}
	var raw struct {
		Type         string `json:"type"`
		Value        Text   `json:"value"`
		BusinessName string `json:"business_name"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("tin: %w", err)
	}
	*t = TIN{Type: raw.Type, Value: string(raw.Value), BusinessName: raw.BusinessName}
	return nil
}

// Rate is a negotiated rate as published. Present is false when the field
// was absent or null; Numeric is false when it could not be read as a
// finite number.
type Rate struct {
	Value   float64
	Present bool
	Numeric bool
}

// NewRate returns a present, numeric rate.
func NewRate(v float64) Rate {
	return Rate{Value: v, Present: true, Numeric: !math.IsNaN(v) && !math.IsInf(v, 0)}
}

// Valid reports whether the rate is present and numeric.
func (r Rate) Valid() bool { return r.Present && r.Numeric }

// UnmarshalJSON never fails: anything that is not a number or a numeric
// string is recorded as present but non-numeric.
func (r *Rate) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	*r = Rate{}
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	r.Present = true
	var s string
	switch b[0] {
	case '"':
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
		s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "$"))
	case '{', '[', 't', 'f':
		return nil
	default:
		s = string(b)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	r.Value = v
	r.Numeric = true
	return nil
}

// MarshalJSON writes the value, or null when the rate is not valid.
func (r Rate) MarshalJSON() ([]byte, error) {
	if !r.Valid() {
		return []byte("null"), nil
	}
	return json.Marshal(r.Value)
}

func scalarList(b []byte) ([]string, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	if b[0] != '[' {
		s, err := scalarString(b)
		if err != nil || s == "" {
			return nil, err
		}
		return []string{s}, nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		s, err := scalarString(r)
		if err != nil {
			return nil, err
		}
		if s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

func scalarString(b []byte) (string, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return "", nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	case '{':
		return "", fmt.Errorf("expected scalar, got object")
	case '[':
		return "", fmt.Errorf("expected scalar, got array")
	case 't', 'f':
		return string(b), nil
	default:
		return formatNumber(string(b)), nil
	}
}

// formatNumber renders integral numbers without a fraction or exponent so
// 1234567890, 1234567890.0 and 1.23456789e9 agree.
func formatNumber(n string) string {
	f, err := strconv.ParseFloat(n, 64)
	if err != nil {
		return n
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
