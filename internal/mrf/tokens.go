package mrf

import (
	"encoding/json"
	"fmt"
)

// ExpectDelim reads the next token and checks it is the delimiter want.
func ExpectDelim(dec *json.Decoder, want json.Delim) error {
	t, err := dec.Token()
	if err != nil {
		return fmt.Errorf("read %v: %w", want, err)
	}
	if d, ok := t.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %v, got %v", want, t)
	}
	return nil
}

// FieldName reads an object key.
func FieldName(dec *json.Decoder) (string, error) {
	t, err := dec.Token()
	if err != nil {
		return "", fmt.Errorf("read field name: %w", err)
	}
	field, ok := t.(string)
	if !ok {
		return "", fmt.Errorf("expected field name, got %T", t)
	}
	return field, nil
}

// SkipValue consumes one value token by token. Unlike decoding into a
// json.RawMessage it never holds the value in memory, which matters when
// the value is a multi-gigabyte array.
func SkipValue(dec *json.Decoder) error {
	t, err := dec.Token()
	if err != nil {
		return err
	}
	d, ok := t.(json.Delim)
	if !ok || d == '}' || d == ']' {
		return nil
	}
	depth := 1
	for depth > 0 {
		t, err = dec.Token()
		if err != nil {
			return err
		}
		if d, ok := t.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
			}
		}
	}
	return nil
}

// StreamArray reads a JSON array token by token, calling fn for each
// element. fn must consume exactly one value from dec.
func StreamArray(dec *json.Decoder, fn func() error) error {
	if err := ExpectDelim(dec, '['); err != nil {
		return fmt.Errorf("read array start: %w", err)
	}
	for dec.More() {
		if err := fn(); err != nil {
			return err
		}
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("read array end: %w", err)
	}
	return nil
}

// DecodeMetadataField decodes field into m when it is one of the known
// top-level scalars. It reports whether the field was consumed.
func DecodeMetadataField(dec *json.Decoder, field string, m *Metadata) (bool, error) {
	var dst *string
	switch field {
	case "reporting_entity_name":
		dst = &m.ReportingEntityName
	case "reporting_entity_type":
		dst = &m.ReportingEntityType
	case "plan_name":
		dst = &m.PlanName
	case "issuer_name":
		dst = &m.IssuerName
	case "plan_sponsor_name":
		dst = &m.PlanSponsorName
	case "plan_id_type":
		dst = &m.PlanIDType
	case "plan_id":
		dst = &m.PlanID
	case "plan_market_type":
		dst = &m.PlanMarketType
	case "last_updated_on":
		dst = &m.LastUpdatedOn
	case "version":
		dst = &m.Version
	default:
		return false, nil
	}
	var v Text
	if err := dec.Decode(&v); err != nil {
		return true, fmt.Errorf("decode %s: %w", field, err)
	}
	*dst = string(v)
	return true, nil
}
