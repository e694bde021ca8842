package mrf

import (
	"errors"
	"fmt"
	"strings"
)

// Schema names the provider-reference pattern a document uses.
type Schema string

const (
	SchemaUnknown      Schema = "unknown"
	SchemaInlineGroups Schema = "inline-groups"
	SchemaURLReference Schema = "url-reference"
)

var (
	// ErrUnknownSchema is returned when a document's provider references
	// match no known pattern and no payer handler can take over.
	ErrUnknownSchema = errors.New("unknown provider reference schema")
	// ErrMixedSchema is returned by Validate when a document mixes inline
	// and location-based provider references.
	ErrMixedSchema = errors.New("mixed provider reference schemas")
)

// Detect classifies a document from its provider_references. Only the
// first entry is inspected; an absent or empty list is SchemaUnknown.
func Detect(refs []ProviderReference) Schema {
	if len(refs) == 0 {
		return SchemaUnknown
	}
	return Classify(refs[0])
}

// Classify applies the detection rule to a single reference entry.
func Classify(ref ProviderReference) Schema {
	for _, g := range ref.ProviderGroups {
		if len(g.NPI) > 0 {
			return SchemaInlineGroups
		}
	}
	if ref.Location != "" {
		return SchemaURLReference
	}
	return SchemaUnknown
}

// ValidationError lists the entries that do not match the asserted schema.
type ValidationError struct {
	Schema     Schema
	Mismatched map[Schema][]int
	Checked    int
}

func (e *ValidationError) Error() string {
	var parts []string
	for _, s := range []Schema{SchemaInlineGroups, SchemaURLReference, SchemaUnknown} {
		if idx := e.Mismatched[s]; len(idx) > 0 {
			parts = append(parts, fmt.Sprintf("%d %s (first at %d)", len(idx), s, idx[0]))
		}
	}
	return fmt.Sprintf("%d of %d sampled references do not match %s: %s",
		e.Count(), e.Checked, e.Schema, strings.Join(parts, ", "))
}

// Count returns the number of mismatched entries.
func (e *ValidationError) Count() int {
	n := 0
	for _, idx := range e.Mismatched {
		n += len(idx)
	}
	return n
}

// Anomalies returns the indexes of entries that carry neither provider
// groups nor a location.
func (e *ValidationError) Anomalies() []int { return e.Mismatched[SchemaUnknown] }

// Mixed reports whether the sample contains both known shapes.
func (e *ValidationError) Mixed() bool {
	other := SchemaURLReference
	if e.Schema == SchemaURLReference {
		other = SchemaInlineGroups
	}
	return len(e.Mismatched[other]) > 0
}

// Unwrap exposes ErrMixedSchema for mixed documents.
func (e *ValidationError) Unwrap() error {
	if e.Mixed() {
		return ErrMixedSchema
	}
	return nil
}

// Validate confirms the first sample entries (all when sample <= 0) are
// consistent with schema. Entries of the other known shape make the
// document mixed; entries of neither shape are structural anomalies. Both
// are reported in a *ValidationError.
func Validate(refs []ProviderReference, schema Schema, sample int) error {
	if schema == SchemaUnknown {
		return ErrUnknownSchema
	}
	n := len(refs)
	if sample > 0 && sample < n {
		n = sample
	}
	verr := &ValidationError{Schema: schema, Mismatched: make(map[Schema][]int), Checked: n}
	for i := 0; i < n; i++ {
		if got := Classify(refs[i]); got != schema {
			verr.Mismatched[got] = append(verr.Mismatched[got], i)
		}
	}
	if verr.Count() == 0 {
		return nil
	}
	return verr
}
