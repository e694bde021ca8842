package mrf

import (
	"encoding/json"
	"fmt"
	"io"
)

// Peek detects the schema of a streamed document by decoding only the first
// provider_references entry. Other top-level values are skipped without
// being buffered.
func Peek(r io.Reader) (Schema, error) {
	dec := json.NewDecoder(r)
	if err := ExpectDelim(dec, '{'); err != nil {
		return SchemaUnknown, err
	}
	for dec.More() {
		field, err := FieldName(dec)
		if err != nil {
			return SchemaUnknown, err
		}
		if field != "provider_references" {
			if err := SkipValue(dec); err != nil {
				return SchemaUnknown, fmt.Errorf("skip field %s: %w", field, err)
			}
			continue
		}
		if err := ExpectDelim(dec, '['); err != nil {
			return SchemaUnknown, fmt.Errorf("provider_references: %w", err)
		}
		if !dec.More() {
			return SchemaUnknown, nil
		}
		var first ProviderReference
		if err := dec.Decode(&first); err != nil {
			return SchemaUnknown, fmt.Errorf("decode provider_reference: %w", err)
		}
		return Classify(first), nil
	}
	return SchemaUnknown, nil
}

// Structure types reported by Inspect.
const (
	StructureInNetwork          = "in_network_rates"
	StructureProviderReferences = "provider_references"
	StructureAllowedAmounts     = "allowed_amounts"
	StructureTableOfContents    = "table_of_contents"
	StructureUnknown            = "unknown"
)

// StructureReport summarizes the shape of a document.
type StructureReport struct {
	TopLevelKeys            []string       `json:"top_level_keys"`
	StructureType           string         `json:"structure_type"`
	Metadata                Metadata       `json:"metadata"`
	InNetworkCount          int64          `json:"in_network_count"`
	ProviderReferencesCount int64          `json:"provider_references_count"`
	ReportingStructureCount int64          `json:"reporting_structure_count"`
	SampleBillingCodes      []string       `json:"sample_billing_codes"`
	HasNegotiatedRates      bool           `json:"has_negotiated_rates"`
	HasInlineProviderGroups bool           `json:"has_inline_provider_groups"`
	HasReferenceIDs         bool           `json:"has_reference_ids"`
	InNetworkFirst          bool           `json:"in_network_before_provider_references"`
	Schema                  Schema         `json:"schema"`
	ReferenceShapes         map[Schema]int `json:"reference_shapes"`
	Issues                  []string       `json:"issues"`
}

type sampledItem struct {
	BillingCode     Text `json:"billing_code"`
	NegotiatedRates []struct {
		ProviderReferences json.RawMessage `json:"provider_references"`
		ProviderGroups     json.RawMessage `json:"provider_groups"`
	} `json:"negotiated_rates"`
}

// Inspect streams a whole document and reports its structure. Only the
// first samples in_network items are decoded; the rest are counted.
func Inspect(r io.Reader, samples int) (*StructureReport, error) {
	rep := &StructureReport{
		Schema:          SchemaUnknown,
		ReferenceShapes: make(map[Schema]int),
	}
	dec := json.NewDecoder(r)
	if err := ExpectDelim(dec, '{'); err != nil {
		rep.Issues = append(rep.Issues, "root structure is not a JSON object")
		rep.StructureType = StructureUnknown
		return rep, err
	}

	var firstRef *ProviderReference
	seenRefs := false
	for dec.More() {
		field, err := FieldName(dec)
		if err != nil {
			return rep, err
		}
		rep.TopLevelKeys = append(rep.TopLevelKeys, field)

		if ok, err := DecodeMetadataField(dec, field, &rep.Metadata); err != nil {
			return rep, err
		} else if ok {
			continue
		}

		switch field {
		case "provider_references":
			seenRefs = true
			err = StreamArray(dec, func() error {
				var ref ProviderReference
				if err := dec.Decode(&ref); err != nil {
					return fmt.Errorf("decode provider_reference: %w", err)
				}
				if firstRef == nil {
					firstRef = &ref
				}
				rep.ProviderReferencesCount++
				rep.ReferenceShapes[Classify(ref)]++
				return nil
			})
		case "in_network":
			if !seenRefs {
				rep.InNetworkFirst = true
			}
			err = StreamArray(dec, func() error {
				rep.InNetworkCount++
				if rep.InNetworkCount > int64(samples) {
					return SkipValue(dec)
				}
				var item sampledItem
				if err := dec.Decode(&item); err != nil {
					rep.Issues = append(rep.Issues, fmt.Sprintf("in_network[%d]: %v", rep.InNetworkCount-1, err))
					return nil
				}
				if item.BillingCode != "" {
					rep.SampleBillingCodes = append(rep.SampleBillingCodes, item.BillingCode.String())
				}
				for _, rg := range item.NegotiatedRates {
					rep.HasNegotiatedRates = true
					if nonEmptyArray(rg.ProviderGroups) {
						rep.HasInlineProviderGroups = true
					}
					if nonEmptyArray(rg.ProviderReferences) {
						rep.HasReferenceIDs = true
					}
				}
				return nil
			})
		case "reporting_structure", "blobs":
			err = StreamArray(dec, func() error {
				rep.ReportingStructureCount++
				return SkipValue(dec)
			})
		default:
			err = SkipValue(dec)
		}
		if err != nil {
			return rep, fmt.Errorf("%s: %w", field, err)
		}
	}

	if firstRef != nil {
		rep.Schema = Classify(*firstRef)
	}
	if rep.ReferenceShapes[SchemaInlineGroups] > 0 && rep.ReferenceShapes[SchemaURLReference] > 0 {
		rep.Issues = append(rep.Issues, "document mixes inline and location provider references")
	}
	if n := rep.ReferenceShapes[SchemaUnknown]; n > 0 {
		rep.Issues = append(rep.Issues, fmt.Sprintf("%d provider references carry neither provider_groups nor location", n))
	}
	rep.StructureType = structureType(rep.TopLevelKeys)
	if rep.StructureType == StructureUnknown {
		rep.Issues = append(rep.Issues, fmt.Sprintf("unknown structure, top-level keys: %v", rep.TopLevelKeys))
	}
	return rep, nil
}

func structureType(keys []string) string {
	has := make(map[string]bool, len(keys))
	for _, k := range keys {
		has[k] = true
	}
	switch {
	case has["in_network"]:
		return StructureInNetwork
	case has["provider_references"]:
		return StructureProviderReferences
	case has["allowed_amounts"], has["out_of_network"]:
		return StructureAllowedAmounts
	case has["reporting_structure"], has["blobs"]:
		return StructureTableOfContents
	default:
		return StructureUnknown
	}
}

func nonEmptyArray(raw json.RawMessage) bool {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return false
	}
	return len(arr) > 0
}
