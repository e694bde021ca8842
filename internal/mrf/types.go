package mrf

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Metadata holds the top-level scalar fields of an in-network rates file.
type Metadata struct {
	ReportingEntityName string
	ReportingEntityType string
	PlanName            string
	IssuerName          string
	PlanSponsorName     string
	PlanIDType          string
	PlanID              string
	PlanMarketType      string
	LastUpdatedOn       string
	Version             string
}

// ProviderReference is a top-level provider_references entry. It carries
// either inline provider groups or a location to fetch them from.
type ProviderReference struct {
	ProviderGroupID RefID           `json:"provider_group_id"`
	NetworkName     StringList      `json:"network_name"`
	ProviderGroups  []ProviderGroup `json:"provider_groups"`
	Location        string          `json:"location"`
}

// ProviderGroup contains a TIN and list of NPIs.
type ProviderGroup struct {
	NPI               NPIList `json:"npi"`
	TIN               TIN     `json:"tin"`
	Name              string  `json:"name"`
	ProviderGroupName string  `json:"provider_group_name"`
}

// DisplayName returns the first non-empty of name, provider_group_name and
// the TIN business name.
func (g ProviderGroup) DisplayName() string {
	switch {
	case g.Name != "":
		return g.Name
	case g.ProviderGroupName != "":
		return g.ProviderGroupName
	default:
		return g.TIN.BusinessName
	}
}

// TIN contains tax identification number details.
type TIN struct {
	Type         string
	Value        string
	BusinessName string
}

// InNetworkItem represents a single in-network service/procedure.
type InNetworkItem struct {
	NegotiationArrangement string          `json:"negotiation_arrangement"`
	Name                   string          `json:"name"`
	BillingCodeType        string          `json:"billing_code_type"`
	BillingCodeTypeVersion Text            `json:"billing_code_type_version"`
	BillingCode            Text            `json:"billing_code"`
	Description            string          `json:"description"`
	NegotiatedRates        []RateGroup     `json:"negotiated_rates"`
	BundledCodes           []ContainedCode `json:"bundled_codes"`
	CoveredServices        []ContainedCode `json:"covered_services"`

	// MalformedRateGroups counts negotiated_rates entries that failed to
	// decode. They are dropped; their siblings are kept.
	MalformedRateGroups int `json:"-"`
	// DirectRate holds negotiated_rates when it was published as a scalar
	// instead of an array of rate groups.
	DirectRate json.RawMessage `json:"-"`
}

// ErrScalarRates is returned by DecodeItem for items whose negotiated_rates
// is a scalar. Only payer handlers know what such a value means.
var ErrScalarRates = errors.New("negotiated_rates is a scalar, not an array")

// UnmarshalJSON decodes each rate group on its own so that one malformed
// group does not lose the rest of the item.
func (it *InNetworkItem) UnmarshalJSON(b []byte) error {
	type plain InNetworkItem
	*it = InNetworkItem{}
	aux := struct {
		*plain
		NegotiatedRates json.RawMessage `json:"negotiated_rates"`
	}{plain: (*plain)(it)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}

	rates := bytes.TrimSpace(aux.NegotiatedRates)
	switch {
	case len(rates) == 0 || bytes.Equal(rates, []byte("null")):
		return nil
	case rates[0] == '{':
		return errors.New("negotiated_rates: object where array expected")
	case rates[0] != '[':
		it.DirectRate = rates
		return nil
	}

	var groups []json.RawMessage
	if err := json.Unmarshal(rates, &groups); err != nil {
		return fmt.Errorf("negotiated_rates: %w", err)
	}
	it.NegotiatedRates = make([]RateGroup, 0, len(groups))
	for _, g := range groups {
		var rg RateGroup
		if err := json.Unmarshal(g, &rg); err != nil {
			it.MalformedRateGroups++
			continue
		}
		it.NegotiatedRates = append(it.NegotiatedRates, rg)
	}
	return nil
}

// DecodeItem decodes one in_network item for the generic strategies.
func DecodeItem(raw []byte) (*InNetworkItem, error) {
	var it InNetworkItem
	if err := json.Unmarshal(raw, &it); err != nil {
		return nil, fmt.Errorf("decode in_network item: %w", err)
	}
	if len(it.DirectRate) > 0 {
		return nil, fmt.Errorf("decode in_network item: %w", ErrScalarRates)
	}
	return &it, nil
}

// RateGroup groups negotiated prices with the providers they apply to.
// Providers are given either as ids into the document's provider_references
// or inline as provider_groups; a group may carry both.
type RateGroup struct {
	ProviderReferences []RefID           `json:"provider_references"`
	ProviderGroups     []ProviderGroup   `json:"provider_groups"`
	NegotiatedPrices   []NegotiatedPrice `json:"negotiated_prices"`
}

// NegotiatedPrice contains a single negotiated price.
type NegotiatedPrice struct {
	NegotiatedType        string     `json:"negotiated_type"`
	NegotiatedRate        Rate       `json:"negotiated_rate"`
	BillingClass          string     `json:"billing_class"`
	Setting               string     `json:"setting"`
	ExpirationDate        string     `json:"expiration_date"`
	ServiceCode           StringList `json:"service_code"`
	BillingCodeModifier   StringList `json:"billing_code_modifier"`
	AdditionalInformation string     `json:"additional_information"`
}

// ContainedCode is used in bundled_codes and covered_services.
type ContainedCode struct {
	BillingCodeType        string `json:"billing_code_type"`
	BillingCodeTypeVersion Text   `json:"billing_code_type_version"`
	BillingCode            Text   `json:"billing_code"`
	Description            string `json:"description"`
}

// Candidate is one (billing code, price, provider) tuple produced during
// traversal, before validation.
type Candidate struct {
	BillingCode            string
	BillingCodeType        string
	BillingCodeTypeVersion string
	Description            string
	Name                   string
	NegotiationArrangement string

	Rate           Rate
	NegotiatedType string
	BillingClass   string
	Setting        string
	ExpirationDate string
	ServiceCodes   []string
	Modifiers      []string

	ProviderNPI       string
	ProviderName      string
	ProviderTIN       string
	ProviderTINType   string
	ProviderReference RefID
}

// Record is the canonical normalized output row.
type Record struct {
	ServiceCode     string   `json:"service_code"`
	BillingCodeType string   `json:"billing_code_type"`
	Description     string   `json:"description"`
	NegotiatedRate  float64  `json:"negotiated_rate"`
	ServiceCodes    []string `json:"service_codes"`
	BillingClass    string   `json:"billing_class"`
	NegotiatedType  string   `json:"negotiated_type"`
	ExpirationDate  string   `json:"expiration_date"`
	ProviderNPI     *string  `json:"provider_npi"`
	ProviderName    *string  `json:"provider_name"`
	ProviderTIN     *string  `json:"provider_tin"`
	Payer           string   `json:"payer"`
}
