package payer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"ticmrf/internal/extract"
	"ticmrf/internal/mrf"
)

// directRate handles items whose negotiated_rates is a bare number instead
// of an array of rate groups. Such an item becomes one candidate without a
// provider.
func directRate(raw json.RawMessage) (mrf.Candidate, bool, error) {
	var it mrf.InNetworkItem
	if err := json.Unmarshal(raw, &it); err != nil {
		return mrf.Candidate{}, false, fmt.Errorf("decode in_network item: %w", err)
	}
	if len(it.DirectRate) == 0 {
		return mrf.Candidate{}, false, nil
	}
	var rate mrf.Rate
	if err := rate.UnmarshalJSON(it.DirectRate); err != nil {
		return mrf.Candidate{}, false, err
	}
	return extract.NewCandidate(&it, mrf.NegotiatedPrice{NegotiatedRate: rate}), true, nil
}

// Centene handles the Centene family, which sometimes publishes a bare
// numeric negotiated_rates.
type Centene struct {
	Base
}

func (h *Centene) HandlesUnknownSchema() bool { return true }

func (h *Centene) ParseInNetwork(doc *Document, raw json.RawMessage) ([]mrf.Candidate, bool, error) {
	c, ok, err := directRate(raw)
	if err != nil || !ok {
		return nil, false, err
	}
	return []mrf.Candidate{c}, true, nil
}

// BCBSIL handles files where rate-level provider_references embed whole
// provider reference objects instead of ids.
type BCBSIL struct {
	Base
}

func (h *BCBSIL) HandlesUnknownSchema() bool { return true }

type embeddedRateGroup struct {
	ProviderReferences []json.RawMessage     `json:"provider_references"`
	ProviderGroups     []mrf.ProviderGroup   `json:"provider_groups"`
	NegotiatedPrices   []mrf.NegotiatedPrice `json:"negotiated_prices"`
}

func (h *BCBSIL) ParseInNetwork(doc *Document, raw json.RawMessage) ([]mrf.Candidate, bool, error) {
	if c, ok, err := directRate(raw); err != nil || ok {
		if err != nil {
			return nil, false, err
		}
		return []mrf.Candidate{c}, true, nil
	}

	item, err := mrf.DecodeItem(raw)
	if err != nil {
		return nil, false, err
	}
	var rates struct {
		NegotiatedRates []json.RawMessage `json:"negotiated_rates"`
	}
	if err := json.Unmarshal(raw, &rates); err != nil {
		return nil, false, fmt.Errorf("decode in_network item: %w", err)
	}

	embedded := false
	item.NegotiatedRates = make([]mrf.RateGroup, 0, len(rates.NegotiatedRates))
	item.MalformedRateGroups = 0
	for _, g := range rates.NegotiatedRates {
		rg, emb, err := decodeEmbeddedGroup(g)
		if err != nil {
			item.MalformedRateGroups++
			continue
		}
		embedded = embedded || emb
		item.NegotiatedRates = append(item.NegotiatedRates, rg)
	}
	if !embedded {
		return nil, false, nil
	}

	var out []mrf.Candidate
	err = doc.extract(item, func(c mrf.Candidate) error {
		out = append(out, c)
		return nil
	})
	return out, true, err
}

// decodeEmbeddedGroup decodes one rate group whose provider_references may
// mix ids and whole reference objects. It reports whether any object was
// found.
func decodeEmbeddedGroup(raw json.RawMessage) (mrf.RateGroup, bool, error) {
	var erg embeddedRateGroup
	if err := json.Unmarshal(raw, &erg); err != nil {
		return mrf.RateGroup{}, false, err
	}
	rg := mrf.RateGroup{ProviderGroups: erg.ProviderGroups, NegotiatedPrices: erg.NegotiatedPrices}
	embedded := false
	for _, ref := range erg.ProviderReferences {
		ref = bytes.TrimSpace(ref)
		if len(ref) > 0 && ref[0] == '{' {
			var pr mrf.ProviderReference
			if err := json.Unmarshal(ref, &pr); err != nil {
				return mrf.RateGroup{}, false, fmt.Errorf("decode embedded provider reference: %w", err)
			}
			embedded = true
			if len(pr.ProviderGroups) > 0 {
				rg.ProviderGroups = append(rg.ProviderGroups, pr.ProviderGroups...)
			} else if pr.ProviderGroupID != "" {
				rg.ProviderReferences = append(rg.ProviderReferences, pr.ProviderGroupID)
			}
			continue
		}
		var id mrf.RefID
		if err := json.Unmarshal(ref, &id); err != nil {
			return mrf.RateGroup{}, false, err
		}
		rg.ProviderReferences = append(rg.ProviderReferences, id)
	}
	return rg, embedded, nil
}

// BCBSFL handles Florida Blue and BCBS Michigan, whose provider groups
// carry their display name on the reference entry rather than the group.
type BCBSFL struct {
	Base
}

func (h *BCBSFL) HandlesUnknownSchema() bool { return true }

const groupNamesKey = "bcbs_fl.group_names"

// PreprocessMRFFile indexes a display name per provider group id.
func (h *BCBSFL) PreprocessMRFFile(_ context.Context, doc *Document) error {
	names := make(map[mrf.RefID]string, len(doc.References))
	for _, ref := range doc.References {
		for _, g := range ref.ProviderGroups {
			if n := g.DisplayName(); n != "" {
				names[ref.ProviderGroupID] = n
				break
			}
		}
	}
	doc.Set(groupNamesKey, names)
	return nil
}

func (h *BCBSFL) ParseInNetwork(doc *Document, raw json.RawMessage) ([]mrf.Candidate, bool, error) {
	if c, ok, err := directRate(raw); err != nil || ok {
		if err != nil {
			return nil, false, err
		}
		return []mrf.Candidate{c}, true, nil
	}
	item, err := mrf.DecodeItem(raw)
	if err != nil {
		return nil, false, err
	}

	for i := range item.NegotiatedRates {
		rg := &item.NegotiatedRates[i]
		kept := rg.NegotiatedPrices[:0]
		for _, p := range rg.NegotiatedPrices {
			if p.NegotiatedRate.Valid() && p.NegotiatedRate.Value > 0 {
				kept = append(kept, p)
			}
		}
		rg.NegotiatedPrices = kept
	}

	v, _ := doc.Get(groupNamesKey)
	names, _ := v.(map[mrf.RefID]string)

	var out []mrf.Candidate
	err = doc.extract(item, func(c mrf.Candidate) error {
		if c.ProviderName == "" && c.ProviderReference != "" {
			c.ProviderName = names[c.ProviderReference]
		}
		out = append(out, c)
		return nil
	})
	return out, true, err
}

// UHC fills in fields UnitedHealthcare files leave out: billing class
// defaults to professional and service codes default to the billing code.
type UHC struct {
	Base
}

func (h *UHC) HandlesUnknownSchema() bool { return true }

func (h *UHC) ParseInNetwork(doc *Document, raw json.RawMessage) ([]mrf.Candidate, bool, error) {
	item, err := mrf.DecodeItem(raw)
	if err != nil {
		return nil, false, err
	}
	var out []mrf.Candidate
	err = doc.extract(item, func(c mrf.Candidate) error {
		if c.BillingClass == "" {
			c.BillingClass = "professional"
		}
		if len(c.ServiceCodes) == 0 && c.BillingCode != "" {
			c.ServiceCodes = []string{c.BillingCode}
		}
		out = append(out, c)
		return nil
	})
	return out, true, err
}
