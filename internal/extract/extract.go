// Package extract turns in-network items into candidate records, one per
// (negotiated price, provider NPI) pair.
package extract

import (
	"ticmrf/internal/mrf"
)

// ProviderIndex resolves provider group ids. resolver.Resolver satisfies it.
type ProviderIndex interface {
	Resolve(id mrf.RefID) ([]mrf.ProviderGroup, error)
}

// Tally counts what extraction produced and what it skipped.
type Tally struct {
	Candidates          int64
	NotWhitelisted      int64
	MalformedPrices     int64
	EmptyRateGroups     int64
	MalformedRateGroups int64
	ProviderlessGroups  int64
	UnresolvedRefs      int64
	FilteredNPIs        int64
}

// Add accumulates o into t.
func (t *Tally) Add(o Tally) {
	t.Candidates += o.Candidates
	t.NotWhitelisted += o.NotWhitelisted
	t.MalformedPrices += o.MalformedPrices
	t.EmptyRateGroups += o.EmptyRateGroups
	t.MalformedRateGroups += o.MalformedRateGroups
	t.ProviderlessGroups += o.ProviderlessGroups
	t.UnresolvedRefs += o.UnresolvedRefs
	t.FilteredNPIs += o.FilteredNPIs
}

// Strategy extracts candidates from one in-network item.
type Strategy interface {
	Schema() mrf.Schema
	Extract(item *mrf.InNetworkItem, idx ProviderIndex, whitelist mrf.Set, emit func(mrf.Candidate) error) (Tally, error)
}

// Option configures a strategy.
type Option func(*Extractor)

// WithNPIFilter keeps only providers whose NPI is in allow. An empty set
// keeps everyone.
func WithNPIFilter(allow mrf.Set) Option {
	return func(e *Extractor) { e.npiFilter = allow }
}

// Extractor is the shared extraction logic behind every strategy.
type Extractor struct {
	schema    mrf.Schema
	npiFilter mrf.Set
}

// InlineGroups returns the strategy for documents whose provider references
// carry provider groups inline.
func InlineGroups(opts ...Option) *Extractor { return newExtractor(mrf.SchemaInlineGroups, opts) }

// URLReference returns the strategy for documents whose provider references
// point at external locations. The index must already hold the fetched data.
func URLReference(opts ...Option) *Extractor { return newExtractor(mrf.SchemaURLReference, opts) }

// ForSchema selects the strategy for schema. Documents without provider
// references get a strategy that only sees rate-level provider groups.
func ForSchema(schema mrf.Schema, opts ...Option) *Extractor {
	switch schema {
	case mrf.SchemaInlineGroups:
		return InlineGroups(opts...)
	case mrf.SchemaURLReference:
		return URLReference(opts...)
	default:
		return newExtractor(mrf.SchemaUnknown, opts)
	}
}

func newExtractor(schema mrf.Schema, opts []Option) *Extractor {
	e := &Extractor{schema: schema}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Schema returns the schema this strategy was selected for.
func (e *Extractor) Schema() mrf.Schema { return e.schema }

// Extract emits candidates in rate group order, then price order, then
// provider group order, then NPI order. Items outside a non-empty whitelist
// emit nothing.
func (e *Extractor) Extract(item *mrf.InNetworkItem, idx ProviderIndex, whitelist mrf.Set, emit func(mrf.Candidate) error) (Tally, error) {
	var t Tally
	if code := item.BillingCode.String(); code != "" && !whitelist.Allows(code) {
		t.NotWhitelisted++
		return t, nil
	}
	t.MalformedRateGroups += int64(item.MalformedRateGroups)
	for i := range item.NegotiatedRates {
		rt, err := e.RateGroup(item, &item.NegotiatedRates[i], idx, emit)
		t.Add(rt)
		if err != nil {
			return t, err
		}
	}
	return t, nil
}

// RateGroup extracts one rate group. Malformed prices are skipped and a
// group with no resolvable providers yields nothing.
func (e *Extractor) RateGroup(item *mrf.InNetworkItem, rg *mrf.RateGroup, idx ProviderIndex, emit func(mrf.Candidate) error) (Tally, error) {
	var t Tally
	if len(rg.NegotiatedPrices) == 0 {
		t.EmptyRateGroups++
		return t, nil
	}

	providers := e.providers(rg, idx, &t)
	if len(providers) == 0 {
		t.ProviderlessGroups++
		return t, nil
	}

	for _, price := range rg.NegotiatedPrices {
		if !price.NegotiatedRate.Valid() {
			t.MalformedPrices++
			continue
		}
		base := NewCandidate(item, price)
		for _, p := range providers {
			c := base
			p.Apply(&c)
			if err := emit(c); err != nil {
				return t, err
			}
			t.Candidates++
		}
	}
	return t, nil
}

func (e *Extractor) providers(rg *mrf.RateGroup, idx ProviderIndex, t *Tally) []Provider {
	var out []Provider
	for _, g := range rg.ProviderGroups {
		out = e.appendGroup(out, g, "", t)
	}
	for _, id := range rg.ProviderReferences {
		if idx == nil {
			t.UnresolvedRefs++
			continue
		}
		groups, err := idx.Resolve(id)
		if err != nil {
			t.UnresolvedRefs++
			continue
		}
		for _, g := range groups {
			out = e.appendGroup(out, g, id, t)
		}
	}
	return out
}

func (e *Extractor) appendGroup(out []Provider, g mrf.ProviderGroup, ref mrf.RefID, t *Tally) []Provider {
	name := g.DisplayName()
	for _, npi := range g.NPI {
		if !e.npiFilter.Allows(npi) {
			t.FilteredNPIs++
			continue
		}
		out = append(out, Provider{
			NPI:       npi,
			Name:      name,
			TIN:       g.TIN.Value,
			TINType:   g.TIN.Type,
			Reference: ref,
		})
	}
	return out
}

// Provider is one NPI with the identity of the group it came from.
type Provider struct {
	NPI       string
	Name      string
	TIN       string
	TINType   string
	Reference mrf.RefID
}

// Apply stamps the provider onto c.
func (p Provider) Apply(c *mrf.Candidate) {
	c.ProviderNPI = p.NPI
	c.ProviderName = p.Name
	c.ProviderTIN = p.TIN
	c.ProviderTINType = p.TINType
	c.ProviderReference = p.Reference
}

// NewCandidate copies item and price fields into a provider-less candidate.
func NewCandidate(item *mrf.InNetworkItem, price mrf.NegotiatedPrice) mrf.Candidate {
	return mrf.Candidate{
		BillingCode:            item.BillingCode.String(),
		BillingCodeType:        item.BillingCodeType,
		BillingCodeTypeVersion: item.BillingCodeTypeVersion.String(),
		Description:            item.Description,
		Name:                   item.Name,
		NegotiationArrangement: item.NegotiationArrangement,
		Rate:                   price.NegotiatedRate,
		NegotiatedType:         price.NegotiatedType,
		BillingClass:           price.BillingClass,
		Setting:                price.Setting,
		ExpirationDate:         price.ExpirationDate,
		ServiceCodes:           price.ServiceCode,
		Modifiers:              price.BillingCodeModifier,
	}
}
