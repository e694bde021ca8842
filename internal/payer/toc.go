package payer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"ticmrf/internal/mrf"
)

// MRF file types found in a table of contents.
const (
	TypeInNetwork          = "in_network_rates"
	TypeAllowedAmounts     = "allowed_amounts"
	TypeProviderReferences = "provider_references"
	TypeUnknown            = "unknown"
)

// MRFFile is one file listed by a payer's table of contents.
type MRFFile struct {
	URL                  string `json:"url"`
	Type                 string `json:"type"`
	PlanName             string `json:"plan_name"`
	PlanID               string `json:"plan_id,omitempty"`
	PlanMarketType       string `json:"plan_market_type,omitempty"`
	Description          string `json:"description,omitempty"`
	ProviderReferenceURL string `json:"provider_reference_url,omitempty"`
	StructureIndex       int    `json:"reporting_structure_index"`
	FileIndex            int    `json:"file_index"`
}

// ReportingPlan contains plan information
type ReportingPlan struct {
	PlanName        string   `json:"plan_name"`
	IssuerName      string   `json:"issuer_name"`
	PlanIDType      string   `json:"plan_id_type"` // "ein" or "hios"
	PlanID          mrf.Text `json:"plan_id"`
	PlanSponsorName string   `json:"plan_sponsor_name,omitempty"`
	PlanMarketType  string   `json:"plan_market_type"` // "group" or "individual"
}

// FileLocation contains file description and URL
type FileLocation struct {
	Description string `json:"description"`
	Location    string `json:"location"`
}

// ReportingStructure maps plans to their files.
type ReportingStructure struct {
	ReportingPlans     []ReportingPlan `json:"reporting_plans"`
	InNetworkFiles     []FileLocation  `json:"in_network_files"`
	AllowedAmountFile  *FileLocation   `json:"allowed_amount_file"`
	ProviderReferences []FileLocation  `json:"provider_references"`
}

type blob struct {
	URL         string `json:"url"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// PlanFilter selects reporting structures by plan. The zero value matches
// everything.
type PlanFilter struct {
	// MarketType matches plan_market_type: "individual", "group" or "" for both.
	MarketType string
	// StateCode matches the state embedded in HIOS plan ids.
	StateCode string
}

// Active reports whether the filter restricts anything.
func (f PlanFilter) Active() bool { return f.MarketType != "" || f.StateCode != "" }

// Matches reports whether plan passes the filter.
func (f PlanFilter) Matches(plan ReportingPlan) bool {
	if f.MarketType != "" && !strings.EqualFold(plan.PlanMarketType, f.MarketType) {
		return false
	}
	if f.StateCode == "" {
		return true
	}
	// HIOS format: [5-digit issuer][2-char state][3-digit product][optional 4-digit component]
	if !strings.EqualFold(plan.PlanIDType, "hios") {
		return false
	}
	id := strings.ToUpper(plan.PlanID.String())
	return len(id) >= 7 && id[5:7] == strings.ToUpper(f.StateCode)
}

// TOCStats tracks listing statistics.
type TOCStats struct {
	Structures        int64
	Plans             int64
	MatchedStructures int64
	Files             int64
}

// TOCMetadata contains the top-level table of contents metadata.
type TOCMetadata struct {
	ReportingEntityName string
	ReportingEntityType string
	LastUpdatedOn       string
	Version             string
}

// TOCParser streams a table of contents without loading it whole.
type TOCParser struct {
	dec      *json.Decoder
	filter   PlanFilter
	stats    TOCStats
	metadata TOCMetadata
}

// NewTOCParser creates a parser reading from r.
func NewTOCParser(r io.Reader, filter PlanFilter) *TOCParser {
	return &TOCParser{dec: json.NewDecoder(r), filter: filter}
}

// Parse calls fn for every listed file. An index with neither
// reporting_structure nor blobs is an error.
func (p *TOCParser) Parse(fn func(MRFFile) error) error {
	if err := mrf.ExpectDelim(p.dec, '{'); err != nil {
		return err
	}

	var keys []string
	found := false
	for p.dec.More() {
		field, err := mrf.FieldName(p.dec)
		if err != nil {
			return err
		}
		keys = append(keys, field)

		switch field {
		case "reporting_entity_name":
			err = p.decodeString(field, &p.metadata.ReportingEntityName)
		case "reporting_entity_type":
			err = p.decodeString(field, &p.metadata.ReportingEntityType)
		case "last_updated_on":
			err = p.decodeString(field, &p.metadata.LastUpdatedOn)
		case "version":
			err = p.decodeString(field, &p.metadata.Version)
		case "reporting_structure":
			found = true
			err = p.parseReportingStructure(fn)
		case "blobs":
			found = true
			err = p.parseBlobs(fn)
		default:
			if err = mrf.SkipValue(p.dec); err != nil {
				err = fmt.Errorf("skip field %s: %w", field, err)
			}
		}
		if err != nil {
			return err
		}
	}
	if !found {
		return fmt.Errorf("index has no reporting_structure or blobs (keys: %s)", strings.Join(keys, ", "))
	}
	return nil
}

func (p *TOCParser) decodeString(field string, dst *string) error {
	var t mrf.Text
	if err := p.dec.Decode(&t); err != nil {
		return fmt.Errorf("decode %s: %w", field, err)
	}
	*dst = t.String()
	return nil
}

func (p *TOCParser) parseReportingStructure(fn func(MRFFile) error) error {
	i := -1
	return mrf.StreamArray(p.dec, func() error {
		i++
		var rs ReportingStructure
		if err := p.dec.Decode(&rs); err != nil {
			return fmt.Errorf("decode reporting structure %d: %w", i, err)
		}
		p.stats.Structures++
		p.stats.Plans += int64(len(rs.ReportingPlans))

		plan, ok := p.firstMatch(rs.ReportingPlans)
		if !ok {
			return nil
		}
		p.stats.MatchedStructures++
		if plan.PlanName == "" {
			plan.PlanName = fmt.Sprintf("plan_%d", i)
		}
		base := MRFFile{
			PlanName:       plan.PlanName,
			PlanID:         plan.PlanID.String(),
			PlanMarketType: plan.PlanMarketType,
			StructureIndex: i,
		}

		var providerURL string
		for _, ref := range rs.ProviderReferences {
			if ref.Location != "" {
				providerURL = ref.Location
				break
			}
		}

		for j, f := range rs.InNetworkFiles {
			if f.Location == "" {
				continue
			}
			m := base
			m.URL, m.Type, m.Description, m.FileIndex = f.Location, TypeInNetwork, f.Description, j
			m.ProviderReferenceURL = providerURL
			if err := p.emit(fn, m); err != nil {
				return err
			}
		}
		if f := rs.AllowedAmountFile; f != nil && f.Location != "" {
			m := base
			m.URL, m.Type, m.Description = f.Location, TypeAllowedAmounts, f.Description
			if err := p.emit(fn, m); err != nil {
				return err
			}
		}
		for j, f := range rs.ProviderReferences {
			if f.Location == "" {
				continue
			}
			m := base
			m.URL, m.Type, m.Description, m.FileIndex = f.Location, TypeProviderReferences, f.Description, j
			if err := p.emit(fn, m); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *TOCParser) parseBlobs(fn func(MRFFile) error) error {
	i := -1
	return mrf.StreamArray(p.dec, func() error {
		i++
		var b blob
		if err := p.dec.Decode(&b); err != nil {
			return fmt.Errorf("decode blob %d: %w", i, err)
		}
		if b.URL == "" {
			return nil
		}
		name := b.Name
		if name == "" {
			name = fmt.Sprintf("blob_%d", i)
		}
		return p.emit(fn, MRFFile{
			URL:         b.URL,
			Type:        TypeUnknown,
			PlanName:    name,
			Description: b.Description,
			FileIndex:   i,
		})
	})
}

func (p *TOCParser) firstMatch(plans []ReportingPlan) (ReportingPlan, bool) {
	if !p.filter.Active() {
		if len(plans) == 0 {
			return ReportingPlan{}, true
		}
		return plans[0], true
	}
	for _, plan := range plans {
		if p.filter.Matches(plan) {
			return plan, true
		}
	}
	return ReportingPlan{}, false
}

// ErrStopListing may be returned by a listing callback to end the listing
// early without error.
var ErrStopListing = errors.New("stop listing")

func (p *TOCParser) emit(fn func(MRFFile) error, m MRFFile) error {
	p.stats.Files++
	return fn(m)
}

// Stats returns listing statistics.
func (p *TOCParser) Stats() TOCStats { return p.stats }

// Metadata returns the table of contents metadata.
func (p *TOCParser) Metadata() TOCMetadata { return p.metadata }
