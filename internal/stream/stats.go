package stream

import (
	"time"

	"ticmrf/internal/extract"
	"ticmrf/internal/mrf"
	"ticmrf/internal/resolver"
)

// Reasons a traversal stopped.
const (
	StopComplete    = "complete"
	StopMaxItems    = "max_items"
	StopMaxDuration = "max_duration"
)

// Stats describes one document traversal.
type Stats struct {
	Location string     `json:"location,omitempty"`
	Payer    string     `json:"payer"`
	Schema   mrf.Schema `json:"schema"`

	Items          int64 `json:"items"`
	HandledItems   int64 `json:"handled_items"`
	MalformedItems int64 `json:"malformed_items"`
	Candidates     int64 `json:"candidates"`
	Written        int64 `json:"written"`
	// Skipped counts rejected candidates by normalizer reason.
	Skipped map[string]int64 `json:"skipped"`

	Extraction extract.Tally  `json:"extraction"`
	Resolver   resolver.Stats `json:"resolver"`

	MixedSchema      bool `json:"mixed_schema"`
	ReferenceIssues  int  `json:"reference_issues"`
	ExternalRefError bool `json:"external_ref_error,omitempty"`
	Spooled          bool `json:"spooled"`

	StopReason string        `json:"stop_reason"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Anomalies returns the per-document anomaly counts by kind.
func (s *Stats) Anomalies() map[string]int64 {
	t := s.Extraction
	return map[string]int64{
		"malformed_item":       s.MalformedItems,
		"malformed_price":      t.MalformedPrices,
		"empty_rate_group":     t.EmptyRateGroups,
		"malformed_rate_group": t.MalformedRateGroups,
		"providerless_group":   t.ProviderlessGroups,
		"unresolved_ref":       t.UnresolvedRefs,
		"filtered_npi":         t.FilteredNPIs,
		"reference_structure":  int64(s.ReferenceIssues),
	}
}

// SkippedTotal returns the number of rejected candidates.
func (s *Stats) SkippedTotal() int64 {
	var n int64
	for _, v := range s.Skipped {
		n += v
	}
	return n
}

// Recorder observes a traversal. metrics.Manager implements it.
type Recorder interface {
	ItemProcessed()
	CandidateEmitted()
	RecordWritten()
	RecordSkipped(reason string)
	DocumentFinished(st *Stats, err error)
}

type nopRecorder struct{}

func (nopRecorder) ItemProcessed() {}
func (nopRecorder) CandidateEmitted() {}
func (nopRecorder) RecordWritten() {}
func (nopRecorder) RecordSkipped(string) {}
func (nopRecorder) DocumentFinished(*Stats, error) {}
