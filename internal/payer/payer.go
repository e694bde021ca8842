// Package payer holds the per-payer extension point: TOC listing, an
// optional per-document preprocess step and an optional in-network item
// override. Handlers embed Base and override only what their payer needs.
package payer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"ticmrf/internal/extract"
	"ticmrf/internal/mrf"
	"ticmrf/internal/resolver"
)

// Handler is implemented by every payer handler.
type Handler interface {
	Tag() string
	// ListMRFFiles streams the payer's table of contents at indexURL.
	ListMRFFiles(ctx context.Context, indexURL string, fn func(MRFFile) error) error
	// PreprocessMRFFile runs once per document after provider references
	// are indexed and before the first in-network item.
	PreprocessMRFFile(ctx context.Context, doc *Document) error
	// ParseInNetwork may take over extraction of one raw in-network item.
	// It returns false when the generic strategy should handle the item.
	ParseInNetwork(doc *Document, raw json.RawMessage) ([]mrf.Candidate, bool, error)
	// HandlesUnknownSchema reports whether the handler can still extract a
	// document whose provider references match no known pattern.
	HandlesUnknownSchema() bool
}

// Document is the state a handler sees for one document. It is created by
// the engine for each document and dropped when the document ends.
type Document struct {
	Location   string
	Metadata   mrf.Metadata
	References []mrf.ProviderReference
	Schema     mrf.Schema
	Index      extract.ProviderIndex
	Extractor  *extract.Extractor
	Whitelist  mrf.Set

	// Tally collects anomalies from items a handler extracted itself.
	Tally extract.Tally

	state map[string]any
}

// Set stores handler-owned state for the rest of the document.
func (d *Document) Set(key string, v any) {
	if d.state == nil {
		d.state = make(map[string]any)
	}
	d.state[key] = v
}

// Get returns state stored with Set.
func (d *Document) Get(key string) (any, bool) {
	v, ok := d.state[key]
	return v, ok
}

// extract runs the document's generic extractor over item and collects the
// candidates, adding the tally to the document.
func (d *Document) extract(item *mrf.InNetworkItem, emit func(mrf.Candidate) error) error {
	ex := d.Extractor
	if ex == nil {
		ex = extract.ForSchema(d.Schema)
	}
	t, err := ex.Extract(item, d.Index, d.Whitelist, emit)
	d.Tally.Add(t)
	return err
}

// Base implements Handler with the generic behaviour.
type Base struct {
	tag     string
	fetcher resolver.Fetcher
	filter  PlanFilter
}

// NewBase returns the generic handler for tag. fetcher opens index files.
func NewBase(tag string, fetcher resolver.Fetcher, filter PlanFilter) Base {
	return Base{tag: tag, fetcher: fetcher, filter: filter}
}

// Tag returns the payer tag.
func (b Base) Tag() string { return b.tag }

// ListMRFFiles streams reporting_structure entries, or legacy blobs, from
// the index. fn may return ErrStopListing to end early.
func (b Base) ListMRFFiles(ctx context.Context, indexURL string, fn func(MRFFile) error) error {
	if b.fetcher == nil {
		return fmt.Errorf("list %s: no fetcher configured", indexURL)
	}
	rc, err := b.fetcher.Open(ctx, indexURL)
	if err != nil {
		return fmt.Errorf("list %s: %w", indexURL, err)
	}
	defer rc.Close()

	if err := NewTOCParser(rc, b.filter).Parse(fn); err != nil && !errors.Is(err, ErrStopListing) {
		return fmt.Errorf("list %s: %w", indexURL, err)
	}
	return nil
}

// HandlesUnknownSchema is false: the generic behaviour has nothing to
// offer for such documents.
func (b Base) HandlesUnknownSchema() bool { return false }

// PreprocessMRFFile does nothing.
func (b Base) PreprocessMRFFile(context.Context, *Document) error { return nil }

// ParseInNetwork leaves every item to the generic strategy.
func (b Base) ParseInNetwork(*Document, json.RawMessage) ([]mrf.Candidate, bool, error) {
	return nil, false, nil
}
