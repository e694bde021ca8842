// Package resolver maps provider group ids to provider groups for a single
// document. A Resolver must not be reused across documents: ids are only
// unique within the document that defines them.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"ticmrf/internal/mrf"
)

const (
	defaultConcurrency  = 10
	defaultFetchTimeout = 30 * time.Second
)

var (
	// ErrNotFound is returned for ids the document never defined.
	ErrNotFound = errors.New("provider reference not found")
	// ErrNoProviderData marks references that carry neither provider
	// groups nor a location, and fetched payloads without provider groups.
	ErrNoProviderData = errors.New("no provider data")
)

// UnresolvedError is returned for ids whose provider data could not be
// obtained.
type UnresolvedError struct {
	ID       mrf.RefID
	Location string
	Err      error
}

func (e *UnresolvedError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("provider reference %s (%s): %v", e.ID, e.Location, e.Err)
	}
	return fmt.Sprintf("provider reference %s: %v", e.ID, e.Err)
}

func (e *UnresolvedError) Unwrap() error { return e.Err }

// Fetcher opens a location. source.Adapter satisfies it.
type Fetcher interface {
	Open(ctx context.Context, location string) (io.ReadCloser, error)
}

// Stats describes how the index was built.
type Stats struct {
	Entries     int
	Inline      int
	Locations   int
	Fetched     int
	FetchFailed int
	Anomalies   int
	External    int
}

// Resolver indexes provider references for one document.
type Resolver struct {
	fetcher     Fetcher
	concurrency int
	timeout     time.Duration
	log         zerolog.Logger

	mu         sync.Mutex
	index      map[mrf.RefID][]mrf.ProviderGroup
	unresolved map[mrf.RefID]error
	external   []mrf.ProviderReference
	stats      Stats
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithConcurrency bounds concurrent location fetches.
func WithConcurrency(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithFetchTimeout bounds each location fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Resolver) { r.log = l }
}

// New creates an empty Resolver. fetcher may be nil when the document has
// no location references; such references then fail to resolve.
func New(fetcher Fetcher, opts ...Option) *Resolver {
	r := &Resolver{
		fetcher:     fetcher,
		concurrency: defaultConcurrency,
		timeout:     defaultFetchTimeout,
		log:         zerolog.Nop(),
		index:       make(map[mrf.RefID][]mrf.ProviderGroup),
		unresolved:  make(map[mrf.RefID]error),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// MergeExternal loads provider references from a separate document, either
// {"provider_references":[...]} or a bare array. They are indexed by the
// next Build, where references in the document itself take precedence.
func (r *Resolver) MergeExternal(ctx context.Context, location string) error {
	if r.fetcher == nil {
		return fmt.Errorf("merge %s: no fetcher configured", location)
	}
	rc, err := r.fetcher.Open(ctx, location)
	if err != nil {
		return fmt.Errorf("merge %s: %w", location, err)
	}
	defer rc.Close()

	refs, err := decodeReferenceDocument(rc)
	if err != nil {
		return fmt.Errorf("merge %s: %w", location, err)
	}
	r.mu.Lock()
	r.external = append(r.external, refs...)
	r.stats.External += len(refs)
	r.mu.Unlock()
	r.log.Info().Str("location", location).Int("references", len(refs)).Msg("merged external provider references")
	return nil
}

func decodeReferenceDocument(rd io.Reader) ([]mrf.ProviderReference, error) {
	dec := json.NewDecoder(rd)
	t, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("read opening token: %w", err)
	}
	var refs []mrf.ProviderReference
	decodeArray := func() error {
		for dec.More() {
			var ref mrf.ProviderReference
			if err := dec.Decode(&ref); err != nil {
				return fmt.Errorf("decode provider_reference: %w", err)
			}
			refs = append(refs, ref)
		}
		_, err := dec.Token()
		return err
	}

	switch t {
	case json.Delim('['):
		return refs, decodeArray()
	case json.Delim('{'):
	default:
		return nil, fmt.Errorf("expected object or array, got %v", t)
	}
	for dec.More() {
		field, err := mrf.FieldName(dec)
		if err != nil {
			return nil, err
		}
		if field != "provider_references" {
			if err := mrf.SkipValue(dec); err != nil {
				return nil, fmt.Errorf("skip field %s: %w", field, err)
			}
			continue
		}
		if err := mrf.ExpectDelim(dec, '['); err != nil {
			return nil, err
		}
		if err := decodeArray(); err != nil {
			return nil, err
		}
	}
	return refs, nil
}

// Build indexes refs. Inline entries are indexed directly; location
// entries are fetched concurrently, and Build returns only after every
// fetch has finished. Fetch failures do not fail Build: the affected ids
// resolve to an *UnresolvedError. Only context cancellation is returned.
func (r *Resolver) Build(ctx context.Context, refs []mrf.ProviderReference) error {
	r.mu.Lock()
	all := make([]mrf.ProviderReference, 0, len(r.external)+len(refs))
	all = append(all, r.external...)
	r.mu.Unlock()
	all = append(all, refs...)

	// Later entries win, so in-document references override external ones.
	final := make(map[mrf.RefID]mrf.ProviderReference, len(all))
	order := make([]mrf.RefID, 0, len(all))
	for _, ref := range all {
		if _, seen := final[ref.ProviderGroupID]; !seen {
			order = append(order, ref.ProviderGroupID)
		}
		final[ref.ProviderGroupID] = ref
	}

	byLocation := make(map[string][]mrf.RefID)
	var locations []string

	r.mu.Lock()
	r.stats.Entries = len(final)
	for _, id := range order {
		ref := final[id]
		switch {
		case len(ref.ProviderGroups) > 0:
			r.index[id] = ref.ProviderGroups
			r.stats.Inline++
		case ref.Location != "":
			if _, ok := byLocation[ref.Location]; !ok {
				locations = append(locations, ref.Location)
			}
			byLocation[ref.Location] = append(byLocation[ref.Location], id)
		default:
			r.unresolved[id] = ErrNoProviderData
			r.stats.Anomalies++
		}
	}
	r.stats.Locations = len(locations)
	r.mu.Unlock()

	if len(locations) == 0 {
		return nil
	}

	r.log.Info().Int("locations", len(locations)).Int("concurrency", r.concurrency).
		Msg("fetching provider references")
	start := time.Now()

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for _, loc := range locations {
		loc := loc
		ids := byLocation[loc]
		g.Go(func() error {
			r.fetchLocation(ctx, loc, ids)
			return nil
		})
	}
	g.Wait()

	st := r.Stats()
	r.log.Info().Int("fetched", st.Fetched).Int("failed", st.FetchFailed).
		Dur("elapsed", time.Since(start)).Msg("provider references fetched")
	return ctx.Err()
}

type locationPayload struct {
	ProviderGroupID    mrf.RefID               `json:"provider_group_id"`
	ProviderGroups     []mrf.ProviderGroup     `json:"provider_groups"`
	ProviderReferences []mrf.ProviderReference `json:"provider_references"`
}

func (r *Resolver) fetchLocation(ctx context.Context, loc string, ids []mrf.RefID) {
	groups, err := r.fetchGroups(ctx, loc)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.stats.FetchFailed++
		for _, id := range ids {
			r.unresolved[id] = &UnresolvedError{ID: id, Location: loc, Err: err}
		}
		r.log.Warn().Err(err).Str("location", loc).Int("ids", len(ids)).Msg("provider reference fetch failed")
		return
	}
	r.stats.Fetched++
	for _, id := range ids {
		if g := groups(id); len(g) > 0 {
			r.index[id] = g
		} else {
			r.unresolved[id] = &UnresolvedError{ID: id, Location: loc, Err: ErrNoProviderData}
		}
	}
}

// fetchGroups returns a lookup from originating id to groups, since one
// location may serve several ids.
func (r *Resolver) fetchGroups(ctx context.Context, loc string) (func(mrf.RefID) []mrf.ProviderGroup, error) {
	if r.fetcher == nil {
		return nil, errors.New("no fetcher configured")
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	rc, err := r.fetcher.Open(ctx, loc)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var p locationPayload
	if err := json.NewDecoder(rc).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode provider payload: %w", err)
	}
	if len(p.ProviderGroups) > 0 {
		return func(mrf.RefID) []mrf.ProviderGroup { return p.ProviderGroups }, nil
	}
	if len(p.ProviderReferences) == 0 {
		return nil, ErrNoProviderData
	}

	// A payload with a single entry serves the referring id whatever its own
	// id is. With several entries only a matching id resolves.
	if len(p.ProviderReferences) == 1 {
		only := p.ProviderReferences[0].ProviderGroups
		return func(mrf.RefID) []mrf.ProviderGroup { return only }, nil
	}
	byID := make(map[mrf.RefID][]mrf.ProviderGroup, len(p.ProviderReferences))
	for _, ref := range p.ProviderReferences {
		byID[ref.ProviderGroupID] = append(byID[ref.ProviderGroupID], ref.ProviderGroups...)
	}
	return func(id mrf.RefID) []mrf.ProviderGroup { return byID[id] }, nil
}

// Resolve returns the provider groups for id.
func (r *Resolver) Resolve(id mrf.RefID) ([]mrf.ProviderGroup, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.index[id]; ok {
		return g, nil
	}
	if err, ok := r.unresolved[id]; ok {
		var uerr *UnresolvedError
		if errors.As(err, &uerr) {
			return nil, uerr
		}
		return nil, &UnresolvedError{ID: id, Err: err}
	}
	return nil, ErrNotFound
}

// Stats returns a snapshot of build statistics.
func (r *Resolver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Unresolved returns the ids that failed to resolve, sorted.
func (r *Resolver) Unresolved() []mrf.RefID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]mrf.RefID, 0, len(r.unresolved))
	for id := range r.unresolved {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
