// Package stream drives a single pass over one in-network rates document.
// provider_references is read whole; in_network is pulled one item at a
// time and every candidate goes through the normalizer straight into the
// sink, so memory does not grow with the size of in_network.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"ticmrf/internal/extract"
	"ticmrf/internal/mrf"
	"ticmrf/internal/normalize"
	"ticmrf/internal/payer"
	"ticmrf/internal/resolver"
	"ticmrf/internal/sink"
)

const (
	progressEvery = 10_000
	// DefaultValidationSample is how many provider references are checked
	// against the detected schema.
	DefaultValidationSample = 1000
)

// Engine traverses documents. An Engine holds configuration only and may
// run several documents, each with its own resolver and handler state.
type Engine struct {
	handler payer.Handler

	fetcher     resolver.Fetcher
	resolverOps []resolver.Option
	providerURL string

	whitelist mrf.Set
	npiFilter mrf.Set
	dedupe    bool

	maxItems    int64
	maxDuration time.Duration
	sample      int
	spoolDir    string
	location    string

	recorder Recorder
	log      zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithPayer selects the handler for tag from reg. Tags without a registered
// handler get the generic one.
func WithPayer(reg *payer.Registry, tag string) Option {
	return func(e *Engine) { e.handler = reg.Resolve(tag) }
}

// WithHandler uses h as the payer handler.
func WithHandler(h payer.Handler) Option {
	return func(e *Engine) { e.handler = h }
}

// WithFetcher sets the fetcher used for location references.
func WithFetcher(f resolver.Fetcher) Option {
	return func(e *Engine) { e.fetcher = f }
}

// WithResolverOptions passes options to every per-document resolver.
func WithResolverOptions(opts ...resolver.Option) Option {
	return func(e *Engine) { e.resolverOps = append(e.resolverOps, opts...) }
}

// WithProviderReferenceURL merges provider references from url before the
// document's own.
func WithProviderReferenceURL(url string) Option {
	return func(e *Engine) { e.providerURL = url }
}

// WithWhitelist restricts output to billing codes in s. An empty set keeps
// every code.
func WithWhitelist(s mrf.Set) Option {
	return func(e *Engine) { e.whitelist = s }
}

// WithNPIFilter restricts output to providers in s.
func WithNPIFilter(s mrf.Set) Option {
	return func(e *Engine) { e.npiFilter = s }
}

// WithDedupe drops records identical to one already written for the
// document.
func WithDedupe(on bool) Option {
	return func(e *Engine) { e.dedupe = on }
}

// WithMaxItems stops after n in-network items.
func WithMaxItems(n int64) Option {
	return func(e *Engine) { e.maxItems = n }
}

// WithMaxDuration stops after d has elapsed.
func WithMaxDuration(d time.Duration) Option {
	return func(e *Engine) { e.maxDuration = d }
}

// WithValidationSample sets how many references Validate checks. n <= 0
// checks all of them.
func WithValidationSample(n int) Option {
	return func(e *Engine) { e.sample = n }
}

// WithSpoolDir sets where in_network is spooled when it precedes
// provider_references. Defaults to the system temp dir.
func WithSpoolDir(dir string) Option {
	return func(e *Engine) { e.spoolDir = dir }
}

// WithLocation names the document in logs and stats.
func WithLocation(loc string) Option {
	return func(e *Engine) { e.location = loc }
}

// WithRecorder reports progress to r.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New creates an Engine. Without WithPayer or WithHandler records are
// stamped with the "unknown" payer tag.
func New(opts ...Option) *Engine {
	e := &Engine{
		sample:   DefaultValidationSample,
		recorder: nopRecorder{},
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.handler == nil {
		e.handler = payer.NewBase("unknown", e.fetcher, payer.PlanFilter{})
	}
	return e
}

// Run traverses the document read from r and writes accepted records to
// out. out is closed exactly once before Run returns, and a close error is
// joined into the result. The returned Stats are valid on error too.
func (e *Engine) Run(ctx context.Context, r io.Reader, out sink.Sink) (st *Stats, err error) {
	start := time.Now()
	t := &traversal{
		Engine: e,
		ctx:    ctx,
		dec:    json.NewDecoder(r),
		out:    out,
		start:  start,
		log:    e.log.With().Str("payer", e.handler.Tag()).Str("location", e.location).Logger(),
		stats: &Stats{
			Location:   e.location,
			Payer:      e.handler.Tag(),
			Schema:     mrf.SchemaUnknown,
			Skipped:    make(map[string]int64),
			StopReason: StopComplete,
		},
	}
	st = t.stats

	defer func() {
		if cerr := out.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close sink: %w", cerr))
		}
		if t.doc != nil {
			st.Extraction.Add(t.doc.Tally)
		}
		if t.res != nil {
			st.Resolver = t.res.Stats()
		}
		st.Elapsed = time.Since(start)
		e.recorder.DocumentFinished(st, err)

		ev := t.log.Info()
		if err != nil {
			ev = t.log.Error().Err(err)
		}
		ev.Str("schema", string(st.Schema)).
			Int64("items", st.Items).
			Int64("candidates", st.Candidates).
			Int64("written", st.Written).
			Int64("skipped", st.SkippedTotal()).
			Int64("unresolved_refs", st.Extraction.UnresolvedRefs).
			Str("stop", st.StopReason).
			Dur("elapsed", st.Elapsed).
			Msg("document finished")
	}()

	err = t.run()
	return st, err
}

// traversal is the per-document state of one Run.
type traversal struct {
	*Engine
	ctx   context.Context
	dec   *json.Decoder
	out   sink.Sink
	start time.Time
	log   zerolog.Logger
	stats *Stats

	meta     mrf.Metadata
	refs     []mrf.ProviderReference
	refsSeen bool

	res       *resolver.Resolver
	doc       *payer.Document
	extractor *extract.Extractor
	norm      *normalize.Normalizer
	prepared  bool
	stopped   bool

	spool *spool
}

func (t *traversal) run() error {
	defer func() {
		if t.spool != nil {
			t.spool.remove()
		}
	}()

	if err := mrf.ExpectDelim(t.dec, '{'); err != nil {
		return fmt.Errorf("read document start: %w", err)
	}
	for t.dec.More() {
		field, err := mrf.FieldName(t.dec)
		if err != nil {
			return err
		}
		if ok, err := mrf.DecodeMetadataField(t.dec, field, &t.meta); ok {
			if err != nil {
				return err
			}
			continue
		}

		switch field {
		case "provider_references":
			err = t.readReferences()
		case "in_network":
			err = t.readInNetwork()
		default:
			if err = mrf.SkipValue(t.dec); err != nil {
				err = fmt.Errorf("skip field %s: %w", field, err)
			}
		}
		if err != nil {
			return err
		}
		if t.stopped {
			return nil
		}
	}

	if t.spool != nil {
		return t.replay()
	}
	return nil
}

func (t *traversal) readReferences() error {
	t.refsSeen = true
	return mrf.StreamArray(t.dec, func() error {
		var ref mrf.ProviderReference
		if err := t.dec.Decode(&ref); err != nil {
			return fmt.Errorf("decode provider_reference %d: %w", len(t.refs), err)
		}
		t.refs = append(t.refs, ref)
		return nil
	})
}

func (t *traversal) readInNetwork() error {
	if !t.refsSeen {
		return t.spoolInNetwork()
	}
	if err := t.prepare(); err != nil {
		return err
	}
	return t.streamItems(t.dec, true)
}

// streamItems processes the in_network array read from dec. The array
// brackets are present only when reading the document itself.
func (t *traversal) streamItems(dec *json.Decoder, bracketed bool) error {
	if bracketed {
		if err := mrf.ExpectDelim(dec, '['); err != nil {
			return fmt.Errorf("read in_network start: %w", err)
		}
	}
	for dec.More() {
		if err := t.ctx.Err(); err != nil {
			return err
		}
		if t.limitReached() {
			t.stopped = true
			return nil
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("decode in_network item %d: %w", t.stats.Items, err)
		}
		if err := t.processItem(raw); err != nil {
			return err
		}
	}
	if bracketed {
		if _, err := dec.Token(); err != nil {
			return fmt.Errorf("read in_network end: %w", err)
		}
	}
	return nil
}

func (t *traversal) limitReached() bool {
	if t.maxItems > 0 && t.stats.Items >= t.maxItems {
		t.stats.StopReason = StopMaxItems
		t.log.Info().Int64("items", t.stats.Items).Msg("max items reached")
		return true
	}
	if t.maxDuration > 0 && time.Since(t.start) >= t.maxDuration {
		t.stats.StopReason = StopMaxDuration
		t.log.Info().Dur("elapsed", time.Since(t.start)).Msg("max duration reached")
		return true
	}
	return false
}

// prepare runs once, before the first item: detect and validate the
// schema, build the resolver and run the payer preprocess hook.
func (t *traversal) prepare() error {
	if t.prepared {
		return nil
	}
	t.prepared = true

	schema := mrf.Detect(t.refs)
	t.stats.Schema = schema
	switch {
	case len(t.refs) == 0:
		t.log.Debug().Msg("no provider references")
	case schema == mrf.SchemaUnknown && !t.handler.HandlesUnknownSchema():
		return fmt.Errorf("%s: %w", t.describe(), mrf.ErrUnknownSchema)
	case schema == mrf.SchemaUnknown:
		t.log.Warn().Msg("unknown provider reference schema, deferring to payer handler")
	default:
		t.validate(schema)
	}

	t.res = resolver.New(t.fetcher, append([]resolver.Option{resolver.WithLogger(t.log)}, t.resolverOps...)...)
	if t.providerURL != "" {
		if err := t.res.MergeExternal(t.ctx, t.providerURL); err != nil {
			t.stats.ExternalRefError = true
			t.log.Warn().Err(err).Msg("external provider references not merged")
		}
	}
	if err := t.res.Build(t.ctx, t.refs); err != nil {
		return fmt.Errorf("build provider index: %w", err)
	}

	var exOpts []extract.Option
	if len(t.npiFilter) > 0 {
		exOpts = append(exOpts, extract.WithNPIFilter(t.npiFilter))
	}
	t.extractor = extract.ForSchema(schema, exOpts...)

	t.doc = &payer.Document{
		Location:   t.location,
		Metadata:   t.meta,
		References: t.refs,
		Schema:     schema,
		Index:      t.res,
		Extractor:  t.extractor,
		Whitelist:  t.whitelist,
	}
	if err := t.handler.PreprocessMRFFile(t.ctx, t.doc); err != nil {
		return fmt.Errorf("preprocess %s: %w", t.describe(), err)
	}

	var nOpts []normalize.Option
	if t.dedupe {
		nOpts = append(nOpts, normalize.WithDeduper(normalize.NewDeduper()))
	}
	t.norm = normalize.New(t.whitelist, t.handler.Tag(), nOpts...)

	t.log.Info().Str("schema", string(schema)).Int("references", len(t.refs)).
		Str("reporting_entity", t.meta.ReportingEntityName).Msg("document prepared")
	return nil
}

func (t *traversal) validate(schema mrf.Schema) {
	err := mrf.Validate(t.refs, schema, t.sample)
	var verr *mrf.ValidationError
	if !errors.As(err, &verr) {
		return
	}
	t.stats.MixedSchema = verr.Mixed()
	t.stats.ReferenceIssues = len(verr.Anomalies())
	ev := t.log.Warn().Err(err).Int("anomalies", t.stats.ReferenceIssues)
	if verr.Mixed() {
		ev.Msg("mixed provider reference schemas, resolving per reference")
		return
	}
	ev.Msg("provider references failed validation")
}

func (t *traversal) describe() string {
	if t.location != "" {
		return t.location
	}
	return "document"
}

func (t *traversal) processItem(raw json.RawMessage) error {
	t.stats.Items++
	t.recorder.ItemProcessed()
	if t.stats.Items%progressEvery == 0 {
		t.log.Info().Int64("items", t.stats.Items).Int64("candidates", t.stats.Candidates).
			Int64("written", t.stats.Written).Int64("skipped", t.stats.SkippedTotal()).
			Dur("elapsed", time.Since(t.start)).Msg("progress")
	}

	cands, handled, err := t.handler.ParseInNetwork(t.doc, raw)
	if err != nil {
		t.malformed(err)
		return nil
	}
	if handled {
		t.stats.HandledItems++
		for _, c := range cands {
			if err := t.emit(c); err != nil {
				return err
			}
		}
		return nil
	}

	item, err := mrf.DecodeItem(raw)
	if err != nil {
		t.malformed(err)
		return nil
	}
	tally, err := t.extractor.Extract(item, t.res, t.whitelist, t.emit)
	t.stats.Extraction.Add(tally)
	return err
}

func (t *traversal) malformed(err error) {
	t.stats.MalformedItems++
	t.log.Warn().Err(err).Int64("item", t.stats.Items).Msg("malformed in_network item skipped")
}

func (t *traversal) emit(c mrf.Candidate) error {
	t.stats.Candidates++
	t.recorder.CandidateEmitted()

	rec, reason := t.norm.Apply(c)
	if reason != normalize.Accepted {
		t.stats.Skipped[string(reason)]++
		t.recorder.RecordSkipped(string(reason))
		return nil
	}
	if err := t.out.Write(rec); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	t.stats.Written++
	t.recorder.RecordWritten()
	return nil
}
