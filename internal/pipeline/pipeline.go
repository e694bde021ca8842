// Package pipeline wires configuration into per-document engines and
// sinks, for a single document or for every in-network file a payer's
// table of contents lists.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"ticmrf/internal/config"
	"ticmrf/internal/mrf"
	"ticmrf/internal/payer"
	"ticmrf/internal/resolver"
	"ticmrf/internal/sink"
	"ticmrf/internal/source"
	"ticmrf/internal/stream"
)

// Fetcher opens documents. *source.Adapter satisfies it.
type Fetcher = resolver.Fetcher

// Pipeline holds what every document of a run shares: the fetcher, the
// payer registry, the filter sets and the tracker. Nothing here is
// document state.
type Pipeline struct {
	cfg      *config.Config
	runID    string
	fetcher  Fetcher
	registry *payer.Registry
	tracker  *Tracker
	uploader sink.Uploader
	log      zerolog.Logger

	whitelist mrf.Set
	npiFilter mrf.Set
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRunID sets the run id stamped on records and batch files.
func WithRunID(id string) Option {
	return func(p *Pipeline) { p.runID = id }
}

// WithFetcher replaces the source adapter built from the configuration.
func WithFetcher(f Fetcher) Option {
	return func(p *Pipeline) { p.fetcher = f }
}

// WithRecorder forwards traversal events to r, usually metrics.Manager.
func WithRecorder(r stream.Recorder) Option {
	return func(p *Pipeline) { p.tracker = NewTracker(r) }
}

// WithUploader replaces the S3 uploader built from the configuration.
func WithUploader(u sink.Uploader) Option {
	return func(p *Pipeline) { p.uploader = u }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// New loads the whitelist and NPI filter and builds the shared
// components. cfg should already be validated.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		cfg:     cfg,
		runID:   "local",
		tracker: NewTracker(nil),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.fetcher == nil {
		p.fetcher = source.New(
			source.WithTimeout(cfg.Source.Timeout),
			source.WithHeaderTimeout(cfg.Source.HeaderTimeout),
			source.WithRetries(cfg.Source.Retries),
			source.WithBackoff(cfg.Source.BackoffMin, cfg.Source.BackoffMax),
			source.WithBufferSize(cfg.Source.BufferSize),
			source.WithLogger(p.log),
		)
	}
	p.registry = payer.Default(p.fetcher, payer.PlanFilter{
		MarketType: cfg.Plan.MarketType,
		StateCode:  cfg.Plan.State,
	})

	var err error
	if p.whitelist, err = loadSet(cfg.Whitelist, cfg.WhitelistKey); err != nil {
		return nil, fmt.Errorf("whitelist: %w", err)
	}
	if p.npiFilter, err = loadSet(cfg.NPIFilter, "npi"); err != nil {
		return nil, fmt.Errorf("npi filter: %w", err)
	}
	if len(p.whitelist) > 0 {
		p.log.Info().Int("codes", len(p.whitelist)).Msg("billing code whitelist loaded")
	}

	if p.uploader == nil && cfg.Sink.S3.Bucket != "" {
		s3 := cfg.Sink.S3
		p.uploader, err = sink.NewS3Uploader(ctx, sink.S3Config{
			Bucket:          s3.Bucket,
			Region:          s3.Region,
			Endpoint:        s3.Endpoint,
			AccessKeyID:     s3.AccessKeyID,
			SecretAccessKey: s3.SecretAccessKey,
			UsePathStyle:    s3.PathStyle,
		})
		if err != nil {
			return nil, err
		}
	}
	return p, nil
}

func loadSet(path, key string) (mrf.Set, error) {
	if path == "" {
		return mrf.NewSet(), nil
	}
	return mrf.LoadSet(path, key)
}

// Tracker returns the run tracker.
func (p *Pipeline) Tracker() *Tracker { return p.tracker }

// Registry returns the payer registry.
func (p *Pipeline) Registry() *payer.Registry { return p.registry }

// Fetcher returns the document fetcher.
func (p *Pipeline) Fetcher() Fetcher { return p.fetcher }

// Document names one document to process.
type Document struct {
	Location             string
	ProviderReferenceURL string
	// FileID distinguishes batch files of documents in the same run.
	FileID string
}

// Extract processes one document into fresh sinks.
func (p *Pipeline) Extract(ctx context.Context, doc Document) (*stream.Stats, error) {
	p.tracker.started(doc.Location)

	rc, err := p.fetcher.Open(ctx, doc.Location)
	if err != nil {
		err = fmt.Errorf("open %s: %w", doc.Location, err)
		p.tracker.abandoned(doc.Location, err)
		return nil, err
	}
	defer rc.Close()

	out, err := p.newSink(ctx, doc)
	if err != nil {
		p.tracker.abandoned(doc.Location, err)
		return nil, err
	}

	providerURL := doc.ProviderReferenceURL
	if p.cfg.ProviderReferenceURL != "" {
		providerURL = p.cfg.ProviderReferenceURL
	}
	engine := stream.New(
		stream.WithPayer(p.registry, p.cfg.Payer),
		stream.WithFetcher(p.fetcher),
		stream.WithResolverOptions(
			resolver.WithConcurrency(p.cfg.Resolver.Concurrency),
			resolver.WithFetchTimeout(p.cfg.Resolver.FetchTimeout),
		),
		stream.WithProviderReferenceURL(providerURL),
		stream.WithWhitelist(p.whitelist),
		stream.WithNPIFilter(p.npiFilter),
		stream.WithDedupe(p.cfg.Dedupe),
		stream.WithMaxItems(p.cfg.MaxItems),
		stream.WithMaxDuration(p.cfg.MaxDuration()),
		stream.WithValidationSample(p.cfg.ValidationSample),
		stream.WithSpoolDir(p.cfg.SpoolDir),
		stream.WithLocation(doc.Location),
		stream.WithRecorder(p.tracker),
		stream.WithLogger(p.log),
	)
	return engine.Run(ctx, rc, out)
}

func (p *Pipeline) newSink(ctx context.Context, doc Document) (sink.Sink, error) {
	fileID := doc.FileID
	if fileID == "" {
		fileID = p.runID
	}
	tag := strings.ToLower(strings.TrimSpace(p.cfg.Payer))

	var sinks sink.Multi
	if p.cfg.WantsParquet() {
		ps, err := sink.NewParquet(ctx, sink.ParquetConfig{
			Dir:               filepath.Join(p.cfg.Sink.Dir, tag),
			RunID:             p.runID,
			FileID:            fileID,
			BatchSize:         p.cfg.Sink.BatchSize,
			Payer:             tag,
			FileType:          payer.TypeInNetwork,
			Uploader:          p.uploader,
			Prefix:            p.cfg.Sink.S3.Prefix,
			DeleteAfterUpload: p.cfg.Sink.S3.DeleteAfterUpload,
			Logger:            p.log,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, ps)
	}
	if p.cfg.WantsPostgres() {
		pg, err := sink.NewPostgres(ctx, sink.PostgresConfig{
			DSN:       p.cfg.Sink.Postgres.DSN,
			Table:     p.cfg.Sink.Postgres.Table,
			RunID:     p.runID,
			BatchSize: p.cfg.Sink.BatchSize,
		})
		if err != nil {
			return nil, errors.Join(err, sinks.Close())
		}
		sinks = append(sinks, pg)
	}
	if len(sinks) == 0 {
		return &sink.Discard{}, nil
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return sinks, nil
}

// Summary describes a table of contents run.
type Summary struct {
	Listed     int
	Duplicates int
	Documents  int
	Failed     int
	Written    int64
}

// Run lists indexURL through the payer handler and processes every
// in-network file with at most cfg.Workers documents in flight. A failed
// document is logged and counted; the run continues. Only listing errors
// and cancellation end the run early.
func (p *Pipeline) Run(ctx context.Context, indexURL string) (*Summary, error) {
	h := p.registry.Resolve(p.cfg.Payer)
	sum := &Summary{}

	seen := make(map[string]struct{})
	var docs []payer.MRFFile
	err := h.ListMRFFiles(ctx, indexURL, func(f payer.MRFFile) error {
		sum.Listed++
		if f.Type != payer.TypeInNetwork && f.Type != payer.TypeUnknown {
			return nil
		}
		if _, dup := seen[f.URL]; dup {
			sum.Duplicates++
			return nil
		}
		seen[f.URL] = struct{}{}
		docs = append(docs, f)
		if p.cfg.MaxFiles > 0 && len(docs) >= p.cfg.MaxFiles {
			return payer.ErrStopListing
		}
		return nil
	})
	if err != nil {
		return sum, err
	}
	p.log.Info().Str("index", indexURL).Int("listed", sum.Listed).Int("documents", len(docs)).
		Int("duplicates", sum.Duplicates).Msg("table of contents listed")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	results := make([]*stream.Stats, len(docs))
	failed := make([]bool, len(docs))
	for i, f := range docs {
		i, f := i, f
		g.Go(func() error {
			st, err := p.Extract(gctx, Document{
				Location:             f.URL,
				ProviderReferenceURL: f.ProviderReferenceURL,
				FileID:               fmt.Sprintf("%s_%s", p.runID, slug(f, i)),
			})
			results[i] = st
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failed[i] = true
				p.log.Error().Err(err).Str("location", f.URL).Msg("document failed")
			}
			return nil
		})
	}
	err = g.Wait()

	for i := range docs {
		if results[i] == nil && !failed[i] {
			continue
		}
		sum.Documents++
		if failed[i] {
			sum.Failed++
		}
		if results[i] != nil {
			sum.Written += results[i].Written
		}
	}
	return sum, err
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// slug names a listed file for use in batch file names.
func slug(f payer.MRFFile, i int) string {
	s := unsafeChars.ReplaceAllString(f.PlanName, "_")
	s = strings.Trim(strings.ToLower(s), "_")
	if len(s) > 40 {
		s = s[:40]
	}
	if s == "" {
		s = "file"
	}
	return fmt.Sprintf("%04d_%s", i, s)
}
