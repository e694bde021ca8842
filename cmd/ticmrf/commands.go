package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"ticmrf/internal/config"
	"ticmrf/internal/metrics"
	"ticmrf/internal/mrf"
	"ticmrf/internal/payer"
	"ticmrf/internal/pipeline"
	"ticmrf/internal/server"
	"ticmrf/internal/source"
)

func newFetcher(cfg *config.Config, logger zerolog.Logger) *source.Adapter {
	return source.New(
		source.WithTimeout(cfg.Source.Timeout),
		source.WithHeaderTimeout(cfg.Source.HeaderTimeout),
		source.WithRetries(cfg.Source.Retries),
		source.WithBackoff(cfg.Source.BackoffMin, cfg.Source.BackoffMax),
		source.WithBufferSize(cfg.Source.BufferSize),
		source.WithLogger(logger),
	)
}

// newPipeline validates cfg and builds the pipeline, starting the status
// server when metrics.addr is set. The returned func stops the server.
func newPipeline(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*pipeline.Pipeline, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	runID := uuid.NewString()
	logger = logger.With().Str("run_id", runID).Str("payer", cfg.Payer).Logger()

	opts := []pipeline.Option{
		pipeline.WithRunID(runID),
		pipeline.WithFetcher(newFetcher(cfg, logger)),
		pipeline.WithLogger(logger),
	}
	var mgr *metrics.Manager
	if cfg.Metrics.Addr != "" {
		mgr = metrics.NewManager()
		opts = append(opts, pipeline.WithRecorder(mgr))
	}
	p, err := pipeline.New(ctx, cfg, opts...)
	if err != nil {
		return nil, nil, err
	}

	stop := func() {}
	if mgr != nil {
		srv := server.New(cfg.Metrics.Addr, mgr.Handler(), func() any { return p.Tracker().Snapshot() }, logger)
		srv.Start()
		stop = func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				logger.Warn().Err(err).Msg("status server shutdown")
			}
		}
	}
	return p, stop, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func extractCmd(opts *globalOptions) *cobra.Command {
	var providerURL string
	var dedupe bool
	cmd := &cobra.Command{
		Use:   "extract <url|path>",
		Short: "Extract normalized rates from one in-network file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			if providerURL != "" {
				cfg.ProviderReferenceURL = providerURL
			}
			if cmd.Flags().Changed("dedupe") {
				cfg.Dedupe = dedupe
			}

			p, stop, err := newPipeline(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer stop()

			st, err := p.Extract(cmd.Context(), pipeline.Document{Location: args[0]})
			if st != nil {
				if perr := printJSON(st); perr != nil {
					return errors.Join(err, perr)
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&providerURL, "provider-references", "", "external provider reference file merged before resolution")
	cmd.Flags().BoolVar(&dedupe, "dedupe", false, "drop records identical to one already written")
	return cmd
}

func runCmd(opts *globalOptions) *cobra.Command {
	var maxFiles int
	var market, state string
	cmd := &cobra.Command{
		Use:   "run <index-url>",
		Short: "Process every in-network file listed by a table of contents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("max-files") {
				cfg.MaxFiles = maxFiles
			}
			if market != "" {
				cfg.Plan.MarketType = market
			}
			if state != "" {
				cfg.Plan.State = state
			}

			p, stop, err := newPipeline(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer stop()

			start := time.Now()
			sum, err := p.Run(cmd.Context(), args[0])
			if sum != nil {
				logger.Info().Int("documents", sum.Documents).Int("failed", sum.Failed).
					Int64("written", sum.Written).Dur("elapsed", time.Since(start)).Msg("run finished")
				if perr := printJSON(sum); perr != nil {
					return errors.Join(err, perr)
				}
			}
			return err
		},
	}
	cmd.Flags().IntVar(&maxFiles, "max-files", 0, "stop after this many documents")
	cmd.Flags().StringVar(&market, "market-type", "", "only plans with this market type")
	cmd.Flags().StringVar(&state, "state", "", "only HIOS plans issued in this state")
	return cmd
}

func listCmd(opts *globalOptions) *cobra.Command {
	var parquetPath string
	var market, state string
	cmd := &cobra.Command{
		Use:   "list <index-url>",
		Short: "List the files a table of contents references",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			tag := cfg.Payer
			if tag == "" {
				tag = "unknown"
			}
			filter := payer.PlanFilter{MarketType: cfg.Plan.MarketType, StateCode: cfg.Plan.State}
			if market != "" {
				filter.MarketType = market
			}
			if state != "" {
				filter.StateCode = state
			}
			h := payer.Default(newFetcher(cfg, logger), filter).Resolve(tag)

			if parquetPath == "" {
				enc := json.NewEncoder(os.Stdout)
				return h.ListMRFFiles(cmd.Context(), args[0], func(f payer.MRFFile) error {
					return enc.Encode(f)
				})
			}

			w, err := payer.NewListingWriter(parquetPath, tag)
			if err != nil {
				return err
			}
			err = h.ListMRFFiles(cmd.Context(), args[0], w.Write)
			if cerr := w.Close(); cerr != nil {
				err = errors.Join(err, cerr)
			}
			if err != nil {
				return err
			}
			logger.Info().Int("files", w.Count()).Str("path", parquetPath).Msg("listing written")
			return nil
		},
	}
	cmd.Flags().StringVar(&parquetPath, "parquet", "", "write the listing to this parquet file instead of stdout")
	cmd.Flags().StringVar(&market, "market-type", "", "only plans with this market type")
	cmd.Flags().StringVar(&state, "state", "", "only HIOS plans issued in this state")
	return cmd
}

func detectCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "detect <url|path>",
		Short: "Print the provider reference schema of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			rc, err := newFetcher(cfg, logger).Open(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer rc.Close()

			schema, err := mrf.Peek(rc)
			if err != nil {
				return fmt.Errorf("detect %s: %w", args[0], err)
			}
			fmt.Println(schema)
			return nil
		},
	}
}

func inspectCmd(opts *globalOptions) *cobra.Command {
	var samples int
	cmd := &cobra.Command{
		Use:   "inspect <url|path>",
		Short: "Report the top-level structure of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			rc, err := newFetcher(cfg, logger).Open(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer rc.Close()

			rep, err := mrf.Inspect(rc, samples)
			if rep != nil {
				if perr := printJSON(rep); perr != nil {
					return errors.Join(err, perr)
				}
			}
			return err
		},
	}
	cmd.Flags().IntVar(&samples, "samples", 5, "in_network items decoded for the report")
	return cmd
}

func payersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "payers",
		Short: "List payer tags with a registered handler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, tag := range payer.Default(nil, payer.PlanFilter{}).Tags() {
				fmt.Println(tag)
			}
			return nil
		},
	}
}
