package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"ticmrf/internal/config"
	"ticmrf/internal/logging"
)

// globalOptions are the persistent flags. Flags that were set on the
// command line override the loaded configuration.
type globalOptions struct {
	configPath string
	payer      string
	logLevel   string
	logFormat  string
	whitelist  string
	npiFilter  string
	output     string
	outDir     string
	maxItems   int64
	maxMinutes float64
	workers    int
	metrics    string

	flags *cobra.Command
}

func (o *globalOptions) register(cmd *cobra.Command) {
	o.flags = cmd
	f := cmd.PersistentFlags()
	f.StringVar(&o.configPath, "config", "", "YAML config file (default $TICMRF_CONFIG)")
	f.StringVarP(&o.payer, "payer", "p", "", "payer tag, see the payers command")
	f.StringVar(&o.logLevel, "log-level", "", "log level: debug, info, warn, error")
	f.StringVar(&o.logFormat, "log-format", "", "log format: console or json")
	f.StringVar(&o.whitelist, "whitelist", "", "billing code whitelist file (JSON array or one code per line)")
	f.StringVar(&o.npiFilter, "npi-filter", "", "NPI filter file")
	f.StringVarP(&o.output, "output", "o", "", "output: parquet, postgres, both or discard")
	f.StringVar(&o.outDir, "out-dir", "", "directory for parquet batches")
	f.Int64Var(&o.maxItems, "max-items", 0, "stop each document after this many in_network items")
	f.Float64Var(&o.maxMinutes, "max-time", 0, "stop each document after this many minutes")
	f.IntVar(&o.workers, "workers", 0, "documents processed in parallel by run")
	f.StringVar(&o.metrics, "metrics-addr", "", "serve /metrics and /stats on this address")
}

func (o *globalOptions) changed(name string) bool {
	return o.flags.PersistentFlags().Changed(name)
}

// load reads the configuration, applies flag overrides and builds the
// logger.
func (o *globalOptions) load() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if o.changed("payer") {
		cfg.Payer = o.payer
	}
	if o.changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if o.changed("log-format") {
		cfg.Log.Format = o.logFormat
	}
	if o.changed("whitelist") {
		cfg.Whitelist = o.whitelist
	}
	if o.changed("npi-filter") {
		cfg.NPIFilter = o.npiFilter
	}
	if o.changed("output") {
		cfg.Sink.Output = o.output
	}
	if o.changed("out-dir") {
		cfg.Sink.Dir = o.outDir
	}
	if o.changed("max-items") {
		cfg.MaxItems = o.maxItems
	}
	if o.changed("max-time") {
		cfg.MaxTimeMinutes = o.maxMinutes
	}
	if o.changed("workers") {
		cfg.Workers = o.workers
	}
	if o.changed("metrics-addr") {
		cfg.Metrics.Addr = o.metrics
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	return cfg, logger, nil
}
