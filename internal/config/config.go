// Package config loads ticmrf settings from defaults, an optional YAML
// file and TICMRF_ environment variables, in that order.
package config

import (
	"time"
)

// Sink outputs.
const (
	OutputParquet  = "parquet"
	OutputPostgres = "postgres"
	OutputBoth     = "both"
	OutputDiscard  = "discard"
)

// Config is the full ticmrf configuration.
type Config struct {
	// Payer is the tag stamped on every record and used to pick a handler.
	Payer string `koanf:"payer"`

	// Whitelist is a file of billing codes; empty keeps every code.
	Whitelist    string `koanf:"whitelist"`
	WhitelistKey string `koanf:"whitelist_key"`
	NPIFilter    string `koanf:"npi_filter"`

	MaxItems       int64   `koanf:"max_items"`
	MaxTimeMinutes float64 `koanf:"max_time_minutes"`

	ProviderReferenceURL string `koanf:"provider_reference_url"`
	Dedupe               bool   `koanf:"dedupe"`
	ValidationSample     int    `koanf:"validation_sample"`
	SpoolDir             string `koanf:"spool_dir"`

	// Workers bounds documents processed in parallel by the run command.
	Workers int `koanf:"workers"`
	// MaxFiles stops the run command after this many documents.
	MaxFiles int `koanf:"max_files"`

	Plan     PlanConfig     `koanf:"plan"`
	Source   SourceConfig   `koanf:"source"`
	Resolver ResolverConfig `koanf:"resolver"`
	Sink     SinkConfig     `koanf:"sink"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Log      LogConfig      `koanf:"log"`
}

// PlanConfig filters TOC reporting structures.
type PlanConfig struct {
	MarketType string `koanf:"market_type"`
	State      string `koanf:"state"`
}

// SourceConfig tunes document fetching.
type SourceConfig struct {
	// Timeout bounds a whole document read, body included. Zero leaves
	// long documents to max_time_minutes.
	Timeout time.Duration `koanf:"timeout"`
	// HeaderTimeout bounds connecting until response headers arrive.
	HeaderTimeout time.Duration `koanf:"header_timeout"`

	Retries    int           `koanf:"retries"`
	BackoffMin time.Duration `koanf:"backoff_min"`
	BackoffMax time.Duration `koanf:"backoff_max"`
	BufferSize int           `koanf:"buffer_size"`
}

// ResolverConfig tunes provider reference fetching.
type ResolverConfig struct {
	Concurrency  int           `koanf:"concurrency"`
	FetchTimeout time.Duration `koanf:"fetch_timeout"`
}

// SinkConfig selects and tunes outputs.
type SinkConfig struct {
	Output    string         `koanf:"output"`
	Dir       string         `koanf:"dir"`
	BatchSize int            `koanf:"batch_size"`
	S3        S3Config       `koanf:"s3"`
	Postgres  PostgresConfig `koanf:"postgres"`
}

// S3Config enables uploads when Bucket is set.
type S3Config struct {
	Bucket            string `koanf:"bucket"`
	Region            string `koanf:"region"`
	Endpoint          string `koanf:"endpoint"`
	AccessKeyID       string `koanf:"access_key_id"`
	SecretAccessKey   string `koanf:"secret_access_key"`
	Prefix            string `koanf:"prefix"`
	PathStyle         bool   `koanf:"path_style"`
	DeleteAfterUpload bool   `koanf:"delete_after_upload"`
}

// PostgresConfig is used by the postgres output.
type PostgresConfig struct {
	DSN   string `koanf:"dsn"`
	Table string `koanf:"table"`
}

// MetricsConfig enables the status server when Addr is set.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// New returns the defaults.
func New() *Config {
	return &Config{
		WhitelistKey:     "codes",
		ValidationSample: 1000,
		Workers:          2,
		Source: SourceConfig{
			HeaderTimeout: 2 * time.Minute,
			Retries:       3,
			BackoffMin:    4 * time.Second,
			BackoffMax:    10 * time.Second,
			BufferSize:    4 << 20,
		},
		Resolver: ResolverConfig{
			Concurrency:  10,
			FetchTimeout: 30 * time.Second,
		},
		Sink: SinkConfig{
			Output:    OutputParquet,
			Dir:       "output",
			BatchSize: 100_000,
			Postgres:  PostgresConfig{Table: "negotiated_rates"},
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// MaxDuration converts MaxTimeMinutes.
func (c *Config) MaxDuration() time.Duration {
	return time.Duration(c.MaxTimeMinutes * float64(time.Minute))
}

// WantsParquet reports whether records go to parquet files.
func (c *Config) WantsParquet() bool {
	return c.Sink.Output == OutputParquet || c.Sink.Output == OutputBoth
}

// WantsPostgres reports whether records are copied into Postgres.
func (c *Config) WantsPostgres() bool {
	return c.Sink.Output == OutputPostgres || c.Sink.Output == OutputBoth
}
