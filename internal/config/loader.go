package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
)

// EnvPrefix prefixes every environment variable. Nested keys are joined
// with a double underscore: TICMRF_SINK__S3__BUCKET sets sink.s3.bucket.
const EnvPrefix = "TICMRF_"

// Load layers defaults, the YAML file at path (or $TICMRF_CONFIG when path
// is empty) and the environment. It does not validate.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrLoadConfig, path, err)
		}
	}

	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.ReplaceAll(s, "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: env: %v", ErrLoadConfig, err)
	}

	cfg := New()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadConfig, err)
	}
	return cfg, nil
}

// Validate checks the settings used by the extract and run commands.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if strings.TrimSpace(c.Payer) == "" {
		bad("payer is required")
	}
	if c.MaxItems < 0 {
		bad("max_items must not be negative")
	}
	if c.MaxTimeMinutes < 0 {
		bad("max_time_minutes must not be negative")
	}
	if c.Workers < 1 {
		bad("workers must be at least 1")
	}
	if c.Resolver.Concurrency < 1 {
		bad("resolver.concurrency must be at least 1")
	}
	if c.Source.Retries < 1 {
		bad("source.retries must be at least 1")
	}
	if c.Sink.BatchSize < 1 {
		bad("sink.batch_size must be at least 1")
	}
	switch c.Sink.Output {
	case OutputParquet, OutputPostgres, OutputBoth, OutputDiscard:
	default:
		bad("sink.output %q is not one of parquet, postgres, both, discard", c.Sink.Output)
	}
	if c.WantsPostgres() && c.Sink.Postgres.DSN == "" {
		bad("sink.postgres.dsn is required for %s output", c.Sink.Output)
	}
	if c.Sink.S3.Bucket != "" && !c.WantsParquet() {
		bad("sink.s3 uploads need parquet output")
	}
	if (c.Sink.S3.AccessKeyID == "") != (c.Sink.S3.SecretAccessKey == "") {
		bad("sink.s3 access_key_id and secret_access_key must be set together")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		bad("log.level %q", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		bad("log.format %q is not json or console", c.Log.Format)
	}
	return errors.Join(errs...)
}
