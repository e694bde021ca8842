package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"ticmrf/internal/config"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ticmrf.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	Convey("Given the config loader", t, func() {
		Convey("When nothing is configured", func() {
			cfg, err := config.Load("")

			Convey("Then the defaults apply", func() {
				So(err, ShouldBeNil)
				So(cfg.Sink.Output, ShouldEqual, config.OutputParquet)
				So(cfg.Sink.BatchSize, ShouldEqual, 100_000)
				So(cfg.Resolver.Concurrency, ShouldEqual, 10)
				So(cfg.Resolver.FetchTimeout, ShouldEqual, 30*time.Second)
				So(cfg.Source.Retries, ShouldEqual, 3)
				So(cfg.Source.Timeout, ShouldEqual, time.Duration(0))
				So(cfg.Source.HeaderTimeout, ShouldEqual, 2*time.Minute)
				So(cfg.Log.Level, ShouldEqual, "info")
			})
		})

		Convey("When a YAML file is given", func() {
			path := writeFile(t, `
payer: aetna
max_items: 500
max_time_minutes: 1.5
resolver:
  fetch_timeout: 5s
sink:
  output: both
  postgres:
    dsn: postgres://localhost/rates
  s3:
    bucket: mrf
`)
			cfg, err := config.Load(path)

			Convey("Then file values override defaults and the rest is kept", func() {
				So(err, ShouldBeNil)
				So(cfg.Payer, ShouldEqual, "aetna")
				So(cfg.MaxItems, ShouldEqual, 500)
				So(cfg.MaxDuration(), ShouldEqual, 90*time.Second)
				So(cfg.Resolver.FetchTimeout, ShouldEqual, 5*time.Second)
				So(cfg.Resolver.Concurrency, ShouldEqual, 10)
				So(cfg.Sink.Postgres.Table, ShouldEqual, "negotiated_rates")
				So(cfg.WantsParquet(), ShouldBeTrue)
				So(cfg.WantsPostgres(), ShouldBeTrue)
				So(cfg.Validate(), ShouldBeNil)
			})
		})

		Convey("When environment variables are set", func() {
			t.Setenv("TICMRF_PAYER", "uhc")
			t.Setenv("TICMRF_SINK__BATCH_SIZE", "42")
			t.Setenv("TICMRF_SINK__S3__BUCKET", "rates")
			path := writeFile(t, "payer: aetna\n")
			cfg, err := config.Load(path)

			Convey("Then they win over the file", func() {
				So(err, ShouldBeNil)
				So(cfg.Payer, ShouldEqual, "uhc")
				So(cfg.Sink.BatchSize, ShouldEqual, 42)
				So(cfg.Sink.S3.Bucket, ShouldEqual, "rates")
			})
		})

		Convey("When the file does not exist", func() {
			_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))

			Convey("Then a load error is returned", func() {
				So(errors.Is(err, config.ErrLoadConfig), ShouldBeTrue)
			})
		})
	})
}

func TestValidate(t *testing.T) {
	Convey("Given a valid configuration", t, func() {
		cfg := config.New()
		cfg.Payer = "aetna"
		So(cfg.Validate(), ShouldBeNil)

		cases := []struct {
			name   string
			mutate func(*config.Config)
		}{
			{"missing payer", func(c *config.Config) { c.Payer = " " }},
			{"negative max items", func(c *config.Config) { c.MaxItems = -1 }},
			{"zero batch size", func(c *config.Config) { c.Sink.BatchSize = 0 }},
			{"unknown output", func(c *config.Config) { c.Sink.Output = "csv" }},
			{"postgres without dsn", func(c *config.Config) { c.Sink.Output = config.OutputPostgres }},
			{"s3 without parquet", func(c *config.Config) { c.Sink.Output = config.OutputDiscard; c.Sink.S3.Bucket = "b" }},
			{"half credentials", func(c *config.Config) { c.Sink.S3.AccessKeyID = "k" }},
			{"bad log level", func(c *config.Config) { c.Log.Level = "loud" }},
			{"bad log format", func(c *config.Config) { c.Log.Format = "xml" }},
			{"no workers", func(c *config.Config) { c.Workers = 0 }},
		}
		for _, tc := range cases {
			Convey("When "+tc.name, func() {
				tc.mutate(cfg)
				err := cfg.Validate()

				Convey("Then it is rejected as invalid", func() {
					So(err, ShouldNotBeNil)
					So(errors.Is(err, config.ErrInvalidConfig), ShouldBeTrue)
				})
			})
		}
	})
}
