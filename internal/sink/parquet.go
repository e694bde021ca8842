package sink

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/zstd"
	"github.com/rs/zerolog"

	"ticmrf/internal/mrf"
)

// Row is the parquet layout of a normalized record.
type Row struct {
	RunID           string   `parquet:"run_id"`
	ServiceCode     string   `parquet:"service_code"`
	BillingCodeType string   `parquet:"billing_code_type"`
	Description     string   `parquet:"description"`
	NegotiatedRate  float64  `parquet:"negotiated_rate"`
	ServiceCodes    []string `parquet:"service_codes,list"`
	BillingClass    string   `parquet:"billing_class"`
	NegotiatedType  string   `parquet:"negotiated_type"`
	ExpirationDate  string   `parquet:"expiration_date"`
	ProviderNPI     *string  `parquet:"provider_npi,optional"`
	ProviderName    *string  `parquet:"provider_name,optional"`
	ProviderTIN     *string  `parquet:"provider_tin,optional"`
	Payer           string   `parquet:"payer"`
}

// NewRow converts rec into its parquet row.
func NewRow(rec mrf.Record, runID string) Row {
	return Row{
		RunID:           runID,
		ServiceCode:     rec.ServiceCode,
		BillingCodeType: rec.BillingCodeType,
		Description:     rec.Description,
		NegotiatedRate:  rec.NegotiatedRate,
		ServiceCodes:    rec.ServiceCodes,
		BillingClass:    rec.BillingClass,
		NegotiatedType:  rec.NegotiatedType,
		ExpirationDate:  rec.ExpirationDate,
		ProviderNPI:     rec.ProviderNPI,
		ProviderName:    rec.ProviderName,
		ProviderTIN:     rec.ProviderTIN,
		Payer:           rec.Payer,
	}
}

// Uploader ships a finished batch file to object storage.
type Uploader interface {
	Upload(ctx context.Context, localPath, key string) error
}

const (
	DefaultBatchSize = 100_000
	// rows buffered before handing them to the parquet writer
	writeChunk = 8192
)

// ParquetConfig configures a ParquetSink.
type ParquetConfig struct {
	Dir       string
	RunID     string
	FileID    string // batch file name suffix, defaults to RunID
	BatchSize int
	// Payer and FileType only shape upload keys.
	Payer    string
	FileType string

	Uploader          Uploader
	Prefix            string
	DeleteAfterUpload bool

	Logger zerolog.Logger
	// Now stamps the date partition of upload keys. Defaults to time.Now.
	Now func() time.Time
}

// ParquetSink writes records to rotating batch files named
// batch_<NNNN>_<fileid>.parquet. A new file is started every BatchSize rows.
type ParquetSink struct {
	ctx context.Context
	cfg ParquetConfig

	file   *os.File
	writer *parquet.GenericWriter[Row]
	name   string
	rows   int
	buf    []Row

	batch    int
	total    int64
	finished []string
	closed   bool
}

// NewParquet creates the output directory. Files are created lazily, so a
// document without accepted records leaves no file behind.
func NewParquet(ctx context.Context, cfg ParquetConfig) (*ParquetSink, error) {
	if cfg.Dir == "" {
		cfg.Dir = "."
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FileType == "" {
		cfg.FileType = "in_network_rates"
	}
	if cfg.FileID == "" {
		cfg.FileID = cfg.RunID
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &ParquetSink{ctx: ctx, cfg: cfg, buf: make([]Row, 0, writeChunk)}, nil
}

func (s *ParquetSink) open() error {
	s.batch++
	s.name = fmt.Sprintf("batch_%04d_%s.parquet", s.batch, s.cfg.FileID)
	file, err := os.Create(filepath.Join(s.cfg.Dir, s.name))
	if err != nil {
		return fmt.Errorf("create parquet file: %w", err)
	}
	s.file = file
	s.writer = parquet.NewGenericWriter[Row](file,
		parquet.Compression(&zstd.Codec{Level: zstd.SpeedDefault}),
		parquet.PageBufferSize(8*1024),
		parquet.WriteBufferSize(64*1024*1024),
		parquet.DataPageStatistics(true),
		parquet.CreatedBy("ticmrf", "1.0", ""),
	)
	s.rows = 0
	return nil
}

// Write buffers rec and rotates the batch file when it is full.
func (s *ParquetSink) Write(rec mrf.Record) error {
	if s.closed {
		return fmt.Errorf("write to closed parquet sink")
	}
	if s.writer == nil {
		if err := s.open(); err != nil {
			return err
		}
	}
	s.buf = append(s.buf, NewRow(rec, s.cfg.RunID))
	s.rows++
	s.total++

	if len(s.buf) >= writeChunk {
		if err := s.flush(); err != nil {
			return err
		}
	}
	if s.rows >= s.cfg.BatchSize {
		return s.finish()
	}
	return nil
}

func (s *ParquetSink) flush() error {
	if len(s.buf) == 0 {
		return nil
	}
	if _, err := s.writer.Write(s.buf); err != nil {
		return fmt.Errorf("write parquet rows: %w", err)
	}
	s.buf = s.buf[:0]
	return nil
}

// finish closes the current file and uploads it.
func (s *ParquetSink) finish() error {
	if s.writer == nil {
		return nil
	}
	err := s.flush()
	if cerr := s.writer.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close parquet writer: %w", cerr)
	}
	if cerr := s.file.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close parquet file: %w", cerr)
	}
	s.writer, s.file = nil, nil
	if err != nil {
		return err
	}

	local := filepath.Join(s.cfg.Dir, s.name)
	s.finished = append(s.finished, local)
	s.cfg.Logger.Info().Str("file", local).Int("rows", s.rows).Msg("batch written")
	return s.upload(local)
}

func (s *ParquetSink) upload(local string) error {
	if s.cfg.Uploader == nil {
		return nil
	}
	key := s.Key(filepath.Base(local))
	if err := s.cfg.Uploader.Upload(s.ctx, local, key); err != nil {
		// the local file stays so the batch can be re-uploaded
		return fmt.Errorf("upload %s: %w", local, err)
	}
	s.cfg.Logger.Info().Str("key", key).Msg("batch uploaded")
	if s.cfg.DeleteAfterUpload {
		if err := os.Remove(local); err != nil {
			return fmt.Errorf("remove uploaded batch: %w", err)
		}
	}
	return nil
}

// Key returns the object key for a batch file:
// <prefix>/payer=<p>/type=<t>/date=<YYYY-MM-DD>/<file>.
func (s *ParquetSink) Key(file string) string {
	return path.Join(s.cfg.Prefix,
		"payer="+s.cfg.Payer,
		"type="+s.cfg.FileType,
		"date="+s.cfg.Now().UTC().Format("2006-01-02"),
		file)
}

// Close finishes the last batch file.
func (s *ParquetSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.finish()
}

// Files returns the batch files finished so far.
func (s *ParquetSink) Files() []string { return s.finished }

// Count returns the number of records written.
func (s *ParquetSink) Count() int64 { return s.total }
