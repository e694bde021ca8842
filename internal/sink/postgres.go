package sink

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ticmrf/internal/mrf"
)

// DefaultTable receives records when no table is configured.
const DefaultTable = "negotiated_rates"

const createTableSQL = `CREATE TABLE IF NOT EXISTS %s (
	id                BIGSERIAL PRIMARY KEY,
	run_id            TEXT NOT NULL,
	service_code      TEXT NOT NULL,
	billing_code_type TEXT NOT NULL DEFAULT '',
	description       TEXT NOT NULL DEFAULT '',
	negotiated_rate   DOUBLE PRECISION NOT NULL,
	service_codes     TEXT[] NOT NULL DEFAULT '{}',
	billing_class     TEXT NOT NULL DEFAULT '',
	negotiated_type   TEXT NOT NULL DEFAULT '',
	expiration_date   TEXT NOT NULL DEFAULT '',
	provider_npi      TEXT,
	provider_name     TEXT,
	provider_tin      TEXT,
	payer             TEXT NOT NULL,
	loaded_at         TIMESTAMPTZ NOT NULL DEFAULT now()
)`

var copyColumns = []string{
	"run_id", "service_code", "billing_code_type", "description",
	"negotiated_rate", "service_codes", "billing_class", "negotiated_type",
	"expiration_date", "provider_npi", "provider_name", "provider_tin", "payer",
}

// PostgresConfig configures a PostgresSink.
type PostgresConfig struct {
	DSN       string
	Table     string
	RunID     string
	BatchSize int
	MaxConns  int32
}

// PostgresSink bulk-loads records with COPY, one COPY per BatchSize rows.
type PostgresSink struct {
	ctx     context.Context
	pool    *pgxpool.Pool
	table   string
	runID   string
	batch   int
	pending [][]any
	count   int64
	closed  bool
}

// NewPostgres connects and creates the table if it does not exist.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresSink, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse connection: %w", err)
	}
	poolConfig.MaxConns = 4
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	table := cfg.Table
	if table == "" {
		table = DefaultTable
	}
	ident := pgx.Identifier{table}.Sanitize()
	if _, err := pool.Exec(ctx, fmt.Sprintf(createTableSQL, ident)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create table %s: %w", table, err)
	}

	batch := cfg.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	return &PostgresSink{
		ctx:     ctx,
		pool:    pool,
		table:   table,
		runID:   cfg.RunID,
		batch:   batch,
		pending: make([][]any, 0, min(batch, writeChunk)),
	}, nil
}

// Write queues rec and copies the queue when it reaches the batch size.
func (s *PostgresSink) Write(rec mrf.Record) error {
	if s.closed {
		return fmt.Errorf("write to closed postgres sink")
	}
	s.pending = append(s.pending, []any{
		s.runID, rec.ServiceCode, rec.BillingCodeType, rec.Description,
		rec.NegotiatedRate, rec.ServiceCodes, rec.BillingClass, rec.NegotiatedType,
		rec.ExpirationDate, rec.ProviderNPI, rec.ProviderName, rec.ProviderTIN, rec.Payer,
	})
	if len(s.pending) >= s.batch {
		return s.flush()
	}
	return nil
}

func (s *PostgresSink) flush() error {
	if len(s.pending) == 0 {
		return nil
	}
	copied, err := s.pool.CopyFrom(s.ctx,
		pgx.Identifier{s.table},
		copyColumns,
		pgx.CopyFromRows(s.pending),
	)
	if err != nil {
		return fmt.Errorf("copy %s: %w", s.table, err)
	}
	s.count += copied
	s.pending = s.pending[:0]
	return nil
}

// Close copies the remaining rows and closes the pool.
func (s *PostgresSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.flush()
	s.pool.Close()
	return err
}

// Count returns the number of rows copied.
func (s *PostgresSink) Count() int64 { return s.count }
