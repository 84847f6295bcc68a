// Package postgres persists kept fellowship records and run summaries.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/fellowship-crawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	defaultRecordsTable = "fellowships"
	defaultRunsTable    = "crawl_runs"
)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	RecordsTable    string
	RunsTable       string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// RecordStore writes kept records, one row per record, and one summary row
// per run.
type RecordStore struct {
	pool    pool
	records string
	runs    string
}

var _ crawler.RecordStore = (*RecordStore)(nil)

// New connects to Postgres and returns a RecordStore.
func New(ctx context.Context, cfg Config) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(p, cfg.RecordsTable, cfg.RunsTable)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, recordsTable, runsTable string) (*RecordStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if recordsTable == "" {
		recordsTable = defaultRecordsTable
	}
	if runsTable == "" {
		runsTable = defaultRunsTable
	}
	for _, table := range []string{recordsTable, runsTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &RecordStore{pool: p, records: recordsTable, runs: runsTable}, nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the tables when they do not exist yet.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	run_id UUID NOT NULL,
	page INTEGER NOT NULL,
	program_name TEXT NOT NULL,
	source_url TEXT NOT NULL,
	payload JSONB NOT NULL,
	extracted_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS %s (
	run_id UUID PRIMARY KEY,
	base_url TEXT NOT NULL,
	stop_reason TEXT NOT NULL,
	pages INTEGER NOT NULL,
	kept INTEGER NOT NULL,
	incomplete INTEGER NOT NULL,
	duplicates INTEGER NOT NULL,
	output_uri TEXT,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL
)`, s.records, s.runs)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// SaveRecords inserts one page's kept records in a single transaction.
func (s *RecordStore) SaveRecords(ctx context.Context, batch crawler.RecordBatch) error {
	if len(batch.Records) == 0 {
		return nil
	}
	if batch.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (run_id, page, program_name, source_url, payload, extracted_at)
VALUES ($1,$2,$3,$4,$5,$6)`, s.records)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin record tx: %w", err)
	}
	for i, rec := range batch.Records {
		payload, err := json.Marshal(rec)
		if err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("marshal record %d: %w", i, err)
		}
		_, err = tx.Exec(ctx, query,
			batch.RunID,
			batch.Page,
			rec.Value(batch.DedupKey),
			batch.URL,
			payload,
			batch.ExtractedAt,
		)
		if err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("insert record %d: %w", i, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit record tx: %w", err)
	}
	return nil
}

// SaveRun upserts the run summary.
func (s *RecordStore) SaveRun(ctx context.Context, event crawler.CompletionEvent) error {
	query := fmt.Sprintf(`
INSERT INTO %s (run_id, base_url, stop_reason, pages, kept, incomplete, duplicates, output_uri, started_at, finished_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (run_id) DO UPDATE SET
	stop_reason = EXCLUDED.stop_reason,
	pages = EXCLUDED.pages,
	kept = EXCLUDED.kept,
	incomplete = EXCLUDED.incomplete,
	duplicates = EXCLUDED.duplicates,
	output_uri = EXCLUDED.output_uri,
	finished_at = EXCLUDED.finished_at`, s.runs)

	var outputURI *string
	if event.OutputURI != "" {
		outputURI = &event.OutputURI
	}
	_, err := s.pool.Exec(ctx, query,
		event.RunID,
		event.BaseURL,
		string(event.Stop),
		event.Counters.Pages,
		event.Counters.Kept,
		event.Counters.Incomplete,
		event.Counters.Duplicates,
		outputURI,
		event.StartedAt,
		event.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}
	return nil
}
