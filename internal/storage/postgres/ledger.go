// Package postgres records item results in a Postgres ledger table.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/stagecrawler/internal/crawler"
)

const defaultTable = "crawl_results"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// LedgerConfig controls the Postgres connection pool used for result rows.
type LedgerConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	SendBatch(context.Context, *pgx.Batch) pgx.BatchResults
	Close()
}

// Entry is one ledger row: a terminal item result and the component that
// produced it.
type Entry struct {
	RunID     string
	Component crawler.ComponentInfo
	Result    crawler.QueuedItemResult
	At        time.Time
}

// Ledger writes item results into Postgres.
type Ledger struct {
	pool  pool
	table string
}

// NewLedger connects to Postgres using cfg.
func NewLedger(ctx context.Context, cfg LedgerConfig) (*Ledger, error) {
	if cfg.DSN == "" {
		return nil, errors.New("ledger.dsn is required")
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
	l, err := NewLedgerWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return l, nil
}

// NewLedgerWithPool constructs a ledger from an existing pool.
func NewLedgerWithPool(p pool, table string) (*Ledger, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Ledger{pool: p, table: table}, nil
}

// Close releases the underlying pool.
func (l *Ledger) Close() {
	if l == nil || l.pool == nil {
		return
	}
	l.pool.Close()
}

// EnsureTable creates the ledger table when it does not exist.
func (l *Ledger) EnsureTable(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	request_id   TEXT NOT NULL,
	run_id       TEXT NOT NULL,
	component    TEXT NOT NULL,
	component_id TEXT NOT NULL,
	node_id      TEXT NOT NULL,
	status       TEXT NOT NULL,
	reason       TEXT NOT NULL,
	uri          TEXT NOT NULL,
	started_at   TIMESTAMPTZ,
	elapsed_ms   BIGINT NOT NULL,
	detail       JSONB,
	recorded_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, component, request_id)
)`, l.table)
	if _, err := l.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create ledger table: %w", err)
	}
	return nil
}

func (l *Ledger) insertSQL() string {
	return fmt.Sprintf(`
INSERT INTO %s (
	request_id,
	run_id,
	component,
	component_id,
	node_id,
	status,
	reason,
	uri,
	started_at,
	elapsed_ms,
	detail,
	recorded_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
) ON CONFLICT (run_id, component, request_id) DO NOTHING`, l.table)
}

// Args returns the insert arguments for e in column order.
func (e Entry) Args() ([]any, error) {
	var (
		detail    []byte
		startedAt *time.Time
		uri       string
		elapsed   int64
	)
	if e.Result.Result != nil {
		raw, err := json.Marshal(e.Result.Result)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		detail = raw
		base := e.Result.Result.Base()
		uri = base.URI
		elapsed = base.Elapsed.Milliseconds()
		if !base.StartedAt.IsZero() {
			startedAt = &base.StartedAt
		}
	}
	return []any{
		e.Result.RequestID,
		e.RunID,
		e.Component.Name,
		e.Component.ID,
		e.Component.NodeID,
		string(e.Result.Status),
		string(e.Result.Reason()),
		uri,
		startedAt,
		elapsed,
		detail,
		e.At,
	}, nil
}

// Record inserts one entry. Re-recording the same request is a no-op.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	if e.Result.RequestID == "" {
		return errors.New("request id is required")
	}
	args, err := e.Args()
	if err != nil {
		return err
	}
	if _, err := l.pool.Exec(ctx, l.insertSQL(), args...); err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// RecordBatch inserts entries in one round trip. Entries without a request
// id are skipped.
func (l *Ledger) RecordBatch(ctx context.Context, entries []Entry) error {
	query := l.insertSQL()
	batch := &pgx.Batch{}
	for _, e := range entries {
		if e.Result.RequestID == "" {
			continue
		}
		args, err := e.Args()
		if err != nil {
			return err
		}
		batch.Queue(query, args...)
	}
	if batch.Len() == 0 {
		return nil
	}
	br := l.pool.SendBatch(ctx, batch)
	for range batch.Len() {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("insert result batch: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close result batch: %w", err)
	}
	return nil
}
