// Package postgres writes audit rows to a Postgres table.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/docharvest/internal/crawler"
)

const defaultTable = "audit_records"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for audit rows.
type Config struct {
	DSN             string
	Table           string
	RunID           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Sink inserts one row per audit record, tagged with the run ID.
type Sink struct {
	pool  execCloser
	table string
	runID string
}

// New connects to Postgres and ensures the audit table exists.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.DSN == "" {
		return nil, crawler.NewError(crawler.KindConfiguration, "postgres audit", errors.New("audit.postgres_dsn is required"))
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, crawler.NewError(crawler.KindConfiguration, "parse postgres dsn", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, crawler.NewError(crawler.KindNetwork, "connect postgres", err)
	}
	sink, err := NewWithPool(pool, cfg.Table, cfg.RunID)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := sink.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return sink, nil
}

// NewWithPool constructs a sink from an existing pool (primarily for testing).
func NewWithPool(pool execCloser, table, runID string) (*Sink, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, crawler.NewError(crawler.KindConfiguration, "postgres audit", fmt.Errorf("invalid table name %q", table))
	}
	return &Sink{pool: pool, table: table, runID: runID}, nil
}

// EnsureSchema creates the audit table when it does not exist.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	run_id TEXT NOT NULL,
	stream TEXT NOT NULL,
	target TEXT NOT NULL,
	status TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	detail TEXT NOT NULL DEFAULT ''
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return crawler.NewError(crawler.KindNetwork, "create audit table", err)
	}
	return nil
}

// Record implements crawler.AuditSink.
func (s *Sink) Record(ctx context.Context, stream crawler.Stream, record crawler.AuditRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("postgres audit sink is not configured")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (run_id, stream, target, status, recorded_at, detail)
VALUES ($1, $2, $3, $4, $5, $6)`, s.table)
	_, err := s.pool.Exec(ctx, query,
		s.runID,
		string(stream),
		record.TargetID,
		string(record.Status),
		record.Timestamp.UTC(),
		record.Detail,
	)
	if err != nil {
		return crawler.NewError(crawler.KindNetwork, "insert audit row", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Sink) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
