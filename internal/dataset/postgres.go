// Package dataset persists finished job results as append-only rows.
package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ndelaney/searchscraper/internal/search"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresConfig controls the Postgres connection pool used for result rows.
type PostgresConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// PostgresAppender writes result rows into Postgres.
type PostgresAppender struct {
	pool  execCloser
	table string
}

// NewPostgresAppender creates a Postgres-backed appender using the provided config.
func NewPostgresAppender(ctx context.Context, cfg PostgresConfig) (*PostgresAppender, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("dataset.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "search_results"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresAppender{
		pool:  pool,
		table: table,
	}, nil
}

// NewPostgresAppenderWithPool constructs an appender from an existing pool
// (primarily for testing).
func NewPostgresAppenderWithPool(pool execCloser, table string) (*PostgresAppender, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "search_results"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &PostgresAppender{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (a *PostgresAppender) Close() {
	if a == nil || a.pool == nil {
		return
	}
	a.pool.Close()
}

// Append inserts one row per result for the finished job.
func (a *PostgresAppender) Append(ctx context.Context, jobID string, results []search.ItemResult) error {
	if a == nil || a.pool == nil {
		return fmt.Errorf("dataset appender is not configured")
	}
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	job_uuid,
	result_rank,
	result_url,
	result_status,
	result_http_status,
	result_payload,
	appended_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7
)`, a.table)

	now := time.Now().UTC()
	for _, result := range results {
		payload, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result rank %d: %w", result.Rank, err)
		}
		args := []any{
			jobID,
			result.Rank,
			resultURL(result),
			string(result.Status),
			result.HTTPStatus,
			payload,
			now,
		}
		if _, err := a.pool.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("insert result rank %d: %w", result.Rank, err)
		}
	}
	return nil
}

func resultURL(result search.ItemResult) string {
	if result.Metadata == nil {
		return ""
	}
	return result.Metadata.URL
}
