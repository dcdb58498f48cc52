// Package recordstore is the durable job-record gateway: a Postgres table
// keyed by job_id with compare-and-set on a version column.
package recordstore

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantumcloud/qscheduler/internal/apierror"
)

// DB wraps a pgx connection pool.
type DB struct {
	Pool *pgxpool.Pool
}

// Open connects to the record store and verifies reachability.
func Open(ctx context.Context, connURL string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, apierror.Internal("parse record store connection string", err)
	}

	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, apierror.Internal("connect to record store", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		return nil, apierror.Internal("ping record store", err)
	}

	return &DB{Pool: pool}, nil
}

func (d *DB) Close() {
	d.Pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id               TEXT PRIMARY KEY,
	token_name           TEXT NOT NULL,
	role                 TEXT NOT NULL,
	sdk_version          TEXT,
	backend_requested    TEXT NOT NULL,
	backend_canonical    TEXT NOT NULL,
	program_ref          TEXT,
	program_size_bytes   BIGINT,
	settings             JSONB,
	status               TEXT NOT NULL,
	status_detail        TEXT,
	result_ref           TEXT,
	version              BIGINT NOT NULL,
	timestamps           JSONB,
	exec_version         JSONB,
	actual_backend       TEXT,
	raw_size_bytes       BIGINT,
	encoded_size_bytes   BIGINT,
	save_job             BOOLEAN NOT NULL DEFAULT FALSE,
	cancelled_report_observed BOOLEAN NOT NULL DEFAULT FALSE,
	job_expiry           TIMESTAMPTZ,
	created_at           TIMESTAMPTZ NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs (status);
CREATE INDEX IF NOT EXISTS jobs_token_name_idx ON jobs (token_name);
`

// EnsureSchema creates the jobs table if it does not already exist.
// Called once at startup.
func (d *DB) EnsureSchema(ctx context.Context) error {
	if _, err := d.Pool.Exec(ctx, schema); err != nil {
		return apierror.Internal("ensure record store schema", err)
	}
	return nil
}
