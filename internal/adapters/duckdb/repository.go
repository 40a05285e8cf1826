package duckdb

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/emooreatx/CIRISNode/internal/core/ports"
)

// Repository is the DuckDB-backed store for jobs, audit entries, and WBD
// tasks. Writes are serialized through a mutex so compare-and-swap
// updates never surface DuckDB write-write conflicts to callers.
type Repository struct {
	db *sql.DB
	mu sync.Mutex
}

var _ ports.Repository = (*Repository)(nil)

func NewRepository(path string) (*Repository, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	r := &Repository{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) migrate() error {
	stmts := []string{
		`CREATE SEQUENCE IF NOT EXISTS audit_seq`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			scenario_ids TEXT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			state TEXT NOT NULL,
			error TEXT,
			results TEXT,
			created_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			seq BIGINT PRIMARY KEY DEFAULT nextval('audit_seq'),
			id TEXT NOT NULL UNIQUE,
			ts TIMESTAMP NOT NULL,
			actor TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			payload_sha256 TEXT NOT NULL,
			prev_hash TEXT NOT NULL,
			entry_hash TEXT NOT NULL,
			archived BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS wbd_tasks (
			id TEXT PRIMARY KEY,
			agent_task_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL,
			decision TEXT,
			comment TEXT,
			created_at TIMESTAMP NOT NULL,
			resolved_at TIMESTAMP,
			sla_deadline TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
