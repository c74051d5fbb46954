package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgreSQLStore implements Store on PostgreSQL. UpdateJob locks the row
// with SELECT ... FOR UPDATE so several service replicas can share it.
type PostgreSQLStore struct {
	sqlJobs
}

// NewPostgreSQLStore opens a pool and creates the schema
func NewPostgreSQLStore(config Config) (*PostgreSQLStore, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(orDefault(config.MaxOpenConns, 25))
	db.SetMaxIdleConns(orDefault(config.MaxIdleConns, 5))
	db.SetConnMaxLifetime(orDefaultDuration(config.ConnMaxLifetime, 5*time.Minute))
	db.SetConnMaxIdleTime(orDefaultDuration(config.ConnMaxIdleTime, time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s, err := NewPostgreSQLStoreWithDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgreSQLStoreWithDB wraps an existing pool
func NewPostgreSQLStoreWithDB(db *sql.DB) (*PostgreSQLStore, error) {
	s := &PostgreSQLStore{sqlJobs{db: db, d: postgresDialect}}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *PostgreSQLStore) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS jobs (
		run_id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		status TEXT NOT NULL,
		algorithm_id TEXT NOT NULL,
		submitted_at BIGINT NOT NULL,
		completed_at BIGINT,
		data JSONB NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner, submitted_at DESC);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, completed_at);

	CREATE TABLE IF NOT EXISTS schedule_versions (
		version_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		owner TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		data JSONB NOT NULL
	);
	`)
	return err
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func orDefaultDuration(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}
