package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a SQLite-backed Store for single-node deployments
type SQLiteStore struct {
	sqlJobs
}

// NewSQLiteStore opens (or creates) the database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// _txlock=immediate takes the write lock at BEGIN, which is what makes
	// UpdateJob's read-modify-write atomic without SELECT ... FOR UPDATE.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate&_foreign_keys=on", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer for SQLite to avoid SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &SQLiteStore{sqlJobs{db: db, d: sqliteDialect}}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS jobs (
		run_id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		status TEXT NOT NULL,
		algorithm_id TEXT NOT NULL,
		submitted_at INTEGER NOT NULL,
		completed_at INTEGER,
		data BLOB NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner, submitted_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, completed_at);

	CREATE TABLE IF NOT EXISTS schedule_versions (
		version_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		owner TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		data BLOB NOT NULL
	);
	`)
	return err
}

// Vacuum reclaims space after retention purges
func (s *SQLiteStore) Vacuum() error {
	_, err := s.db.Exec("VACUUM")
	return err
}
