package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/psantana5/schedopt/pkg/models"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrJobExists       = errors.New("job already exists")
	ErrVersionNotFound = errors.New("schedule version not found")
)

// Store defines the interface for job persistence.
// Memory, SQLite and PostgreSQL implement it.
//
// UpdateJob is the only mutation path for an existing job: fn receives a
// private copy and the result is written back atomically. Returning an
// error from fn aborts the update. fn may be called more than once and
// must not depend on state from an earlier call.
type Store interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, runID string) (*models.Job, error)
	UpdateJob(ctx context.Context, runID string, fn func(*models.Job) error) (*models.Job, error)
	DeleteJob(ctx context.Context, runID string) error
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)

	// TerminalBefore returns run IDs of terminal jobs completed before t
	TerminalBefore(ctx context.Context, t time.Time) ([]string, error)

	SaveVersion(ctx context.Context, v *models.ScheduleVersion) error
	GetVersion(ctx context.Context, versionID string) (*models.ScheduleVersion, error)

	GetJobMetrics(ctx context.Context) (*JobMetrics, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// JobFilter narrows ListJobs
type JobFilter struct {
	Owner  string
	Status models.JobStatus
	Limit  int
}

// JobMetrics contains aggregated job statistics
type JobMetrics struct {
	JobsByState     map[models.JobStatus]int
	JobsByAlgorithm map[string]int
	Total           int
}

// Config holds store configuration
type Config struct {
	Type string `mapstructure:"type"` // "memory", "sqlite" or "postgres"
	DSN  string `mapstructure:"dsn"`  // file path for sqlite, connection string for postgres

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// NewStore creates a store from config
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		dsn := config.DSN
		if dsn == "" {
			dsn = "schedopt.db"
		}
		return NewSQLiteStore(dsn)
	case "postgres", "postgresql":
		return NewPostgreSQLStore(config)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// jobDocument is the serialized form persisted by the SQL stores.
// Request is excluded from the job's API JSON so it travels separately.
type jobDocument struct {
	Job     *models.Job                 `json:"job"`
	Request *models.OptimizationRequest `json:"request,omitempty"`
}

func encodeJob(j *models.Job) ([]byte, error) {
	data, err := json.Marshal(jobDocument{Job: j, Request: j.Request})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job %s: %w", j.RunID, err)
	}
	return data, nil
}

func decodeJob(data []byte) (*models.Job, error) {
	var doc jobDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if doc.Job == nil {
		return nil, errors.New("empty job document")
	}
	doc.Job.Request = doc.Request
	return doc.Job, nil
}

func newJobMetrics() *JobMetrics {
	return &JobMetrics{
		JobsByState:     make(map[models.JobStatus]int),
		JobsByAlgorithm: make(map[string]int),
	}
}
