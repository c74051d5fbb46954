package store

import (
	"context"
	"errors"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/schedopt/pkg/models"
)

func newMockPostgres(t *testing.T) (*PostgreSQLStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS jobs").WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := NewPostgreSQLStoreWithDB(db)
	require.NoError(t, err)
	return s, mock
}

func TestPostgresUpdateJobLocksRow(t *testing.T) {
	s, mock := newMockPostgres(t)
	job := newTestJob("opt_run_pg", "alice", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	doc, err := encodeJob(job)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT data FROM jobs WHERE run_id = $1 FOR UPDATE")).
		WithArgs("opt_run_pg").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(doc))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET status = $1, completed_at = $2, data = $3 WHERE run_id = $4")).
		WithArgs("running", nil, sqlmock.AnyArg(), "opt_run_pg").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	updated, err := s.UpdateJob(context.Background(), "opt_run_pg", func(j *models.Job) error {
		j.Status = models.JobStatusRunning
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, updated.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateJobRollsBackOnReject(t *testing.T) {
	s, mock := newMockPostgres(t)
	job := newTestJob("opt_run_pg", "alice", time.Now())
	doc, err := encodeJob(job)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT data FROM jobs").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(doc))
	mock.ExpectRollback()

	reject := errors.New("terminal")
	_, err = s.UpdateJob(context.Background(), "opt_run_pg", func(*models.Job) error { return reject })
	assert.ErrorIs(t, err, reject)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetJobNotFound(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT data FROM jobs WHERE run_id = $1")).
		WithArgs("opt_run_none").
		WillReturnRows(sqlmock.NewRows([]string{"data"}))

	_, err := s.GetJob(context.Background(), "opt_run_none")
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListJobsBuildsFilter(t *testing.T) {
	s, mock := newMockPostgres(t)
	job := newTestJob("opt_run_1", "alice", time.Now())
	doc, err := encodeJob(job)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT data FROM jobs WHERE 1=1 AND owner = $1 AND status = $2 ORDER BY submitted_at DESC LIMIT $3")).
		WithArgs("alice", "queued", 5).
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(doc))

	jobs, err := s.ListJobs(context.Background(), JobFilter{Owner: "alice", Status: models.JobStatusQueued, Limit: 5})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "opt_run_1", jobs[0].RunID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDialectRebind(t *testing.T) {
	assert.Equal(t, "a = $1 AND b = $2", postgresDialect.rebind("a = ? AND b = ?"))
	assert.Equal(t, "a = ?", sqliteDialect.rebind("a = ?"))
}

// TestPostgresIntegration runs the shared suite against a real server
func TestPostgresIntegration(t *testing.T) {
	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		t.Skip("DATABASE_DSN not set, skipping PostgreSQL integration test")
	}
	s, err := NewPostgreSQLStore(Config{Type: "postgres", DSN: dsn})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.db.Exec("TRUNCATE jobs, schedule_versions")
	require.NoError(t, err)
	runStoreSuite(t, s)
}
