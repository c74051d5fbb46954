package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/psantana5/schedopt/pkg/models"
)

// dialect captures the few differences between SQLite and PostgreSQL
type dialect struct {
	name      string
	dollar    bool   // $1 placeholders instead of ?
	forUpdate string // row lock clause for read-modify-write
}

var (
	sqliteDialect   = dialect{name: "sqlite"}
	postgresDialect = dialect{name: "postgres", dollar: true, forUpdate: " FOR UPDATE"}
)

func (d dialect) rebind(query string) string {
	if !d.dollar {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqlJobs implements the job and version parts of Store on database/sql.
// Indexed columns are duplicated out of the JSON document for filtering.
type sqlJobs struct {
	db *sql.DB
	d  dialect
}

func millis(t time.Time) int64 { return t.UTC().UnixMilli() }

func nullableMillis(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return millis(*t)
}

func (s *sqlJobs) CreateJob(ctx context.Context, job *models.Job) error {
	data, err := encodeJob(job)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.d.rebind(`
		INSERT INTO jobs (run_id, owner, status, algorithm_id, submitted_at, completed_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		job.RunID, job.Owner, string(job.Status), job.AlgorithmID,
		millis(job.SubmittedAt), nullableMillis(job.CompletedAt), data)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrJobExists
		}
		return fmt.Errorf("failed to insert job %s: %w", job.RunID, err)
	}
	return nil
}

func (s *sqlJobs) GetJob(ctx context.Context, runID string) (*models.Job, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT data FROM jobs WHERE run_id = ?`), runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", runID, err)
	}
	return decodeJob(data)
}

func (s *sqlJobs) UpdateJob(ctx context.Context, runID string, fn func(*models.Job) error) (*models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var data []byte
	err = tx.QueryRowContext(ctx, s.d.rebind(`SELECT data FROM jobs WHERE run_id = ?`+s.d.forUpdate), runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock job %s: %w", runID, err)
	}

	job, err := decodeJob(data)
	if err != nil {
		return nil, err
	}
	if err := fn(job); err != nil {
		return nil, err
	}

	data, err = encodeJob(job)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, s.d.rebind(`
		UPDATE jobs SET status = ?, completed_at = ?, data = ? WHERE run_id = ?`),
		string(job.Status), nullableMillis(job.CompletedAt), data, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to update job %s: %w", runID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit job %s: %w", runID, err)
	}
	return job, nil
}

func (s *sqlJobs) DeleteJob(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, s.d.rebind(`DELETE FROM jobs WHERE run_id = ?`), runID)
	if err != nil {
		return fmt.Errorf("failed to delete job %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *sqlJobs) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	query := `SELECT data FROM jobs WHERE 1=1`
	var args []interface{}
	if filter.Owner != "" {
		query += ` AND owner = ?`
		args = append(args, filter.Owner)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY submitted_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		job, err := decodeJob(data)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *sqlJobs) TerminalBefore(ctx context.Context, t time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(`
		SELECT run_id FROM jobs
		WHERE status IN ('completed', 'failed', 'cancelled') AND completed_at < ?
		ORDER BY run_id`), millis(t))
	if err != nil {
		return nil, fmt.Errorf("failed to query expired jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqlJobs) SaveVersion(ctx context.Context, v *models.ScheduleVersion) error {
	data, err := jsonMarshal(v)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.d.rebind(`
		INSERT INTO schedule_versions (version_id, run_id, owner, created_at, data)
		VALUES (?, ?, ?, ?, ?)`),
		v.VersionID, v.RunID, v.Owner, millis(v.CreatedAt), data)
	if err != nil {
		return fmt.Errorf("failed to save version %s: %w", v.VersionID, err)
	}
	return nil
}

func (s *sqlJobs) GetVersion(ctx context.Context, versionID string) (*models.ScheduleVersion, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT data FROM schedule_versions WHERE version_id = ?`), versionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrVersionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get version %s: %w", versionID, err)
	}
	var v models.ScheduleVersion
	if err := jsonUnmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *sqlJobs) GetJobMetrics(ctx context.Context) (*JobMetrics, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, algorithm_id, COUNT(*) FROM jobs GROUP BY status, algorithm_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate jobs: %w", err)
	}
	defer rows.Close()

	m := newJobMetrics()
	for rows.Next() {
		var status, alg string
		var n int
		if err := rows.Scan(&status, &alg, &n); err != nil {
			return nil, err
		}
		m.JobsByState[models.JobStatus(status)] += n
		m.JobsByAlgorithm[alg] += n
		m.Total += n
	}
	return m, rows.Err()
}

func (s *sqlJobs) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlJobs) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
