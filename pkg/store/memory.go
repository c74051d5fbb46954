package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/psantana5/schedopt/pkg/models"
)

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu       sync.RWMutex
	jobs     map[string]*models.Job
	versions map[string]*models.ScheduleVersion
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[string]*models.Job),
		versions: make(map[string]*models.ScheduleVersion),
	}
}

// CreateJob adds a new job
func (s *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.RunID]; exists {
		return ErrJobExists
	}
	s.jobs[job.RunID] = job.Clone()
	return nil
}

// GetJob returns a copy of a job
func (s *MemoryStore) GetJob(_ context.Context, runID string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[runID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// UpdateJob applies fn to a copy and swaps it in. The map lock is not
// held while fn runs, so one slow update never stalls other jobs; if the
// stored job changed in the meantime fn runs again on the newer copy.
func (s *MemoryStore) UpdateJob(_ context.Context, runID string, fn func(*models.Job) error) (*models.Job, error) {
	for {
		s.mu.RLock()
		cur, ok := s.jobs[runID]
		s.mu.RUnlock()
		if !ok {
			return nil, ErrJobNotFound
		}

		next := cur.Clone()
		if err := fn(next); err != nil {
			return nil, err
		}

		s.mu.Lock()
		stored, ok := s.jobs[runID]
		if !ok {
			s.mu.Unlock()
			return nil, ErrJobNotFound
		}
		if stored != cur {
			s.mu.Unlock()
			continue
		}
		s.jobs[runID] = next
		s.mu.Unlock()
		return next.Clone(), nil
	}
}

// DeleteJob removes a job
func (s *MemoryStore) DeleteJob(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[runID]; !ok {
		return ErrJobNotFound
	}
	delete(s.jobs, runID)
	return nil
}

// ListJobs returns jobs matching filter, newest first
func (s *MemoryStore) ListJobs(_ context.Context, filter JobFilter) ([]*models.Job, error) {
	s.mu.RLock()
	out := make([]*models.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if filter.Owner != "" && j.Owner != filter.Owner {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		out = append(out, j.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool { return out[a].SubmittedAt.After(out[b].SubmittedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// TerminalBefore lists terminal jobs that completed before t
func (s *MemoryStore) TerminalBefore(_ context.Context, t time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, j := range s.jobs {
		if models.IsTerminalState(j.Status) && j.CompletedAt != nil && j.CompletedAt.Before(t) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// SaveVersion stores a schedule version
func (s *MemoryStore) SaveVersion(_ context.Context, v *models.ScheduleVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *v
	s.versions[v.VersionID] = &cp
	return nil
}

// GetVersion returns a schedule version
func (s *MemoryStore) GetVersion(_ context.Context, versionID string) (*models.ScheduleVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.versions[versionID]
	if !ok {
		return nil, ErrVersionNotFound
	}
	cp := *v
	return &cp, nil
}

// GetJobMetrics counts jobs by state and algorithm
func (s *MemoryStore) GetJobMetrics(_ context.Context) (*JobMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := newJobMetrics()
	for _, j := range s.jobs {
		m.JobsByState[j.Status]++
		m.JobsByAlgorithm[j.AlgorithmID]++
		m.Total++
	}
	return m, nil
}

// HealthCheck always succeeds for the memory store
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Close is a no-op
func (s *MemoryStore) Close() error { return nil }
