// Package jobs owns every mutation of an optimization run.
//
// The Tracker serializes changes per run ID, validates them against the
// job state machine, persists them through a store.Store and publishes the
// resulting snapshot to the progress broker while still holding the run's
// lock, so stream order always equals store order. Different runs never
// share a lock.
package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/psantana5/schedopt/pkg/broadcast"
	"github.com/psantana5/schedopt/pkg/logging"
	"github.com/psantana5/schedopt/pkg/models"
	"github.com/psantana5/schedopt/pkg/store"
)

// RunIDPrefix is prepended to every generated run ID
const RunIDPrefix = "opt_run_"

var (
	ErrTerminal           = errors.New("job is in a terminal state")
	ErrCancelled          = fmt.Errorf("%w: cancelled", ErrTerminal)
	ErrProgressRegression = errors.New("progress may not decrease")
	ErrInvalidTransition  = errors.New("invalid state transition")
)

// errUnchanged aborts a store update without being an error for the caller
var errUnchanged = errors.New("unchanged")

// TransitionFunc observes a status change after it was persisted
type TransitionFunc func(job *models.Job, from models.JobStatus)

type runLock struct {
	mu   sync.Mutex
	refs int
}

// Tracker is the job state machine on top of a Store
type Tracker struct {
	store  store.Store
	broker *broadcast.Broker
	logger *logging.Logger
	now    func() time.Time

	mu      sync.Mutex
	locks   map[string]*runLock
	cancels map[string]context.CancelFunc

	hooks []TransitionFunc
}

// NewTracker creates a tracker
func NewTracker(s store.Store, b *broadcast.Broker, logger *logging.Logger) *Tracker {
	return &Tracker{
		store:   s,
		broker:  b,
		logger:  logger.WithField("component", "jobs"),
		now:     func() time.Time { return time.Now().UTC() },
		locks:   make(map[string]*runLock),
		cancels: make(map[string]context.CancelFunc),
	}
}

// OnTransition registers fn to run after every persisted status change
func (t *Tracker) OnTransition(fn TransitionFunc) {
	t.hooks = append(t.hooks, fn)
}

// Store exposes the underlying store for read-only helpers
func (t *Tracker) Store() store.Store { return t.store }

func (t *Tracker) lock(runID string) func() {
	t.mu.Lock()
	l, ok := t.locks[runID]
	if !ok {
		l = &runLock{}
		t.locks[runID] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, runID)
		}
		t.mu.Unlock()
	}
}

// NewRunID returns a fresh run identifier
func NewRunID() string {
	return RunIDPrefix + uuid.NewString()
}

// InputHash fingerprints the part of a request that determines the result.
// The JSON is canonicalized first so key order in Extra maps never matters.
func InputHash(req *models.OptimizationRequest) string {
	data, err := json.Marshal(struct {
		AlgorithmID  string              `json:"a"`
		ScheduleData models.ScheduleData `json:"s"`
		Parameters   models.Parameters   `json:"p"`
	}{req.AlgorithmID, req.ScheduleData, req.Parameters})
	if err != nil {
		return ""
	}
	if canonical, err := jcs.Transform(data); err == nil {
		data = canonical
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// Create inserts a queued job for an already admitted request
func (t *Tracker) Create(ctx context.Context, req *models.OptimizationRequest, owner string) (*models.Job, error) {
	now := t.now()
	job := &models.Job{
		RunID:       NewRunID(),
		AlgorithmID: req.AlgorithmID,
		ProfileID:   string(req.ProfileID),
		Status:      models.JobStatusQueued,
		Progress:    0,
		CurrentStep: models.StepDescription(models.JobStatusQueued),
		Owner:       owner,
		InputHash:   InputHash(req),
		SubmittedAt: now,
		Request:     req,
		StateTransitions: []models.StateTransition{
			{To: models.JobStatusQueued, Reason: "submitted", Timestamp: now},
		},
	}
	if err := t.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	t.logger.Info("Job queued", logging.Fields{"run_id": job.RunID, "algorithm": job.AlgorithmID, "owner": owner})
	t.fire(job, "")
	return job, nil
}

// Get returns the current snapshot
func (t *Tracker) Get(ctx context.Context, runID string) (*models.Job, error) {
	return t.store.GetJob(ctx, runID)
}

// List returns snapshots matching filter
func (t *Tracker) List(ctx context.Context, filter store.JobFilter) ([]*models.Job, error) {
	return t.store.ListJobs(ctx, filter)
}

// GetVersion returns a schedule revision produced by a completed run
func (t *Tracker) GetVersion(ctx context.Context, versionID string) (*models.ScheduleVersion, error) {
	return t.store.GetVersion(ctx, versionID)
}

func (t *Tracker) transition(j *models.Job, to models.JobStatus, reason string) error {
	if models.IsTerminalState(j.Status) {
		if j.Status == models.JobStatusCancelled {
			return ErrCancelled
		}
		return ErrTerminal
	}
	if err := models.ValidateTransition(j.Status, to); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	now := t.now()
	j.StateTransitions = append(j.StateTransitions, models.StateTransition{
		From: j.Status, To: to, Reason: reason, Timestamp: now,
	})
	j.Status = to
	j.CurrentStep = models.StepDescription(to)
	switch to {
	case models.JobStatusRunning:
		j.StartedAt = &now
	case models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled:
		j.CompletedAt = &now
	}
	return nil
}

// mutate runs fn against the stored job under the run lock and publishes
// the outcome. changed is false when fn returned errUnchanged.
func (t *Tracker) mutate(ctx context.Context, runID string, fn func(*models.Job) error) (job *models.Job, from models.JobStatus, changed bool, err error) {
	unlock := t.lock(runID)
	defer unlock()

	job, err = t.store.UpdateJob(ctx, runID, func(j *models.Job) error {
		from = j.Status
		if err := fn(j); err != nil {
			return err
		}
		j.Revision++
		return nil
	})
	if errors.Is(err, errUnchanged) {
		job, err = t.store.GetJob(ctx, runID)
		return job, from, false, err
	}
	if err != nil {
		return nil, from, false, err
	}

	t.broker.Publish(models.EventFromJob(job))
	return job, from, true, nil
}

// Start moves a queued job to running
func (t *Tracker) Start(ctx context.Context, runID string) (*models.Job, error) {
	job, from, _, err := t.mutate(ctx, runID, func(j *models.Job) error {
		return t.transition(j, models.JobStatusRunning, "picked up by executor")
	})
	if err != nil {
		return nil, err
	}
	t.logger.Info("Job started", logging.Fields{"run_id": runID})
	t.fire(job, from)
	return job, nil
}

// ReportProgress records a checkpoint of a running job. Progress is capped
// at 99 until completion and may never decrease.
func (t *Tracker) ReportProgress(ctx context.Context, runID string, progress int, step string) error {
	if progress > 99 {
		progress = 99
	}
	if progress < 0 {
		progress = 0
	}
	_, _, _, err := t.mutate(ctx, runID, func(j *models.Job) error {
		switch {
		case j.Status == models.JobStatusCancelled:
			return ErrCancelled
		case models.IsTerminalState(j.Status):
			return ErrTerminal
		case j.Status != models.JobStatusRunning:
			return fmt.Errorf("%w: progress on %s job", ErrInvalidTransition, j.Status)
		case progress < j.Progress:
			return fmt.Errorf("%w: %d < %d", ErrProgressRegression, progress, j.Progress)
		case progress == j.Progress && step == j.CurrentStep:
			return errUnchanged
		}
		j.Progress = progress
		if step != "" {
			j.CurrentStep = step
		}
		return nil
	})
	return err
}

// Complete records the result of a running job and its schedule version
func (t *Tracker) Complete(ctx context.Context, runID string, result *models.OptimizationResult) (*models.Job, error) {
	job, from, _, err := t.mutate(ctx, runID, func(j *models.Job) error {
		if err := t.transition(j, models.JobStatusCompleted, "optimization finished"); err != nil {
			return err
		}
		j.Progress = 100
		j.Result = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.VersionID != "" {
		v := &models.ScheduleVersion{
			VersionID:       result.VersionID,
			ParentVersionID: result.ParentVersionID,
			RunID:           runID,
			Owner:           job.Owner,
			CreatedAt:       *job.CompletedAt,
			Events:          result.Events,
			Metrics:         result.Metrics,
		}
		if err := t.store.SaveVersion(ctx, v); err != nil {
			t.logger.Error("Failed to save schedule version", logging.Fields{"run_id": runID, "version_id": v.VersionID, "error": err})
		}
	}

	t.logger.Info("Job completed", logging.Fields{"run_id": runID, "changed_events": len(result.ChangedEvents)})
	t.fire(job, from)
	return job, nil
}

// Fail records a structured failure of a running job
func (t *Tracker) Fail(ctx context.Context, runID string, cause *models.JobError) (*models.Job, error) {
	job, from, _, err := t.mutate(ctx, runID, func(j *models.Job) error {
		if err := t.transition(j, models.JobStatusFailed, cause.Code); err != nil {
			return err
		}
		j.Error = cause
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.logger.Warn("Job failed", logging.Fields{"run_id": runID, "code": cause.Code, "message": cause.Message})
	t.fire(job, from)
	return job, nil
}

// Cancel stops a job. Cancelling a terminal job is a no-op that returns
// its unchanged snapshot.
func (t *Tracker) Cancel(ctx context.Context, runID, reason string) (*models.Job, error) {
	if reason == "" {
		reason = "cancelled by user"
	}
	job, from, changed, err := t.mutate(ctx, runID, func(j *models.Job) error {
		if models.IsTerminalState(j.Status) {
			return errUnchanged
		}
		return t.transition(j, models.JobStatusCancelled, reason)
	})
	if err != nil {
		return nil, err
	}
	if changed {
		t.interrupt(runID)
		t.logger.Info("Job cancelled", logging.Fields{"run_id": runID, "reason": reason, "from": string(from)})
		t.fire(job, from)
	}
	return job, nil
}

// Purge deletes a job. Observers of a job that had not finished receive a
// closing cancelled event carrying JOB_PURGED before it disappears.
func (t *Tracker) Purge(ctx context.Context, runID string) error {
	unlock := t.lock(runID)
	defer unlock()

	job, err := t.store.GetJob(ctx, runID)
	if err != nil {
		return err
	}
	if err := t.store.DeleteJob(ctx, runID); err != nil {
		return err
	}

	if !models.IsTerminalState(job.Status) {
		from := job.Status
		_ = t.transition(job, models.JobStatusCancelled, "purged")
		job.Revision++
		job.Error = models.NewJobError(models.ErrCodePurged, "Job was removed before it finished")
		t.broker.Publish(models.EventFromJob(job))
		t.interrupt(runID)
		t.fire(job, from)
	}
	t.logger.Debug("Job purged", logging.Fields{"run_id": runID})
	return nil
}

// Watch subscribes to a run. The first event is the current snapshot;
// later events follow in store order.
func (t *Tracker) Watch(ctx context.Context, runID string) (*broadcast.Subscription, *models.Job, error) {
	unlock := t.lock(runID)
	defer unlock()

	job, err := t.store.GetJob(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	return t.broker.Subscribe(runID, models.EventFromJob(job)), job, nil
}

// Attach registers cancel to be called when runID is cancelled or purged.
// The returned func detaches it.
func (t *Tracker) Attach(runID string, cancel context.CancelFunc) func() {
	t.mu.Lock()
	t.cancels[runID] = cancel
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.cancels, runID)
		t.mu.Unlock()
	}
}

func (t *Tracker) interrupt(runID string) {
	t.mu.Lock()
	cancel := t.cancels[runID]
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (t *Tracker) fire(job *models.Job, from models.JobStatus) {
	for _, h := range t.hooks {
		h(job, from)
	}
}
