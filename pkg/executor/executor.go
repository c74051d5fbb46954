// Package executor runs admitted optimization jobs on a bounded worker
// pool, outside the request/response cycle.
//
// Jobs are taken from a FIFO queue of run IDs, each paired with the
// algorithm resolved when it was admitted. Every state change goes
// through the jobs.Tracker, so a job cancelled while its algorithm is still
// computing simply has its late result refused by the tracker.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/psantana5/schedopt/pkg/algorithms"
	"github.com/psantana5/schedopt/pkg/artifacts"
	"github.com/psantana5/schedopt/pkg/constraints"
	"github.com/psantana5/schedopt/pkg/jobs"
	"github.com/psantana5/schedopt/pkg/logging"
	"github.com/psantana5/schedopt/pkg/models"
	"github.com/psantana5/schedopt/pkg/profiles"
	"github.com/psantana5/schedopt/pkg/resources"
	"github.com/psantana5/schedopt/pkg/store"
)

var (
	ErrQueueFull   = errors.New("optimization queue is full")
	ErrStopped     = errors.New("executor is stopped")
	ErrNoAlgorithm = errors.New("no algorithm given for job")
)

// Config holds executor configuration
type Config struct {
	Workers          int           `mapstructure:"workers"`
	QueueSize        int           `mapstructure:"queue_size"`
	DefaultTimeLimit time.Duration `mapstructure:"default_time_limit"`
	MaxTimeLimit     time.Duration `mapstructure:"max_time_limit"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Workers:          4,
		QueueSize:        1000,
		DefaultTimeLimit: 5 * time.Minute,
		MaxTimeLimit:     30 * time.Minute,
	}
}

// Deps are the collaborators an executor needs. Registry is only used to
// resolve jobs restored by Recover. Rules, Guard and Artifacts are optional.
type Deps struct {
	Tracker   *jobs.Tracker
	Registry  *algorithms.Registry
	Profiles  *profiles.Catalog
	Rules     *constraints.Evaluator
	Guard     *resources.Guard
	Artifacts *artifacts.Writer
	Logger    *logging.Logger
}

// Executor is the worker pool
type Executor struct {
	cfg    Config
	deps   Deps
	logger *logging.Logger
	tracer trace.Tracer

	mu     sync.Mutex
	queue  []queued
	closed bool
	notify chan struct{}

	running atomic.Int32
	forced  atomic.Bool

	workerCtx    context.Context
	stopWorkers  context.CancelFunc
	runCtx       context.Context
	interruptAll context.CancelFunc
	wg           sync.WaitGroup
	started      bool
}

// New creates an executor. Call Start to launch the workers.
func New(cfg Config, deps Deps) *Executor {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.DefaultTimeLimit <= 0 {
		cfg.DefaultTimeLimit = def.DefaultTimeLimit
	}
	if cfg.MaxTimeLimit <= 0 {
		cfg.MaxTimeLimit = def.MaxTimeLimit
	}
	if deps.Profiles == nil {
		deps.Profiles = profiles.Builtin()
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	e := &Executor{
		cfg:    cfg,
		deps:   deps,
		logger: logger.WithField("component", "executor"),
		tracer: otel.Tracer("github.com/psantana5/schedopt/pkg/executor"),
		notify: make(chan struct{}, 1),
	}
	e.workerCtx, e.stopWorkers = context.WithCancel(context.Background())
	e.runCtx, e.interruptAll = context.WithCancel(context.Background())
	return e
}

// Start launches the workers
func (e *Executor) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	e.logger.Info("Starting executor", logging.Fields{
		"workers":            e.cfg.Workers,
		"queue_size":         e.cfg.QueueSize,
		"default_time_limit": e.cfg.DefaultTimeLimit.String(),
	})
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}
}

type queued struct {
	runID string
	alg   algorithms.Algorithm
}

// Submit enqueues an already created job together with the algorithm it
// was admitted for
func (e *Executor) Submit(runID string, alg algorithms.Algorithm) error {
	if alg == nil {
		return ErrNoAlgorithm
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrStopped
	}
	if e.cfg.QueueSize > 0 && len(e.queue) >= e.cfg.QueueSize {
		e.mu.Unlock()
		return ErrQueueFull
	}
	e.queue = append(e.queue, queued{runID: runID, alg: alg})
	e.mu.Unlock()
	e.wake()
	return nil
}

// QueueDepth returns the number of jobs waiting for a worker
func (e *Executor) QueueDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Running returns the number of jobs being executed
func (e *Executor) Running() int {
	return int(e.running.Load())
}

// Workers returns the pool size
func (e *Executor) Workers() int {
	return e.cfg.Workers
}

func (e *Executor) wake() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// next blocks until a job is available or the workers are stopped
func (e *Executor) next() (queued, bool) {
	for {
		e.mu.Lock()
		if len(e.queue) > 0 {
			item := e.queue[0]
			e.queue[0] = queued{}
			e.queue = e.queue[1:]
			more := len(e.queue) > 0
			e.mu.Unlock()
			if more {
				e.wake()
			}
			return item, true
		}
		e.mu.Unlock()

		select {
		case <-e.workerCtx.Done():
			return queued{}, false
		case <-e.notify:
		}
	}
}

func (e *Executor) worker(id int) {
	defer e.wg.Done()
	for {
		item, ok := e.next()
		if !ok {
			return
		}
		if e.workerCtx.Err() != nil {
			// stopping: leave it queued in the store for Recover
			return
		}
		e.running.Add(1)
		e.execute(item.runID, item.alg)
		e.running.Add(-1)
	}
}

// Stop stops accepting work and waits for running jobs. When ctx expires
// first the remaining runs are interrupted and recorded as failed.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	pending := len(e.queue)
	e.mu.Unlock()
	e.stopWorkers()
	e.logger.Info("Stopping executor", logging.Fields{"running": e.Running(), "queued": pending})

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.interruptAll()
		return nil
	case <-ctx.Done():
		e.forced.Store(true)
		e.interruptAll()
		<-done
		return fmt.Errorf("executor stop: %w", ctx.Err())
	}
}

// Recover re-enqueues queued jobs and fails jobs left running by a
// previous process
func (e *Executor) Recover(ctx context.Context) error {
	tr := e.deps.Tracker
	pending, err := tr.List(ctx, store.JobFilter{Status: models.JobStatusQueued})
	if err != nil {
		return fmt.Errorf("failed to list queued jobs: %w", err)
	}
	// oldest first
	for i := len(pending) - 1; i >= 0; i-- {
		j := pending[i]
		var alg algorithms.Algorithm
		if e.deps.Registry != nil {
			alg, _ = e.deps.Registry.Get(j.AlgorithmID)
		}
		if alg == nil {
			// failed is only reachable from running
			cause := models.NewJobError(models.ErrCodeInternal, "Algorithm not registered: "+j.AlgorithmID)
			_, err := tr.Start(ctx, j.RunID)
			if err == nil {
				_, err = tr.Fail(ctx, j.RunID, cause)
			}
			if err != nil && !errors.Is(err, jobs.ErrTerminal) {
				e.logger.Warn("Failed to fail unrunnable job", logging.Fields{"run_id": j.RunID, "error": err})
			}
			continue
		}
		if err := e.Submit(j.RunID, alg); err != nil {
			return err
		}
	}

	running, err := tr.List(ctx, store.JobFilter{Status: models.JobStatusRunning})
	if err != nil {
		return fmt.Errorf("failed to list running jobs: %w", err)
	}
	for _, j := range running {
		cause := models.NewJobError(models.ErrCodeInternal, "Optimizer restarted while the job was running")
		cause.Recoverable = true
		if _, err := tr.Fail(ctx, j.RunID, cause); err != nil && !errors.Is(err, jobs.ErrTerminal) {
			e.logger.Warn("Failed to fail orphaned job", logging.Fields{"run_id": j.RunID, "error": err})
		}
	}
	if len(pending)+len(running) > 0 {
		e.logger.Info("Recovered jobs", logging.Fields{"requeued": len(pending), "orphaned": len(running)})
	}
	return nil
}

type outcome struct {
	result *models.OptimizationResult
	err    error
}

// errPanic wraps a recovered algorithm panic
type errPanic struct{ value interface{} }

func (p errPanic) Error() string { return fmt.Sprintf("algorithm panicked: %v", p.value) }

// execute runs one job to a terminal state
func (e *Executor) execute(runID string, alg algorithms.Algorithm) {
	bg := context.Background()
	tr := e.deps.Tracker
	log := e.logger.WithField("run_id", runID)

	job, err := tr.Get(bg, runID)
	if err != nil {
		log.Debug("Skipping job", logging.Fields{"error": err})
		return
	}
	if job.Status != models.JobStatusQueued {
		log.Debug("Skipping job that is no longer queued", logging.Fields{"status": string(job.Status)})
		return
	}

	runCtx, cancel := context.WithCancel(e.runCtx)
	defer cancel()
	detach := tr.Attach(runID, cancel)
	defer detach()

	job, err = tr.Start(bg, runID)
	if err != nil {
		log.Debug("Job could not be started", logging.Fields{"error": err})
		return
	}

	spanCtx, span := e.tracer.Start(runCtx, "optimize",
		trace.WithAttributes(
			attribute.String("run_id", runID),
			attribute.String("algorithm", job.AlgorithmID),
			attribute.String("profile", job.ProfileID),
		))
	defer span.End()

	result, cause := e.run(spanCtx, runCtx, job, alg, log)
	if cause != nil {
		span.SetStatus(codes.Error, cause.Code)
		e.fail(runID, cause, log)
		return
	}

	if _, err := tr.Complete(bg, runID, result); err != nil {
		if errors.Is(err, jobs.ErrTerminal) {
			log.Info("Discarding result of a job that already finished", logging.Fields{"error": err})
			return
		}
		log.Error("Failed to record result", logging.Fields{"error": err})
		return
	}
	span.SetStatus(codes.Ok, "")
}

func (e *Executor) fail(runID string, cause *models.JobError, log *logging.Logger) {
	if _, err := e.deps.Tracker.Fail(context.Background(), runID, cause); err != nil {
		if errors.Is(err, jobs.ErrTerminal) {
			log.Debug("Failure not recorded, job already finished", logging.Fields{"code": cause.Code})
			return
		}
		log.Error("Failed to record job failure", logging.Fields{"code": cause.Code, "error": err})
	}
}

// run resolves everything the job needs and executes the algorithm.
// It returns either a result to complete with or a cause to fail with;
// when the job was cancelled the cause is only recorded if the tracker
// still accepts it.
func (e *Executor) run(ctx, runCtx context.Context, job *models.Job, alg algorithms.Algorithm, log *logging.Logger) (*models.OptimizationResult, *models.JobError) {
	req := job.Request
	if req == nil {
		return nil, models.NewJobError(models.ErrCodeInternal, "Job has no stored request")
	}
	profile, err := e.deps.Profiles.Get(job.ProfileID)
	if err != nil {
		return nil, models.NewJobError(models.ErrCodeInternal, err.Error())
	}

	if snap, err := e.deps.Guard.Check(ctx); err != nil {
		cause := models.NewJobError(models.ErrCodeResourceExhausted, "Not enough memory to run the optimization").
			WithDetail("availableMb", snap.AvailableMB).
			WithDetail("usedPercent", snap.UsedPercent)
		cause.Recoverable = true
		log.Warn("Memory guard refused job", logging.Fields{"error": err})
		return nil, cause
	}

	limit := req.Parameters.TimeLimitDuration(profile.DefaultTimeLimit(e.cfg.DefaultTimeLimit))
	if limit > e.cfg.MaxTimeLimit {
		limit = e.cfg.MaxTimeLimit
	}
	algCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	in := algorithms.Input{
		Schedule:   &req.ScheduleData,
		Parameters: req.Parameters,
		Settings:   profile.Settings(),
	}
	cp := func(progress int, step string) error {
		if err := e.deps.Tracker.ReportProgress(context.Background(), job.RunID, progress, step); err != nil {
			if errors.Is(err, jobs.ErrTerminal) {
				return err
			}
			log.Warn("Progress not recorded", logging.Fields{"progress": progress, "error": err})
		}
		return algCtx.Err()
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("Algorithm panicked", logging.Fields{"panic": fmt.Sprint(r), "stack": string(debug.Stack())})
				done <- outcome{err: errPanic{value: r}}
			}
		}()
		res, err := alg.Run(algCtx, in, cp)
		done <- outcome{result: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-algCtx.Done():
		// the goroutine is abandoned; its late outcome lands in the buffer
		out = outcome{err: algCtx.Err()}
	}

	if out.err != nil {
		return nil, e.classify(out.err, runCtx, limit)
	}
	if out.result == nil {
		return nil, models.NewJobError(models.ErrCodeInternal, "Algorithm returned no result")
	}
	if runCtx.Err() != nil {
		return nil, e.classify(runCtx.Err(), runCtx, limit)
	}

	res := out.result
	if e.deps.Rules != nil && len(req.ScheduleData.Events) > 0 {
		report := e.deps.Rules.Evaluate(&req.ScheduleData, res, profile.Rules)
		res.AppliedConstraints = report.Applied
		res.Warnings = append(res.Warnings, report.Warnings()...)
		if hard := report.Hard(); len(hard) > 0 {
			msgs := make([]string, 0, len(hard))
			for _, v := range hard {
				msgs = append(msgs, v.Message)
			}
			return nil, models.NewJobError(models.ErrCodeInfeasible, "No feasible schedule satisfies the constraints").
				WithDetail("violations", msgs).
				WithDetail("metrics", res.Metrics)
		}
	}

	if e.deps.Artifacts.Enabled() && runCtx.Err() == nil {
		uri, err := e.deps.Artifacts.Write(runCtx, job, res)
		if err != nil {
			log.Warn("Result export failed", logging.Fields{"error": err})
			res.Warnings = append(res.Warnings, "Result artifact could not be exported")
		} else {
			res.ArtifactURI = uri
		}
	}
	return res, nil
}

// classify maps an algorithm error to the recorded failure
func (e *Executor) classify(err error, runCtx context.Context, limit time.Duration) *models.JobError {
	var jobErr *models.JobError
	var p errPanic
	switch {
	case errors.As(err, &jobErr):
		return jobErr
	case errors.Is(err, jobs.ErrTerminal):
		// cancelled or purged; the tracker refuses whatever we record
		return models.NewJobError(models.ErrCodeCancelled, "Optimization cancelled")
	case runCtx.Err() != nil && e.forced.Load():
		cause := models.NewJobError(models.ErrCodeInternal, "Optimizer shut down while the job was running")
		cause.Recoverable = true
		return cause
	case runCtx.Err() != nil:
		return models.NewJobError(models.ErrCodeCancelled, "Optimization cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		return models.NewJobError(models.ErrCodeTimeout,
			fmt.Sprintf("Optimization exceeded time limit of %s", limit)).
			WithDetail("timeLimitSeconds", limit.Seconds())
	case errors.As(err, &p):
		return models.NewJobError(models.ErrCodeInternal, p.Error())
	default:
		return models.NewJobError(models.ErrCodeInternal, err.Error())
	}
}
