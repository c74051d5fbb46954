package models

import (
	"time"
)

// JobStatus represents the lifecycle state of an optimization run
type JobStatus string

// Error codes recorded on failed or cancelled runs
const (
	ErrCodeInfeasible         = "INFEASIBLE"
	ErrCodeCircularDependency = "CIRCULAR_DEPENDENCY"
	ErrCodeInvalidSchedule    = "INVALID_SCHEDULE"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeResourceExhausted  = "RESOURCE_EXHAUSTED"
	ErrCodeInternal           = "INTERNAL"
	ErrCodeCancelled          = "CANCELLED_BY_USER"
	ErrCodePurged             = "JOB_PURGED"
)

// JobError is the structured cause of a failure
type JobError struct {
	Code        string                 `json:"code"`
	Message     string                 `json:"message"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Recoverable bool                   `json:"recoverable"`
}

func (e *JobError) Error() string {
	return e.Code + ": " + e.Message
}

// NewJobError builds a JobError
func NewJobError(code, message string) *JobError {
	return &JobError{Code: code, Message: message}
}

// WithDetail attaches a detail key and returns e
func (e *JobError) WithDetail(key string, value interface{}) *JobError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// EventChange records one event the optimizer moved
type EventChange struct {
	ID           string    `json:"id"`
	ResourceID   string    `json:"resourceId,omitempty"`
	OldStartDate time.Time `json:"oldStartDate"`
	OldEndDate   time.Time `json:"oldEndDate"`
	StartDate    time.Time `json:"startDate"`
	EndDate      time.Time `json:"endDate"`
	ShiftMinutes float64   `json:"shiftMinutes"`
}

// Metrics summarizes a proposed schedule
type Metrics struct {
	Makespan              float64            `json:"makespan"` // hours
	ResourceUtilization   float64            `json:"resourceUtilization"`
	PerResource           map[string]float64 `json:"perResourceUtilization,omitempty"`
	TotalSetupTime        float64            `json:"totalSetupTime"`
	TotalWaitTime         float64            `json:"totalWaitTime"`
	ConstraintViolations  int                `json:"constraintViolations"`
	ImprovementPercentage float64            `json:"improvementPercentage"`
	ObjectiveValue        float64            `json:"objectiveValue"`
	ComputationTime       float64            `json:"computationTime"` // milliseconds
}

// OptimizationResult is the artifact of a completed run
type OptimizationResult struct {
	VersionID          string        `json:"versionId"`
	ParentVersionID    string        `json:"parentVersionId,omitempty"`
	ChangedEvents      []EventChange `json:"changedEvents"`
	Events             []Event       `json:"events,omitempty"`
	Metrics            Metrics       `json:"metrics"`
	Warnings           []string      `json:"warnings"`
	AppliedConstraints []string      `json:"appliedConstraints,omitempty"`
	CriticalPath       []string      `json:"criticalPath,omitempty"`
	ArtifactURI        string        `json:"artifactUri,omitempty"`
}

// StateTransition records one status change
type StateTransition struct {
	From      JobStatus `json:"from"`
	To        JobStatus `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Job is the record of one optimization run
type Job struct {
	RunID       string              `json:"runId"`
	AlgorithmID string              `json:"algorithmId"`
	ProfileID   string              `json:"profileId,omitempty"`
	Status      JobStatus           `json:"status"`
	Progress    int                 `json:"progress"`
	Revision    uint64              `json:"revision"` // bumped on every mutation
	CurrentStep string              `json:"currentStep,omitempty"`
	Owner       string              `json:"owner"`
	InputHash   string              `json:"inputHash"`
	SubmittedAt time.Time           `json:"submittedAt"`
	StartedAt   *time.Time          `json:"startedAt,omitempty"`
	CompletedAt *time.Time          `json:"completedAt,omitempty"`
	Result      *OptimizationResult `json:"result"`
	Error       *JobError           `json:"error,omitempty"`

	Request          *OptimizationRequest `json:"-"`
	StateTransitions []StateTransition    `json:"stateTransitions,omitempty"`
}

// Clone returns a deep-enough copy for handing to readers. Result and
// Request are immutable once set so they are shared.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	c.StateTransitions = append([]StateTransition(nil), j.StateTransitions...)
	return &c
}

// SubmitResponse is returned by POST /optimize
type SubmitResponse struct {
	RunID       string    `json:"runId"`
	Status      JobStatus `json:"status"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// ProgressEvent is one message on a progress stream
type ProgressEvent struct {
	RunID       string              `json:"runId"`
	Seq         uint64              `json:"seq"`
	Status      JobStatus           `json:"status"`
	Progress    int                 `json:"progress"`
	CurrentStep string              `json:"currentStep,omitempty"`
	Result      *OptimizationResult `json:"result,omitempty"`
	Error       *JobError           `json:"error,omitempty"`
	Timestamp   time.Time           `json:"timestamp"`
}

// Terminal reports whether the event closes the stream
func (e ProgressEvent) Terminal() bool {
	return IsTerminalState(e.Status)
}

// EventFromJob projects a job snapshot into a stream event
func EventFromJob(j *Job) ProgressEvent {
	return ProgressEvent{
		RunID:       j.RunID,
		Seq:         j.Revision,
		Status:      j.Status,
		Progress:    j.Progress,
		CurrentStep: j.CurrentStep,
		Result:      j.Result,
		Error:       j.Error,
		Timestamp:   time.Now().UTC(),
	}
}

// ScheduleVersion is an immutable schedule revision produced by a completed run
type ScheduleVersion struct {
	VersionID       string    `json:"versionId"`
	ParentVersionID string    `json:"parentVersionId,omitempty"`
	RunID           string    `json:"runId"`
	Owner           string    `json:"owner"`
	CreatedAt       time.Time `json:"createdAt"`
	Events          []Event   `json:"events"`
	Metrics         Metrics   `json:"metrics"`
}
