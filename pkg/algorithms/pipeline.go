package algorithms

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/psantana5/schedopt/pkg/models"
)

// Phase checkpoints shared by the built-in algorithms
const (
	stepLoading    = "Loading schedule data"
	stepAnalyzing  = "Analyzing constraints"
	stepModel      = "Building optimization model"
	stepSolver     = "Running solver"
	stepValidating = "Validating solution"
	stepGenerating = "Generating schedule"
	stepFinalizing = "Finalizing optimization"
)

// planFunc assigns a start to every event. step must be called once per
// placed event; it returns an error when the run has to stop.
type planFunc func(p *problem, tl *timeline, order []int, step func(i int) error) (start []time.Time, critical []string, err error)

// builtin runs a planFunc through the common checkpointed pipeline
type builtin struct {
	info Info
	plan planFunc
}

func (b *builtin) Info() Info { return b.info }

// NewVersionID returns a fresh schedule version identifier
func NewVersionID() string {
	return "v_" + uuid.NewString()
}

func (b *builtin) Run(ctx context.Context, in Input, cp Checkpoint) (*models.OptimizationResult, error) {
	begin := time.Now()
	check := func(progress int, step string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return cp(progress, step)
	}

	if err := check(10, stepLoading); err != nil {
		return nil, err
	}
	result := &models.OptimizationResult{
		VersionID:     NewVersionID(),
		ChangedEvents: []models.EventChange{},
		Events:        []models.Event{},
		Warnings:      []string{},
	}
	if in.Schedule == nil || len(in.Schedule.Events) == 0 {
		result.Warnings = append(result.Warnings, "No events to optimize")
		result.Metrics.ComputationTime = elapsedMillis(begin)
		return result, nil
	}
	result.ParentVersionID = in.Schedule.Version

	p, err := newProblem(in)
	if err != nil {
		return nil, err
	}

	if err := check(20, stepAnalyzing); err != nil {
		return nil, err
	}
	order, err := p.topoOrder(p.byOriginalStart)
	if err != nil {
		return nil, err
	}

	if err := check(30, stepModel); err != nil {
		return nil, err
	}
	tl := newTimeline(p)
	for _, e := range p.events {
		if e.ResourceID != "" {
			if _, ok := p.resources[e.ResourceID]; !ok {
				p.warn("Event %s references unknown resource %s", e.ID, e.ResourceID)
			}
		}
	}

	if err := check(50, stepSolver); err != nil {
		return nil, err
	}
	every := in.Settings.CheckpointEvery
	if every <= 0 {
		every = 64
	}
	n := len(order)
	step := func(i int) error {
		if i == 0 || i%every != 0 {
			return ctx.Err()
		}
		return check(50+19*i/n, stepSolver)
	}
	start, critical, err := b.plan(p, tl, order, step)
	if err != nil {
		return nil, err
	}

	if err := check(70, stepValidating); err != nil {
		return nil, err
	}
	violations := p.violations(start)

	if err := check(90, stepGenerating); err != nil {
		return nil, err
	}
	for v, e := range p.events {
		moved := e
		moved.StartDate = start[v]
		moved.EndDate = start[v].Add(p.durations[v])
		result.Events = append(result.Events, moved)
		if !moved.StartDate.Equal(e.StartDate) || !moved.EndDate.Equal(e.EndDate) {
			result.ChangedEvents = append(result.ChangedEvents, models.EventChange{
				ID:           e.ID,
				ResourceID:   e.ResourceID,
				OldStartDate: e.StartDate,
				OldEndDate:   e.EndDate,
				StartDate:    moved.StartDate,
				EndDate:      moved.EndDate,
				ShiftMinutes: round(moved.StartDate.Sub(e.StartDate).Minutes(), 2),
			})
		}
	}
	result.CriticalPath = critical
	result.Metrics = p.metrics(start, tl, in.Parameters.Objectives)
	result.Metrics.ConstraintViolations = violations

	if err := check(95, stepFinalizing); err != nil {
		return nil, err
	}
	result.Warnings = append(result.Warnings, p.warnings...)
	result.Metrics.ComputationTime = elapsedMillis(begin)
	return result, nil
}

// placeAll places events in order on the forward timeline
func placeAll(p *problem, tl *timeline, order []int, step func(int) error) ([]time.Time, error) {
	start := make([]time.Time, len(p.events))
	for i, v := range order {
		if err := step(i); err != nil {
			return nil, err
		}
		e := p.events[v]
		if e.Fixed() {
			start[v] = e.StartDate
			tl.reserveForward(e.ResourceID, e.StartDate, e.StartDate.Add(p.durations[v]))
			continue
		}
		s, fits := tl.placeForward(e.ResourceID, p.earliestStart(v, start), p.durations[v])
		if !fits {
			p.warn("Event %s does not fit any availability window of resource %s", e.ID, e.ResourceID)
		}
		start[v] = s
	}
	return start, nil
}

func (p *problem) metrics(start []time.Time, tl *timeline, objectives []string) models.Metrics {
	var m models.Metrics
	var first, last time.Time
	busy := make(map[string]time.Duration)
	for v := range p.events {
		s, e := start[v], start[v].Add(p.durations[v])
		if first.IsZero() || s.Before(first) {
			first = s
		}
		if e.After(last) {
			last = e
		}
		if _, ok := p.resources[p.events[v].ResourceID]; ok {
			busy[p.events[v].ResourceID] += p.durations[v]
		}
	}
	span := last.Sub(first)
	m.Makespan = round(span.Hours(), 2)

	if span > 0 && len(p.resources) > 0 {
		m.PerResource = make(map[string]float64, len(p.resources))
		var total time.Duration
		slots := 0
		for id := range p.resources {
			n := len(tl.slots[id])
			slots += n
			total += busy[id]
			m.PerResource[id] = round(busy[id].Hours()/(span.Hours()*float64(n)), 4)
		}
		m.ResourceUtilization = round(total.Hours()/(span.Hours()*float64(slots)), 4)
	}

	var wait time.Duration
	for v := range p.events {
		for _, l := range p.succ[v] {
			if l.typ != models.FinishToStart {
				continue
			}
			gap := start[l.other].Sub(start[v].Add(p.durations[v]).Add(l.lag))
			if gap > 0 {
				wait += gap
			}
		}
	}
	m.TotalWaitTime = round(wait.Hours(), 2)
	m.TotalSetupTime = round(float64(tl.setups)*p.settings.SetupHours, 2)

	if orig := p.horizon.Sub(p.origin); orig > 0 {
		m.ImprovementPercentage = round((orig.Hours()-span.Hours())/orig.Hours()*100, 2)
	}

	m.ObjectiveValue = objectiveValue(m, objectives)
	return m
}

// objectiveValue is lower-is-better over the requested objectives
func objectiveValue(m models.Metrics, objectives []string) float64 {
	if len(objectives) == 0 {
		objectives = []string{"minimize_makespan"}
	}
	v := 0.0
	for _, o := range objectives {
		switch o {
		case "minimize_makespan":
			v += m.Makespan
		case "minimize_wait_time", "minimize_delays":
			v += m.TotalWaitTime
		case "minimize_setup_time":
			v += m.TotalSetupTime
		case "minimize_cost":
			v += m.Makespan + m.TotalSetupTime
		case "maximize_utilization":
			v += (1 - m.ResourceUtilization) * 100
		case "balance_workload":
			v += spread(m.PerResource) * 100
		}
	}
	return round(v, 4)
}

// spread is the gap between the busiest and idlest resource
func spread(perResource map[string]float64) float64 {
	if len(perResource) == 0 {
		return 0
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, u := range perResource {
		lo = math.Min(lo, u)
		hi = math.Max(hi, u)
	}
	return hi - lo
}

func round(v float64, places int) float64 {
	f := math.Pow(10, float64(places))
	return math.Round(v*f) / f
}

func elapsedMillis(since time.Time) float64 {
	return round(float64(time.Since(since).Microseconds())/1000, 3)
}
