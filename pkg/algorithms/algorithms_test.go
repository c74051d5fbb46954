package algorithms

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/schedopt/pkg/models"
)

var t0 = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

func hours(h float64) time.Duration { return time.Duration(h * float64(time.Hour)) }

func event(id, res string, startH, durH float64) models.Event {
	return models.Event{
		ID: id, Name: "Op " + id, ResourceID: res,
		StartDate: t0.Add(hours(startH)), EndDate: t0.Add(hours(startH + durH)),
		Duration: durH, DurationUnit: "hour",
	}
}

func fs(from, to string) models.Dependency {
	return models.Dependency{From: from, To: to, Type: models.FinishToStart}
}

// twoMachines: E1 -> E2 on R1, E3 independent on R1, E4 on R2 after E2
func twoMachines() *models.ScheduleData {
	return &models.ScheduleData{
		Resources: []models.Resource{
			{ID: "R1", Name: "Lathe", Capacity: 1},
			{ID: "R2", Name: "Mill", Capacity: 1},
		},
		Events: []models.Event{
			event("E1", "R1", 4, 2),
			event("E2", "R1", 10, 1),
			event("E3", "R1", 0, 3),
			event("E4", "R2", 20, 2),
		},
		Dependencies: []models.Dependency{fs("E1", "E2"), fs("E2", "E4")},
	}
}

func run(t *testing.T, id string, sd *models.ScheduleData) (*models.OptimizationResult, []int) {
	t.Helper()
	alg, ok := DefaultRegistry().Get(id)
	require.True(t, ok, id)
	var progress []int
	res, err := alg.Run(context.Background(), Input{Schedule: sd}, func(p int, _ string) error {
		progress = append(progress, p)
		return nil
	})
	require.NoError(t, err)
	return res, progress
}

func startOf(res *models.OptimizationResult, id string) time.Time {
	for _, e := range res.Events {
		if e.ID == id {
			return e.StartDate
		}
	}
	return time.Time{}
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	ids := []string{}
	for _, info := range r.List() {
		ids = append(ids, info.ID)
	}
	assert.Equal(t, []string{"backward-scheduling", "critical-path", "forward-scheduling", "resource-leveling"}, ids)

	_, ok := r.Get("non-existent-algorithm")
	assert.False(t, ok)
	assert.Error(t, r.Register(Builtins()[0]), "duplicate id")
}

func TestForwardScheduling(t *testing.T) {
	res, progress := run(t, "forward-scheduling", twoMachines())

	// E3 keeps 08:00 (original first), E1 follows on R1, E2 after E1, E4 after E2
	assert.Equal(t, t0, startOf(res, "E3"))
	assert.Equal(t, t0.Add(hours(3)), startOf(res, "E1"))
	assert.Equal(t, t0.Add(hours(5)), startOf(res, "E2"))
	assert.Equal(t, t0.Add(hours(6)), startOf(res, "E4"))

	assert.Equal(t, 8.0, res.Metrics.Makespan)
	assert.Equal(t, 0, res.Metrics.ConstraintViolations)
	assert.InDelta(t, (22.0-8.0)/22.0*100, res.Metrics.ImprovementPercentage, 0.01)
	assert.Len(t, res.ChangedEvents, 3)
	assert.Regexp(t, `^v_`, res.VersionID)

	assert.IsNonDecreasing(t, progress)
	assert.Equal(t, 95, progress[len(progress)-1])
	for _, p := range progress {
		assert.Less(t, p, 100)
	}
}

func TestBackwardScheduling(t *testing.T) {
	res, _ := run(t, "backward-scheduling", twoMachines())

	// horizon is E4's original end (22h); E4 ends there and R1 fills backwards
	assert.Equal(t, t0.Add(hours(20)), startOf(res, "E4"))
	assert.Equal(t, t0.Add(hours(19)), startOf(res, "E2"))
	assert.Equal(t, t0.Add(hours(17)), startOf(res, "E1"))
	assert.Equal(t, t0.Add(hours(14)), startOf(res, "E3"))
	assert.Equal(t, 0, res.Metrics.ConstraintViolations)
}

func TestCriticalPath(t *testing.T) {
	res, _ := run(t, "critical-path", twoMachines())

	assert.Equal(t, []string{"E1", "E2", "E4"}, res.CriticalPath)
	// resource capacity ignored: E1 and E3 both start at the origin
	assert.Equal(t, t0, startOf(res, "E1"))
	assert.Equal(t, t0, startOf(res, "E3"))
	assert.NotEmpty(t, res.Warnings)
}

func TestResourceLevelingPrefersCriticalWork(t *testing.T) {
	res, _ := run(t, "resource-leveling", twoMachines())

	// E1 has no slack so it goes first on R1, E3 waits
	assert.Equal(t, t0, startOf(res, "E1"))
	assert.Equal(t, t0.Add(hours(2)), startOf(res, "E2"))
	assert.Equal(t, t0.Add(hours(3)), startOf(res, "E3"))
	assert.Equal(t, 6.0, res.Metrics.Makespan)
}

func TestDependencyTypesAndLag(t *testing.T) {
	sd := &models.ScheduleData{
		Events: []models.Event{event("A", "", 0, 4), event("B", "", 0, 2), event("C", "", 0, 1)},
		Dependencies: []models.Dependency{
			{From: "A", To: "B", Type: models.FinishToFinish, Lag: 1},
			{From: "A", To: "C", Type: models.StartToStart, Lag: 0.5},
		},
	}
	res, _ := run(t, "forward-scheduling", sd)
	assert.Equal(t, t0.Add(hours(3)), startOf(res, "B"), "B must finish 1h after A finishes")
	assert.Equal(t, t0.Add(hours(0.5)), startOf(res, "C"))
}

func TestFixedEventsStay(t *testing.T) {
	sd := twoMachines()
	sd.Events[3].ManuallyScheduled = true
	res, _ := run(t, "forward-scheduling", sd)
	assert.Equal(t, t0.Add(hours(20)), startOf(res, "E4"))
}

func TestCapacityAllowsParallelWork(t *testing.T) {
	sd := &models.ScheduleData{
		Resources: []models.Resource{{ID: "R1", Name: "Crew", Capacity: 2}},
		Events:    []models.Event{event("A", "R1", 1, 2), event("B", "R1", 1, 2), event("C", "R1", 1, 2)},
	}
	res, _ := run(t, "forward-scheduling", sd)
	assert.Equal(t, t0.Add(hours(1)), startOf(res, "A"))
	assert.Equal(t, t0.Add(hours(1)), startOf(res, "B"))
	assert.Equal(t, t0.Add(hours(3)), startOf(res, "C"))
	assert.Equal(t, 0.75, res.Metrics.ResourceUtilization)
}

func TestAvailabilityWindows(t *testing.T) {
	sd := &models.ScheduleData{
		Resources: []models.Resource{{
			ID: "R1", Name: "Oven", Capacity: 1,
			Availability: []models.Window{
				{Start: t0, End: t0.Add(hours(3))},
				{Start: t0.Add(hours(5)), End: t0.Add(hours(10))},
			},
		}},
		Events: []models.Event{event("A", "R1", 0, 2), event("B", "R1", 0, 2)},
	}
	res, _ := run(t, "forward-scheduling", sd)
	assert.Equal(t, t0, startOf(res, "A"))
	assert.Equal(t, t0.Add(hours(5)), startOf(res, "B"), "B does not fit the rest of the first window")
}

func TestSetupTime(t *testing.T) {
	sd := &models.ScheduleData{
		Resources: []models.Resource{{ID: "R1", Name: "Press", Capacity: 1}},
		Events:    []models.Event{event("A", "R1", 0, 1), event("B", "R1", 0, 1)},
	}
	alg, _ := DefaultRegistry().Get("forward-scheduling")
	res, err := alg.Run(context.Background(), Input{Schedule: sd, Settings: Settings{SetupHours: 0.5}},
		func(int, string) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, t0.Add(hours(1.5)), startOf(res, "B"))
	assert.Equal(t, 0.5, res.Metrics.TotalSetupTime)
}

func TestEmptySchedule(t *testing.T) {
	for _, info := range DefaultRegistry().List() {
		res, _ := run(t, info.ID, &models.ScheduleData{Resources: []models.Resource{}, Events: []models.Event{}})
		assert.Empty(t, res.ChangedEvents, info.ID)
		assert.NotNil(t, res.ChangedEvents, info.ID)
		assert.Contains(t, res.Warnings, "No events to optimize", info.ID)
	}
}

func TestCycleFailsDeterministically(t *testing.T) {
	sd := &models.ScheduleData{
		Events:       []models.Event{event("E1", "", 0, 1), event("E2", "", 1, 1), event("E3", "", 2, 1)},
		Dependencies: []models.Dependency{fs("E1", "E2"), fs("E2", "E3"), fs("E3", "E1")},
	}
	for _, info := range DefaultRegistry().List() {
		alg, _ := DefaultRegistry().Get(info.ID)
		_, err := alg.Run(context.Background(), Input{Schedule: sd}, func(int, string) error { return nil })
		var jobErr *models.JobError
		require.True(t, errors.As(err, &jobErr), info.ID)
		assert.Equal(t, models.ErrCodeCircularDependency, jobErr.Code)
		assert.Equal(t, []string{"E1", "E2", "E3", "E1"}, jobErr.Details["cycle"])
	}
}

func TestCheckpointErrorStopsRun(t *testing.T) {
	stop := errors.New("cancelled")
	alg, _ := DefaultRegistry().Get("forward-scheduling")
	calls := 0
	_, err := alg.Run(context.Background(), Input{Schedule: twoMachines()}, func(p int, _ string) error {
		calls++
		if p >= 30 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 3, calls)
}

func TestContextCancellationStopsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	alg, _ := DefaultRegistry().Get("critical-path")
	_, err := alg.Run(ctx, Input{Schedule: twoMachines()}, func(int, string) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSolverCheckpointsLargeSchedules(t *testing.T) {
	sd := &models.ScheduleData{Resources: []models.Resource{{ID: "R1", Name: "Line", Capacity: 3}}}
	for i := 0; i < 500; i++ {
		sd.Events = append(sd.Events, event(string(rune('a'+i%26))+time.Duration(i).String(), "R1", float64(i%7), 1))
	}
	alg, _ := DefaultRegistry().Get("resource-leveling")
	solver := 0
	_, err := alg.Run(context.Background(), Input{Schedule: sd, Settings: Settings{CheckpointEvery: 50}},
		func(_ int, step string) error {
			if step == stepSolver {
				solver++
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 10, solver, "one at phase start plus one per 50 placed events after the first")
}
