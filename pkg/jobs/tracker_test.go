package jobs

import (
	"context"
	"io"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/schedopt/pkg/broadcast"
	"github.com/psantana5/schedopt/pkg/logging"
	"github.com/psantana5/schedopt/pkg/models"
	"github.com/psantana5/schedopt/pkg/store"
)

func newTestTracker() (*Tracker, *broadcast.Broker) {
	b := broadcast.NewBroker()
	return NewTracker(store.NewMemoryStore(), b, logging.Discard()), b
}

func sampleRequest() *models.OptimizationRequest {
	return &models.OptimizationRequest{
		AlgorithmID: "forward-scheduling",
		ScheduleData: models.ScheduleData{
			Resources: []models.Resource{{ID: "R1", Name: "Press", Capacity: 1}},
			Events: []models.Event{{
				ID: "E1", Name: "Stamp", ResourceID: "R1",
				StartDate: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC),
				EndDate:   time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
			}},
		},
		Parameters: models.Parameters{TimeLimit: 60},
	}
}

func collect(t *testing.T, sub *broadcast.Subscription) []models.ProgressEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var out []models.ProgressEvent
	for {
		ev, err := sub.Next(ctx)
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func TestCreateAssignsIdentity(t *testing.T) {
	tr, _ := newTestTracker()
	ctx := context.Background()

	job, err := tr.Create(ctx, sampleRequest(), "alice")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^opt_run_[\w-]+$`), job.RunID)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Equal(t, 0, job.Progress)
	assert.Len(t, job.InputHash, 16)

	again, err := tr.Create(ctx, sampleRequest(), "alice")
	require.NoError(t, err)
	assert.NotEqual(t, job.RunID, again.RunID)
	assert.Equal(t, job.InputHash, again.InputHash, "identical input hashes identically")

	other := sampleRequest()
	other.ScheduleData.Events[0].Name = "Bend"
	assert.NotEqual(t, job.InputHash, InputHash(other))
}

func TestInputHashCoversExtraConstraints(t *testing.T) {
	a, b := sampleRequest(), sampleRequest()
	a.ScheduleData.Constraints.Extra = map[string]interface{}{"shift": "night", "crew": 4}
	b.ScheduleData.Constraints.Extra = map[string]interface{}{"crew": 4, "shift": "night"}
	assert.Equal(t, InputHash(a), InputHash(b))

	b.ScheduleData.Constraints.Extra["crew"] = 5
	assert.NotEqual(t, InputHash(a), InputHash(b))
}

func TestHappyPathStream(t *testing.T) {
	tr, b := newTestTracker()
	ctx := context.Background()
	job, err := tr.Create(ctx, sampleRequest(), "alice")
	require.NoError(t, err)

	sub, snap, err := tr.Watch(ctx, job.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, snap.Status)

	_, err = tr.Start(ctx, job.RunID)
	require.NoError(t, err)
	require.NoError(t, tr.ReportProgress(ctx, job.RunID, 30, "Building optimization model"))
	require.NoError(t, tr.ReportProgress(ctx, job.RunID, 30, "Building optimization model"))
	require.NoError(t, tr.ReportProgress(ctx, job.RunID, 150, "Finalizing optimization"))
	done, err := tr.Complete(ctx, job.RunID, &models.OptimizationResult{VersionID: "v_1", ChangedEvents: []models.EventChange{}})
	require.NoError(t, err)
	assert.Equal(t, 100, done.Progress)
	require.NotNil(t, done.CompletedAt)

	events := collect(t, sub)
	var statuses []models.JobStatus
	var progress []int
	for _, e := range events {
		statuses = append(statuses, e.Status)
		progress = append(progress, e.Progress)
	}
	assert.Equal(t, []models.JobStatus{"queued", "running", "running", "running", "completed"}, statuses)
	assert.Equal(t, []int{0, 0, 30, 99, 100}, progress)
	assert.Equal(t, 0, b.Total())

	v, err := tr.GetVersion(ctx, "v_1")
	require.NoError(t, err)
	assert.Equal(t, job.RunID, v.RunID)
}

func TestProgressRules(t *testing.T) {
	tr, _ := newTestTracker()
	ctx := context.Background()
	job, _ := tr.Create(ctx, sampleRequest(), "alice")

	err := tr.ReportProgress(ctx, job.RunID, 10, "")
	assert.ErrorIs(t, err, ErrInvalidTransition, "queued jobs do not report progress")

	_, err = tr.Start(ctx, job.RunID)
	require.NoError(t, err)
	require.NoError(t, tr.ReportProgress(ctx, job.RunID, 50, ""))
	assert.ErrorIs(t, tr.ReportProgress(ctx, job.RunID, 20, ""), ErrProgressRegression)

	_, err = tr.Start(ctx, job.RunID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancellationWins(t *testing.T) {
	tr, _ := newTestTracker()
	ctx := context.Background()
	job, _ := tr.Create(ctx, sampleRequest(), "alice")
	_, err := tr.Start(ctx, job.RunID)
	require.NoError(t, err)

	interrupted := make(chan struct{})
	detach := tr.Attach(job.RunID, func() { close(interrupted) })
	defer detach()

	cancelled, err := tr.Cancel(ctx, job.RunID, "")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)
	assert.Nil(t, cancelled.Result)

	select {
	case <-interrupted:
	case <-time.After(time.Second):
		t.Fatal("running execution was not interrupted")
	}

	assert.ErrorIs(t, tr.ReportProgress(ctx, job.RunID, 90, ""), ErrCancelled)
	_, err = tr.Complete(ctx, job.RunID, &models.OptimizationResult{})
	assert.ErrorIs(t, err, ErrCancelled)
	_, err = tr.Fail(ctx, job.RunID, models.NewJobError(models.ErrCodeInternal, "late"))
	assert.ErrorIs(t, err, ErrCancelled)

	got, err := tr.Get(ctx, job.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
	assert.Nil(t, got.Result)
	assert.Nil(t, got.Error)
}

func TestCancelIsIdempotentOnTerminal(t *testing.T) {
	tr, _ := newTestTracker()
	ctx := context.Background()

	for _, finish := range []func(runID string){
		func(id string) { tr.Complete(ctx, id, &models.OptimizationResult{}) },
		func(id string) { tr.Fail(ctx, id, models.NewJobError(models.ErrCodeInfeasible, "no")) },
		func(id string) { tr.Cancel(ctx, id, "") },
	} {
		job, _ := tr.Create(ctx, sampleRequest(), "alice")
		_, err := tr.Start(ctx, job.RunID)
		require.NoError(t, err)
		finish(job.RunID)

		before, err := tr.Get(ctx, job.RunID)
		require.NoError(t, err)
		after, err := tr.Cancel(ctx, job.RunID, "")
		require.NoError(t, err)
		assert.Equal(t, before.Status, after.Status)
		assert.Equal(t, before.Revision, after.Revision)
	}

	_, err := tr.Cancel(ctx, "opt_run_missing", "")
	assert.ErrorIs(t, err, store.ErrJobNotFound)
}

func TestPurgeClosesWatchers(t *testing.T) {
	tr, _ := newTestTracker()
	ctx := context.Background()
	job, _ := tr.Create(ctx, sampleRequest(), "alice")
	sub, _, err := tr.Watch(ctx, job.RunID)
	require.NoError(t, err)

	require.NoError(t, tr.Purge(ctx, job.RunID))

	events := collect(t, sub)
	require.Len(t, events, 2)
	last := events[1]
	assert.Equal(t, models.JobStatusCancelled, last.Status)
	require.NotNil(t, last.Error)
	assert.Equal(t, models.ErrCodePurged, last.Error.Code)

	_, err = tr.Get(ctx, job.RunID)
	assert.ErrorIs(t, err, store.ErrJobNotFound)
	assert.ErrorIs(t, tr.Purge(ctx, job.RunID), store.ErrJobNotFound)
}

func TestTransitionHooks(t *testing.T) {
	tr, _ := newTestTracker()
	ctx := context.Background()
	var mu sync.Mutex
	var seen []string
	tr.OnTransition(func(j *models.Job, from models.JobStatus) {
		mu.Lock()
		seen = append(seen, string(from)+">"+string(j.Status))
		mu.Unlock()
	})

	job, _ := tr.Create(ctx, sampleRequest(), "alice")
	tr.Start(ctx, job.RunID)
	tr.ReportProgress(ctx, job.RunID, 10, "")
	tr.Fail(ctx, job.RunID, models.NewJobError(models.ErrCodeTimeout, "too slow"))

	assert.Equal(t, []string{">queued", "queued>running", "running>failed"}, seen)
}

func TestConcurrentCancelAndProgress(t *testing.T) {
	tr, _ := newTestTracker()
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		job, _ := tr.Create(ctx, sampleRequest(), "alice")
		_, err := tr.Start(ctx, job.RunID)
		require.NoError(t, err)
		sub, _, err := tr.Watch(ctx, job.RunID)
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for p := 1; p < 99; p++ {
				if err := tr.ReportProgress(ctx, job.RunID, p, ""); err != nil {
					return
				}
			}
		}()
		go func() {
			defer wg.Done()
			tr.Cancel(ctx, job.RunID, "")
		}()
		wg.Wait()

		events := collect(t, sub)
		require.NotEmpty(t, events)
		assertValidSequence(t, events)
		assert.Equal(t, models.JobStatusCancelled, events[len(events)-1].Status)
	}
}

// assertValidSequence checks the stream invariants every run must satisfy
func assertValidSequence(t *testing.T, events []models.ProgressEvent) {
	t.Helper()
	terminals := 0
	for i, e := range events {
		if e.Terminal() {
			terminals++
			assert.Equal(t, len(events)-1, i, "terminal event must be last")
		}
		if i == 0 {
			continue
		}
		prev := events[i-1]
		assert.Greater(t, e.Seq, prev.Seq, "sequence must increase")
		if prev.Status != e.Status {
			assert.NoError(t, models.ValidateTransition(prev.Status, e.Status))
		}
		if !e.Terminal() || e.Status == models.JobStatusCompleted {
			assert.GreaterOrEqual(t, e.Progress, prev.Progress, "progress must not decrease")
		}
		if e.Status == models.JobStatusCompleted {
			assert.Equal(t, 100, e.Progress)
		} else {
			assert.Less(t, e.Progress, 100)
		}
	}
	assert.Equal(t, 1, terminals)
}
