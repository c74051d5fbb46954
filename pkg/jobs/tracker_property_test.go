package jobs

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/psantana5/schedopt/pkg/models"
)

const (
	opStart = iota
	opProgress
	opComplete
	opFail
	opCancel
	opCount
)

// TestArbitraryOperationSequences drives the tracker with random operation
// sequences and checks that whatever a watcher observes is a valid path
// through the state machine.
func TestArbitraryOperationSequences(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("observed stream is a valid lifecycle", prop.ForAll(
		func(ops []int, values []int) bool {
			tr, _ := newTestTracker()
			ctx := context.Background()
			job, err := tr.Create(ctx, sampleRequest(), "alice")
			if err != nil {
				return false
			}
			sub, _, err := tr.Watch(ctx, job.RunID)
			if err != nil {
				return false
			}

			for i, op := range ops {
				v := 0
				if i < len(values) {
					v = values[i]
				}
				switch op {
				case opStart:
					tr.Start(ctx, job.RunID)
				case opProgress:
					tr.ReportProgress(ctx, job.RunID, v, "")
				case opComplete:
					tr.Complete(ctx, job.RunID, &models.OptimizationResult{})
				case opFail:
					tr.Fail(ctx, job.RunID, models.NewJobError(models.ErrCodeInternal, "x"))
				case opCancel:
					tr.Cancel(ctx, job.RunID, "")
				}
			}
			// always end the run so the stream closes
			tr.Cancel(ctx, job.RunID, "")

			final, err := tr.Get(ctx, job.RunID)
			if err != nil || !models.IsTerminalState(final.Status) {
				return false
			}

			wctx, cancel := context.WithTimeout(ctx, time.Second)
			defer cancel()
			var events []models.ProgressEvent
			for {
				ev, err := sub.Next(wctx)
				if err == io.EOF {
					break
				}
				if err != nil {
					return false
				}
				events = append(events, ev)
			}
			return validSequence(events) && events[len(events)-1].Status == final.Status
		},
		gen.SliceOf(gen.IntRange(0, opCount-1)),
		gen.SliceOf(gen.IntRange(-10, 120)),
	))

	properties.TestingRun(t)
}

func validSequence(events []models.ProgressEvent) bool {
	if len(events) == 0 || events[0].Status != models.JobStatusQueued || events[0].Progress != 0 {
		return false
	}
	for i := 1; i < len(events); i++ {
		prev, cur := events[i-1], events[i]
		if prev.Terminal() {
			return false
		}
		if cur.Seq <= prev.Seq {
			return false
		}
		if prev.Status != cur.Status && models.ValidateTransition(prev.Status, cur.Status) != nil {
			return false
		}
		if cur.Progress < prev.Progress {
			return false
		}
		if cur.Progress == 100 && cur.Status != models.JobStatusCompleted {
			return false
		}
	}
	last := events[len(events)-1]
	return last.Terminal() && (last.Status != models.JobStatusCompleted || last.Progress == 100)
}
