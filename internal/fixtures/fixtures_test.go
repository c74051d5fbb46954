package fixtures

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/schedopt/pkg/models"
	"github.com/psantana5/schedopt/pkg/validation"
)

func TestScheduleIsDeterministic(t *testing.T) {
	a, err := json.Marshal(Schedule(50, 5, 7))
	require.NoError(t, err)
	b, err := json.Marshal(Schedule(50, 5, 7))
	require.NoError(t, err)
	assert.JSONEq(t, string(a), string(b))
}

func TestScheduleShape(t *testing.T) {
	sd := Schedule(20, 3, 1)
	require.Len(t, sd.Events, 20)
	require.Len(t, sd.Resources, 3)

	known := map[string]bool{"R1": true, "R2": true, "R3": true}
	for i, ev := range sd.Events {
		assert.True(t, known[ev.ResourceID], ev.ID)
		assert.True(t, ev.EndDate.After(ev.StartDate), ev.ID)
		if i > 0 {
			assert.Equal(t, 2.0, ev.StartDate.Sub(sd.Events[i-1].StartDate).Hours())
		}
	}
	for _, d := range sd.Dependencies {
		assert.Equal(t, models.FinishToStart, d.Type)
	}
	assert.LessOrEqual(t, len(sd.Dependencies), 9)
}

func TestGeneratedRequestsPassValidation(t *testing.T) {
	v := validation.MustNew()
	for _, size := range [][2]int{{50, 5}, {500, 20}, {10, 2}, {5, 1}, {0, 0}} {
		body, err := json.Marshal(Request("forward-scheduling", size[0], size[1], 42))
		require.NoError(t, err)
		_, err = v.Decode(body)
		assert.NoError(t, err, "%d events on %d resources", size[0], size[1])
	}
}
