package profiles

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/schedopt/pkg/constraints"
)

const sample = `
default: rush
profiles:
  - id: rush
    name: Rush order
    algorithms: [forward-scheduling, resource-leveling]
    time_limit: 5
    checkpoint_every: 16
    rules:
      - name: twoDays
        expr: metrics.makespan <= 48.0
        severity: hard
        message: Rush orders must finish within two days
  - id: night
    name: Night shift
    setup_hours: 0.25
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)

	def, err := c.Get("")
	require.NoError(t, err)
	assert.Equal(t, "rush", def.ID)
	assert.Equal(t, 16, def.Settings().CheckpointEvery)
	assert.Equal(t, 5*time.Second, def.DefaultTimeLimit(time.Minute))
	assert.True(t, def.Allows("forward-scheduling"))
	assert.False(t, def.Allows("critical-path"))
	require.Len(t, def.Rules, 1)
	assert.Equal(t, constraints.Hard, def.Rules[0].Severity)

	night, err := c.Get("night")
	require.NoError(t, err)
	assert.Equal(t, 0.25, night.Settings().SetupHours)
	assert.Equal(t, time.Minute, night.DefaultTimeLimit(time.Minute))
	assert.True(t, night.Allows("critical-path"))

	_, err = c.Get("day")
	assert.ErrorIs(t, err, ErrProfileNotFound)

	ids := []string{}
	for _, p := range c.List() {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"night", "rush"}, ids)
}

func TestParseRejectsBadCatalogs(t *testing.T) {
	for name, doc := range map[string]string{
		"duplicate id":    "profiles: [{id: a}, {id: a}]",
		"missing id":      "profiles: [{name: x}]",
		"unknown default": "default: z\nprofiles: [{id: a}]",
		"negative":        "profiles: [{id: a, setup_hours: -1}]",
		"not yaml":        "profiles: [",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	ev, err := constraints.NewEvaluator()
	require.NoError(t, err)
	known := func(id string) bool { return id != "quantum-annealing" }

	c, err := Parse([]byte(sample))
	require.NoError(t, err)
	assert.NoError(t, c.Validate(ev, known))

	bad, err := Parse([]byte("profiles: [{id: a, rules: [{name: r, expr: 'metrics.makespan <'}]}]"))
	require.NoError(t, err)
	assert.Error(t, bad.Validate(ev, known))

	unknownAlg, err := Parse([]byte("profiles: [{id: a, algorithms: [quantum-annealing]}]"))
	require.NoError(t, err)
	assert.Error(t, unknownAlg.Validate(ev, known))
}

func TestLoadAndBuiltin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	c, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, c.List(), 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	b := Builtin()
	p, err := b.Get("")
	require.NoError(t, err)
	assert.Equal(t, "1", p.ID)
	p2, err := b.Get("2")
	require.NoError(t, err)
	assert.Equal(t, 0.5, p2.SetupHours)
}
