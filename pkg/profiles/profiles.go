// Package profiles loads the named tuning profiles a request may select
// with profileId.
package profiles

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/psantana5/schedopt/pkg/algorithms"
	"github.com/psantana5/schedopt/pkg/constraints"
)

// ErrProfileNotFound is returned for an unknown profile ID
var ErrProfileNotFound = errors.New("profile not found")

// Profile tunes how a run is executed
type Profile struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Algorithms restricts which algorithms may run under this profile.
	// Empty allows all.
	Algorithms []string `yaml:"algorithms,omitempty" json:"algorithms,omitempty"`

	TimeLimit       int     `yaml:"time_limit,omitempty" json:"timeLimit,omitempty"` // seconds, used when the request sets none
	SetupHours      float64 `yaml:"setup_hours,omitempty" json:"setupHours,omitempty"`
	CheckpointEvery int     `yaml:"checkpoint_every,omitempty" json:"checkpointEvery,omitempty"`

	Rules []constraints.Rule `yaml:"rules,omitempty" json:"rules,omitempty"`
}

// Settings converts the profile into algorithm settings
func (p *Profile) Settings() algorithms.Settings {
	return algorithms.Settings{SetupHours: p.SetupHours, CheckpointEvery: p.CheckpointEvery}
}

// DefaultTimeLimit returns the profile time limit or fallback
func (p *Profile) DefaultTimeLimit(fallback time.Duration) time.Duration {
	if p.TimeLimit > 0 {
		return time.Duration(p.TimeLimit) * time.Second
	}
	return fallback
}

// Allows reports whether algorithmID may run under this profile
func (p *Profile) Allows(algorithmID string) bool {
	if len(p.Algorithms) == 0 {
		return true
	}
	for _, a := range p.Algorithms {
		if a == algorithmID {
			return true
		}
	}
	return false
}

type file struct {
	Default  string    `yaml:"default"`
	Profiles []Profile `yaml:"profiles"`
}

// Catalog holds the loaded profiles
type Catalog struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
	def      string
}

// Builtin returns the profiles available without a profiles file
func Builtin() *Catalog {
	c, _ := newCatalog("1", []Profile{
		{
			ID:          "1",
			Name:        "Standard",
			Description: "No changeover time, solver checkpoints every 64 events.",
		},
		{
			ID:          "2",
			Name:        "Changeover aware",
			Description: "Reserves 30 minutes between consecutive events on a resource.",
			SetupHours:  0.5,
			Rules: []constraints.Rule{{
				Name:     "noDependencyViolations",
				Expr:     `metrics.constraintViolations == 0.0`,
				Severity: constraints.Soft,
				Message:  "Some dependencies could not be honoured",
			}},
		},
	})
	return c
}

func newCatalog(def string, list []Profile) (*Catalog, error) {
	c := &Catalog{profiles: make(map[string]*Profile, len(list)), def: def}
	for i := range list {
		p := list[i]
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			return nil, fmt.Errorf("profile %d has no id", i)
		}
		if _, dup := c.profiles[p.ID]; dup {
			return nil, fmt.Errorf("duplicate profile id %q", p.ID)
		}
		if p.SetupHours < 0 || p.TimeLimit < 0 || p.CheckpointEvery < 0 {
			return nil, fmt.Errorf("profile %q has negative settings", p.ID)
		}
		c.profiles[p.ID] = &p
	}
	if def == "" && len(list) > 0 {
		c.def = list[0].ID
	}
	if _, ok := c.profiles[c.def]; c.def != "" && !ok {
		return nil, fmt.Errorf("default profile %q is not defined", c.def)
	}
	return c, nil
}

// Parse reads a catalog from YAML
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse profiles: %w", err)
	}
	return newCatalog(f.Default, f.Profiles)
}

// Load reads a catalog from a YAML file
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles file: %w", err)
	}
	return Parse(data)
}

// Validate compiles every rule and checks algorithm references
func (c *Catalog) Validate(ev *constraints.Evaluator, known func(id string) bool) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.profiles {
		for _, r := range p.Rules {
			if r.Name == "" {
				return fmt.Errorf("profile %q: rule without a name", p.ID)
			}
			if r.Severity != "" && r.Severity != constraints.Hard && r.Severity != constraints.Soft {
				return fmt.Errorf("profile %q: rule %q has unknown severity %q", p.ID, r.Name, r.Severity)
			}
			if err := ev.Compile(r.Expr); err != nil {
				return fmt.Errorf("profile %q: rule %q: %w", p.ID, r.Name, err)
			}
		}
		for _, a := range p.Algorithms {
			if known != nil && !known(a) {
				return fmt.Errorf("profile %q references unknown algorithm %q", p.ID, a)
			}
		}
	}
	return nil
}

// Get resolves id; the empty ID selects the default profile
func (c *Catalog) Get(id string) (*Profile, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if id == "" {
		id = c.def
		if id == "" {
			return &Profile{ID: "", Name: "None"}, nil
		}
	}
	p, ok := c.profiles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, id)
	}
	return p, nil
}

// List returns profiles sorted by ID
func (c *Catalog) List() []*Profile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Profile, 0, len(c.profiles))
	for _, p := range c.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
