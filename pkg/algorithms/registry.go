// Package algorithms holds the optimization routines a run can be
// dispatched to and the registry that resolves them by ID.
package algorithms

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/psantana5/schedopt/pkg/models"
)

// Checkpoint reports progress between phases. A non-nil error means the
// run must stop and return that error.
type Checkpoint func(progress int, step string) error

// Settings are tuning knobs coming from a profile
type Settings struct {
	SetupHours      float64 // gap enforced between consecutive events on one slot
	CheckpointEvery int     // events placed between solver checkpoints
}

// Input is everything an algorithm may look at
type Input struct {
	Schedule   *models.ScheduleData
	Parameters models.Parameters
	Settings   Settings
}

// Info describes an algorithm for the catalogue endpoint
type Info struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Objectives  []string `json:"objectives"`
}

// Algorithm is a pluggable optimization routine.
// Run must call cp between phases and stop as soon as it returns an error.
type Algorithm interface {
	Info() Info
	Run(ctx context.Context, in Input, cp Checkpoint) (*models.OptimizationResult, error)
}

// Registry maps IDs to algorithms. It is populated at startup and only
// read afterwards.
type Registry struct {
	mu   sync.RWMutex
	algs map[string]Algorithm
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{algs: make(map[string]Algorithm)}
}

// DefaultRegistry returns a registry holding every built-in algorithm
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, a := range Builtins() {
		if err := r.Register(a); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds an algorithm. IDs must be unique.
func (r *Registry) Register(a Algorithm) error {
	id := a.Info().ID
	if id == "" {
		return fmt.Errorf("algorithm has no id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.algs[id]; exists {
		return fmt.Errorf("algorithm %q already registered", id)
	}
	r.algs[id] = a
	return nil
}

// Get resolves an algorithm by ID
func (r *Registry) Get(id string) (Algorithm, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.algs[id]
	return a, ok
}

// List returns the catalogue sorted by ID
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.algs))
	for _, a := range r.algs {
		out = append(out, a.Info())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
