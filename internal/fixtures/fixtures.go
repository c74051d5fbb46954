// Package fixtures generates synthetic schedules for tests, benchmarks and
// the optctl load command.
package fixtures

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/psantana5/schedopt/pkg/models"
)

// BaseDate is where generated schedules start
var BaseDate = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

// Options shape a generated schedule
type Options struct {
	Events       int
	Resources    int
	Seed         int64
	Dependencies bool // chain some of the first ten events
}

// Schedule builds a schedule of n events spread over r resources. Events
// start two hours apart and last one to four hours. The same seed always
// produces the same schedule.
func Schedule(events, resources int, seed int64) *models.ScheduleData {
	return Generate(Options{Events: events, Resources: resources, Seed: seed, Dependencies: true})
}

// Generate builds a schedule from opts
func Generate(opts Options) *models.ScheduleData {
	rng := rand.New(rand.NewSource(opts.Seed))

	sd := &models.ScheduleData{
		Resources:    make([]models.Resource, 0, opts.Resources),
		Events:       make([]models.Event, 0, opts.Events),
		Dependencies: []models.Dependency{},
	}
	for i := 0; i < opts.Resources; i++ {
		sd.Resources = append(sd.Resources, models.Resource{
			ID:       fmt.Sprintf("R%d", i+1),
			Name:     fmt.Sprintf("Resource %d", i+1),
			Capacity: float64(rng.Intn(3) + 1),
		})
	}

	for i := 0; i < opts.Events; i++ {
		start := BaseDate.Add(time.Duration(i*2) * time.Hour)
		hours := rng.Intn(4) + 1
		ev := models.Event{
			ID:           fmt.Sprintf("E%d", i+1),
			Name:         fmt.Sprintf("Operation %d", i+1),
			StartDate:    start,
			EndDate:      start.Add(time.Duration(hours) * time.Hour),
			Duration:     float64(hours),
			DurationUnit: "hour",
		}
		if opts.Resources > 0 {
			ev.ResourceID = sd.Resources[rng.Intn(opts.Resources)].ID
		}
		sd.Events = append(sd.Events, ev)
	}

	if opts.Dependencies {
		for i := 1; i < min(10, opts.Events); i++ {
			if rng.Float64() > 0.5 {
				sd.Dependencies = append(sd.Dependencies, models.Dependency{
					From: fmt.Sprintf("E%d", i),
					To:   fmt.Sprintf("E%d", i+1),
					Type: models.FinishToStart,
				})
			}
		}
	}

	maxMakespan, minUtil, maxUtil := 720.0, 0.3, 0.9
	sd.Constraints = models.Constraints{
		MaxMakespan:            &maxMakespan,
		MinResourceUtilization: &minUtil,
		MaxResourceUtilization: &maxUtil,
	}
	sd.Metadata = models.Metadata{
		ScheduleID:  fmt.Sprintf("test-schedule-%d", opts.Seed),
		UserID:      "test-user",
		Description: "Generated test schedule",
	}
	return sd
}

// Request wraps a generated schedule in a submission for algorithmID
func Request(algorithmID string, events, resources int, seed int64) *models.OptimizationRequest {
	return &models.OptimizationRequest{
		AlgorithmID:  algorithmID,
		ProfileID:    "1",
		ScheduleData: *Schedule(events, resources, seed),
	}
}
