package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ScheduleData is the optimization input
type ScheduleData struct {
	Resources    []Resource   `json:"resources"`
	Events       []Event      `json:"events"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
	Constraints  Constraints  `json:"constraints"`
	Metadata     Metadata     `json:"metadata"`
	Version      string       `json:"version,omitempty"` // version this input was derived from
}

// Window is an availability interval for a resource
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Resource is a machine, line or crew events are assigned to
type Resource struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Capacity     float64  `json:"capacity"`
	Availability []Window `json:"availability,omitempty"`
}

// Event is a schedulable operation
type Event struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Description       string    `json:"description,omitempty"`
	ResourceID        string    `json:"resourceId,omitempty"`
	StartDate         time.Time `json:"startDate"`
	EndDate           time.Time `json:"endDate"`
	Duration          float64   `json:"duration,omitempty"`
	DurationUnit      string    `json:"durationUnit,omitempty"`
	ManuallyScheduled bool      `json:"manuallyScheduled,omitempty"`
	Locked            bool      `json:"locked,omitempty"`
}

// Span returns the event's processing time. An explicit duration wins
// over the start/end difference.
func (e Event) Span() time.Duration {
	if e.Duration > 0 {
		return time.Duration(e.Duration * float64(unitDuration(e.DurationUnit)))
	}
	return e.EndDate.Sub(e.StartDate)
}

// Fixed reports whether algorithms must leave the event where it is
func (e Event) Fixed() bool {
	return e.ManuallyScheduled || e.Locked
}

func unitDuration(unit string) time.Duration {
	switch strings.ToLower(strings.TrimSuffix(unit, "s")) {
	case "second", "sec":
		return time.Second
	case "minute", "min":
		return time.Minute
	case "day":
		return 24 * time.Hour
	case "week":
		return 7 * 24 * time.Hour
	default:
		return time.Hour
	}
}

// DependencyType is the precedence relation between two events
type DependencyType string

const (
	FinishToStart  DependencyType = "FS"
	StartToStart   DependencyType = "SS"
	FinishToFinish DependencyType = "FF"
	StartToFinish  DependencyType = "SF"
)

// DependencyTypeNames lists every accepted spelling
var DependencyTypeNames = map[string]DependencyType{
	"FS":               FinishToStart,
	"SS":               StartToStart,
	"FF":               FinishToFinish,
	"SF":               StartToFinish,
	"finish-to-start":  FinishToStart,
	"start-to-start":   StartToStart,
	"finish-to-finish": FinishToFinish,
	"start-to-finish":  StartToFinish,
}

// UnmarshalJSON accepts both short and long forms. Empty means FS.
func (d *DependencyType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*d = FinishToStart
		return nil
	}
	t, ok := DependencyTypeNames[s]
	if !ok {
		t, ok = DependencyTypeNames[strings.ToLower(s)]
	}
	if !ok {
		return fmt.Errorf("unknown dependency type %q", s)
	}
	*d = t
	return nil
}

// Dependency links two events. Lag is in hours and may be negative.
type Dependency struct {
	From     string         `json:"from"`
	To       string         `json:"to"`
	Type     DependencyType `json:"type"`
	Lag      float64        `json:"lag"`
	Optional bool           `json:"optional,omitempty"`
}

// LagDuration converts the hour lag into a duration
func (d Dependency) LagDuration() time.Duration {
	return time.Duration(d.Lag * float64(time.Hour))
}

// Constraints carries typed well-known limits plus any extra keys the
// caller sent. Unknown keys round-trip untouched.
type Constraints struct {
	MaxMakespan            *float64 `json:"maxMakespan,omitempty"` // hours
	MinResourceUtilization *float64 `json:"minResourceUtilization,omitempty"`
	MaxResourceUtilization *float64 `json:"maxResourceUtilization,omitempty"`
	MaxWaitTime            *float64 `json:"maxWaitTime,omitempty"`  // hours
	MaxSetupTime           *float64 `json:"maxSetupTime,omitempty"` // hours

	Extra map[string]interface{} `json:"-"`
}

type constraintsCore Constraints

var constraintKeys = []string{"maxMakespan", "minResourceUtilization", "maxResourceUtilization", "maxWaitTime", "maxSetupTime"}

func (c *Constraints) UnmarshalJSON(data []byte) error {
	var core constraintsCore
	if err := json.Unmarshal(data, &core); err != nil {
		return err
	}
	extra, err := extraKeys(data, constraintKeys)
	if err != nil {
		return err
	}
	*c = Constraints(core)
	c.Extra = extra
	return nil
}

func (c Constraints) MarshalJSON() ([]byte, error) {
	return mergeExtra(constraintsCore(c), c.Extra)
}

// Values flattens typed and extra constraints into one map
func (c Constraints) Values() map[string]interface{} {
	out := make(map[string]interface{}, len(c.Extra)+5)
	for k, v := range c.Extra {
		out[k] = v
	}
	set := func(k string, v *float64) {
		if v != nil {
			out[k] = *v
		}
	}
	set("maxMakespan", c.MaxMakespan)
	set("minResourceUtilization", c.MinResourceUtilization)
	set("maxResourceUtilization", c.MaxResourceUtilization)
	set("maxWaitTime", c.MaxWaitTime)
	set("maxSetupTime", c.MaxSetupTime)
	return out
}

// Metadata is opaque to the engine and echoed back
type Metadata struct {
	ScheduleID  string `json:"scheduleId,omitempty"`
	UserID      string `json:"userId,omitempty"`
	Description string `json:"description,omitempty"`

	Extra map[string]interface{} `json:"-"`
}

type metadataCore Metadata

var metadataKeys = []string{"scheduleId", "userId", "description"}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	var core metadataCore
	if err := json.Unmarshal(data, &core); err != nil {
		return err
	}
	extra, err := extraKeys(data, metadataKeys)
	if err != nil {
		return err
	}
	*m = Metadata(core)
	m.Extra = extra
	return nil
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	return mergeExtra(metadataCore(m), m.Extra)
}

func extraKeys(data []byte, known []string) (map[string]interface{}, error) {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil, nil
	}
	var all map[string]interface{}
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for _, k := range known {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

func mergeExtra(core interface{}, extra map[string]interface{}) ([]byte, error) {
	data, err := json.Marshal(core)
	if err != nil || len(extra) == 0 {
		return data, err
	}
	var all map[string]interface{}
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, typed := all[k]; !typed {
			all[k] = v
		}
	}
	return json.Marshal(all)
}

// ProfileRef names a tuning profile. Clients send either a string or a number.
type ProfileRef string

func (p *ProfileRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*p = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = ProfileRef(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("profileId must be a string or number")
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return fmt.Errorf("profileId must be a string or number")
	}
	*p = ProfileRef(n.String())
	return nil
}

// Parameters tune a single run
type Parameters struct {
	TimeLimit  float64  `json:"timeLimit,omitempty"` // seconds
	Objectives []string `json:"objectives,omitempty"`
}

// TimeLimitDuration returns the run deadline, or fallback when unset
func (p Parameters) TimeLimitDuration(fallback time.Duration) time.Duration {
	if p.TimeLimit <= 0 {
		return fallback
	}
	return time.Duration(p.TimeLimit * float64(time.Second))
}

// OptimizationRequest is the body of a submission
type OptimizationRequest struct {
	AlgorithmID  string       `json:"algorithmId"`
	ProfileID    ProfileRef   `json:"profileId,omitempty"`
	ScheduleData ScheduleData `json:"scheduleData"`
	Parameters   Parameters   `json:"parameters"`
}
