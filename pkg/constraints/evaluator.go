// Package constraints checks optimization results against schedule limits
// expressed as CEL rules.
//
// Every rule sees three variables: metrics (the result metrics),
// constraints (the request's constraint values) and schedule (counts of
// events, resources and dependencies). Numbers are doubles.
package constraints

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/psantana5/schedopt/pkg/models"
)

// Severity decides what a violated rule does to a run
type Severity string

const (
	// Hard violations fail the run with INFEASIBLE
	Hard Severity = "hard"
	// Soft violations become result warnings
	Soft Severity = "soft"
)

// Rule is a named boolean CEL expression that must hold
type Rule struct {
	Name     string   `yaml:"name" json:"name"`
	Expr     string   `yaml:"expr" json:"expr"`
	Severity Severity `yaml:"severity" json:"severity"`
	Message  string   `yaml:"message,omitempty" json:"message,omitempty"`

	// Requires names a constraint key that must be present for the rule to apply
	Requires string `yaml:"requires,omitempty" json:"requires,omitempty"`
}

// Violation is a rule that evaluated to false
type Violation struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Report is the outcome of checking one result
type Report struct {
	Applied    []string
	Violations []Violation
}

// Hard returns the violations that make the result infeasible
func (r Report) Hard() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == Hard {
			out = append(out, v)
		}
	}
	return out
}

// Warnings renders soft violations as result warnings
func (r Report) Warnings() []string {
	var out []string
	for _, v := range r.Violations {
		if v.Severity == Soft {
			out = append(out, v.Message)
		}
	}
	return out
}

// BuiltinRules cover the typed constraint keys
func BuiltinRules() []Rule {
	return []Rule{
		{
			Name: "maxMakespan", Requires: "maxMakespan", Severity: Hard,
			Expr:    `metrics.makespan <= constraints.maxMakespan`,
			Message: "Makespan exceeds maxMakespan",
		},
		{
			Name: "minResourceUtilization", Requires: "minResourceUtilization", Severity: Soft,
			Expr:    `metrics.resourceUtilization >= constraints.minResourceUtilization`,
			Message: "Resource utilization is below minResourceUtilization",
		},
		{
			Name: "maxResourceUtilization", Requires: "maxResourceUtilization", Severity: Soft,
			Expr:    `metrics.resourceUtilization <= constraints.maxResourceUtilization`,
			Message: "Resource utilization is above maxResourceUtilization",
		},
		{
			Name: "maxWaitTime", Requires: "maxWaitTime", Severity: Soft,
			Expr:    `metrics.totalWaitTime <= constraints.maxWaitTime`,
			Message: "Total wait time exceeds maxWaitTime",
		},
		{
			Name: "maxSetupTime", Requires: "maxSetupTime", Severity: Soft,
			Expr:    `metrics.totalSetupTime <= constraints.maxSetupTime`,
			Message: "Total setup time exceeds maxSetupTime",
		},
	}
}

// Evaluator compiles rules once and caches the programs
type Evaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewEvaluator creates an evaluator with the standard variables declared
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("metrics", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("constraints", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("schedule", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Evaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

// Compile checks that expr is a valid boolean rule
func (e *Evaluator) Compile(expr string) error {
	_, err := e.program(expr)
	return err
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, issues.Err())
	}
	if !ast.OutputType().IsAssignableType(cel.BoolType) {
		return nil, fmt.Errorf("rule %q must evaluate to bool, got %v", expr, ast.OutputType())
	}
	prg, err := e.env.Program(ast, cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}

	e.mu.Lock()
	e.cache[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

// Evaluate checks result against the builtin rules plus extra.
// A rule whose Requires key is absent is skipped; a rule that cannot be
// evaluated counts as violated.
func (e *Evaluator) Evaluate(sd *models.ScheduleData, result *models.OptimizationResult, extra []Rule) Report {
	values := sd.Constraints.Values()
	vars := map[string]interface{}{
		"metrics":     metricValues(result.Metrics),
		"constraints": numeric(values),
		"schedule": map[string]interface{}{
			"events":       float64(len(sd.Events)),
			"resources":    float64(len(sd.Resources)),
			"dependencies": float64(len(sd.Dependencies)),
		},
	}

	var report Report
	rules := append(BuiltinRules(), extra...)
	for _, r := range rules {
		if r.Requires != "" {
			if _, ok := values[r.Requires]; !ok {
				continue
			}
		}
		report.Applied = append(report.Applied, r.Name)

		ok, err := e.eval(r.Expr, vars)
		if err == nil && ok {
			continue
		}
		msg := r.Message
		if msg == "" {
			msg = fmt.Sprintf("Constraint %s violated", r.Name)
		}
		if err != nil {
			msg = fmt.Sprintf("Constraint %s could not be evaluated: %v", r.Name, err)
		}
		sev := r.Severity
		if sev == "" {
			sev = Hard
		}
		report.Violations = append(report.Violations, Violation{Rule: r.Name, Severity: sev, Message: msg})
	}
	sort.Strings(report.Applied)
	return report
}

func (e *Evaluator) eval(expr string, vars map[string]interface{}) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(vars)
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("non-boolean result %v", out.Value())
	}
	return b, nil
}

func metricValues(m models.Metrics) map[string]interface{} {
	return map[string]interface{}{
		"makespan":              m.Makespan,
		"resourceUtilization":   m.ResourceUtilization,
		"totalSetupTime":        m.TotalSetupTime,
		"totalWaitTime":         m.TotalWaitTime,
		"constraintViolations":  float64(m.ConstraintViolations),
		"improvementPercentage": m.ImprovementPercentage,
		"objectiveValue":        m.ObjectiveValue,
	}
}

// numeric converts integer constraint values to doubles so rules compare
// like with like
func numeric(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		switch n := v.(type) {
		case int:
			out[k] = float64(n)
		case int64:
			out[k] = float64(n)
		default:
			out[k] = v
		}
	}
	return out
}
