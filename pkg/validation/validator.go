package validation

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/psantana5/schedopt/pkg/models"
)

//go:embed schema.json
var requestSchema string

const schemaURL = "https://schedopt.local/schemas/optimization-request.json"

// maxDetails caps how many field errors a single response carries
const maxDetails = 50

// FieldError is one reported problem
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is returned for any request that fails decoding, schema or
// semantic checks
type Error struct {
	Details []FieldError
}

func (e *Error) Error() string {
	if len(e.Details) == 0 {
		return "invalid request"
	}
	parts := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		parts = append(parts, d.Field+": "+d.Message)
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

func (e *Error) add(field, format string, args ...interface{}) {
	if len(e.Details) < maxDetails {
		e.Details = append(e.Details, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}
}

// Validator checks optimization requests
type Validator struct {
	schema *jsonschema.Schema
}

// New compiles the request schema
func New() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	if err := c.AddResource(schemaURL, strings.NewReader(requestSchema)); err != nil {
		return nil, fmt.Errorf("request schema load failed: %w", err)
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("request schema compile failed: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// MustNew is New for package-level setup where the embedded schema is known good
func MustNew() *Validator {
	v, err := New()
	if err != nil {
		panic(err)
	}
	return v
}

// Decode parses body and runs schema and semantic checks. Every failure
// is an *Error.
func (v *Validator) Decode(body []byte) (*models.OptimizationRequest, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, &Error{Details: []FieldError{{Field: "body", Message: "Malformed JSON: " + err.Error()}}}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &Error{Details: []FieldError{{Field: "body", Message: "Unexpected data after JSON object"}}}
	}

	if err := v.schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return nil, schemaError(ve)
		}
		return nil, &Error{Details: []FieldError{{Field: "body", Message: err.Error()}}}
	}

	var req models.OptimizationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, &Error{Details: []FieldError{{Field: unmarshalField(err), Message: err.Error()}}}
	}
	if verr := Semantic(&req.ScheduleData); verr != nil {
		return nil, verr
	}
	return &req, nil
}

// schemaError flattens the validation tree into its leaf causes
func schemaError(root *jsonschema.ValidationError) *Error {
	out := &Error{}
	seen := make(map[FieldError]bool)
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) > 0 {
			for _, c := range e.Causes {
				walk(c)
			}
			return
		}
		fe := FieldError{Field: fieldPath(e.InstanceLocation), Message: friendly(e)}
		if !seen[fe] {
			seen[fe] = true
			out.add(fe.Field, "%s", fe.Message)
		}
	}
	walk(root)
	if len(out.Details) == 0 {
		out.add("body", "%s", root.Message)
	}
	return out
}

// friendly rewrites library messages for the keywords clients hit most
func friendly(e *jsonschema.ValidationError) string {
	loc := e.KeywordLocation
	keyword := loc[strings.LastIndex(loc, "/")+1:]
	switch keyword {
	case "format":
		return "Invalid ISO 8601 date: " + e.Message
	case "pattern":
		if strings.HasSuffix(e.InstanceLocation, "/algorithmId") {
			return "Invalid algorithm ID format"
		}
		return "Invalid characters: " + e.Message
	case "maxItems":
		return "Array has too many items: " + e.Message
	case "enum":
		return "Invalid enum value: " + e.Message
	}
	return e.Message
}

// fieldPath turns a JSON pointer into a dotted path
func fieldPath(pointer string) string {
	p := strings.TrimPrefix(pointer, "/")
	if p == "" {
		return "body"
	}
	p = strings.ReplaceAll(p, "/", ".")
	return strings.NewReplacer("~1", "/", "~0", "~").Replace(p)
}

func unmarshalField(err error) string {
	var te *json.UnmarshalTypeError
	if errors.As(err, &te) && te.Field != "" {
		return te.Field
	}
	return "body"
}

// Semantic checks what the schema cannot express: unique IDs, references,
// date order and acyclic dependencies. It returns nil when sd is sound.
func Semantic(sd *models.ScheduleData) *Error {
	out := &Error{}

	resources := make(map[string]bool, len(sd.Resources))
	for i, r := range sd.Resources {
		if resources[r.ID] {
			out.add(fmt.Sprintf("scheduleData.resources.%d.id", i), "Duplicate resource id %q", r.ID)
		}
		resources[r.ID] = true
		for j, w := range r.Availability {
			if w.End.Before(w.Start) {
				out.add(fmt.Sprintf("scheduleData.resources.%d.availability.%d", i, j), "Window ends before it starts")
			}
		}
	}

	events := make(map[string]bool, len(sd.Events))
	for i, e := range sd.Events {
		field := fmt.Sprintf("scheduleData.events.%d", i)
		if events[e.ID] {
			out.add(field+".id", "Duplicate event id %q", e.ID)
		}
		events[e.ID] = true
		if e.ResourceID != "" && !resources[e.ResourceID] {
			out.add(field+".resourceId", "Unknown resource %q", e.ResourceID)
		}
		if e.EndDate.Before(e.StartDate) {
			out.add(field+".endDate", "endDate must not be before startDate")
		}
	}

	for i, d := range sd.Dependencies {
		field := fmt.Sprintf("scheduleData.dependencies.%d", i)
		if !events[d.From] {
			out.add(field+".from", "Unknown event %q", d.From)
		}
		if !events[d.To] {
			out.add(field+".to", "Unknown event %q", d.To)
		}
		if d.From == d.To {
			out.add(field, "Event %q depends on itself", d.From)
		}
	}

	if len(out.Details) == 0 {
		if cycle := sd.DependencyCycle(); cycle != nil {
			out.add("scheduleData.dependencies", "Circular dependency detected: %s", strings.Join(cycle, " -> "))
		}
	}
	if len(out.Details) == 0 {
		return nil
	}
	return out
}
