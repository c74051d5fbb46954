package validation

import (
	"html"

	"github.com/microcosm-cc/bluemonday"

	"github.com/psantana5/schedopt/pkg/models"
)

// Sanitizer strips markup from free-text fields. Plain text, including
// characters like & and >, survives unchanged.
type Sanitizer struct {
	policy *bluemonday.Policy
}

// NewSanitizer uses the strict policy: no elements or attributes survive
func NewSanitizer() *Sanitizer {
	return &Sanitizer{policy: bluemonday.StrictPolicy()}
}

// String removes markup from s. Entity-encoded markup is decoded and
// stripped again, so "&lt;script&gt;" cannot come back as a tag.
func (s *Sanitizer) String(in string) string {
	out := in
	for i := 0; i < 4; i++ {
		next := html.UnescapeString(s.policy.Sanitize(out))
		if next == out {
			return next
		}
		out = next
	}
	return s.policy.Sanitize(out)
}

// Schedule sanitizes every free-text field of sd in place
func (s *Sanitizer) Schedule(sd *models.ScheduleData) {
	for i := range sd.Resources {
		sd.Resources[i].Name = s.String(sd.Resources[i].Name)
	}
	for i := range sd.Events {
		sd.Events[i].Name = s.String(sd.Events[i].Name)
		sd.Events[i].Description = s.String(sd.Events[i].Description)
	}
	sd.Metadata.ScheduleID = s.String(sd.Metadata.ScheduleID)
	sd.Metadata.UserID = s.String(sd.Metadata.UserID)
	sd.Metadata.Description = s.String(sd.Metadata.Description)
	sd.Metadata.Extra = s.mapValues(sd.Metadata.Extra)
	sd.Constraints.Extra = s.mapValues(sd.Constraints.Extra)
}

func (s *Sanitizer) mapValues(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[s.String(k)] = s.value(v)
	}
	return out
}

func (s *Sanitizer) value(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return s.String(t)
	case map[string]interface{}:
		return s.mapValues(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = s.value(item)
		}
		return out
	default:
		return v
	}
}
