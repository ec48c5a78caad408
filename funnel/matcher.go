// Package funnel advances sessions through ordered funnel steps and rolls
// the results up per day.
package funnel

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"trackwell/api/models"
	"trackwell/api/store"
)

// Activity is one persisted pageview or event as seen by the matcher.
type Activity struct {
	SiteID    int64
	SessionID string
	Kind      store.ActivityKind
	Path      string
	Name      string
	Category  string
	Action    string
	Label     string
	Value     *float64
	Data      json.RawMessage
	At        time.Time
}

// Payload is the flat key/value view custom steps are matched against: the
// event data object plus the standard fields it does not override.
func (a Activity) Payload() map[string]any {
	out := map[string]any{}
	if len(a.Data) > 0 {
		_ = json.Unmarshal(a.Data, &out)
		if out == nil {
			out = map[string]any{}
		}
	}
	std := map[string]any{"path": a.Path, "type": a.Kind.String()}
	if a.Kind == store.ActivityEvent {
		std["name"] = a.Name
		if a.Category != "" {
			std["category"] = a.Category
		}
		if a.Action != "" {
			std["action"] = a.Action
		}
		if a.Label != "" {
			std["label"] = a.Label
		}
		if a.Value != nil {
			std["value"] = *a.Value
		}
	}
	for k, v := range std {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return out
}

// Snapshot is the raw record kept for the step that matched.
func (a Activity) Snapshot() json.RawMessage {
	snap := map[string]any{
		"type": a.Kind.String(),
		"path": a.Path,
		"at":   a.At.UTC(),
	}
	if a.Kind == store.ActivityEvent {
		snap["name"] = a.Name
		if a.Category != "" {
			snap["category"] = a.Category
		}
		if len(a.Data) > 0 {
			snap["data"] = a.Data
		}
	}
	b, _ := json.Marshal(snap)
	return b
}

// Matcher is a compiled step condition.
type Matcher interface {
	Match(a Activity) bool
}

// PageviewMatch matches pageview paths literally or by wildcard, where "*"
// is any run of characters and "?" exactly one.
type PageviewMatch struct {
	Pattern string
	re      *regexp.Regexp
}

func (m *PageviewMatch) Match(a Activity) bool {
	if a.Kind != store.ActivityPageview {
		return false
	}
	return a.Path == m.Pattern || m.re.MatchString(a.Path)
}

// EventMatch matches on event name, and on category only when one is set.
type EventMatch struct {
	Name     string
	Category string
}

func (m *EventMatch) Match(a Activity) bool {
	if a.Kind != store.ActivityEvent || a.Name != m.Name {
		return false
	}
	return m.Category == "" || a.Category == m.Category
}

// CustomMatch requires every predicate key to be present in the payload with
// an equal value, or a value contained in the predicate's list.
type CustomMatch struct {
	Predicates map[string]any
}

func (m *CustomMatch) Match(a Activity) bool {
	payload := a.Payload()
	for key, want := range m.Predicates {
		got, ok := payload[key]
		if !ok {
			return false
		}
		if list, isList := want.([]any); isList {
			if !containsValue(list, got) {
				return false
			}
			continue
		}
		if !equalValue(want, got) {
			return false
		}
	}
	return true
}

func containsValue(list []any, v any) bool {
	for _, item := range list {
		if equalValue(item, v) {
			return true
		}
	}
	return false
}

// equalValue compares JSON scalars. Numbers compare by value whatever their
// Go type.
func equalValue(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

type pageviewCondition struct {
	Path string `json:"path"`
	URL  string `json:"url"`
}

type eventCondition struct {
	Name          string `json:"name"`
	EventName     string `json:"event_name"`
	Category      string `json:"category"`
	EventCategory string `json:"event_category"`
}

var errEmptyCondition = errors.New("condition is empty")

// Compile validates a stored step and returns its matcher.
func Compile(step models.FunnelStep) (Matcher, error) {
	cond := bytes.TrimSpace(step.Condition)
	if len(cond) == 0 || bytes.Equal(cond, []byte("null")) {
		return nil, errEmptyCondition
	}

	switch step.Type {
	case models.StepTypePageview:
		var c pageviewCondition
		if err := json.Unmarshal(cond, &c); err != nil {
			return nil, fmt.Errorf("pageview condition: %w", err)
		}
		pattern := strings.TrimSpace(c.Path)
		if pattern == "" {
			pattern = strings.TrimSpace(c.URL)
		}
		if pattern == "" {
			return nil, errors.New("pageview condition needs a path")
		}
		return &PageviewMatch{Pattern: pattern, re: wildcard(pattern)}, nil

	case models.StepTypeEvent:
		var c eventCondition
		if err := json.Unmarshal(cond, &c); err != nil {
			return nil, fmt.Errorf("event condition: %w", err)
		}
		m := &EventMatch{Name: strings.TrimSpace(c.Name), Category: strings.TrimSpace(c.Category)}
		if m.Name == "" {
			m.Name = strings.TrimSpace(c.EventName)
		}
		if m.Category == "" {
			m.Category = strings.TrimSpace(c.EventCategory)
		}
		if m.Name == "" {
			return nil, errors.New("event condition needs a name")
		}
		return m, nil

	case models.StepTypeCustom:
		var preds map[string]any
		if err := json.Unmarshal(cond, &preds); err != nil {
			return nil, fmt.Errorf("custom condition must be an object: %w", err)
		}
		if len(preds) == 0 {
			return nil, errEmptyCondition
		}
		for k, v := range preds {
			if strings.TrimSpace(k) == "" {
				return nil, errors.New("custom condition has an empty key")
			}
			if !scalarOrList(v) {
				return nil, fmt.Errorf("custom condition %q must be a scalar or a list of scalars", k)
			}
		}
		return &CustomMatch{Predicates: preds}, nil
	}
	return nil, fmt.Errorf("unknown step type %q", step.Type)
}

func scalarOrList(v any) bool {
	switch t := v.(type) {
	case map[string]any:
		return false
	case []any:
		for _, item := range t {
			switch item.(type) {
			case map[string]any, []any:
				return false
			}
		}
	}
	return true
}

// wildcard compiles pattern into an anchored expression.
func wildcard(pattern string) *regexp.Regexp {
	quoted := regexp.QuoteMeta(pattern)
	quoted = strings.ReplaceAll(quoted, `\*`, `.*`)
	quoted = strings.ReplaceAll(quoted, `\?`, `.`)
	return regexp.MustCompile(`^` + quoted + `$`)
}
