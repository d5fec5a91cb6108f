package agent

import (
	"encoding/json"
	"fmt"
	"time"
)

// Task is the payload of an invoke message.
type Task struct {
	Action      string         `json:"action"`
	Description string         `json:"description,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	WorkflowID  string         `json:"workflow_id,omitempty"`
	StepID      string         `json:"step_id,omitempty"`
}

// String returns the string parameter key, or def when absent or not a string.
func (t Task) String(key, def string) string {
	if v, ok := t.Params[key].(string); ok {
		return v
	}
	return def
}

// Bool returns the boolean parameter key.
func (t Task) Bool(key string, def bool) bool {
	if v, ok := t.Params[key].(bool); ok {
		return v
	}
	return def
}

// Int returns the integer parameter key. Numbers decoded from JSON or YAML
// are accepted in any numeric type.
func (t Task) Int(key string, def int) int {
	switch v := t.Params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// Duration returns the duration parameter key. Strings are parsed with
// time.ParseDuration and numbers are read as seconds.
func (t Task) Duration(key string, def time.Duration) (time.Duration, error) {
	switch v := t.Params[key].(type) {
	case nil:
		return def, nil
	case time.Duration:
		return v, nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return d, nil
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("invalid %s: unsupported type %T", key, t.Params[key])
}

// Strings returns a string list parameter.
func (t Task) Strings(key string) []string {
	switch v := t.Params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		return []string{v}
	}
	return nil
}

// DecodeTask converts a message payload into a Task.
func DecodeTask(payload any) (Task, error) {
	switch p := payload.(type) {
	case Task:
		return p, nil
	case *Task:
		if p == nil {
			return Task{}, fmt.Errorf("missing task payload")
		}
		return *p, nil
	case nil:
		return Task{}, fmt.Errorf("missing task payload")
	case map[string]any, json.RawMessage, []byte:
		var data []byte
		switch raw := p.(type) {
		case json.RawMessage:
			data = raw
		case []byte:
			data = raw
		default:
			var err error
			if data, err = json.Marshal(raw); err != nil {
				return Task{}, fmt.Errorf("invalid task payload: %w", err)
			}
		}
		var task Task
		if err := json.Unmarshal(data, &task); err != nil {
			return Task{}, fmt.Errorf("invalid task payload: %w", err)
		}
		return task, nil
	}
	return Task{}, fmt.Errorf("invalid task payload type %T", payload)
}
