package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// ActionFunc handles one action of an ActionSet.
type ActionFunc func(ctx context.Context, task Task) (any, error)

// ActionSet is an Executor that dispatches on Task.Action.
type ActionSet struct {
	description   string
	actions       map[string]ActionFunc
	defaultAction string
}

// NewActionSet returns an executor for the given actions. When the set has a
// single action, tasks with an empty action are routed to it.
func NewActionSet(description string, actions map[string]ActionFunc) *ActionSet {
	s := &ActionSet{description: description, actions: actions}
	if len(actions) == 1 {
		for name := range actions {
			s.defaultAction = name
		}
	}
	return s
}

func (s *ActionSet) Execute(ctx context.Context, task Task) (any, error) {
	name := task.Action
	if name == "" {
		name = s.defaultAction
	}
	fn, ok := s.actions[name]
	if !ok {
		return nil, fmt.Errorf("unsupported action %q", task.Action)
	}
	return fn(ctx, task)
}

func (s *ActionSet) Capabilities() Capabilities {
	names := make([]string, 0, len(s.actions))
	for name := range s.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return Capabilities{Description: s.description, Actions: names}
}

// Typed wraps a function taking a parameter struct. Task params are decoded
// into P through their JSON representation.
func Typed[P, R any](fn func(ctx context.Context, params P) (R, error)) ActionFunc {
	return func(ctx context.Context, task Task) (any, error) {
		var params P
		if len(task.Params) > 0 {
			data, err := json.Marshal(task.Params)
			if err != nil {
				return nil, fmt.Errorf("invalid params: %w", err)
			}
			if err := json.Unmarshal(data, &params); err != nil {
				return nil, fmt.Errorf("invalid params: %w", err)
			}
		}
		result, err := fn(ctx, params)
		if err != nil {
			return nil, err
		}
		return result, nil
	}
}
