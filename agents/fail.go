package agents

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/taskrouter/agent"
)

// NewFailExecutor returns an executor for exercising failure handling.
// The fail action always fails. The flaky action fails a configured number
// of times and then succeeds, counting attempts in the agent's state.
func NewFailExecutor() agent.Executor {
	return agent.NewActionSet("fails on purpose", map[string]agent.ActionFunc{
		"fail":  fail,
		"flaky": flaky,
	})
}

func fail(ctx context.Context, task agent.Task) (any, error) {
	message := task.String("message", "")
	if message == "" {
		message = "intentional failure for testing"
	}
	return nil, fmt.Errorf("%s", message)
}

func flaky(ctx context.Context, task agent.Task) (any, error) {
	a, ok := agent.FromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("flaky requires an agent in context")
	}
	key := task.String("key", task.StepID)
	if key == "" {
		key = "default"
	}
	key = "attempts:" + key
	times := task.Int("times", 1)

	var attempt int
	a.Update(func(state map[string]any) {
		switch n := state[key].(type) {
		case int:
			attempt = n
		case float64:
			attempt = int(n)
		}
		attempt++
		state[key] = attempt
	})
	if err := a.SaveState(ctx); err != nil {
		return nil, err
	}
	if attempt <= times {
		message := task.String("message", "flaky failure")
		return nil, fmt.Errorf("%s (attempt %d)", message, attempt)
	}
	return map[string]any{"attempts": attempt}, nil
}
