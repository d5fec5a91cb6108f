package agents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/taskrouter/agent"
)

// NewSleepExecutor returns an executor that waits for the duration param.
func NewSleepExecutor() agent.Executor {
	return agent.NewActionSet("waits for a duration", map[string]agent.ActionFunc{
		"sleep": sleep,
	})
}

func sleep(ctx context.Context, task agent.Task) (any, error) {
	duration, err := task.Duration("duration", 0)
	if err != nil {
		return nil, err
	}
	if duration <= 0 {
		return nil, errors.New("duration must be positive")
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(duration):
		return fmt.Sprintf("slept for %s", duration), nil
	}
}
