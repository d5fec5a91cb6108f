// Package agents provides the built-in workers: shell, file, http, sleep,
// fail and print.
package agents

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/deepnoodle-ai/taskrouter/agent"
	"github.com/deepnoodle-ai/taskrouter/bus"
	"github.com/deepnoodle-ai/taskrouter/state"
)

// Worker names of the built-in agents.
const (
	File  = "file"
	Shell = "shell"
	HTTP  = "http"
	Print = "print"
	Sleep = "sleep"
	Fail  = "fail"
)

// Options configures the built-in workers.
type Options struct {
	// Dir is the workspace for the file and shell workers.
	Dir string

	// Out receives output of the print worker.
	Out io.Writer

	// HTTPClient is used by the http worker.
	HTTPClient *http.Client
}

// Builtins returns the executors of all built-in workers keyed by name.
func Builtins(opts Options) map[string]agent.Executor {
	return map[string]agent.Executor{
		File:  NewFileWorker(opts.Dir).Executor(),
		Shell: NewShellWorker(opts.Dir).Executor(),
		HTTP:  NewHTTPWorker(opts.HTTPClient).Executor(),
		Print: NewPrintWorker(opts.Out).Executor(),
		Sleep: NewSleepExecutor(),
		Fail:  NewFailExecutor(),
	}
}

// StartOptions configures Start.
type StartOptions struct {
	Bus     *bus.Bus
	State   *state.Manager
	Logger  *slog.Logger
	Timeout time.Duration
}

// Start creates an agent for each executor and registers it on the bus.
// Agents are started in name order. On failure, agents already started are
// stopped again.
func Start(ctx context.Context, executors map[string]agent.Executor, opts StartOptions) ([]*agent.Agent, error) {
	names := make([]string, 0, len(executors))
	for name := range executors {
		names = append(names, name)
	}
	sort.Strings(names)

	started := make([]*agent.Agent, 0, len(names))
	for _, name := range names {
		a, err := agent.New(agent.Options{
			Name:     name,
			Executor: executors[name],
			Bus:      opts.Bus,
			State:    opts.State,
			Logger:   opts.Logger,
			Timeout:  opts.Timeout,
		})
		if err == nil {
			err = a.Start(ctx)
		}
		if err != nil {
			for _, s := range started {
				s.Stop()
			}
			return nil, fmt.Errorf("start agent %s: %w", name, err)
		}
		started = append(started, a)
	}
	return started, nil
}
