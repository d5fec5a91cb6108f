package agents

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/deepnoodle-ai/taskrouter/agent"
)

// PrintParams are the parameters of the print action.
type PrintParams struct {
	Message any `json:"message"`
}

// PrintWorker writes messages and workflow reports to an output stream.
type PrintWorker struct {
	mu  sync.Mutex
	out io.Writer
}

// NewPrintWorker returns a print worker writing to out.
func NewPrintWorker(out io.Writer) *PrintWorker {
	if out == nil {
		out = io.Discard
	}
	return &PrintWorker{out: out}
}

// Executor returns the worker's action set.
func (w *PrintWorker) Executor() agent.Executor {
	return agent.NewActionSet("prints messages and reports", map[string]agent.ActionFunc{
		"print":  agent.Typed(w.print),
		"report": w.report,
	})
}

func (w *PrintWorker) print(ctx context.Context, p PrintParams) (map[string]any, error) {
	if p.Message == nil {
		return nil, fmt.Errorf("print requires a 'message' parameter")
	}
	message := fmt.Sprint(p.Message)
	w.write(message)
	return map[string]any{"message": message}, nil
}

// report summarizes the results threaded into the task context.
func (w *PrintWorker) report(ctx context.Context, task agent.Task) (any, error) {
	results, _ := task.Context["results"].(map[string]any)
	steps := make([]string, 0, len(results))
	for id := range results {
		steps = append(steps, id)
	}
	sort.Strings(steps)

	var sb strings.Builder
	if task.Description != "" {
		fmt.Fprintf(&sb, "%s\n", task.Description)
	}
	fmt.Fprintf(&sb, "%d completed steps", len(steps))
	if len(steps) > 0 {
		fmt.Fprintf(&sb, ": %s", strings.Join(steps, ", "))
	}
	summary := sb.String()
	w.write(summary)
	return map[string]any{"summary": summary, "steps": steps}, nil
}

func (w *PrintWorker) write(s string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintln(w.out, s)
}
