package taskrouter

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// ConsoleReporter prints a compact, colorized progress feed for humans.
type ConsoleReporter struct {
	BaseProgressReporter

	mu      sync.Mutex
	out     io.Writer
	verbose bool

	title  *color.Color
	ok     *color.Color
	warn   *color.Color
	fail   *color.Color
	subtle *color.Color
}

// NewConsoleReporter writes to out. Colors are used only when out is a
// terminal. In verbose mode step starts and progress messages are printed too.
func NewConsoleReporter(out io.Writer, verbose bool) *ConsoleReporter {
	if out == nil {
		out = os.Stdout
	}
	r := &ConsoleReporter{
		out:     out,
		verbose: verbose,
		title:   color.New(color.FgCyan, color.Bold),
		ok:      color.New(color.FgGreen),
		warn:    color.New(color.FgYellow),
		fail:    color.New(color.FgRed, color.Bold),
		subtle:  color.New(color.FgHiBlack),
	}
	if !isTerminal(out) {
		for _, c := range []*color.Color{r.title, r.ok, r.warn, r.fail, r.subtle} {
			c.DisableColor()
		}
	}
	return r
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

func (r *ConsoleReporter) WorkflowStarted(ctx context.Context, event *WorkflowEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	verb := "Starting"
	if event.Resumed {
		verb = "Resuming"
	}
	r.title.Fprintf(r.out, "%s workflow %s", verb, event.WorkflowID)
	if event.Template != "" {
		r.subtle.Fprintf(r.out, " (%s, %d steps)", event.Template, event.StepCount)
	} else {
		r.subtle.Fprintf(r.out, " (%s, %d steps)", event.Strategy, event.StepCount)
	}
	r.out.Write([]byte("\n"))
}

func (r *ConsoleReporter) WorkflowFinished(ctx context.Context, event *WorkflowEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if event.Error != nil {
		r.fail.Fprintf(r.out, "✗ workflow %s failed after %s: %v\n", event.WorkflowID, event.Duration.Round(time.Millisecond), event.Error)
		return
	}
	r.ok.Fprintf(r.out, "✓ workflow %s %s in %s\n", event.WorkflowID, event.Status, event.Duration.Round(time.Millisecond))
}

func (r *ConsoleReporter) AgentStarted(ctx context.Context, event *AgentEvent) {
	if !r.verbose {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.subtle.Fprintf(r.out, "  → %s: %s.%s\n", event.StepID, event.Agent, event.Action)
}

func (r *ConsoleReporter) AgentProgress(ctx context.Context, event *AgentEvent) {
	if !r.verbose {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.subtle.Fprintf(r.out, "  · %s: %s\n", event.StepID, event.Message)
}

func (r *ConsoleReporter) AgentCompleted(ctx context.Context, event *AgentEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ok.Fprintf(r.out, "  ✓ %s", event.StepID)
	r.subtle.Fprintf(r.out, " [%s] %s\n", event.Agent, event.Duration.Round(time.Millisecond))
}

func (r *ConsoleReporter) AgentRetry(ctx context.Context, event *AgentEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.warn.Fprintf(r.out, "  ↻ %s attempt %d failed, retrying in %s: %v\n", event.StepID, event.Attempt, event.Wait, event.Error)
}

func (r *ConsoleReporter) AgentError(ctx context.Context, event *AgentEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.fail.Fprintf(r.out, "  ✗ %s [%s] %s: %v\n", event.StepID, event.Agent, event.ErrorType, event.Error)
}
