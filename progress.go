package taskrouter

import (
	"context"
	"log/slog"
	"time"
)

// ProgressReporter receives workflow and agent events. Reporting is a side
// channel: implementations cannot influence execution, and a panicking
// reporter is recovered and logged by the ReporterChain.
type ProgressReporter interface {
	// Workflow-level events
	WorkflowStarted(ctx context.Context, event *WorkflowEvent)
	WorkflowFinished(ctx context.Context, event *WorkflowEvent)

	// Agent-level events
	AgentStarted(ctx context.Context, event *AgentEvent)
	AgentProgress(ctx context.Context, event *AgentEvent)
	AgentCompleted(ctx context.Context, event *AgentEvent)
	AgentRetry(ctx context.Context, event *AgentEvent)
	AgentError(ctx context.Context, event *AgentEvent)
}

// WorkflowEvent provides context for workflow-level events
type WorkflowEvent struct {
	WorkflowID string
	Task       string
	Strategy   string
	Template   string
	Status     string
	StepCount  int
	StartTime  time.Time
	Duration   time.Duration
	Resumed    bool
	Error      error
}

// AgentEvent provides context for one step dispatched to an agent
type AgentEvent struct {
	WorkflowID string
	StepID     string
	Agent      string
	Action     string
	Attempt    int
	Message    string
	Params     map[string]any
	Result     any
	StartTime  time.Time
	Duration   time.Duration
	Wait       time.Duration
	ErrorType  string
	Error      error
}

// BaseProgressReporter provides a default implementation that does nothing.
// Embed it to implement only the events you need.
type BaseProgressReporter struct{}

func (b *BaseProgressReporter) WorkflowStarted(ctx context.Context, event *WorkflowEvent) {}

func (b *BaseProgressReporter) WorkflowFinished(ctx context.Context, event *WorkflowEvent) {}

func (b *BaseProgressReporter) AgentStarted(ctx context.Context, event *AgentEvent) {}

func (b *BaseProgressReporter) AgentProgress(ctx context.Context, event *AgentEvent) {}

func (b *BaseProgressReporter) AgentCompleted(ctx context.Context, event *AgentEvent) {}

func (b *BaseProgressReporter) AgentRetry(ctx context.Context, event *AgentEvent) {}

func (b *BaseProgressReporter) AgentError(ctx context.Context, event *AgentEvent) {}

// ReporterChain fans events out to several reporters. Each call is isolated:
// a reporter that panics is logged and the remaining reporters still run.
type ReporterChain struct {
	reporters []ProgressReporter
	logger    *slog.Logger
}

// NewReporterChain creates a chain. Nil reporters are ignored.
func NewReporterChain(logger *slog.Logger, reporters ...ProgressReporter) *ReporterChain {
	if logger == nil {
		logger = NewDiscardLogger()
	}
	c := &ReporterChain{logger: logger}
	for _, r := range reporters {
		c.Add(r)
	}
	return c
}

// Add appends a reporter to the chain
func (c *ReporterChain) Add(reporter ProgressReporter) {
	if reporter != nil {
		c.reporters = append(c.reporters, reporter)
	}
}

// Len returns the number of reporters in the chain.
func (c *ReporterChain) Len() int {
	return len(c.reporters)
}

func (c *ReporterChain) each(event string, fn func(ProgressReporter)) {
	for _, r := range c.reporters {
		c.call(event, r, fn)
	}
}

func (c *ReporterChain) call(event string, r ProgressReporter, fn func(ProgressReporter)) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("progress reporter panicked", "event", event, "panic", rec)
		}
	}()
	fn(r)
}

func (c *ReporterChain) WorkflowStarted(ctx context.Context, event *WorkflowEvent) {
	c.each("workflow_started", func(r ProgressReporter) { r.WorkflowStarted(ctx, event) })
}

func (c *ReporterChain) WorkflowFinished(ctx context.Context, event *WorkflowEvent) {
	c.each("workflow_finished", func(r ProgressReporter) { r.WorkflowFinished(ctx, event) })
}

func (c *ReporterChain) AgentStarted(ctx context.Context, event *AgentEvent) {
	c.each("agent_started", func(r ProgressReporter) { r.AgentStarted(ctx, event) })
}

func (c *ReporterChain) AgentProgress(ctx context.Context, event *AgentEvent) {
	c.each("agent_progress", func(r ProgressReporter) { r.AgentProgress(ctx, event) })
}

func (c *ReporterChain) AgentCompleted(ctx context.Context, event *AgentEvent) {
	c.each("agent_completed", func(r ProgressReporter) { r.AgentCompleted(ctx, event) })
}

func (c *ReporterChain) AgentRetry(ctx context.Context, event *AgentEvent) {
	c.each("agent_retry", func(r ProgressReporter) { r.AgentRetry(ctx, event) })
}

func (c *ReporterChain) AgentError(ctx context.Context, event *AgentEvent) {
	c.each("agent_error", func(r ProgressReporter) { r.AgentError(ctx, event) })
}

// LogReporter writes events to a structured logger.
type LogReporter struct {
	logger *slog.Logger
}

// NewLogReporter returns a reporter logging through logger.
func NewLogReporter(logger *slog.Logger) *LogReporter {
	if logger == nil {
		logger = NewDiscardLogger()
	}
	return &LogReporter{logger: logger}
}

func (l *LogReporter) WorkflowStarted(ctx context.Context, event *WorkflowEvent) {
	l.logger.Info("workflow started",
		"workflow_id", event.WorkflowID,
		"strategy", event.Strategy,
		"template", event.Template,
		"steps", event.StepCount,
		"resumed", event.Resumed)
}

func (l *LogReporter) WorkflowFinished(ctx context.Context, event *WorkflowEvent) {
	if event.Error != nil {
		l.logger.Error("workflow failed",
			"workflow_id", event.WorkflowID,
			"duration", event.Duration,
			"error", event.Error)
		return
	}
	l.logger.Info("workflow completed",
		"workflow_id", event.WorkflowID,
		"status", event.Status,
		"duration", event.Duration)
}

func (l *LogReporter) AgentStarted(ctx context.Context, event *AgentEvent) {
	l.logger.Debug("step started",
		"workflow_id", event.WorkflowID,
		"step_id", event.StepID,
		"agent", event.Agent,
		"action", event.Action,
		"attempt", event.Attempt)
}

func (l *LogReporter) AgentProgress(ctx context.Context, event *AgentEvent) {
	l.logger.Info("step progress",
		"workflow_id", event.WorkflowID,
		"step_id", event.StepID,
		"agent", event.Agent,
		"message", event.Message)
}

func (l *LogReporter) AgentCompleted(ctx context.Context, event *AgentEvent) {
	l.logger.Info("step completed",
		"workflow_id", event.WorkflowID,
		"step_id", event.StepID,
		"agent", event.Agent,
		"duration", event.Duration)
}

func (l *LogReporter) AgentRetry(ctx context.Context, event *AgentEvent) {
	l.logger.Warn("retrying step",
		"workflow_id", event.WorkflowID,
		"step_id", event.StepID,
		"agent", event.Agent,
		"attempt", event.Attempt,
		"wait", event.Wait,
		"error", event.Error)
}

func (l *LogReporter) AgentError(ctx context.Context, event *AgentEvent) {
	l.logger.Error("step failed",
		"workflow_id", event.WorkflowID,
		"step_id", event.StepID,
		"agent", event.Agent,
		"attempt", event.Attempt,
		"error_type", event.ErrorType,
		"error", event.Error)
}
