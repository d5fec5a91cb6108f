package taskrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.jetify.com/typeid"
)

// ProgressEntry is one line of a workflow's progress log
type ProgressEntry struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	Event      string         `json:"event"`
	StepID     string         `json:"step_id,omitempty"`
	Agent      string         `json:"agent,omitempty"`
	Action     string         `json:"action,omitempty"`
	Attempt    int            `json:"attempt,omitempty"`
	Message    string         `json:"message,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Result     any            `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Duration   float64        `json:"duration,omitempty"`
}

// FileProgressReporter is a ProgressReporter that logs to files. A file is
// created per workflow, formatted as newline-delimited JSON.
type FileProgressReporter struct {
	directory string
	onError   func(err error)

	mu sync.Mutex
}

// NewFileProgressReporter writes progress logs under directory. Write
// failures are passed to onError, which may be nil.
func NewFileProgressReporter(directory string, onError func(err error)) *FileProgressReporter {
	if onError == nil {
		onError = func(error) {}
	}
	return &FileProgressReporter{directory: directory, onError: onError}
}

func (r *FileProgressReporter) workflowLogPath(workflowID string) string {
	return filepath.Join(r.directory, fmt.Sprintf("%s.jsonl", workflowID))
}

// History returns the progress entries recorded for a workflow.
func (r *FileProgressReporter) History(ctx context.Context, workflowID string) ([]*ProgressEntry, error) {
	data, err := os.ReadFile(r.workflowLogPath(workflowID))
	if err != nil {
		return nil, err
	}
	var entries []*ProgressEntry
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var entry ProgressEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

func (r *FileProgressReporter) write(entry *ProgressEntry) error {
	if entry.ID == "" {
		id, err := typeid.WithPrefix("evt")
		if err != nil {
			return err
		}
		entry.ID = id.String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	filePath := r.workflowLogPath(entry.WorkflowID)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func (r *FileProgressReporter) record(entry *ProgressEntry) {
	if err := r.write(entry); err != nil {
		r.onError(err)
	}
}

func (r *FileProgressReporter) agentEntry(name string, event *AgentEvent) *ProgressEntry {
	entry := &ProgressEntry{
		WorkflowID: event.WorkflowID,
		Event:      name,
		StepID:     event.StepID,
		Agent:      event.Agent,
		Action:     event.Action,
		Attempt:    event.Attempt,
		Message:    event.Message,
		Parameters: event.Params,
		Result:     event.Result,
		Duration:   event.Duration.Seconds(),
	}
	if event.Error != nil {
		entry.Error = event.Error.Error()
	}
	return entry
}

func (r *FileProgressReporter) WorkflowStarted(ctx context.Context, event *WorkflowEvent) {
	r.record(&ProgressEntry{
		WorkflowID: event.WorkflowID,
		Event:      "workflow_started",
		Message:    event.Task,
	})
}

func (r *FileProgressReporter) WorkflowFinished(ctx context.Context, event *WorkflowEvent) {
	entry := &ProgressEntry{
		WorkflowID: event.WorkflowID,
		Event:      "workflow_finished",
		Message:    event.Status,
		Duration:   event.Duration.Seconds(),
	}
	if event.Error != nil {
		entry.Error = event.Error.Error()
	}
	r.record(entry)
}

func (r *FileProgressReporter) AgentStarted(ctx context.Context, event *AgentEvent) {
	r.record(r.agentEntry("agent_started", event))
}

func (r *FileProgressReporter) AgentProgress(ctx context.Context, event *AgentEvent) {
	r.record(r.agentEntry("agent_progress", event))
}

func (r *FileProgressReporter) AgentCompleted(ctx context.Context, event *AgentEvent) {
	r.record(r.agentEntry("agent_completed", event))
}

func (r *FileProgressReporter) AgentRetry(ctx context.Context, event *AgentEvent) {
	r.record(r.agentEntry("agent_retry", event))
}

func (r *FileProgressReporter) AgentError(ctx context.Context, event *AgentEvent) {
	r.record(r.agentEntry("agent_error", event))
}
