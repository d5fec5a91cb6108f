package state

import (
	"encoding/json"
	"time"
)

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusInitialized WorkflowStatus = "initialized"
	WorkflowStatusInProgress  WorkflowStatus = "in_progress"
	WorkflowStatusCompleted   WorkflowStatus = "completed"
	WorkflowStatusFailed      WorkflowStatus = "failed"
)

// Terminal reports whether the status ends the workflow.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed
}

// StepStatus is the lifecycle state of a single step attempt.
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
)

// canTransition enforces pending -> in_progress -> {completed, failed}.
func (s StepStatus) canTransition(to StepStatus) bool {
	switch s {
	case StepStatusPending:
		return to == StepStatusInProgress
	case StepStatusInProgress:
		return to == StepStatusCompleted || to == StepStatusFailed
	}
	return false
}

// PlannedStep is one entry of the resolved execution plan for a workflow.
type PlannedStep struct {
	ID       string         `json:"id"`
	Worker   string         `json:"worker"`
	Action   string         `json:"action"`
	Parallel bool           `json:"parallel,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
	When     string         `json:"when,omitempty"`
}

// Step records one attempt at executing a planned step.
type Step struct {
	ID             string         `json:"id"`
	AssignedWorker string         `json:"assigned_worker"`
	Action         string         `json:"action"`
	Status         StepStatus     `json:"status"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	Result         any            `json:"result,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	RetryCount     int            `json:"retry_count"`
	Error          string         `json:"error,omitempty"`
}

// Checkpoint is an immutable record of workflow progress.
type Checkpoint struct {
	ID                string    `json:"id"`
	StepID            string    `json:"step_id"`
	Timestamp         time.Time `json:"timestamp"`
	Type              string    `json:"type"`
	ModifiedArtifacts []string  `json:"modified_artifacts"`
	Restorable        bool      `json:"restorable"`
}

// CheckpointStepComplete is the checkpoint type written after a successful step.
const CheckpointStepComplete = "step_complete"

// RetryPolicy controls how failed steps are re-attempted.
type RetryPolicy struct {
	MaxRetries int             `json:"max_retries"`
	Backoff    []time.Duration `json:"backoff"`
}

// DefaultRetryPolicy returns three retries waiting 1s, 2s and 4s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		Backoff:    []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
	}
}

// WorkflowError is a step failure recorded against a workflow.
type WorkflowError struct {
	StepID    string    `json:"step_id"`
	Worker    string    `json:"worker"`
	Message   string    `json:"message"`
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
}

// WorkflowState is the persisted document for one workflow.
type WorkflowState struct {
	WorkflowID  string          `json:"workflow_id"`
	Status      WorkflowStatus  `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Task        string          `json:"task,omitempty"`
	Template    string          `json:"template,omitempty"`
	Strategy    string          `json:"strategy,omitempty"`
	Plan        []PlannedStep   `json:"plan,omitempty"`
	CurrentStep int             `json:"current_step"`
	ActiveSteps map[string]Step `json:"active_steps,omitempty"`
	Steps       []Step          `json:"steps"`
	Results     map[string]any  `json:"results"`
	Errors      []WorkflowError `json:"errors"`
	Checkpoints []Checkpoint    `json:"checkpoints"`
	RetryPolicy RetryPolicy     `json:"retry_policy"`
	FinalResult any             `json:"final_result,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// LastRestorableCheckpoint returns the most recent restorable checkpoint.
func (w *WorkflowState) LastRestorableCheckpoint() (Checkpoint, bool) {
	for i := len(w.Checkpoints) - 1; i >= 0; i-- {
		if w.Checkpoints[i].Restorable {
			return w.Checkpoints[i], true
		}
	}
	return Checkpoint{}, false
}

// Clone returns a deep copy of the workflow. Values are round-tripped through
// JSON, so the copy is exactly what a reload from disk would produce.
func (w *WorkflowState) Clone() (*WorkflowState, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	var copied WorkflowState
	if err := json.Unmarshal(data, &copied); err != nil {
		return nil, err
	}
	return &copied, nil
}

// AgentState is the persisted per-agent document.
type AgentState struct {
	State     map[string]any `json:"state"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// WorkflowUpdate is a partial update applied by UpdateWorkflow. Nil fields
// are left unchanged.
type WorkflowUpdate struct {
	Task        *string
	Template    *string
	Strategy    *string
	Plan        []PlannedStep
	CurrentStep *int
	RetryPolicy *RetryPolicy
	Metadata    map[string]any
}

func now() time.Time {
	return time.Now().UTC().Round(0)
}
