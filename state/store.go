package state

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrWorkflowExists is returned when creating a workflow whose id is taken.
	ErrWorkflowExists = errors.New("workflow already exists")

	// ErrWorkflowNotFound is returned for unknown workflow ids.
	ErrWorkflowNotFound = errors.New("workflow not found")
)

// PersistenceError reports a failed write. The in-memory state is left as it
// was before the mutation that triggered the write.
type PersistenceError struct {
	Op  string
	ID  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsRecoverable marks persistence failures as fatal for the current step.
func (e *PersistenceError) IsRecoverable() bool {
	return false
}

// Store persists workflow and agent-state documents.
type Store interface {
	// SaveWorkflow writes the workflow document, replacing any previous copy.
	SaveWorkflow(ctx context.Context, wf *WorkflowState) error

	// LoadWorkflow returns the workflow document, or nil if none exists.
	LoadWorkflow(ctx context.Context, id string) (*WorkflowState, error)

	// LoadWorkflows returns every readable workflow document. Unreadable
	// documents are skipped.
	LoadWorkflows(ctx context.Context) ([]*WorkflowState, error)

	// DeleteWorkflow removes the workflow document. Missing documents are not
	// an error.
	DeleteWorkflow(ctx context.Context, id string) error

	// SaveAgentState writes the state document for one agent.
	SaveAgentState(ctx context.Context, name string, st *AgentState) error

	// LoadAgentState returns the agent's document, or nil if none exists.
	LoadAgentState(ctx context.Context, name string) (*AgentState, error)

	// LoadAgentStates returns every readable agent-state document by name.
	LoadAgentStates(ctx context.Context) (map[string]*AgentState, error)
}
