package state

import "context"

// NullStore discards everything. Useful for tests and dry runs.
type NullStore struct{}

// NewNullStore returns a store that persists nothing.
func NewNullStore() *NullStore {
	return &NullStore{}
}

func (s *NullStore) SaveWorkflow(ctx context.Context, wf *WorkflowState) error {
	return nil
}

func (s *NullStore) LoadWorkflow(ctx context.Context, id string) (*WorkflowState, error) {
	return nil, nil
}

func (s *NullStore) LoadWorkflows(ctx context.Context) ([]*WorkflowState, error) {
	return nil, nil
}

func (s *NullStore) DeleteWorkflow(ctx context.Context, id string) error {
	return nil
}

func (s *NullStore) SaveAgentState(ctx context.Context, name string, st *AgentState) error {
	return nil
}

func (s *NullStore) LoadAgentState(ctx context.Context, name string) (*AgentState, error) {
	return nil, nil
}

func (s *NullStore) LoadAgentStates(ctx context.Context) (map[string]*AgentState, error) {
	return nil, nil
}
