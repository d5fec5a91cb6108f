package state

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.jetify.com/typeid"
)

// DefaultMaxStateAge is how long an untouched workflow is kept.
const DefaultMaxStateAge = 7 * 24 * time.Hour

// Options configures a Manager.
type Options struct {
	Store       Store
	Logger      *slog.Logger
	MaxStateAge time.Duration
	Now         func() time.Time
}

// Manager owns the in-memory copy of every workflow and agent state and
// writes each mutation through to its Store before returning. Mutations of
// the same workflow are serialized by a per-workflow lock.
type Manager struct {
	store       Store
	logger      *slog.Logger
	maxStateAge time.Duration
	now         func() time.Time

	mu        sync.RWMutex
	workflows map[string]*workflowEntry

	agentsMu sync.Mutex
	agents   map[string]*AgentState
}

type workflowEntry struct {
	mu      sync.Mutex
	state   *WorkflowState
	removed bool
}

// NewManager returns a Manager using the given options. A nil Store keeps
// state in memory only.
func NewManager(opts Options) *Manager {
	if opts.Store == nil {
		opts.Store = NewNullStore()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.MaxStateAge <= 0 {
		opts.MaxStateAge = DefaultMaxStateAge
	}
	if opts.Now == nil {
		opts.Now = now
	}
	return &Manager{
		store:       opts.Store,
		logger:      opts.Logger.With("component", "state"),
		maxStateAge: opts.MaxStateAge,
		now:         opts.Now,
		workflows:   map[string]*workflowEntry{},
		agents:      map[string]*AgentState{},
	}
}

// NewWorkflowID returns a new unique workflow id.
func NewWorkflowID() string {
	id, err := typeid.WithPrefix("wf")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// NewCheckpointID returns a new unique checkpoint id.
func NewCheckpointID() string {
	id, err := typeid.WithPrefix("ckpt")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// CreateWorkflow registers a new workflow. Fields of initial other than the
// plan, task and metadata are reset; an empty id is replaced by a new one.
// A caller-chosen id fails with ErrWorkflowExists if it is in memory or has
// a document in the store, loaded or not.
func (m *Manager) CreateWorkflow(ctx context.Context, id string, initial *WorkflowState) (*WorkflowState, error) {
	generated := id == ""
	if generated {
		id = NewWorkflowID()
	}
	ts := m.now()
	wf := &WorkflowState{}
	if initial != nil {
		wf.Task = initial.Task
		wf.Template = initial.Template
		wf.Strategy = initial.Strategy
		wf.Plan = initial.Plan
		wf.RetryPolicy = initial.RetryPolicy
		wf.Metadata = initial.Metadata
	}
	wf.WorkflowID = id
	wf.Status = WorkflowStatusInitialized
	wf.CreatedAt = ts
	wf.UpdatedAt = ts
	wf.Steps = []Step{}
	wf.Results = map[string]any{}
	wf.Errors = []WorkflowError{}
	wf.Checkpoints = []Checkpoint{}
	if wf.RetryPolicy.Backoff == nil && wf.RetryPolicy.MaxRetries == 0 {
		wf.RetryPolicy = DefaultRetryPolicy()
	}

	normalized, err := wf.Clone()
	if err != nil {
		return nil, fmt.Errorf("invalid workflow state: %w", err)
	}

	m.mu.Lock()
	if _, exists := m.workflows[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrWorkflowExists, id)
	}
	entry := &workflowEntry{state: normalized}
	entry.mu.Lock()
	m.workflows[id] = entry
	m.mu.Unlock()
	defer entry.mu.Unlock()

	drop := func() {
		m.mu.Lock()
		delete(m.workflows, id)
		m.mu.Unlock()
		entry.removed = true
	}
	if !generated {
		existing, err := m.store.LoadWorkflow(ctx, id)
		if err != nil {
			drop()
			return nil, &PersistenceError{Op: "create", ID: id, Err: err}
		}
		if existing != nil {
			drop()
			return nil, fmt.Errorf("%w: %s", ErrWorkflowExists, id)
		}
	}
	if err := m.store.SaveWorkflow(ctx, normalized); err != nil {
		drop()
		return nil, &PersistenceError{Op: "create", ID: id, Err: err}
	}
	m.logger.Debug("workflow created", "workflow_id", id)
	return normalized.Clone()
}

// GetWorkflow returns a copy of the workflow.
func (m *Manager) GetWorkflow(id string) (*WorkflowState, error) {
	entry, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.removed {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	return entry.state.Clone()
}

// ListWorkflows returns copies of the workflows with one of the given
// statuses (all when none are given), oldest first.
func (m *Manager) ListWorkflows(statuses ...WorkflowStatus) []*WorkflowState {
	m.mu.RLock()
	entries := make([]*workflowEntry, 0, len(m.workflows))
	for _, entry := range m.workflows {
		entries = append(entries, entry)
	}
	m.mu.RUnlock()

	var out []*WorkflowState
	for _, entry := range entries {
		entry.mu.Lock()
		if entry.removed || !matchesStatus(entry.state.Status, statuses) {
			entry.mu.Unlock()
			continue
		}
		wf, err := entry.state.Clone()
		entry.mu.Unlock()
		if err != nil {
			continue
		}
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].WorkflowID < out[j].WorkflowID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Resumable returns the workflows that have not reached a terminal status.
func (m *Manager) Resumable() []*WorkflowState {
	return m.ListWorkflows(WorkflowStatusInitialized, WorkflowStatusInProgress)
}

func matchesStatus(status WorkflowStatus, statuses []WorkflowStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

// UpdateWorkflow applies a partial update.
func (m *Manager) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) (*WorkflowState, error) {
	return m.mutate(ctx, id, "update", func(wf *WorkflowState) error {
		if update.Task != nil {
			wf.Task = *update.Task
		}
		if update.Template != nil {
			wf.Template = *update.Template
		}
		if update.Strategy != nil {
			wf.Strategy = *update.Strategy
		}
		if update.Plan != nil {
			wf.Plan = update.Plan
		}
		if update.CurrentStep != nil {
			wf.CurrentStep = *update.CurrentStep
		}
		if update.RetryPolicy != nil {
			wf.RetryPolicy = *update.RetryPolicy
		}
		if update.Metadata != nil {
			if wf.Metadata == nil {
				wf.Metadata = map[string]any{}
			}
			for k, v := range update.Metadata {
				wf.Metadata[k] = v
			}
		}
		return nil
	})
}

// UpdateWorkflowStatus sets the workflow status. Terminal workflows cannot be
// moved back to a running status.
func (m *Manager) UpdateWorkflowStatus(ctx context.Context, id string, status WorkflowStatus) (*WorkflowState, error) {
	return m.mutate(ctx, id, "status", func(wf *WorkflowState) error {
		if wf.Status.Terminal() && !status.Terminal() {
			return fmt.Errorf("workflow %s is %s", id, wf.Status)
		}
		wf.Status = status
		return nil
	})
}

// StartStep records step as the in-progress attempt for its id.
func (m *Manager) StartStep(ctx context.Context, id string, step Step) (*WorkflowState, error) {
	return m.mutate(ctx, id, "start_step", func(wf *WorkflowState) error {
		if step.ID == "" {
			return fmt.Errorf("step id required")
		}
		if step.Status == "" {
			step.Status = StepStatusPending
		}
		if !step.Status.canTransition(StepStatusInProgress) {
			return fmt.Errorf("step %s cannot start from status %s", step.ID, step.Status)
		}
		if _, active := wf.ActiveSteps[step.ID]; active {
			return fmt.Errorf("step %s is already in progress", step.ID)
		}
		ts := m.now()
		step.Status = StepStatusInProgress
		step.StartedAt = &ts
		if wf.ActiveSteps == nil {
			wf.ActiveSteps = map[string]Step{}
		}
		wf.ActiveSteps[step.ID] = step
		if wf.Status == WorkflowStatusInitialized {
			wf.Status = WorkflowStatusInProgress
		}
		return nil
	})
}

// AddStepResult appends one completed step entry and stores result under
// stepID. If the step was started with StartStep its worker, action and
// context are carried over.
func (m *Manager) AddStepResult(ctx context.Context, id, stepID string, result any) (*WorkflowState, error) {
	return m.mutate(ctx, id, "step_result", func(wf *WorkflowState) error {
		ts := m.now()
		step, active := wf.ActiveSteps[stepID]
		if active {
			if !step.Status.canTransition(StepStatusCompleted) {
				return fmt.Errorf("step %s cannot complete from status %s", stepID, step.Status)
			}
			delete(wf.ActiveSteps, stepID)
		} else {
			step = Step{ID: stepID, StartedAt: &ts}
		}
		step.Status = StepStatusCompleted
		step.CompletedAt = &ts
		step.Result = result
		step.Error = ""
		wf.Steps = append(wf.Steps, step)
		if wf.Results == nil {
			wf.Results = map[string]any{}
		}
		wf.Results[stepID] = result
		if wf.Status == WorkflowStatusInitialized {
			wf.Status = WorkflowStatusInProgress
		}
		return nil
	})
}

// AddWorkflowError appends a step error. An in-progress attempt for the same
// step is closed as failed and appended to the step history.
func (m *Manager) AddWorkflowError(ctx context.Context, id string, werr WorkflowError) (*WorkflowState, error) {
	return m.mutate(ctx, id, "error", func(wf *WorkflowState) error {
		ts := m.now()
		if werr.Timestamp.IsZero() {
			werr.Timestamp = ts
		}
		wf.Errors = append(wf.Errors, werr)
		if step, active := wf.ActiveSteps[werr.StepID]; active {
			delete(wf.ActiveSteps, werr.StepID)
			step.Status = StepStatusFailed
			step.CompletedAt = &ts
			step.Error = werr.Message
			wf.Steps = append(wf.Steps, step)
		}
		return nil
	})
}

// AddCheckpoint appends a checkpoint. Existing checkpoints are never changed.
func (m *Manager) AddCheckpoint(ctx context.Context, id string, cp Checkpoint) (*WorkflowState, error) {
	return m.mutate(ctx, id, "checkpoint", func(wf *WorkflowState) error {
		if cp.ID == "" {
			cp.ID = NewCheckpointID()
		}
		if cp.Timestamp.IsZero() {
			cp.Timestamp = m.now()
		}
		if cp.Type == "" {
			cp.Type = CheckpointStepComplete
		}
		if cp.ModifiedArtifacts == nil {
			cp.ModifiedArtifacts = []string{}
		}
		wf.Checkpoints = append(wf.Checkpoints, cp)
		return nil
	})
}

// CompleteWorkflow marks the workflow completed with an optional final result.
func (m *Manager) CompleteWorkflow(ctx context.Context, id string, finalResult any) (*WorkflowState, error) {
	return m.mutate(ctx, id, "complete", func(wf *WorkflowState) error {
		ts := m.now()
		wf.Status = WorkflowStatusCompleted
		wf.CompletedAt = &ts
		wf.FinalResult = finalResult
		wf.CurrentStep = len(wf.Plan)
		return nil
	})
}

// FailWorkflow marks the workflow failed.
func (m *Manager) FailWorkflow(ctx context.Context, id string) (*WorkflowState, error) {
	return m.mutate(ctx, id, "fail", func(wf *WorkflowState) error {
		ts := m.now()
		wf.Status = WorkflowStatusFailed
		wf.CompletedAt = &ts
		return nil
	})
}

// mutate applies fn to a copy of the workflow, persists the copy and only
// then makes it the current in-memory state.
func (m *Manager) mutate(ctx context.Context, id, op string, fn func(*WorkflowState) error) (*WorkflowState, error) {
	entry, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.removed {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	working, err := entry.state.Clone()
	if err != nil {
		return nil, err
	}
	if err := fn(working); err != nil {
		return nil, err
	}
	working.UpdatedAt = m.now()

	normalized, err := working.Clone()
	if err != nil {
		return nil, fmt.Errorf("invalid workflow state: %w", err)
	}
	if err := m.store.SaveWorkflow(ctx, normalized); err != nil {
		m.logger.Error("failed to persist workflow", "workflow_id", id, "op", op, "error", err)
		return nil, &PersistenceError{Op: op, ID: id, Err: err}
	}
	entry.state = normalized
	return normalized.Clone()
}

func (m *Manager) entry(id string) (*workflowEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	return entry, nil
}

// SaveAgentState persists the agent's state and caches it.
func (m *Manager) SaveAgentState(ctx context.Context, name string, st map[string]any) error {
	doc := &AgentState{State: copyMap(st), UpdatedAt: m.now()}

	m.agentsMu.Lock()
	defer m.agentsMu.Unlock()

	if err := m.store.SaveAgentState(ctx, name, doc); err != nil {
		return &PersistenceError{Op: "agent_state", ID: name, Err: err}
	}
	m.agents[name] = doc
	return nil
}

// LoadAgentState returns the agent's state, reading it from the store on
// first access. A missing or unreadable document yields an empty state.
func (m *Manager) LoadAgentState(ctx context.Context, name string) map[string]any {
	m.agentsMu.Lock()
	defer m.agentsMu.Unlock()

	if doc, ok := m.agents[name]; ok {
		return copyMap(doc.State)
	}
	doc, err := m.store.LoadAgentState(ctx, name)
	if err != nil {
		m.logger.Warn("failed to load agent state", "agent", name, "error", err)
		return map[string]any{}
	}
	if doc == nil {
		return map[string]any{}
	}
	m.agents[name] = doc
	return copyMap(doc.State)
}

// Cleanup deletes every workflow, in memory and in the store, whose last
// update is older than the maximum state age. It returns the number removed.
// Each in-memory workflow is checked and deleted under its own lock, so a
// workflow touched while Cleanup runs is kept.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.maxStateAge)

	persisted, err := m.store.LoadWorkflows(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list persisted workflows: %w", err)
	}

	m.mu.RLock()
	entries := make(map[string]*workflowEntry, len(m.workflows))
	for id, entry := range m.workflows {
		entries[id] = entry
	}
	m.mu.RUnlock()

	removed := 0
	for id, entry := range entries {
		ok, err := m.expire(ctx, id, entry, cutoff)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}

	// Documents never loaded into memory. Holding m.mu keeps a concurrent
	// create or reload from claiming the id while it is deleted.
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, wf := range persisted {
		if _, known := entries[wf.WorkflowID]; known {
			continue
		}
		if _, inMemory := m.workflows[wf.WorkflowID]; inMemory {
			continue
		}
		if !wf.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := m.store.DeleteWorkflow(ctx, wf.WorkflowID); err != nil {
			return removed, &PersistenceError{Op: "delete", ID: wf.WorkflowID, Err: err}
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info("cleaned up expired workflows", "count", removed, "max_age", m.maxStateAge)
	}
	return removed, nil
}

// expire deletes the in-memory workflow if it is still older than cutoff.
func (m *Manager) expire(ctx context.Context, id string, entry *workflowEntry, cutoff time.Time) (bool, error) {
	entry.mu.Lock()
	if entry.removed || !entry.state.UpdatedAt.Before(cutoff) {
		entry.mu.Unlock()
		return false, nil
	}
	if err := m.store.DeleteWorkflow(ctx, id); err != nil {
		entry.mu.Unlock()
		return false, &PersistenceError{Op: "delete", ID: id, Err: err}
	}
	entry.removed = true
	entry.mu.Unlock()

	m.mu.Lock()
	if m.workflows[id] == entry {
		delete(m.workflows, id)
	}
	m.mu.Unlock()
	return true, nil
}

// LoadPersistedState reloads every non-expired workflow and all agent states
// from the store. Read failures are logged and treated as no prior state.
// Workflows already in memory are kept as they are.
func (m *Manager) LoadPersistedState(ctx context.Context) int {
	cutoff := m.now().Add(-m.maxStateAge)
	loaded := 0

	workflows, err := m.store.LoadWorkflows(ctx)
	if err != nil {
		m.logger.Warn("failed to load persisted workflows", "error", err)
	}
	m.mu.Lock()
	for _, wf := range workflows {
		if wf.UpdatedAt.Before(cutoff) {
			m.logger.Debug("skipping expired workflow", "workflow_id", wf.WorkflowID)
			continue
		}
		if _, exists := m.workflows[wf.WorkflowID]; exists {
			continue
		}
		m.workflows[wf.WorkflowID] = &workflowEntry{state: wf}
		loaded++
	}
	m.mu.Unlock()

	agents, err := m.store.LoadAgentStates(ctx)
	if err != nil {
		m.logger.Warn("failed to load persisted agent states", "error", err)
	}
	m.agentsMu.Lock()
	for name, doc := range agents {
		if _, exists := m.agents[name]; !exists {
			m.agents[name] = doc
		}
	}
	m.agentsMu.Unlock()

	m.logger.Debug("loaded persisted state", "workflows", loaded, "agents", len(agents))
	return loaded
}

// copyMap creates a shallow copy of a map
func copyMap(m map[string]any) map[string]any {
	copy := make(map[string]any, len(m))
	for k, v := range m {
		copy[k] = v
	}
	return copy
}
