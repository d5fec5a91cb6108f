package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deepnoodle-ai/taskrouter/bus"
	"github.com/deepnoodle-ai/taskrouter/state"
	"golang.org/x/sync/errgroup"
)

// ErrUnsupportedQuery is returned for queries an agent does not answer.
var ErrUnsupportedQuery = errors.New("unsupported query")

// Executor performs the work of an agent.
type Executor interface {
	Execute(ctx context.Context, task Task) (any, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task Task) (any, error)

func (f ExecutorFunc) Execute(ctx context.Context, task Task) (any, error) {
	return f(ctx, task)
}

// QueryHandler is implemented by executors that answer custom queries.
type QueryHandler interface {
	HandleQuery(ctx context.Context, query any) (any, error)
}

// NotificationHandler is implemented by executors that react to notifications.
type NotificationHandler interface {
	HandleNotification(ctx context.Context, payload any) error
}

// CapabilityDescriber is implemented by executors that describe themselves.
type CapabilityDescriber interface {
	Capabilities() Capabilities
}

// Capabilities describes what an agent can do.
type Capabilities struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Actions     []string `json:"actions,omitempty"`
}

// Options configures an Agent.
type Options struct {
	Name     string
	Executor Executor
	Bus      *bus.Bus
	State    *state.Manager
	Logger   *slog.Logger

	// Timeout bounds calls made through InvokeAgent. Zero uses the bus
	// default.
	Timeout time.Duration
}

// Agent connects an Executor to the bus and the state manager. The agent does
// not serialize invocations: Execute may be called again before a previous
// call returns, so executors that need exclusive execution must guard
// themselves.
type Agent struct {
	name     string
	executor Executor
	bus      *bus.Bus
	states   *state.Manager
	logger   *slog.Logger
	timeout  time.Duration

	mu    sync.RWMutex
	state map[string]any

	inFlight atomic.Int32
}

// New returns an agent configured with the given options.
func New(opts Options) (*Agent, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("agent name required")
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("executor required for agent %q", opts.Name)
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("bus required for agent %q", opts.Name)
	}
	if opts.State == nil {
		opts.State = state.NewManager(state.Options{})
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Agent{
		name:     opts.Name,
		executor: opts.Executor,
		bus:      opts.Bus,
		states:   opts.State,
		logger:   opts.Logger.With("agent", opts.Name),
		timeout:  opts.Timeout,
		state:    map[string]any{},
	}, nil
}

// Name returns the agent name.
func (a *Agent) Name() string {
	return a.name
}

// Start loads the agent's persisted state and registers it on the bus.
func (a *Agent) Start(ctx context.Context) error {
	a.LoadState(ctx)
	if err := a.bus.Register(a.name, a); err != nil {
		return err
	}
	a.logger.Debug("agent started")
	return nil
}

// Stop removes the agent from the bus.
func (a *Agent) Stop() {
	a.bus.Unregister(a.name)
	a.logger.Debug("agent stopped")
}

// InFlight returns the number of messages currently being processed.
func (a *Agent) InFlight() int {
	return int(a.inFlight.Load())
}

// HandleMessage implements bus.Handler. Every message type is answered with a
// *bus.Response. Notifications always succeed; hook failures are only logged.
func (a *Agent) HandleMessage(ctx context.Context, msg *bus.Message) (any, error) {
	a.inFlight.Add(1)
	defer a.inFlight.Add(-1)

	logger := a.logger.With("message_id", msg.MessageID, "from", msg.From)
	ctx = WithAgent(ctx, a)
	ctx = WithLogger(ctx, logger)
	ctx = withMessageID(ctx, msg.MessageID)

	switch msg.Type {
	case bus.MessageTypeInvoke:
		task, err := DecodeTask(msg.Payload)
		if err != nil {
			return bus.NewResponse(nil, err), nil
		}
		start := time.Now()
		result, err := a.executor.Execute(ctx, task)
		if err != nil {
			logger.Warn("task failed", "action", task.Action, "step_id", task.StepID, "error", err)
			return bus.NewResponse(nil, err), nil
		}
		logger.Debug("task completed", "action", task.Action, "step_id", task.StepID, "duration", time.Since(start))
		return bus.NewResponse(result, nil), nil

	case bus.MessageTypeQuery:
		return bus.NewResponse(a.handleQuery(ctx, msg.Payload)), nil

	case bus.MessageTypeNotify:
		a.handleNotification(ctx, logger, msg.Payload)
		return &bus.Response{Success: true, Timestamp: time.Now()}, nil
	}
	return bus.NewResponse(nil, fmt.Errorf("unsupported message type %q", msg.Type)), nil
}

func (a *Agent) handleQuery(ctx context.Context, payload any) (any, error) {
	if isCapabilityQuery(payload) {
		return a.Capabilities(), nil
	}
	if h, ok := a.executor.(QueryHandler); ok {
		return h.HandleQuery(ctx, payload)
	}
	return nil, ErrUnsupportedQuery
}

func isCapabilityQuery(payload any) bool {
	switch q := payload.(type) {
	case bus.CapabilityQuery:
		return q.Query == bus.QueryCapabilitiesName
	case *bus.CapabilityQuery:
		return q != nil && q.Query == bus.QueryCapabilitiesName
	case map[string]any:
		return q["query"] == bus.QueryCapabilitiesName
	case string:
		return q == bus.QueryCapabilitiesName
	}
	return false
}

func (a *Agent) handleNotification(ctx context.Context, logger *slog.Logger, payload any) {
	h, ok := a.executor.(NotificationHandler)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("notification handler panicked", "panic", r)
		}
	}()
	if err := h.HandleNotification(ctx, payload); err != nil {
		logger.Warn("notification handler failed", "error", err)
	}
}

// Capabilities describes the agent. Executors without a CapabilityDescriber
// are described by name only.
func (a *Agent) Capabilities() Capabilities {
	caps := Capabilities{Name: a.name}
	if d, ok := a.executor.(CapabilityDescriber); ok {
		caps = d.Capabilities()
		caps.Name = a.name
	}
	return caps
}

// InvokeAgent sends task to another agent and waits for its result. A failed
// response is returned as an error that names the callee and the message.
// Calls may nest (A calls B calls A); there is no cycle or depth guard.
func (a *Agent) InvokeAgent(ctx context.Context, target string, task Task) (any, error) {
	msg := bus.NewMessage(a.name, target, bus.MessageTypeInvoke, task)
	result, err := a.bus.SendAndWait(ctx, msg, a.timeout)
	if err != nil {
		return nil, err
	}
	return bus.Unwrap(msg, result)
}

// Invocation names a target agent and the task to send it.
type Invocation struct {
	Agent string
	Task  Task
}

// InvocationResult is the settled outcome of one Invocation.
type InvocationResult struct {
	Agent  string
	Result any
	Err    error
}

// InvokeAgentsParallel runs every invocation concurrently and waits for all
// of them. One failure never cancels the others. Results keep the order of
// invocations.
func (a *Agent) InvokeAgentsParallel(ctx context.Context, invocations []Invocation) []InvocationResult {
	results := make([]InvocationResult, len(invocations))
	var g errgroup.Group
	for i, inv := range invocations {
		g.Go(func() error {
			result, err := a.InvokeAgent(ctx, inv.Agent, inv.Task)
			results[i] = InvocationResult{Agent: inv.Agent, Result: result, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Notify sends a fire-and-forget notification to another agent.
func (a *Agent) Notify(ctx context.Context, target string, payload any) {
	a.bus.Notify(ctx, bus.NewMessage(a.name, target, bus.MessageTypeNotify, payload))
}

// Get returns a value from the agent's in-memory state.
func (a *Agent) Get(key string) (any, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	v, ok := a.state[key]
	return v, ok
}

// Set stores a value in the agent's in-memory state. It is not persisted
// until SaveState is called.
func (a *Agent) Set(key string, value any) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.state[key] = value
}

// Update calls fn with the state map under the write lock.
func (a *Agent) Update(fn func(state map[string]any)) {
	a.mu.Lock()
	defer a.mu.Unlock()

	fn(a.state)
}

// State returns a copy of the agent's in-memory state.
func (a *Agent) State() map[string]any {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return copyMap(a.state)
}

// SaveState persists the in-memory state.
func (a *Agent) SaveState(ctx context.Context) error {
	return a.states.SaveAgentState(ctx, a.name, a.State())
}

// LoadState replaces the in-memory state with the persisted one.
func (a *Agent) LoadState(ctx context.Context) {
	loaded := a.states.LoadAgentState(ctx, a.name)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.state = loaded
}

// copyMap creates a shallow copy of a map
func copyMap(m map[string]any) map[string]any {
	copy := make(map[string]any, len(m))
	for k, v := range m {
		copy[k] = v
	}
	return copy
}
