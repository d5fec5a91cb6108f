package bus

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultTimeout is used by SendAndWait when the caller passes no timeout.
const DefaultTimeout = 30 * time.Second

// AgentStatus is the delivery state of a registered agent.
type AgentStatus string

const (
	AgentStatusActive   AgentStatus = "active"
	AgentStatusInactive AgentStatus = "inactive"
	AgentStatusDegraded AgentStatus = "degraded"
)

// Handler processes messages delivered to a registered agent.
type Handler interface {
	HandleMessage(ctx context.Context, msg *Message) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg *Message) (any, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, msg *Message) (any, error) {
	return f(ctx, msg)
}

// Registration is a registry entry for one agent.
type Registration struct {
	Name         string      `json:"name"`
	Handler      Handler     `json:"-"`
	Status       AgentStatus `json:"status"`
	RegisteredAt time.Time   `json:"registered_at"`
}

// Options configures a Bus.
type Options struct {
	Logger         *slog.Logger
	MaxLogSize     int
	DefaultTimeout time.Duration
	Metrics        *Metrics
}

// Bus routes messages between in-process agents. The registry, the pending
// request map and the message log are each guarded by their own lock.
type Bus struct {
	agentsMu sync.RWMutex
	agents   map[string]*Registration

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest

	log            *messageLog
	logger         *slog.Logger
	defaultTimeout time.Duration
	metrics        *Metrics
}

type pendingRequest struct {
	message   *Message
	createdAt time.Time
	done      chan outcome
}

type outcome struct {
	result any
	err    error
}

// New returns a bus configured with the given options.
func New(opts Options) *Bus {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	return &Bus{
		agents:         map[string]*Registration{},
		pending:        map[string]*pendingRequest{},
		log:            newMessageLog(opts.MaxLogSize),
		logger:         opts.Logger.With("component", "bus"),
		defaultTimeout: opts.DefaultTimeout,
		metrics:        opts.Metrics,
	}
}

// Register adds an active agent under name. Registering a name that is
// already taken replaces the previous handler; this is also the only way to
// bring an inactive or degraded agent back to active.
func (b *Bus) Register(name string, handler Handler) error {
	if name == "" {
		return fmt.Errorf("agent name required")
	}
	if handler == nil {
		return fmt.Errorf("handler required for agent %q", name)
	}

	b.agentsMu.Lock()
	_, replaced := b.agents[name]
	b.agents[name] = &Registration{
		Name:         name,
		Handler:      handler,
		Status:       AgentStatusActive,
		RegisteredAt: time.Now(),
	}
	b.agentsMu.Unlock()

	if replaced {
		b.logger.Info("agent re-registered", "agent", name)
	} else {
		b.logger.Debug("agent registered", "agent", name)
	}
	return nil
}

// Unregister removes the agent. Requests already in flight to it are not
// affected and settle on their own or time out.
func (b *Bus) Unregister(name string) bool {
	b.agentsMu.Lock()
	defer b.agentsMu.Unlock()

	_, ok := b.agents[name]
	delete(b.agents, name)
	return ok
}

// SetStatus moves an agent out of the active state. Returning to active
// requires a fresh Register.
func (b *Bus) SetStatus(name string, status AgentStatus) error {
	if status == AgentStatusActive {
		return fmt.Errorf("agent %q must be re-registered to become active", name)
	}
	if status != AgentStatusInactive && status != AgentStatusDegraded {
		return fmt.Errorf("unknown agent status %q", status)
	}

	b.agentsMu.Lock()
	defer b.agentsMu.Unlock()

	reg, ok := b.agents[name]
	if !ok {
		return &RegistrationError{Agent: name, Err: ErrAgentNotFound}
	}
	reg.Status = status
	b.logger.Warn("agent status changed", "agent", name, "status", status)
	return nil
}

// Agent returns a copy of the registration for name.
func (b *Bus) Agent(name string) (Registration, bool) {
	b.agentsMu.RLock()
	defer b.agentsMu.RUnlock()

	reg, ok := b.agents[name]
	if !ok {
		return Registration{}, false
	}
	return *reg, true
}

// Agents returns all registrations sorted by name.
func (b *Bus) Agents() []Registration {
	b.agentsMu.RLock()
	defer b.agentsMu.RUnlock()

	regs := make([]Registration, 0, len(b.agents))
	for _, reg := range b.agents {
		regs = append(regs, *reg)
	}
	sort.Slice(regs, func(i, j int) bool {
		return regs[i].Name < regs[j].Name
	})
	return regs
}

// RecentMessages returns the message log, oldest first.
func (b *Bus) RecentMessages() []LogEntry {
	return b.log.snapshot()
}

// PendingCount returns the number of requests awaiting a reply.
func (b *Bus) PendingCount() int {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()

	return len(b.pending)
}

// Send delivers msg to its target and returns the handler's result. The
// handler runs on the caller's goroutine.
func (b *Bus) Send(ctx context.Context, msg *Message) (any, error) {
	if err := b.prepare(msg); err != nil {
		return nil, err
	}
	start := time.Now()
	reg, err := b.resolve(msg.To)
	if err != nil {
		b.record(msg, OutcomeRejected, err, start)
		return nil, err
	}
	result, err := b.dispatch(ctx, reg, msg)
	if err != nil {
		b.record(msg, OutcomeFailed, err, start)
		return nil, err
	}
	b.record(msg, OutcomeDelivered, nil, start)
	return result, nil
}

// SendAndWait delivers msg and waits up to timeout for the handler to finish.
// Exactly one of the handler outcome, the timeout, or ctx cancellation
// settles the request. On timeout the handler's context is cancelled, but a
// handler that ignores its context keeps running with nobody observing it.
func (b *Bus) SendAndWait(ctx context.Context, msg *Message, timeout time.Duration) (any, error) {
	if err := b.prepare(msg); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}
	start := time.Now()
	reg, err := b.resolve(msg.To)
	if err != nil {
		b.record(msg, OutcomeRejected, err, start)
		return nil, err
	}

	req := &pendingRequest{
		message:   msg,
		createdAt: start,
		done:      make(chan outcome, 1),
	}
	if err := b.addPending(req); err != nil {
		return nil, err
	}

	handlerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		result, err := b.dispatch(handlerCtx, reg, msg)
		req.done <- outcome{result: result, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-req.done:
		b.settle(msg.MessageID)
		if out.err != nil {
			b.record(msg, OutcomeFailed, out.err, start)
			return nil, out.err
		}
		b.record(msg, OutcomeDelivered, nil, start)
		return out.result, nil
	case <-timer.C:
		b.settle(msg.MessageID)
		err := &TimeoutError{Agent: msg.To, MessageID: msg.MessageID, Timeout: timeout}
		b.record(msg, OutcomeTimeout, err, start)
		b.logger.Warn("request timed out", "agent", msg.To, "message_id", msg.MessageID, "timeout", timeout)
		return nil, err
	case <-ctx.Done():
		b.settle(msg.MessageID)
		b.record(msg, OutcomeCanceled, ctx.Err(), start)
		return nil, ctx.Err()
	}
}

// Notify delivers a notification and ignores the outcome. Failures are
// logged and never reported to the caller.
func (b *Bus) Notify(ctx context.Context, msg *Message) {
	if msg == nil {
		return
	}
	msg.Type = MessageTypeNotify
	if _, err := b.Send(ctx, msg); err != nil {
		b.logger.Warn("notification failed", "agent", msg.To, "message_id", msg.MessageID, "error", err)
	}
}

func (b *Bus) prepare(msg *Message) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	if msg.To == "" {
		return fmt.Errorf("%w: target required", ErrInvalidMessage)
	}
	if msg.Type == "" {
		msg.Type = MessageTypeInvoke
	}
	if !msg.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, msg.Type)
	}
	if msg.MessageID == "" {
		msg.MessageID = NewMessageID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return nil
}

func (b *Bus) resolve(name string) (*Registration, error) {
	b.agentsMu.RLock()
	defer b.agentsMu.RUnlock()

	reg, ok := b.agents[name]
	if !ok {
		return nil, &RegistrationError{Agent: name, Err: ErrAgentNotFound}
	}
	if reg.Status != AgentStatusActive {
		return nil, &RegistrationError{Agent: name, Status: reg.Status, Err: ErrAgentNotActive}
	}
	copied := *reg
	return &copied, nil
}

// dispatch invokes the handler, converting both returned errors and panics
// into a *HandlerError.
func (b *Bus) dispatch(ctx context.Context, reg *Registration, msg *Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("agent handler panicked", "agent", reg.Name, "message_id", msg.MessageID, "panic", r)
			result = nil
			err = &HandlerError{Agent: reg.Name, MessageID: msg.MessageID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	result, err = reg.Handler.HandleMessage(ctx, msg)
	if err != nil {
		return nil, &HandlerError{Agent: reg.Name, MessageID: msg.MessageID, Err: err}
	}
	return result, nil
}

func (b *Bus) addPending(req *pendingRequest) error {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()

	id := req.message.MessageID
	if _, exists := b.pending[id]; exists {
		return fmt.Errorf("%w: duplicate message id %q", ErrInvalidMessage, id)
	}
	b.pending[id] = req
	b.metrics.setPending(len(b.pending))
	return nil
}

// settle removes the pending request and reports whether this call was the
// one that removed it.
func (b *Bus) settle(id string) bool {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()

	_, ok := b.pending[id]
	delete(b.pending, id)
	b.metrics.setPending(len(b.pending))
	return ok
}

func (b *Bus) record(msg *Message, result Outcome, err error, start time.Time) {
	entry := LogEntry{
		MessageID: msg.MessageID,
		From:      msg.From,
		To:        msg.To,
		Type:      msg.Type,
		Timestamp: msg.Timestamp,
		Outcome:   result,
		Duration:  time.Since(start),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	b.log.append(entry)
	b.metrics.observe(entry)
}
