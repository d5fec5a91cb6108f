package agent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deepnoodle-ai/taskrouter/bus"
	"github.com/deepnoodle-ai/taskrouter/state"
	"github.com/stretchr/testify/require"
)

type describedExecutor struct {
	notified atomic.Int32
	failNote bool
}

func (e *describedExecutor) Execute(ctx context.Context, task Task) (any, error) {
	return map[string]any{"action": task.Action, "name": task.String("name", "")}, nil
}

func (e *describedExecutor) Capabilities() Capabilities {
	return Capabilities{Description: "echoes tasks", Actions: []string{"echo"}}
}

func (e *describedExecutor) HandleQuery(ctx context.Context, query any) (any, error) {
	if query == "status" {
		return "idle", nil
	}
	return nil, ErrUnsupportedQuery
}

func (e *describedExecutor) HandleNotification(ctx context.Context, payload any) error {
	e.notified.Add(1)
	if e.failNote {
		return errors.New("cannot handle notification")
	}
	return nil
}

func startAgent(t *testing.T, b *bus.Bus, name string, exec Executor) *Agent {
	t.Helper()
	a, err := New(Options{Name: name, Executor: exec, Bus: b, Timeout: time.Second})
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	return a
}

func TestInvokeAgent(t *testing.T) {
	b := bus.New(bus.Options{})
	caller := startAgent(t, b, "caller", ExecutorFunc(func(ctx context.Context, task Task) (any, error) {
		return nil, nil
	}))
	startAgent(t, b, "echo", &describedExecutor{})

	result, err := caller.InvokeAgent(context.Background(), "echo", Task{Action: "echo", Params: map[string]any{"name": "x"}})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"action": "echo", "name": "x"}, result)
}

func TestInvokeAgentPropagatesFailure(t *testing.T) {
	b := bus.New(bus.Options{})
	startAgent(t, b, "A", ExecutorFunc(func(ctx context.Context, task Task) (any, error) {
		return nil, errors.New("boom")
	}))
	callerB := startAgent(t, b, "B", ExecutorFunc(func(ctx context.Context, task Task) (any, error) {
		return "ok", nil
	}))

	_, err := callerB.InvokeAgent(context.Background(), "A", Task{Action: "explode"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")

	var remote *bus.RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, "A", remote.Agent)
	require.NotEmpty(t, remote.MessageID)
}

func TestInvokeAgentUnknownTarget(t *testing.T) {
	b := bus.New(bus.Options{})
	a := startAgent(t, b, "A", ExecutorFunc(func(ctx context.Context, task Task) (any, error) {
		return nil, nil
	}))
	_, err := a.InvokeAgent(context.Background(), "ghost", Task{Action: "x"})
	require.ErrorIs(t, err, bus.ErrAgentNotFound)
}

func TestInvokeAgentTimeout(t *testing.T) {
	b := bus.New(bus.Options{})
	startAgent(t, b, "slow", ExecutorFunc(func(ctx context.Context, task Task) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	caller, err := New(Options{Name: "caller", Executor: ExecutorFunc(func(ctx context.Context, task Task) (any, error) {
		return nil, nil
	}), Bus: b, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	_, err = caller.InvokeAgent(context.Background(), "slow", Task{Action: "wait"})
	require.ErrorIs(t, err, bus.ErrTimeout)
}

func TestNestedInvocations(t *testing.T) {
	b := bus.New(bus.Options{})
	startAgent(t, b, "A", ExecutorFunc(func(ctx context.Context, task Task) (any, error) {
		if task.Action == "leaf" {
			return "leaf from A", nil
		}
		self, ok := FromContext(ctx)
		require.True(t, ok)
		return self.InvokeAgent(ctx, "B", Task{Action: "relay"})
	}))
	startAgent(t, b, "B", ExecutorFunc(func(ctx context.Context, task Task) (any, error) {
		self, _ := FromContext(ctx)
		return self.InvokeAgent(ctx, "A", Task{Action: "leaf"})
	}))
	client := startAgent(t, b, "client", ExecutorFunc(func(ctx context.Context, task Task) (any, error) {
		return nil, nil
	}))

	result, err := client.InvokeAgent(context.Background(), "A", Task{Action: "start"})
	require.NoError(t, err)
	require.Equal(t, "leaf from A", result)
}

func TestInvokeAgentsParallel(t *testing.T) {
	b := bus.New(bus.Options{})
	startAgent(t, b, "good", &describedExecutor{})
	startAgent(t, b, "bad", ExecutorFunc(func(ctx context.Context, task Task) (any, error) {
		return nil, errors.New("nope")
	}))
	caller := startAgent(t, b, "caller", &describedExecutor{})

	results := caller.InvokeAgentsParallel(context.Background(), []Invocation{
		{Agent: "good", Task: Task{Action: "echo"}},
		{Agent: "bad", Task: Task{Action: "echo"}},
		{Agent: "missing", Task: Task{Action: "echo"}},
		{Agent: "good", Task: Task{Action: "again"}},
	})
	require.Len(t, results, 4)
	require.NoError(t, results[0].Err)
	require.ErrorContains(t, results[1].Err, "nope")
	require.ErrorIs(t, results[2].Err, bus.ErrAgentNotFound)
	require.NoError(t, results[3].Err)
	require.Equal(t, "again", results[3].Result.(map[string]any)["action"])
}

func TestInvocationsAreNotSerialized(t *testing.T) {
	b := bus.New(bus.Options{})
	release := make(chan struct{})
	worker := startAgent(t, b, "worker", ExecutorFunc(func(ctx context.Context, task Task) (any, error) {
		<-release
		return "done", nil
	}))
	caller := startAgent(t, b, "caller", &describedExecutor{})

	done := make(chan []InvocationResult)
	go func() {
		done <- caller.InvokeAgentsParallel(context.Background(), []Invocation{
			{Agent: "worker", Task: Task{Action: "a"}},
			{Agent: "worker", Task: Task{Action: "b"}},
		})
	}()
	require.Eventually(t, func() bool { return worker.InFlight() == 2 }, time.Second, time.Millisecond)
	close(release)

	for _, r := range <-done {
		require.NoError(t, r.Err)
	}
}

func TestQueries(t *testing.T) {
	b := bus.New(bus.Options{})
	startAgent(t, b, "echo", &describedExecutor{})
	startAgent(t, b, "plain", ExecutorFunc(func(ctx context.Context, task Task) (any, error) {
		return nil, nil
	}))

	caps := b.QueryCapabilities(context.Background(), "test")
	require.Equal(t, Capabilities{Name: "echo", Description: "echoes tasks", Actions: []string{"echo"}}, caps["echo"].Capabilities)
	require.Equal(t, Capabilities{Name: "plain"}, caps["plain"].Capabilities)

	msg := bus.NewMessage("test", "echo", bus.MessageTypeQuery, "status")
	result, err := b.SendAndWait(context.Background(), msg, time.Second)
	require.NoError(t, err)
	value, err := bus.Unwrap(msg, result)
	require.NoError(t, err)
	require.Equal(t, "idle", value)

	msg = bus.NewMessage("test", "plain", bus.MessageTypeQuery, "status")
	result, err = b.SendAndWait(context.Background(), msg, time.Second)
	require.NoError(t, err)
	_, err = bus.Unwrap(msg, result)
	require.ErrorContains(t, err, ErrUnsupportedQuery.Error())
}

func TestNotificationsAlwaysSucceed(t *testing.T) {
	b := bus.New(bus.Options{})
	exec := &describedExecutor{failNote: true}
	startAgent(t, b, "echo", exec)

	msg := bus.NewMessage("test", "echo", bus.MessageTypeNotify, map[string]any{"event": "saved"})
	result, err := b.Send(context.Background(), msg)
	require.NoError(t, err)
	resp, ok := result.(*bus.Response)
	require.True(t, ok)
	require.True(t, resp.Success)
	require.Equal(t, int32(1), exec.notified.Load())

	caller := startAgent(t, b, "caller", &describedExecutor{})
	caller.Notify(context.Background(), "echo", "ping")
	require.Equal(t, int32(2), exec.notified.Load())
}

func TestInvalidTaskPayload(t *testing.T) {
	b := bus.New(bus.Options{})
	startAgent(t, b, "echo", &describedExecutor{})

	msg := bus.NewMessage("test", "echo", bus.MessageTypeInvoke, 42)
	result, err := b.Send(context.Background(), msg)
	require.NoError(t, err)
	_, err = bus.Unwrap(msg, result)
	require.ErrorContains(t, err, "invalid task payload type")
}

func TestAgentStateIsExplicitCommit(t *testing.T) {
	ctx := context.Background()
	store, err := state.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	manager := state.NewManager(state.Options{Store: store})
	b := bus.New(bus.Options{})

	a, err := New(Options{Name: "writer", Executor: &describedExecutor{}, Bus: b, State: manager})
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))

	a.Set("files", 1)
	a.Update(func(s map[string]any) { s["last"] = "a.go" })
	v, ok := a.Get("last")
	require.True(t, ok)
	require.Equal(t, "a.go", v)

	// Not saved yet
	fresh := state.NewManager(state.Options{Store: store})
	require.Empty(t, fresh.LoadAgentState(ctx, "writer"))

	require.NoError(t, a.SaveState(ctx))
	fresh = state.NewManager(state.Options{Store: store})
	require.Equal(t, map[string]any{"files": float64(1), "last": "a.go"}, fresh.LoadAgentState(ctx, "writer"))

	a.Set("files", 2)
	a.LoadState(ctx)
	require.Equal(t, map[string]any{"files": 1, "last": "a.go"}, a.State())

	a.Stop()
	_, registered := b.Agent("writer")
	require.False(t, registered)
}

func TestNewValidation(t *testing.T) {
	b := bus.New(bus.Options{})
	_, err := New(Options{Executor: &describedExecutor{}, Bus: b})
	require.Error(t, err)
	_, err = New(Options{Name: "x", Bus: b})
	require.Error(t, err)
	_, err = New(Options{Name: "x", Executor: &describedExecutor{}})
	require.Error(t, err)
}

func TestDecodeTask(t *testing.T) {
	task, err := DecodeTask(map[string]any{
		"action":  "write",
		"params":  map[string]any{"path": "a.go", "retries": float64(2), "wait": "5ms"},
		"step_id": "s1",
	})
	require.NoError(t, err)
	require.Equal(t, "write", task.Action)
	require.Equal(t, "s1", task.StepID)
	require.Equal(t, "a.go", task.String("path", ""))
	require.Equal(t, 2, task.Int("retries", 0))
	require.Equal(t, "fallback", task.String("missing", "fallback"))
	d, err := task.Duration("wait", time.Second)
	require.NoError(t, err)
	require.Equal(t, 5*time.Millisecond, d)

	_, err = DecodeTask(nil)
	require.Error(t, err)
	_, err = DecodeTask([]byte("{bad"))
	require.Error(t, err)
}
