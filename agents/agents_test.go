package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/deepnoodle-ai/taskrouter/agent"
	"github.com/deepnoodle-ai/taskrouter/bus"
	"github.com/deepnoodle-ai/taskrouter/state"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, exec agent.Executor, action string, params map[string]any) (any, error) {
	t.Helper()
	return exec.Execute(context.Background(), agent.Task{Action: action, Params: params})
}

func TestFileWorker(t *testing.T) {
	dir := t.TempDir()
	exec := NewFileWorker(dir).Executor()

	result, err := run(t, exec, "write", map[string]any{"path": "notes/a.txt", "content": "hello"})
	require.NoError(t, err)
	require.Equal(t, []string{"notes/a.txt"}, result.(map[string]any)["modified_files"])

	data, err := os.ReadFile(filepath.Join(dir, "notes", "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	_, err = run(t, exec, "append", map[string]any{"path": "notes/a.txt", "content": " world"})
	require.NoError(t, err)

	result, err = run(t, exec, "read", map[string]any{"path": "notes/a.txt"})
	require.NoError(t, err)
	require.Equal(t, "hello world", result.(map[string]any)["content"])

	result, err = run(t, exec, "exists", map[string]any{"path": "notes/a.txt"})
	require.NoError(t, err)
	require.Equal(t, true, result)

	result, err = run(t, exec, "list", map[string]any{})
	require.NoError(t, err)
	require.Equal(t, []string{"notes/"}, result)

	_, err = run(t, exec, "delete", map[string]any{"path": "notes/a.txt"})
	require.NoError(t, err)

	result, err = run(t, exec, "exists", map[string]any{"path": "notes/a.txt"})
	require.NoError(t, err)
	require.Equal(t, false, result)
}

func TestFileWorkerOptionalRead(t *testing.T) {
	exec := NewFileWorker(t.TempDir()).Executor()

	_, err := run(t, exec, "read", map[string]any{"path": "missing.txt"})
	require.Error(t, err)

	result, err := run(t, exec, "read", map[string]any{"path": "missing.txt", "optional": true})
	require.NoError(t, err)
	require.Equal(t, false, result.(map[string]any)["exists"])
}

func TestFileWorkerStaysInRoot(t *testing.T) {
	dir := t.TempDir()
	exec := NewFileWorker(dir).Executor()

	_, err := run(t, exec, "write", map[string]any{"path": "../../escape.txt", "content": "x"})
	require.NoError(t, err)

	// The path is cleaned relative to the root, so the file lands inside it.
	_, err = os.Stat(filepath.Join(dir, "escape.txt"))
	require.NoError(t, err)

	_, err = run(t, exec, "read", map[string]any{})
	require.Error(t, err)
}

func TestShellWorker(t *testing.T) {
	dir := t.TempDir()
	exec := NewShellWorker(dir).Executor()

	result, err := run(t, exec, "run", map[string]any{"command": "echo hello && pwd"})
	require.NoError(t, err)
	out := result.(map[string]any)
	require.Equal(t, 0, out["exit_code"])
	require.Contains(t, out["stdout"], "hello")

	result, err = run(t, exec, "", map[string]any{
		"command":     "sh",
		"args":        []string{"-c", "echo $GREETING"},
		"environment": map[string]string{"GREETING": "hi"},
	})
	require.NoError(t, err)
	require.Equal(t, "hi", result.(map[string]any)["stdout"])
}

func TestShellWorkerFailure(t *testing.T) {
	exec := NewShellWorker(t.TempDir()).Executor()

	_, err := run(t, exec, "run", map[string]any{"command": "echo bad >&2; exit 3"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 3")
	require.Contains(t, err.Error(), "bad")

	result, err := run(t, exec, "run", map[string]any{"command": "exit 3", "allow_failure": true})
	require.NoError(t, err)
	require.Equal(t, 3, result.(map[string]any)["exit_code"])
	require.Equal(t, false, result.(map[string]any)["success"])

	_, err = run(t, exec, "run", map[string]any{})
	require.Error(t, err)
}

func TestShellWorkerTimeout(t *testing.T) {
	exec := NewShellWorker(t.TempDir()).Executor()
	start := time.Now()
	_, err := run(t, exec, "run", map[string]any{"command": "sleep 5", "timeout": 0.1})
	require.Error(t, err)
	require.Less(t, time.Since(start), 4*time.Second)
}

func TestHTTPWorker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/stats":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{"method": r.Method, "visits": 42})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	exec := NewHTTPWorker(server.Client()).Executor()

	result, err := run(t, exec, "get", map[string]any{"url": server.URL + "/stats"})
	require.NoError(t, err)
	res := result.(HTTPResult)
	require.Equal(t, 200, res.StatusCode)
	require.Equal(t, map[string]any{"method": "GET", "visits": float64(42)}, res.JSONResponse)

	result, err = run(t, exec, "post", map[string]any{
		"url":          server.URL + "/stats",
		"json_payload": map[string]any{"a": 1},
	})
	require.NoError(t, err)
	require.Equal(t, "POST", result.(HTTPResult).JSONResponse.(map[string]any)["method"])

	_, err = run(t, exec, "get", map[string]any{"url": server.URL + "/missing"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "404")
}

func TestPrintWorker(t *testing.T) {
	var buf bytes.Buffer
	exec := NewPrintWorker(&buf).Executor()

	_, err := run(t, exec, "print", map[string]any{"message": "hello"})
	require.NoError(t, err)

	_, err = run(t, exec, "print", map[string]any{})
	require.Error(t, err)

	result, err := exec.Execute(context.Background(), agent.Task{
		Action:      "report",
		Description: "Release check",
		Context: map[string]any{
			"results": map[string]any{"status": "ok", "changelog": "ok"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"changelog", "status"}, result.(map[string]any)["steps"])
	require.Equal(t, "hello\nRelease check\n2 completed steps: changelog, status\n", buf.String())
}

func TestSleepExecutor(t *testing.T) {
	exec := NewSleepExecutor()

	result, err := run(t, exec, "", map[string]any{"duration": "10ms"})
	require.NoError(t, err)
	require.Equal(t, "slept for 10ms", result)

	_, err = run(t, exec, "sleep", map[string]any{})
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = exec.Execute(ctx, agent.Task{Params: map[string]any{"duration": "1h"}})
	require.ErrorIs(t, err, context.Canceled)
}

func TestFailExecutor(t *testing.T) {
	_, err := run(t, NewFailExecutor(), "fail", map[string]any{"message": "boom"})
	require.EqualError(t, err, "boom")
}

func TestFlakyThroughAgent(t *testing.T) {
	ctx := context.Background()
	b := bus.New(bus.Options{})
	states := state.NewManager(state.Options{})

	_, err := Start(ctx, map[string]agent.Executor{Fail: NewFailExecutor()}, StartOptions{Bus: b, State: states})
	require.NoError(t, err)

	task := agent.Task{Action: "flaky", StepID: "s1", Params: map[string]any{"times": 2}}
	for i := 1; i <= 2; i++ {
		msg := bus.NewMessage("test", Fail, bus.MessageTypeInvoke, task)
		result, err := b.SendAndWait(ctx, msg, time.Second)
		require.NoError(t, err)
		_, err = bus.Unwrap(msg, result)
		require.Error(t, err)
	}

	msg := bus.NewMessage("test", Fail, bus.MessageTypeInvoke, task)
	result, err := b.SendAndWait(ctx, msg, time.Second)
	require.NoError(t, err)
	value, err := bus.Unwrap(msg, result)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"attempts": 3}, value)

	// Attempts are committed to the state manager.
	require.Equal(t, 3, states.LoadAgentState(ctx, Fail)["attempts:s1"])
}

func TestStartBuiltins(t *testing.T) {
	b := bus.New(bus.Options{})
	started, err := Start(context.Background(), Builtins(Options{Dir: t.TempDir()}), StartOptions{Bus: b})
	require.NoError(t, err)
	require.Len(t, started, 6)

	names := make([]string, len(started))
	for i, a := range started {
		names[i] = a.Name()
	}
	require.Equal(t, []string{Fail, File, HTTP, Print, Shell, Sleep}, names)
	require.Len(t, b.Agents(), 6)

	_, err = Start(context.Background(), map[string]agent.Executor{"": NewSleepExecutor()}, StartOptions{Bus: b})
	require.Error(t, err)
}
