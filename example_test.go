package taskrouter_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/deepnoodle-ai/taskrouter"
	"github.com/deepnoodle-ai/taskrouter/agents"
	"github.com/deepnoodle-ai/taskrouter/bus"
	"github.com/deepnoodle-ai/taskrouter/classifier"
	"github.com/deepnoodle-ai/taskrouter/state"
	"github.com/stretchr/testify/require"
)

func TestTaskRouterLibraryExample(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := state.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	states := state.NewManager(state.Options{Store: store})
	b := bus.New(bus.Options{})

	var out bytes.Buffer
	workdir := t.TempDir()
	_, err = agents.Start(ctx, agents.Builtins(agents.Options{Dir: workdir, Out: &out}), agents.StartOptions{
		Bus:   b,
		State: states,
	})
	require.NoError(t, err)

	orch, err := taskrouter.New(taskrouter.Options{Bus: b, State: states})
	require.NoError(t, err)

	result, err := orch.Run(ctx, "Write docs for the readme")
	require.NoError(t, err)
	require.Equal(t, "documentation", result.Classification.Category)
	require.Equal(t, classifier.StrategySingle, result.Strategy.Type)
	require.Equal(t, state.WorkflowStatusCompleted, result.Status)
	require.Equal(t, "Write docs for the readme\n", out.String())
	require.Equal(t, map[string]any{"message": "Write docs for the readme"}, result.Output)
}

func TestTaskRouterTemplateExample(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	states := state.NewManager(state.Options{})
	b := bus.New(bus.Options{})

	var out bytes.Buffer
	workdir := t.TempDir()
	_, err := agents.Start(ctx, agents.Builtins(agents.Options{Dir: workdir, Out: &out}), agents.StartOptions{
		Bus:   b,
		State: states,
	})
	require.NoError(t, err)

	orch, err := taskrouter.New(taskrouter.Options{Bus: b, State: states})
	require.NoError(t, err)

	result, err := orch.Run(ctx, "Add SQL injection detection")
	require.NoError(t, err)
	require.Equal(t, "detection", result.Classification.Category)
	require.Equal(t, "pattern-addition", result.Strategy.Template)
	require.Equal(t, state.WorkflowStatusCompleted, result.Status)

	pattern := filepath.Join("patterns", result.WorkflowID+".txt")
	data, err := os.ReadFile(filepath.Join(workdir, pattern))
	require.NoError(t, err)
	require.Equal(t, "Add SQL injection detection", string(data))

	data, err = os.ReadFile(filepath.Join(workdir, "patterns", result.WorkflowID+"_test.txt"))
	require.NoError(t, err)
	require.Equal(t, "cases for "+pattern, string(data))

	wf, err := states.GetWorkflow(result.WorkflowID)
	require.NoError(t, err)
	require.Len(t, wf.Checkpoints, 5)
	require.Equal(t, []string{pattern}, wf.Checkpoints[0].ModifiedArtifacts)
	require.Contains(t, out.String(), "4 completed steps")
}
