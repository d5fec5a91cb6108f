package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFileStoreAgentNamesRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir, nil)
	require.NoError(t, err)

	names := []string{"a/b", "a_b", "../escape", `win\dir`, "a%2Fb"}
	for i, name := range names {
		st := &AgentState{State: map[string]any{"n": float64(i)}, UpdatedAt: time.Now().UTC()}
		require.NoError(t, store.SaveAgentState(ctx, name, st))
	}

	entries, err := os.ReadDir(filepath.Join(dir, "agents"))
	require.NoError(t, err)
	require.Len(t, entries, len(names))
	require.NoFileExists(t, filepath.Join(dir, "escape.json"))

	loaded, err := store.LoadAgentStates(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, len(names))
	for i, name := range names {
		require.Contains(t, loaded, name)
		require.Equal(t, float64(i), loaded[name].State["n"])

		single, err := store.LoadAgentState(ctx, name)
		require.NoError(t, err)
		require.Equal(t, float64(i), single.State["n"])
	}
}

func TestFileStoreLoadWorkflow(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)

	missing, err := store.LoadWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	require.Nil(t, missing)

	require.NoError(t, store.SaveWorkflow(ctx, &WorkflowState{WorkflowID: "team/wf-1", Task: "deploy"}))
	wf, err := store.LoadWorkflow(ctx, "team/wf-1")
	require.NoError(t, err)
	require.Equal(t, "deploy", wf.Task)

	require.NoError(t, store.DeleteWorkflow(ctx, "team/wf-1"))
	wf, err = store.LoadWorkflow(ctx, "team/wf-1")
	require.NoError(t, err)
	require.Nil(t, wf)
}
