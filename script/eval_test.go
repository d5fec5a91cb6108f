package script

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTemplate(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		globals     map[string]any
		wantErr     bool
		want        string
		errContains string
	}{
		{
			name:  "plain string without template variables",
			input: "Hello World",
			want:  "Hello World",
		},
		{
			name:    "task variable",
			input:   "Task: ${task}",
			globals: map[string]any{"task": "Run all tests"},
			want:    "Task: Run all tests",
		},
		{
			name:  "multiple expressions",
			input: "${context.greeting} ${context.name}! The answer is ${40 + 2}",
			globals: map[string]any{
				"context": map[string]any{
					"greeting": "Hello",
					"name":     "Bob",
				},
			},
			want: "Hello Bob! The answer is 42",
		},
		{
			name:    "adjacent expressions",
			input:   "${task}${workflow_id}",
			globals: map[string]any{"task": "a", "workflow_id": "b"},
			want:    "ab",
		},
		{
			name:        "unclosed brace",
			input:       "Hello ${task",
			wantErr:     true,
			errContains: "unclosed template expression",
		},
		{
			name:    "invalid expression",
			input:   "Hello ${1 +}",
			wantErr: true,
		},
		{
			name:        "undefined variable",
			input:       "Hello ${undefined_var}",
			wantErr:     true,
			errContains: "undefined variable",
		},
	}

	engine := NewRisorEngine(DefaultGlobals())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			tmpl, err := NewTemplate(ctx, engine, tt.input)
			if tt.wantErr {
				require.Error(t, err)
				if tt.errContains != "" {
					require.Contains(t, err.Error(), tt.errContains)
				}
				return
			}
			require.NoError(t, err)
			got, err := tmpl.Eval(ctx, tt.globals)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestEvalValue(t *testing.T) {
	ctx := context.Background()
	engine := NewRisorEngine(DefaultGlobals())
	globals := map[string]any{
		"task": "Add pattern",
		"results": map[string]any{
			"write": map[string]any{"path": "patterns/sql.yaml"},
		},
	}

	t.Run("script expression returns the value", func(t *testing.T) {
		result, err := EvalValue(ctx, engine, "$(len(results))", globals)
		require.NoError(t, err)
		require.Equal(t, int64(1), result)
	})

	t.Run("template string", func(t *testing.T) {
		result, err := EvalValue(ctx, engine, `wrote ${results["write"]["path"]}`, globals)
		require.NoError(t, err)
		require.Equal(t, "wrote patterns/sql.yaml", result)
	})

	t.Run("non-string passes through", func(t *testing.T) {
		result, err := EvalValue(ctx, engine, 123, globals)
		require.NoError(t, err)
		require.Equal(t, 123, result)
	})

	t.Run("nested params", func(t *testing.T) {
		params := map[string]any{
			"message": "${task}",
			"args":    []any{"-v", "$(1 + 1)"},
			"retries": 2,
		}
		result, err := EvalParams(ctx, engine, params, globals)
		require.NoError(t, err)
		require.Equal(t, map[string]any{
			"message": "Add pattern",
			"args":    []any{"-v", int64(2)},
			"retries": 2,
		}, result)
	})

	t.Run("malformed script expression", func(t *testing.T) {
		_, err := EvalValue(ctx, engine, "$(1 + )", globals)
		require.Error(t, err)
		require.Contains(t, err.Error(), "failed to compile script expression")
	})
}

func TestEvalCondition(t *testing.T) {
	ctx := context.Background()
	engine := NewRisorEngine(DefaultGlobals())

	ok, err := EvalCondition(ctx, engine, "", nil)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = EvalCondition(ctx, engine, "len(results) > 0", map[string]any{
		"results": map[string]any{"plan": "done"},
	})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = EvalCondition(ctx, engine, `task == "ship it"`, map[string]any{"task": "wait"})
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = EvalCondition(ctx, engine, `"false"`, nil)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = EvalCondition(ctx, engine, "len(", nil)
	require.Error(t, err)
}
