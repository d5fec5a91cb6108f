package agents

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/deepnoodle-ai/taskrouter/agent"
)

// ShellParams are the parameters of the shell worker's run action.
type ShellParams struct {
	Command     string            `json:"command"`
	Args        []string          `json:"args"`
	WorkingDir  string            `json:"working_dir"`
	Environment map[string]string `json:"environment"`
	Timeout     float64           `json:"timeout"` // in seconds, 0 means no timeout

	// AllowFailure returns a non-zero exit as a result instead of an error.
	AllowFailure bool `json:"allow_failure"`
}

// ShellWorker runs commands. A command without args is run through sh -c.
type ShellWorker struct {
	dir string
}

// NewShellWorker returns a shell worker that runs commands in dir by default.
func NewShellWorker(dir string) *ShellWorker {
	return &ShellWorker{dir: dir}
}

// Executor returns the worker's action set.
func (w *ShellWorker) Executor() agent.Executor {
	return agent.NewActionSet("runs shell commands", map[string]agent.ActionFunc{
		"run": agent.Typed(w.run),
	})
}

func (w *ShellWorker) run(ctx context.Context, p ShellParams) (map[string]any, error) {
	if p.Command == "" {
		return nil, fmt.Errorf("command cannot be empty")
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(p.Timeout*float64(time.Second)))
		defer cancel()
	}

	var cmd *exec.Cmd
	if len(p.Args) == 0 {
		cmd = exec.CommandContext(ctx, "sh", "-c", p.Command)
	} else {
		cmd = exec.CommandContext(ctx, p.Command, p.Args...)
	}
	cmd.Dir = w.dir
	if p.WorkingDir != "" {
		cmd.Dir = p.WorkingDir
	}
	if len(p.Environment) > 0 {
		cmd.Env = os.Environ()
		for key, value := range p.Environment {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
		}
	}

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to execute command: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	result := map[string]any{
		"stdout":      strings.TrimSpace(stdout.String()),
		"stderr":      strings.TrimSpace(stderr.String()),
		"exit_code":   exitCode,
		"success":     exitCode == 0,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if exitCode != 0 && !p.AllowFailure {
		return nil, fmt.Errorf("command exited with status %d: %s", exitCode, strings.TrimSpace(stderr.String()))
	}
	return result, nil
}
