package agents

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/deepnoodle-ai/taskrouter/agent"
)

// FileParams are the parameters of the file worker actions.
type FileParams struct {
	Path        string `json:"path"`
	Content     string `json:"content"`
	Permissions string `json:"permissions"`
	Optional    bool   `json:"optional"`
}

// FileWorker performs file operations inside a root directory.
type FileWorker struct {
	root string
}

// NewFileWorker returns a file worker confined to root.
func NewFileWorker(root string) *FileWorker {
	return &FileWorker{root: root}
}

// Executor returns the worker's action set.
func (w *FileWorker) Executor() agent.Executor {
	return agent.NewActionSet("reads and writes files in the workspace", map[string]agent.ActionFunc{
		"read":   agent.Typed(w.read),
		"write":  agent.Typed(w.write),
		"append": agent.Typed(w.append),
		"delete": agent.Typed(w.delete),
		"exists": agent.Typed(w.exists),
		"list":   agent.Typed(w.list),
	})
}

// resolve maps a workspace-relative path to a path under root.
func (w *FileWorker) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	full := filepath.Join(w.root, filepath.Clean("/"+path))
	rel, err := filepath.Rel(w.root, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %q escapes the workspace", path)
	}
	return full, nil
}

func (w *FileWorker) read(ctx context.Context, p FileParams) (map[string]any, error) {
	full, err := w.resolve(p.Path)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) && p.Optional {
			return map[string]any{"path": p.Path, "exists": false, "content": ""}, nil
		}
		return nil, err
	}
	return map[string]any{"path": p.Path, "exists": true, "content": string(content)}, nil
}

func (w *FileWorker) write(ctx context.Context, p FileParams) (map[string]any, error) {
	full, err := w.resolve(p.Path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return nil, err
	}
	perm := fs.FileMode(0644)
	if p.Permissions != "" {
		if parsed, err := parsePermissions(p.Permissions); err == nil {
			perm = parsed
		}
	}
	if err := os.WriteFile(full, []byte(p.Content), perm); err != nil {
		return nil, err
	}
	agent.LoggerFromContext(ctx).Debug("file written", "path", p.Path, "bytes", len(p.Content))
	return map[string]any{
		"path":           p.Path,
		"bytes":          len(p.Content),
		"modified_files": []string{p.Path},
	}, nil
}

func (w *FileWorker) append(ctx context.Context, p FileParams) (map[string]any, error) {
	full, err := w.resolve(p.Path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(full, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if _, err := file.WriteString(p.Content); err != nil {
		return nil, err
	}
	return map[string]any{
		"path":           p.Path,
		"bytes":          len(p.Content),
		"modified_files": []string{p.Path},
	}, nil
}

func (w *FileWorker) delete(ctx context.Context, p FileParams) (map[string]any, error) {
	full, err := w.resolve(p.Path)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) && p.Optional {
			return map[string]any{"path": p.Path, "deleted": false}, nil
		}
		return nil, err
	}
	return map[string]any{"path": p.Path, "deleted": true, "modified_files": []string{p.Path}}, nil
}

func (w *FileWorker) exists(ctx context.Context, p FileParams) (bool, error) {
	full, err := w.resolve(p.Path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	return err == nil, nil
}

func (w *FileWorker) list(ctx context.Context, p FileParams) ([]string, error) {
	if p.Path == "" {
		p.Path = "."
	}
	full, err := w.resolve(p.Path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, err
	}
	files := make([]string, len(entries))
	for i, entry := range entries {
		if entry.IsDir() {
			files[i] = entry.Name() + "/"
		} else {
			files[i] = entry.Name()
		}
	}
	return files, nil
}

// parsePermissions converts a string permission to fs.FileMode
func parsePermissions(perm string) (fs.FileMode, error) {
	var mode uint32
	if strings.HasPrefix(perm, "0") {
		if _, err := fmt.Sscanf(perm, "%o", &mode); err != nil {
			return 0, err
		}
		return fs.FileMode(mode), nil
	}
	if _, err := fmt.Sscanf(perm, "%d", &mode); err != nil {
		return 0, err
	}
	return fs.FileMode(mode), nil
}
