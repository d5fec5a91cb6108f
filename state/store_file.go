package state

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileStore keeps one JSON document per workflow under dir/workflows and one
// per agent under dir/agents.
type FileStore struct {
	dir    string
	logger *slog.Logger
}

// NewFileStore creates a file-based store rooted at dir. An empty dir
// defaults to ~/.taskrouter/state.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".taskrouter", "state")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	for _, sub := range []string{"workflows", "agents"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create state directory %s: %w", dir, err)
		}
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

// Dir returns the root directory of the store.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) workflowPath(id string) string {
	return filepath.Join(s.dir, "workflows", fileName(id))
}

func (s *FileStore) agentPath(name string) string {
	return filepath.Join(s.dir, "agents", fileName(name))
}

// fileName path-escapes the id so it cannot leave the store directory and
// distinct ids never share a file. nameFromFile reverses it.
func fileName(id string) string {
	return url.PathEscape(id) + ".json"
}

func nameFromFile(path string) (string, error) {
	return url.PathUnescape(strings.TrimSuffix(filepath.Base(path), ".json"))
}

func (s *FileStore) SaveWorkflow(ctx context.Context, wf *WorkflowState) error {
	data, err := json.MarshalIndent(wf, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}
	return writeFileAtomic(s.workflowPath(wf.WorkflowID), data)
}

func (s *FileStore) LoadWorkflow(ctx context.Context, id string) (*WorkflowState, error) {
	path := s.workflowPath(id)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	var wf WorkflowState
	if err := readJSON(path, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

func (s *FileStore) LoadWorkflows(ctx context.Context) ([]*WorkflowState, error) {
	paths, err := jsonFiles(filepath.Join(s.dir, "workflows"))
	if err != nil {
		return nil, err
	}
	var workflows []*WorkflowState
	for _, path := range paths {
		var wf WorkflowState
		if err := readJSON(path, &wf); err != nil {
			s.logger.Warn("skipping unreadable workflow file", "path", path, "error", err)
			continue
		}
		if wf.WorkflowID == "" {
			s.logger.Warn("skipping workflow file without id", "path", path)
			continue
		}
		workflows = append(workflows, &wf)
	}
	return workflows, nil
}

func (s *FileStore) DeleteWorkflow(ctx context.Context, id string) error {
	if err := os.Remove(s.workflowPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete workflow file: %w", err)
	}
	return nil
}

func (s *FileStore) SaveAgentState(ctx context.Context, name string, st *AgentState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal agent state: %w", err)
	}
	return writeFileAtomic(s.agentPath(name), data)
}

func (s *FileStore) LoadAgentState(ctx context.Context, name string) (*AgentState, error) {
	path := s.agentPath(name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	var st AgentState
	if err := readJSON(path, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *FileStore) LoadAgentStates(ctx context.Context) (map[string]*AgentState, error) {
	paths, err := jsonFiles(filepath.Join(s.dir, "agents"))
	if err != nil {
		return nil, err
	}
	states := make(map[string]*AgentState, len(paths))
	for _, path := range paths {
		var st AgentState
		if err := readJSON(path, &st); err != nil {
			s.logger.Warn("skipping unreadable agent state file", "path", path, "error", err)
			continue
		}
		name, err := nameFromFile(path)
		if err != nil {
			s.logger.Warn("skipping agent state file with invalid name", "path", path, "error", err)
			continue
		}
		states[name] = &st
	}
	return states, nil
}

func jsonFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", path, err)
	}
	return nil
}

// writeFileAtomic writes to a temp file and renames it into place so a crash
// never leaves a truncated document behind.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
