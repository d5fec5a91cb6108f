package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/lib/pq"
)

// PostgresStoreOptions configures a PostgresStore.
type PostgresStoreOptions struct {
	DB          *sql.DB
	TablePrefix string
	Logger      *slog.Logger
}

// PostgresStore keeps workflow and agent-state documents as JSONB rows.
type PostgresStore struct {
	db             *sql.DB
	workflowsTable string
	agentsTable    string
	logger         *slog.Logger
}

// OpenPostgres opens a database handle for dsn using the lib/pq driver.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return db, nil
}

// NewPostgresStore creates the store and its tables if they do not exist.
func NewPostgresStore(ctx context.Context, opts PostgresStoreOptions) (*PostgresStore, error) {
	if opts.DB == nil {
		return nil, errors.New("postgres store requires a database handle")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &PostgresStore{
		db:             opts.DB,
		workflowsTable: pq.QuoteIdentifier(opts.TablePrefix + "workflows"),
		agentsTable:    pq.QuoteIdentifier(opts.TablePrefix + "agent_states"),
		logger:         opts.Logger,
	}
	if err := s.createSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) createSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			document JSONB NOT NULL
		)`, s.workflowsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			name TEXT PRIMARY KEY,
			updated_at TIMESTAMPTZ NOT NULL,
			document JSONB NOT NULL
		)`, s.agentsTable),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveWorkflow(ctx context.Context, wf *WorkflowState) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, status, updated_at, document)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at,
			document = EXCLUDED.document`, s.workflowsTable)
	if _, err := s.db.ExecContext(ctx, query, wf.WorkflowID, string(wf.Status), wf.UpdatedAt, data); err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadWorkflow(ctx context.Context, id string) (*WorkflowState, error) {
	query := fmt.Sprintf(`SELECT document FROM %s WHERE id = $1`, s.workflowsTable)
	var data []byte
	err := s.db.QueryRowContext(ctx, query, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}
	var wf WorkflowState
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow: %w", err)
	}
	return &wf, nil
}

func (s *PostgresStore) LoadWorkflows(ctx context.Context) ([]*WorkflowState, error) {
	query := fmt.Sprintf(`SELECT id, document FROM %s ORDER BY id`, s.workflowsTable)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}
	defer rows.Close()

	var workflows []*WorkflowState
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		var wf WorkflowState
		if err := json.Unmarshal(data, &wf); err != nil {
			s.logger.Warn("skipping unreadable workflow row", "workflow_id", id, "error", err)
			continue
		}
		workflows = append(workflows, &wf)
	}
	return workflows, rows.Err()
}

func (s *PostgresStore) DeleteWorkflow(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.workflowsTable)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveAgentState(ctx context.Context, name string, st *AgentState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal agent state: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (name, updated_at, document)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET
			updated_at = EXCLUDED.updated_at,
			document = EXCLUDED.document`, s.agentsTable)
	if _, err := s.db.ExecContext(ctx, query, name, st.UpdatedAt, data); err != nil {
		return fmt.Errorf("failed to save agent state: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadAgentState(ctx context.Context, name string) (*AgentState, error) {
	query := fmt.Sprintf(`SELECT document FROM %s WHERE name = $1`, s.agentsTable)
	var data []byte
	err := s.db.QueryRowContext(ctx, query, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load agent state: %w", err)
	}
	var st AgentState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agent state: %w", err)
	}
	return &st, nil
}

func (s *PostgresStore) LoadAgentStates(ctx context.Context) (map[string]*AgentState, error) {
	query := fmt.Sprintf(`SELECT name, document FROM %s`, s.agentsTable)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query agent states: %w", err)
	}
	defer rows.Close()

	states := map[string]*AgentState{}
	for rows.Next() {
		var name string
		var data []byte
		if err := rows.Scan(&name, &data); err != nil {
			return nil, fmt.Errorf("failed to scan agent state: %w", err)
		}
		var st AgentState
		if err := json.Unmarshal(data, &st); err != nil {
			s.logger.Warn("skipping unreadable agent state row", "agent", name, "error", err)
			continue
		}
		states[name] = &st
	}
	return states, rows.Err()
}
