package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/taulu/flowgrid/pkg/api"
)

// PostgresExecutionStore is an ExecutionStore backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver. The caller is
// responsible for importing the driver for its side effects, e.g.:
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
type PostgresExecutionStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ ExecutionStore = (*PostgresExecutionStore)(nil)

// NewPostgresExecutionStore initializes the required schema in the given
// database and returns a new PostgresExecutionStore.
func NewPostgresExecutionStore(db *sql.DB) (*PostgresExecutionStore, error) {
	s := &PostgresExecutionStore{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresExecutionStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT,
			user_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			status TEXT NOT NULL,
			graph BYTEA,
			input BYTEA,
			output BYTEA,
			nodes BYTEA,
			error TEXT,
			created_at BIGINT NOT NULL,
			finished_at BIGINT,
			updated_at BIGINT NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at BIGINT NOT NULL DEFAULT 0
		);
	`)
	return err
}

func (s *PostgresExecutionStore) SaveExecution(ctx context.Context, exec *api.Execution) error {
	graph, input, output, nodes, err := encodeExecutionBlobs(exec)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, workflow_id, user_id, workspace_id, status, graph, input, output, nodes, error, created_at, finished_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		exec.ID,
		exec.WorkflowID,
		exec.UserID,
		exec.WorkspaceID,
		string(exec.Status),
		graph,
		input,
		output,
		nodes,
		exec.Error,
		exec.CreatedAt.UnixNano(),
		timeToNano(exec.FinishedAt),
		s.now().UnixNano(),
	)
	return err
}

func (s *PostgresExecutionStore) UpdateExecution(ctx context.Context, exec *api.Execution) error {
	graph, input, output, nodes, err := encodeExecutionBlobs(exec)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status      = $1,
		    graph       = $2,
		    input       = $3,
		    output      = $4,
		    nodes       = $5,
		    error       = $6,
		    finished_at = $7,
		    updated_at  = $8
		WHERE id = $9
	`,
		string(exec.Status),
		graph,
		input,
		output,
		nodes,
		exec.Error,
		timeToNano(exec.FinishedAt),
		s.now().UnixNano(),
		exec.ID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

func (s *PostgresExecutionStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+`
		FROM executions
		WHERE id = $1`,
		id,
	)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExecutionNotFound
	}
	return exec, err
}

func (s *PostgresExecutionStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*api.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions`
	var args []any
	var clauses []string

	add := func(column string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if filter.WorkflowID != "" {
		add("workflow_id", filter.WorkflowID)
	}
	if filter.WorkspaceID != "" {
		add("workspace_id", filter.WorkspaceID)
	}
	if filter.UserID != "" {
		add("user_id", filter.UserID)
	}
	if filter.Status != "" {
		add("status", string(filter.Status))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*api.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return executions, nil
}

func (s *PostgresExecutionStore) RecoverStuck(ctx context.Context, olderThan time.Duration) ([]string, error) {
	now := s.now()
	cutoff := now.Add(-olderThan).UnixNano()

	rows, err := s.db.QueryContext(ctx, `
		UPDATE executions
		SET status = $1, error = $2, finished_at = $3, updated_at = $3
		WHERE status = $4 AND updated_at < $5
		RETURNING id
	`,
		string(api.StatusFailed), stuckError, now.UnixNano(),
		string(api.StatusRunning), cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *PostgresExecutionStore) TryAcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET lease_owner = $1, lease_expires_at = $2
		WHERE id = $3
		AND (lease_owner = '' OR lease_expires_at <= $4 OR lease_owner = $5)`,
		owner, now.Add(ttl).UnixNano(), executionID, now.UnixNano(), owner,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresExecutionStore) ReleaseLease(ctx context.Context, executionID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET lease_owner = '', lease_expires_at = 0
		WHERE id = $1 AND lease_owner = $2`,
		executionID, owner,
	)
	return err
}

// PostgresWorkflowStore is a WorkflowStore backed by PostgreSQL.
type PostgresWorkflowStore struct {
	db *sql.DB
}

var _ WorkflowStore = (*PostgresWorkflowStore)(nil)

// NewPostgresWorkflowStore initializes the workflows table and returns a
// new store.
func NewPostgresWorkflowStore(db *sql.DB) (*PostgresWorkflowStore, error) {
	s := &PostgresWorkflowStore{db: db}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			graph BYTEA,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);
	`); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresWorkflowStore) SaveWorkflow(ctx context.Context, wf *Workflow) error {
	graph, err := EncodeValue(wf.Graph)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, name, workspace_id, graph, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, graph = EXCLUDED.graph, updated_at = EXCLUDED.updated_at
	`,
		wf.ID,
		wf.Name,
		wf.WorkspaceID,
		graph,
		wf.CreatedAt.UnixNano(),
		wf.UpdatedAt.UnixNano(),
	)
	return err
}

func (s *PostgresWorkflowStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, workspace_id, graph, created_at, updated_at
		FROM workflows
		WHERE id = $1`,
		id,
	)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkflowNotFound
	}
	return wf, err
}

func (s *PostgresWorkflowStore) ListWorkflows(ctx context.Context, workspaceID string) ([]*Workflow, error) {
	query := `SELECT id, name, workspace_id, graph, created_at, updated_at FROM workflows`
	var args []any
	if workspaceID != "" {
		query += ` WHERE workspace_id = $1`
		args = append(args, workspaceID)
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return workflows, nil
}

func (s *PostgresWorkflowStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrWorkflowNotFound
	}
	return nil
}
