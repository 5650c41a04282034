package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/taulu/flowgrid/pkg/api"
)

// SQLiteExecutionStore is an ExecutionStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteExecutionStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ ExecutionStore = (*SQLiteExecutionStore)(nil)

// NewSQLiteExecutionStore initializes the required schema in the given
// database and returns a new SQLiteExecutionStore.
func NewSQLiteExecutionStore(db *sql.DB) (*SQLiteExecutionStore, error) {
	s := &SQLiteExecutionStore{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteExecutionStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT,
			user_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			status TEXT NOT NULL,
			graph BLOB,
			input BLOB,
			output BLOB,
			nodes BLOB,
			error TEXT,
			created_at INTEGER NOT NULL,
			finished_at INTEGER,
			updated_at INTEGER NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at INTEGER NOT NULL DEFAULT 0
		);`,
	)
	return err
}

func (s *SQLiteExecutionStore) SaveExecution(ctx context.Context, exec *api.Execution) error {
	graph, input, output, nodes, err := encodeExecutionBlobs(exec)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, workflow_id, user_id, workspace_id, status, graph, input, output, nodes, error, created_at, finished_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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

func (s *SQLiteExecutionStore) UpdateExecution(ctx context.Context, exec *api.Execution) error {
	graph, input, output, nodes, err := encodeExecutionBlobs(exec)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, graph = ?, input = ?, output = ?, nodes = ?, error = ?, finished_at = ?, updated_at = ?
		WHERE id = ?`,
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

const executionColumns = `id, workflow_id, user_id, workspace_id, status, graph, input, output, nodes, error, created_at, finished_at`

func scanExecution(row interface{ Scan(...any) error }) (*api.Execution, error) {
	var exec api.Execution
	var statusStr string
	var graph, input, output, nodes []byte
	var errStr sql.NullString
	var createdAt int64
	var finishedAt sql.NullInt64

	err := row.Scan(
		&exec.ID, &exec.WorkflowID, &exec.UserID, &exec.WorkspaceID,
		&statusStr, &graph, &input, &output, &nodes, &errStr,
		&createdAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	exec.Status = api.Status(statusStr)
	exec.CreatedAt = time.Unix(0, createdAt)
	if finishedAt.Valid && finishedAt.Int64 != 0 {
		exec.FinishedAt = time.Unix(0, finishedAt.Int64)
	}
	if errStr.Valid {
		exec.Error = errStr.String
	}

	if exec.Graph, err = DecodeValue[*api.Graph](graph); err != nil {
		return nil, err
	}
	if exec.Input, err = DecodeValue[any](input); err != nil {
		return nil, err
	}
	if exec.Output, err = DecodeValue[any](output); err != nil {
		return nil, err
	}
	if exec.Nodes, err = DecodeValue[map[string]*api.NodeExecution](nodes); err != nil {
		return nil, err
	}
	return &exec, nil
}

func (s *SQLiteExecutionStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+`
		FROM executions
		WHERE id = ?`,
		id,
	)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExecutionNotFound
	}
	return exec, err
}

func (s *SQLiteExecutionStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*api.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions`
	var args []any
	var clauses []string

	if filter.WorkflowID != "" {
		clauses = append(clauses, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.WorkspaceID != "" {
		clauses = append(clauses, "workspace_id = ?")
		args = append(args, filter.WorkspaceID)
	}
	if filter.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
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

func (s *SQLiteExecutionStore) RecoverStuck(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := s.now().Add(-olderThan).UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM executions
		WHERE status = ? AND updated_at < ?`,
		string(api.StatusRunning), cutoff,
	)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	now := s.now()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE executions
			SET status = ?, error = ?, finished_at = ?, updated_at = ?
			WHERE id = ?`,
			string(api.StatusFailed), stuckError, now.UnixNano(), now.UnixNano(), id,
		); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *SQLiteExecutionStore) TryAcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET lease_owner = ?, lease_expires_at = ?
		WHERE id = ?
		AND (lease_owner = '' OR lease_expires_at <= ? OR lease_owner = ?)`,
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

func (s *SQLiteExecutionStore) ReleaseLease(ctx context.Context, executionID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET lease_owner = '', lease_expires_at = 0
		WHERE id = ? AND lease_owner = ?`,
		executionID, owner,
	)
	return err
}

func encodeExecutionBlobs(exec *api.Execution) (graph, input, output, nodes []byte, err error) {
	if graph, err = EncodeValue(exec.Graph); err != nil {
		return nil, nil, nil, nil, err
	}
	if input, err = EncodeValue(exec.Input); err != nil {
		return nil, nil, nil, nil, err
	}
	if output, err = EncodeValue(exec.Output); err != nil {
		return nil, nil, nil, nil, err
	}
	if nodes, err = EncodeValue(exec.Nodes); err != nil {
		return nil, nil, nil, nil, err
	}
	return graph, input, output, nodes, nil
}

func timeToNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// SQLiteWorkflowStore is a WorkflowStore backed by SQLite.
type SQLiteWorkflowStore struct {
	db *sql.DB
}

var _ WorkflowStore = (*SQLiteWorkflowStore)(nil)

// NewSQLiteWorkflowStore initializes the workflows table and returns a new
// store.
func NewSQLiteWorkflowStore(db *sql.DB) (*SQLiteWorkflowStore, error) {
	s := &SQLiteWorkflowStore{db: db}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			graph BLOB,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
	); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteWorkflowStore) SaveWorkflow(ctx context.Context, wf *Workflow) error {
	graph, err := EncodeValue(wf.Graph)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, name, workspace_id, graph, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, graph = excluded.graph, updated_at = excluded.updated_at`,
		wf.ID,
		wf.Name,
		wf.WorkspaceID,
		graph,
		wf.CreatedAt.UnixNano(),
		wf.UpdatedAt.UnixNano(),
	)
	return err
}

func (s *SQLiteWorkflowStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, workspace_id, graph, created_at, updated_at
		FROM workflows
		WHERE id = ?`,
		id,
	)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkflowNotFound
	}
	return wf, err
}

func scanWorkflow(row interface{ Scan(...any) error }) (*Workflow, error) {
	var wf Workflow
	var graph []byte
	var createdAt, updatedAt int64

	if err := row.Scan(&wf.ID, &wf.Name, &wf.WorkspaceID, &graph, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if wf.Graph, err = DecodeValue[*api.Graph](graph); err != nil {
		return nil, err
	}
	wf.CreatedAt = time.Unix(0, createdAt)
	wf.UpdatedAt = time.Unix(0, updatedAt)
	return &wf, nil
}

func (s *SQLiteWorkflowStore) ListWorkflows(ctx context.Context, workspaceID string) ([]*Workflow, error) {
	query := `SELECT id, name, workspace_id, graph, created_at, updated_at FROM workflows`
	var args []any
	if workspaceID != "" {
		query += ` WHERE workspace_id = ?`
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

func (s *SQLiteWorkflowStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
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
