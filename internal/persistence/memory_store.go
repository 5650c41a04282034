package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/taulu/flowgrid/pkg/api"
)

// MemoryExecutionStore is an in-process ExecutionStore for tests and
// single-node deployments. Records are stored as encoded snapshots so
// callers never share mutable state with the store.
type MemoryExecutionStore struct {
	mu        sync.RWMutex
	records   map[string][]byte
	updatedAt map[string]time.Time
	leases    map[string]memoryLease
	now       func() time.Time
}

type memoryLease struct {
	owner   string
	expires time.Time
}

var _ ExecutionStore = (*MemoryExecutionStore)(nil)

// NewMemoryExecutionStore creates an empty in-memory execution store.
func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{
		records:   make(map[string][]byte),
		updatedAt: make(map[string]time.Time),
		leases:    make(map[string]memoryLease),
		now:       time.Now,
	}
}

func (s *MemoryExecutionStore) SaveExecution(ctx context.Context, exec *api.Execution) error {
	data, err := EncodeValue(exec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[exec.ID] = data
	s.updatedAt[exec.ID] = s.now()
	return nil
}

func (s *MemoryExecutionStore) UpdateExecution(ctx context.Context, exec *api.Execution) error {
	data, err := EncodeValue(exec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[exec.ID]; !ok {
		return ErrExecutionNotFound
	}
	s.records[exec.ID] = data
	s.updatedAt[exec.ID] = s.now()
	return nil
}

func (s *MemoryExecutionStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	s.mu.RLock()
	data, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return DecodeValue[*api.Execution](data)
}

func (s *MemoryExecutionStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*api.Execution, error) {
	s.mu.RLock()
	snapshots := make([][]byte, 0, len(s.records))
	for _, data := range s.records {
		snapshots = append(snapshots, data)
	}
	s.mu.RUnlock()

	var out []*api.Execution
	for _, data := range snapshots {
		exec, err := DecodeValue[*api.Execution](data)
		if err != nil {
			return nil, err
		}
		if filter.WorkflowID != "" && exec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.WorkspaceID != "" && exec.WorkspaceID != filter.WorkspaceID {
			continue
		}
		if filter.UserID != "" && exec.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && exec.Status != filter.Status {
			continue
		}
		out = append(out, exec)
	}
	return out, nil
}

func (s *MemoryExecutionStore) RecoverStuck(ctx context.Context, olderThan time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	var recovered []string
	for id, data := range s.records {
		if s.updatedAt[id].After(cutoff) {
			continue
		}
		exec, err := DecodeValue[*api.Execution](data)
		if err != nil {
			return nil, err
		}
		if exec.Status != api.StatusRunning {
			continue
		}
		exec.Status = api.StatusFailed
		exec.Error = stuckError
		now := s.now()
		exec.FinishedAt = now
		updated, err := EncodeValue(exec)
		if err != nil {
			return nil, err
		}
		s.records[id] = updated
		s.updatedAt[id] = now
		recovered = append(recovered, id)
	}
	return recovered, nil
}

func (s *MemoryExecutionStore) TryAcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[executionID]; !ok {
		return false, nil
	}
	now := s.now()
	if l, held := s.leases[executionID]; held && l.owner != owner && l.expires.After(now) {
		return false, nil
	}
	s.leases[executionID] = memoryLease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *MemoryExecutionStore) ReleaseLease(ctx context.Context, executionID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, held := s.leases[executionID]; held && l.owner == owner {
		delete(s.leases, executionID)
	}
	return nil
}

// MemoryWorkflowStore is an in-process WorkflowStore.
type MemoryWorkflowStore struct {
	mu      sync.RWMutex
	records map[string][]byte
}

var _ WorkflowStore = (*MemoryWorkflowStore)(nil)

// NewMemoryWorkflowStore creates an empty in-memory workflow store.
func NewMemoryWorkflowStore() *MemoryWorkflowStore {
	return &MemoryWorkflowStore{records: make(map[string][]byte)}
}

func (s *MemoryWorkflowStore) SaveWorkflow(ctx context.Context, wf *Workflow) error {
	data, err := EncodeValue(wf)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[wf.ID] = data
	return nil
}

func (s *MemoryWorkflowStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	s.mu.RLock()
	data, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return DecodeValue[*Workflow](data)
}

func (s *MemoryWorkflowStore) ListWorkflows(ctx context.Context, workspaceID string) ([]*Workflow, error) {
	s.mu.RLock()
	snapshots := make([][]byte, 0, len(s.records))
	for _, data := range s.records {
		snapshots = append(snapshots, data)
	}
	s.mu.RUnlock()

	var out []*Workflow
	for _, data := range snapshots {
		wf, err := DecodeValue[*Workflow](data)
		if err != nil {
			return nil, err
		}
		if workspaceID != "" && wf.WorkspaceID != workspaceID {
			continue
		}
		out = append(out, wf)
	}
	return out, nil
}

func (s *MemoryWorkflowStore) DeleteWorkflow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return ErrWorkflowNotFound
	}
	delete(s.records, id)
	return nil
}
