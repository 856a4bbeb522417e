package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/ahrav/scanflow/internal/domain/executor"
	"github.com/ahrav/scanflow/pkg/common/timeutil"
)

var _ executor.Registry = (*ExecutorStore)(nil)

// ExecutorStore is an in-memory executor.Registry keyed by token hash.
type ExecutorStore struct {
	mu        sync.Mutex
	executors map[uuid.UUID]*executor.Executor
	byToken   map[string]uuid.UUID

	timeProvider timeutil.Provider
}

// NewExecutorStore creates an empty ExecutorStore.
func NewExecutorStore(tp timeutil.Provider) *ExecutorStore {
	if tp == nil {
		tp = timeutil.Default()
	}
	return &ExecutorStore{
		executors:    make(map[uuid.UUID]*executor.Executor),
		byToken:      make(map[string]uuid.UUID),
		timeProvider: tp,
	}
}

func (s *ExecutorStore) Create(_ context.Context, e *executor.Executor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executors[e.ID()] = e
	s.byToken[e.TokenHash()] = e.ID()
	return nil
}

func (s *ExecutorStore) UpdateHeartbeat(_ context.Context, token string, cpu *float64, mem *int64) (*executor.Executor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byToken[executor.HashToken(token)]
	if !ok {
		return nil, nil
	}
	e := s.executors[id]
	e.RecordHeartbeat(cpu, mem, s.timeProvider.Now())
	return cloneExecutor(e), nil
}

func (s *ExecutorStore) UpdateStatus(_ context.Context, tenantID, executorID uuid.UUID, status executor.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executors[executorID]
	if !ok || e.TenantID() != tenantID {
		return executor.ErrExecutorNotFound
	}
	e.SetStatus(status, s.timeProvider.Now())
	return nil
}

func (s *ExecutorStore) ListReady(_ context.Context, tenantID uuid.UUID) ([]*executor.Executor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ready []*executor.Executor
	for _, e := range s.executors {
		if e.TenantID() == tenantID && e.Status() == executor.StatusReady {
			ready = append(ready, cloneExecutor(e))
		}
	}
	slices.SortFunc(ready, func(a, b *executor.Executor) int {
		return b.LastHeartbeat().Compare(a.LastHeartbeat())
	})
	return ready, nil
}

// Get returns a copy of the executor.
func (s *ExecutorStore) Get(id uuid.UUID) (*executor.Executor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executors[id]
	if !ok {
		return nil, false
	}
	return cloneExecutor(e), true
}

func cloneExecutor(e *executor.Executor) *executor.Executor {
	return executor.ReconstructExecutor(
		e.ID(), e.TenantID(), e.Name(), e.TokenHash(), e.Status(),
		e.LastHeartbeat(), e.CPUUsage(), e.MemoryMB(), e.CreatedAt(), e.UpdatedAt(),
	)
}
