// Package memory provides thread-safe in-memory implementations of the
// storage ports. They back unit tests and the single-process dev mode.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ahrav/scanflow/internal/domain/task"
	"github.com/ahrav/scanflow/pkg/common/timeutil"
)

var _ task.Repository = (*TaskStore)(nil)

// TaskStore is an in-memory task.Repository.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]*task.Task

	statusUpdates []StatusUpdate
	timeProvider  timeutil.Provider
}

// StatusUpdate records one UpdateStatus call.
type StatusUpdate struct {
	TaskID uuid.UUID
	Status task.TaskStatus
}

// NewTaskStore creates an empty TaskStore.
func NewTaskStore(tp timeutil.Provider) *TaskStore {
	if tp == nil {
		tp = timeutil.Default()
	}
	return &TaskStore{tasks: make(map[uuid.UUID]*task.Task), timeProvider: tp}
}

func (s *TaskStore) Create(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.TaskID()]; exists {
		return fmt.Errorf("task %s already exists", t.TaskID())
	}
	s.tasks[t.TaskID()] = t
	return nil
}

func (s *TaskStore) FindByID(_ context.Context, taskID, tenantID uuid.UUID) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok || t.TenantID() != tenantID {
		return nil, nil
	}
	return t, nil
}

func (s *TaskStore) Find(_ context.Context, taskID uuid.UUID) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tasks[taskID], nil
}

func (s *TaskStore) UpdateStatus(_ context.Context, taskID, tenantID uuid.UUID, status task.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.TenantID() != tenantID {
		return task.ErrTaskNotFound
	}
	s.tasks[taskID] = task.ReconstructTask(
		t.TaskID(), t.TenantID(), t.Type(), status, t.ExecutorID(),
		t.CorrelationID(), t.CreatedAt(), s.timeProvider.Now(),
	)
	s.statusUpdates = append(s.statusUpdates, StatusUpdate{TaskID: taskID, Status: status})
	return nil
}

func (s *TaskStore) AssignExecutor(_ context.Context, taskID, tenantID, executorID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.TenantID() != tenantID {
		return task.ErrTaskNotFound
	}
	s.tasks[taskID] = task.ReconstructTask(
		t.TaskID(), t.TenantID(), t.Type(), t.Status(), executorID,
		t.CorrelationID(), t.CreatedAt(), s.timeProvider.Now(),
	)
	return nil
}

func (s *TaskStore) ListByStatus(_ context.Context, status task.TaskStatus, limit int) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*task.Task
	for _, t := range s.tasks {
		if t.Status() == status {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt().Before(out[j].CreatedAt()) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// StatusUpdates returns every status written for taskID, in order.
func (s *TaskStore) StatusUpdates(taskID uuid.UUID) []task.TaskStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []task.TaskStatus
	for _, u := range s.statusUpdates {
		if u.TaskID == taskID {
			out = append(out, u.Status)
		}
	}
	return out
}
