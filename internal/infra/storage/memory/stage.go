package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/ahrav/scanflow/internal/domain/pipeline"
)

var _ pipeline.StageRepository = (*StageStore)(nil)

// StageStore is an in-memory pipeline.StageRepository.
type StageStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]pipeline.StageRecord
	order   []uuid.UUID
	corr    map[uuid.UUID]string
}

// NewStageStore creates an empty StageStore.
func NewStageStore() *StageStore {
	return &StageStore{
		records: make(map[uuid.UUID]pipeline.StageRecord),
		corr:    make(map[uuid.UUID]string),
	}
}

func (s *StageStore) Persist(_ context.Context, record pipeline.StageRecord, correlationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[record.StageID]; !exists {
		s.order = append(s.order, record.StageID)
	}
	s.records[record.StageID] = record
	s.corr[record.StageID] = correlationID
	return nil
}

func (s *StageStore) Get(_ context.Context, stageID uuid.UUID) (*pipeline.StageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[stageID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *StageStore) LatestForTask(_ context.Context, taskID uuid.UUID) (*pipeline.StageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *pipeline.StageRecord
	for _, id := range s.order {
		r := s.records[id]
		if r.TaskID != taskID {
			continue
		}
		if latest == nil || !r.StartTime.Before(latest.StartTime) {
			rc := r
			latest = &rc
		}
	}
	return latest, nil
}

// CorrelationID returns the correlation id the record was persisted with.
func (s *StageStore) CorrelationID(stageID uuid.UUID) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.corr[stageID]
}

// ForTask returns every record of taskID in first-persisted order.
func (s *StageStore) ForTask(taskID uuid.UUID) []pipeline.StageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []pipeline.StageRecord
	for _, id := range s.order {
		if r := s.records[id]; r.TaskID == taskID {
			out = append(out, r)
		}
	}
	return out
}
