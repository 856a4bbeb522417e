package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/ahrav/scanflow/internal/domain/artifact"
)

var (
	_ artifact.LogRepository    = (*ArtifactStore)(nil)
	_ artifact.ResultRepository = (*ArtifactStore)(nil)
)

type chunkKey struct {
	taskID   uuid.UUID
	stream   artifact.Stream
	sequence int64
}

// ArtifactStore is an in-memory log and result repository.
type ArtifactStore struct {
	mu      sync.Mutex
	chunks  []artifact.LogChunk
	seen    map[chunkKey]struct{}
	results []artifact.Result
}

// NewArtifactStore creates an empty ArtifactStore.
func NewArtifactStore() *ArtifactStore {
	return &ArtifactStore{seen: make(map[chunkKey]struct{})}
}

func (s *ArtifactStore) Append(_ context.Context, chunk artifact.LogChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := chunkKey{taskID: chunk.TaskID, stream: chunk.Stream, sequence: chunk.Sequence}
	if _, dup := s.seen[k]; dup {
		return nil
	}
	s.seen[k] = struct{}{}
	s.chunks = append(s.chunks, chunk)
	return nil
}

func (s *ArtifactStore) Save(_ context.Context, result artifact.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
	return nil
}

// Chunks returns every stored chunk of taskID in arrival order.
func (s *ArtifactStore) Chunks(taskID uuid.UUID) []artifact.LogChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []artifact.LogChunk
	for _, c := range s.chunks {
		if c.TaskID == taskID {
			out = append(out, c)
		}
	}
	return out
}

// Results returns every stored result of taskID.
func (s *ArtifactStore) Results(taskID uuid.UUID) []artifact.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []artifact.Result
	for _, r := range s.results {
		if r.TaskID == taskID {
			out = append(out, r)
		}
	}
	return out
}
