package persistence

import (
	"context"
	"fmt"
	"sync"

	"SimpleBet/internal/core"
)

// MemoryStateStore keeps the latest record in process memory.
type MemoryStateStore struct {
	mu     sync.Mutex
	latest *core.VersionedState
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{}
}

func (s *MemoryStateStore) Load(ctx context.Context) (*core.VersionedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return nil, nil
	}
	rec := cloneRecord(*s.latest)
	return &rec, nil
}

func (s *MemoryStateStore) Save(ctx context.Context, rec core.VersionedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest != nil && rec.Sequence != s.latest.Sequence+1 {
		return fmt.Errorf("%w: stored %d, got %d", core.ErrSequenceConflict, s.latest.Sequence, rec.Sequence)
	}
	stored := cloneRecord(rec)
	s.latest = &stored
	return nil
}

func cloneRecord(rec core.VersionedState) core.VersionedState {
	rec.Data = append([]byte(nil), rec.Data...)
	return rec
}
