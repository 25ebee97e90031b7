package quota

import (
	"context"
	"sync"
)

var _ Store = &MemoryStore{}

type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Update(_ context.Context, userID string, fn func(rec *Record) error) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.records[userID]
	if err := fn(&rec); err != nil {
		return rec, err
	}
	s.records[userID] = rec
	return rec, nil
}
