package storage

import (
	"context"
	"sort"
	"sync"
)

// memoryStore keeps documents in a process-local map. Nothing survives a
// restart, which is exactly what tests and storage-less runs want.
type memoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string]string // ns -> id -> value
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return &memoryStore{data: map[string]map[string]string{}}
}

func (s *memoryStore) GetAll(ctx context.Context, ns string) ([]Entry, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	docs := s.data[ns]
	out := make([]Entry, 0, len(docs))
	for id, v := range docs {
		out = append(out, Entry{ID: id, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) Get(ctx context.Context, ns, id string) (string, bool, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[ns][id]
	return v, ok, nil
}

func (s *memoryStore) Set(ctx context.Context, ns, id, value string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	docs, ok := s.data[ns]
	if !ok {
		docs = map[string]string{}
		s.data[ns] = docs
	}
	docs[id] = value
	return nil
}

func (s *memoryStore) Unset(ctx context.Context, ns, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data[ns], id)
	return nil
}

func (s *memoryStore) Close() error { return nil }
