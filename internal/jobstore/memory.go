package jobstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and dry runs.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Put(_ context.Context, rec Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.NodeID]; exists {
		return false, nil
	}
	s.records[rec.NodeID] = rec
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, nodeID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[nodeID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].NodeID < records[j].NodeID })
	return records, nil
}

func (s *MemoryStore) Transition(_ context.Context, nodeID string, from, to Status, mutate func(*Record)) (Record, error) {
	if !CanTransition(from, to) {
		return Record{}, fmt.Errorf("%w: %s -> %s", ErrBadTransition, from, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[nodeID]
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.Status != from {
		return Record{}, fmt.Errorf("%w: %s is %s, expected %s", ErrConflict, nodeID, rec.Status, from)
	}
	rec.Status = to
	rec.LastSeen = time.Now().UTC()
	if mutate != nil {
		mutate(&rec)
	}
	s.records[nodeID] = rec
	return rec, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
