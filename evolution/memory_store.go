package evolution

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRecordStore keeps records in memory. For development and tests.
type MemoryRecordStore struct {
	records map[string]*EvolutionRecord
	mu      sync.RWMutex
	closed  bool
}

// NewMemoryRecordStore creates an empty in-memory store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[string]*EvolutionRecord)}
}

func (s *MemoryRecordStore) Save(ctx context.Context, record *EvolutionRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.records[record.ID] = record.Clone()
	return nil
}

func (s *MemoryRecordStore) Get(ctx context.Context, id string) (*EvolutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	record, ok := s.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return record.Clone(), nil
}

func (s *MemoryRecordStore) List(ctx context.Context, filter RecordFilter) ([]*EvolutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	result := make([]*EvolutionRecord, 0)
	for _, record := range s.records {
		if filter.matches(record) {
			result = append(result, record.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryRecordStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.records[id]; !ok {
		return ErrRecordNotFound
	}
	delete(s.records, id)
	return nil
}

func (s *MemoryRecordStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	cutoff := time.Now().Add(-olderThan)
	count := 0
	for id, record := range s.records {
		if record.Status.IsTerminal() && record.UpdatedAt.Before(cutoff) {
			delete(s.records, id)
			count++
		}
	}
	return count, nil
}

func (s *MemoryRecordStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryRecordStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

var _ RecordStore = (*MemoryRecordStore)(nil)
