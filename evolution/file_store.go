package evolution

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FileRecordStore persists one JSON document per evolution id under a base
// directory. Suited to single-node production deployments. Every write goes
// to a temporary path first and is renamed into place, so a crash never
// leaves a half-written record behind.
type FileRecordStore struct {
	baseDir string
	records map[string]*EvolutionRecord // in-memory cache, disk is source of truth
	mu      sync.RWMutex
	closed  bool
	logger  *zap.Logger
}

// NewFileRecordStore creates the store directory and loads existing records.
func NewFileRecordStore(baseDir string, logger *zap.Logger) (*FileRecordStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create record store directory: %w", err)
	}

	store := &FileRecordStore{
		baseDir: baseDir,
		records: make(map[string]*EvolutionRecord),
		logger:  logger.With(zap.String("component", "file_record_store")),
	}
	if err := store.loadFromDisk(); err != nil {
		return nil, fmt.Errorf("failed to load records from disk: %w", err)
	}
	return store, nil
}

func (s *FileRecordStore) recordPath(id string) string {
	return filepath.Join(s.baseDir, id+".json")
}

func (s *FileRecordStore) loadFromDisk() error {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.baseDir, name))
		if err != nil {
			return err
		}
		var record EvolutionRecord
		if err := json.Unmarshal(data, &record); err != nil {
			// A record that fails to parse is skipped, not fatal; the
			// atomic write discipline makes this unreachable in practice.
			s.logger.Warn("skipping unreadable record file", zap.String("file", name), zap.Error(err))
			continue
		}
		s.records[record.ID] = &record
	}

	s.logger.Info("records loaded", zap.Int("count", len(s.records)))
	return nil
}

// writeRecord persists one record atomically: temp file then rename.
func (s *FileRecordStore) writeRecord(record *EvolutionRecord) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	path := s.recordPath(record.ID)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp record: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename record into place: %w", err)
	}
	return nil
}

func (s *FileRecordStore) Save(ctx context.Context, record *EvolutionRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	if err := s.writeRecord(record); err != nil {
		return err
	}
	s.records[record.ID] = record.Clone()
	return nil
}

func (s *FileRecordStore) Get(ctx context.Context, id string) (*EvolutionRecord, error) {
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

func (s *FileRecordStore) List(ctx context.Context, filter RecordFilter) ([]*EvolutionRecord, error) {
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

func (s *FileRecordStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.records[id]; !ok {
		return ErrRecordNotFound
	}
	if err := os.Remove(s.recordPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove record file: %w", err)
	}
	delete(s.records, id)
	return nil
}

func (s *FileRecordStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	cutoff := time.Now().Add(-olderThan)
	count := 0
	for id, record := range s.records {
		if !record.Status.IsTerminal() || !record.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := os.Remove(s.recordPath(id)); err != nil && !os.IsNotExist(err) {
			return count, fmt.Errorf("failed to remove record file: %w", err)
		}
		delete(s.records, id)
		count++
	}

	if count > 0 {
		s.logger.Info("cleaned up terminal records", zap.Int("count", count))
	}
	return count, nil
}

func (s *FileRecordStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *FileRecordStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

var _ RecordStore = (*FileRecordStore)(nil)
