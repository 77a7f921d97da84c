// Package runtime hosts the skill runtime collaborator: durable skill source
// files with atomic swap semantics, and the Lua executor that runs a skill's
// source at call time.
package runtime

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrSkillNotFound is returned when no source exists for a skill.
	ErrSkillNotFound = errors.New("skill source not found")
	// ErrInvalidSkillName rejects names that would escape the store directory.
	ErrInvalidSkillName = errors.New("invalid skill name")
)

// SourceStore keeps one Lua source file per skill under a base directory.
// Writes are atomic from the reader's perspective: content lands in a
// temporary file first and is then renamed over the live path, so a reader
// observes either the fully-old or the fully-new source, never a partial one.
type SourceStore struct {
	baseDir string
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewSourceStore creates the store and its directory.
func NewSourceStore(baseDir string, logger *zap.Logger) (*SourceStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create source store directory: %w", err)
	}
	return &SourceStore{
		baseDir: baseDir,
		logger:  logger.With(zap.String("component", "source_store")),
	}, nil
}

func (s *SourceStore) path(skillName string) (string, error) {
	if skillName == "" || strings.ContainsAny(skillName, `/\`) || strings.Contains(skillName, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidSkillName, skillName)
	}
	return filepath.Join(s.baseDir, skillName+".lua"), nil
}

// CurrentSource returns the live source bytes for a skill.
func (s *SourceStore) CurrentSource(skillName string) ([]byte, error) {
	p, err := s.path(skillName)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrSkillNotFound, skillName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read skill source: %w", err)
	}
	return data, nil
}

// SwapSource atomically replaces the live source for a skill.
func (s *SourceStore) SwapSource(skillName string, source []byte) error {
	p, err := s.path(skillName)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tempPath := p + ".tmp"
	if err := os.WriteFile(tempPath, source, 0o644); err != nil {
		return fmt.Errorf("failed to write temp source: %w", err)
	}
	if err := os.Rename(tempPath, p); err != nil {
		return fmt.Errorf("failed to swap skill source: %w", err)
	}

	s.logger.Info("skill source swapped",
		zap.String("skill", skillName),
		zap.Int("bytes", len(source)),
	)
	return nil
}

// HasSource reports whether a live source exists for a skill.
func (s *SourceStore) HasSource(skillName string) bool {
	p, err := s.path(skillName)
	if err != nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err = os.Stat(p)
	return err == nil
}

// ListSkills returns the names of all skills with a stored source.
func (s *SourceStore) ListSkills() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read source store directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".lua") {
			names = append(names, strings.TrimSuffix(name, ".lua"))
		}
	}
	return names, nil
}
