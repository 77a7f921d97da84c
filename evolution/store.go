package evolution

import (
	"context"
	"errors"
	"time"
)

// Store errors shared by every backend.
var (
	ErrRecordNotFound = errors.New("evolution record not found")
	ErrStoreClosed    = errors.New("record store is closed")
	ErrInvalidRecord  = errors.New("invalid evolution record")
)

// StoreType selects the record store backend.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeFile   StoreType = "file"
	StoreTypeRedis  StoreType = "redis"
)

// RedisStoreConfig contains Redis-specific settings.
type RedisStoreConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// StoreConfig is the record store configuration.
type StoreConfig struct {
	Type    StoreType        `json:"type" yaml:"type"`
	BaseDir string           `json:"base_dir" yaml:"base_dir"`
	Redis   RedisStoreConfig `json:"redis" yaml:"redis"`

	// Retention is how long terminal records are kept before cleanup.
	Retention time.Duration `json:"retention" yaml:"retention"`
}

// DefaultStoreConfig returns the default store configuration. The file
// backend is the default: durable, single-node, no external service.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:    StoreTypeFile,
		BaseDir: "./data/evolutions",
		Redis: RedisStoreConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "skillforge:",
		},
		Retention: 7 * 24 * time.Hour,
	}
}

// RecordFilter narrows List results.
type RecordFilter struct {
	SkillName string
	Statuses  []Status
}

func (f RecordFilter) matches(r *EvolutionRecord) bool {
	if f.SkillName != "" && r.SkillName != f.SkillName {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if r.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// RecordStore is durable storage of evolution records keyed by id. Writes
// must be atomic: a crash mid-save never leaves a half-written record.
type RecordStore interface {
	// Save persists the record, overwriting any prior state for its id.
	Save(ctx context.Context, record *EvolutionRecord) error

	// Get returns a snapshot of the record with the given id.
	Get(ctx context.Context, id string) (*EvolutionRecord, error)

	// List returns snapshots of records matching the filter, newest first.
	List(ctx context.Context, filter RecordFilter) ([]*EvolutionRecord, error)

	// Delete removes a record.
	Delete(ctx context.Context, id string) error

	// Cleanup removes terminal records older than the retention period and
	// returns how many were removed.
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)

	// Close releases resources.
	Close() error

	// Ping checks the store is healthy.
	Ping(ctx context.Context) error
}

func validateRecord(record *EvolutionRecord) error {
	if record == nil || record.ID == "" || record.SkillName == "" {
		return ErrInvalidRecord
	}
	return nil
}
