package evolution

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisRecordStore persists records in Redis for distributed deployments.
// Each record lives under <prefix>evolution:<id>; an index set tracks ids.
// A Redis SET of the full document replaces the prior value atomically,
// which gives the same never-half-written guarantee as temp-file-plus-rename.
type RedisRecordStore struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger
}

// NewRedisRecordStore connects to Redis and verifies the connection.
func NewRedisRecordStore(config RedisStoreConfig, logger *zap.Logger) (*RedisRecordStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "skillforge:"
	}
	return &RedisRecordStore{
		client:    client,
		keyPrefix: prefix,
		logger:    logger.With(zap.String("component", "redis_record_store")),
	}, nil
}

func (s *RedisRecordStore) recordKey(id string) string {
	return s.keyPrefix + "evolution:" + id
}

func (s *RedisRecordStore) indexKey() string {
	return s.keyPrefix + "evolution:ids"
}

func (s *RedisRecordStore) Save(ctx context.Context, record *EvolutionRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.recordKey(record.ID), data, 0)
	pipe.SAdd(ctx, s.indexKey(), record.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}

func (s *RedisRecordStore) Get(ctx context.Context, id string) (*EvolutionRecord, error) {
	data, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	var record EvolutionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &record, nil
}

func (s *RedisRecordStore) List(ctx context.Context, filter RecordFilter) ([]*EvolutionRecord, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list record ids: %w", err)
	}

	result := make([]*EvolutionRecord, 0, len(ids))
	for _, id := range ids {
		record, err := s.Get(ctx, id)
		if err == ErrRecordNotFound {
			// Index entry without a record: clean up opportunistically.
			s.client.SRem(ctx, s.indexKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter.matches(record) {
			result = append(result, record)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *RedisRecordStore) Delete(ctx context.Context, id string) error {
	deleted, err := s.client.Del(ctx, s.recordKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if deleted == 0 {
		return ErrRecordNotFound
	}
	s.client.SRem(ctx, s.indexKey(), id)
	return nil
}

func (s *RedisRecordStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	records, err := s.List(ctx, RecordFilter{})
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan)
	count := 0
	for _, record := range records {
		if record.Status.IsTerminal() && record.UpdatedAt.Before(cutoff) {
			if err := s.Delete(ctx, record.ID); err != nil && err != ErrRecordNotFound {
				return count, err
			}
			count++
		}
	}
	return count, nil
}

func (s *RedisRecordStore) Close() error {
	return s.client.Close()
}

func (s *RedisRecordStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

var _ RecordStore = (*RedisRecordStore)(nil)
