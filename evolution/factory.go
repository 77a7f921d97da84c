package evolution

import (
	"fmt"

	"go.uber.org/zap"
)

// NewRecordStore builds a record store from configuration.
func NewRecordStore(config StoreConfig, logger *zap.Logger) (RecordStore, error) {
	switch config.Type {
	case StoreTypeMemory:
		return NewMemoryRecordStore(), nil
	case StoreTypeFile, "":
		return NewFileRecordStore(config.BaseDir, logger)
	case StoreTypeRedis:
		return NewRedisRecordStore(config.Redis, logger)
	default:
		return nil, fmt.Errorf("unsupported record store type: %s", config.Type)
	}
}
