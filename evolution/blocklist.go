package evolution

import (
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DefaultBlockTTL is how long a capability block stays effective before it
// decays and the capability becomes eligible for evolution again.
const DefaultBlockTTL = 7 * 24 * time.Hour

// ErrCapabilityBlocked is returned when an evolution is refused because the
// skill's capability is on the blocklist.
var ErrCapabilityBlocked = errors.New("capability is blocked from evolution")

// CapabilityBlock is one blocklist row. A block is soft-deleted by flipping
// Active rather than removed, so the history of why a capability was
// blocked survives.
type CapabilityBlock struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Capability  string    `gorm:"index;not null" json:"capability"`
	SkillName   string    `gorm:"index" json:"skill_name,omitempty"`
	EvolutionID string    `gorm:"index" json:"evolution_id,omitempty"`
	Reason      string    `gorm:"type:text" json:"reason,omitempty"`
	Active      bool      `gorm:"index;not null" json:"active"`
	BlockedAt   time.Time `gorm:"not null" json:"blocked_at"`
	ExpiresAt   time.Time `gorm:"index;not null" json:"expires_at"`
}

// TableName sets the explicit table name.
func (CapabilityBlock) TableName() string {
	return "capability_blocks"
}

// BlocklistConfig configures the capability blocklist.
type BlocklistConfig struct {
	// Path is the SQLite database file. ":memory:" keeps it in memory.
	Path string `json:"path" yaml:"path"`

	// TTL is how long a block stays effective.
	TTL time.Duration `json:"ttl" yaml:"ttl"`
}

// DefaultBlocklistConfig returns the blocklist defaults.
func DefaultBlocklistConfig() BlocklistConfig {
	return BlocklistConfig{
		Path: "./data/blocklist.db",
		TTL:  DefaultBlockTTL,
	}
}

// Blocklist is the time-decaying capability blocklist. Capabilities land
// here when their evolutions keep failing; entries expire after the TTL so
// a capability is never blocked forever.
type Blocklist struct {
	db     *gorm.DB
	ttl    time.Duration
	logger *zap.Logger
}

// NewBlocklist opens (or creates) the blocklist database and migrates the
// schema.
func NewBlocklist(config BlocklistConfig, logger *zap.Logger) (*Blocklist, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Path == "" {
		config.Path = DefaultBlocklistConfig().Path
	}
	if config.TTL <= 0 {
		config.TTL = DefaultBlockTTL
	}

	db, err := gorm.Open(sqlite.Open(config.Path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open blocklist database: %w", err)
	}
	if err := db.AutoMigrate(&CapabilityBlock{}); err != nil {
		return nil, fmt.Errorf("failed to migrate blocklist schema: %w", err)
	}

	return &Blocklist{
		db:     db,
		ttl:    config.TTL,
		logger: logger.With(zap.String("component", "blocklist")),
	}, nil
}

// Block adds an active block for a capability. Blocking an already-blocked
// capability refreshes the expiry by inserting a new row.
func (b *Blocklist) Block(capability, skillName, evolutionID, reason string, now time.Time) error {
	if capability == "" {
		return errors.New("capability must not be empty")
	}
	block := &CapabilityBlock{
		Capability:  capability,
		SkillName:   skillName,
		EvolutionID: evolutionID,
		Reason:      reason,
		Active:      true,
		BlockedAt:   now,
		ExpiresAt:   now.Add(b.ttl),
	}
	if err := b.db.Create(block).Error; err != nil {
		return fmt.Errorf("failed to block capability: %w", err)
	}
	b.logger.Warn("capability blocked",
		zap.String("capability", capability),
		zap.String("skill", skillName),
		zap.Time("expires_at", block.ExpiresAt),
	)
	return nil
}

// IsBlocked reports whether a capability has a live block. Expired rows do
// not count; they are deactivated opportunistically on the way through.
func (b *Blocklist) IsBlocked(capability string, now time.Time) (bool, error) {
	if err := b.expire(now); err != nil {
		return false, err
	}
	var count int64
	err := b.db.Model(&CapabilityBlock{}).
		Where("capability = ? AND active = ? AND expires_at > ?", capability, true, now).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to query blocklist: %w", err)
	}
	return count > 0, nil
}

// Unblock deactivates every live block for a capability and returns how
// many were lifted.
func (b *Blocklist) Unblock(capability string) (int64, error) {
	result := b.db.Model(&CapabilityBlock{}).
		Where("capability = ? AND active = ?", capability, true).
		Update("active", false)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to unblock capability: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		b.logger.Info("capability unblocked",
			zap.String("capability", capability),
			zap.Int64("lifted", result.RowsAffected),
		)
	}
	return result.RowsAffected, nil
}

// ActiveBlocks lists the currently live blocks.
func (b *Blocklist) ActiveBlocks(now time.Time) ([]CapabilityBlock, error) {
	if err := b.expire(now); err != nil {
		return nil, err
	}
	var blocks []CapabilityBlock
	err := b.db.
		Where("active = ? AND expires_at > ?", true, now).
		Order("blocked_at DESC").
		Find(&blocks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list blocks: %w", err)
	}
	return blocks, nil
}

// Maintenance deactivates expired blocks in bulk. The periodic sweep calls
// this so reads stay cheap.
func (b *Blocklist) Maintenance(now time.Time) (int64, error) {
	result := b.db.Model(&CapabilityBlock{}).
		Where("active = ? AND expires_at <= ?", true, now).
		Update("active", false)
	if result.Error != nil {
		return 0, fmt.Errorf("blocklist maintenance failed: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		b.logger.Info("expired capability blocks lifted", zap.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
}

// Close closes the underlying database handle.
func (b *Blocklist) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (b *Blocklist) expire(now time.Time) error {
	err := b.db.Model(&CapabilityBlock{}).
		Where("active = ? AND expires_at <= ?", true, now).
		Update("active", false).Error
	if err != nil {
		return fmt.Errorf("failed to expire blocks: %w", err)
	}
	return nil
}
