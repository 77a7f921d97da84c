package evolution

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// TrackerConfig configures the per-skill error tracker.
type TrackerConfig struct {
	// Window is the sliding window over which errors are counted.
	Window time.Duration `json:"window" yaml:"window"`

	// Threshold is the in-window error count at which a trigger fires.
	Threshold int `json:"threshold" yaml:"threshold"`

	// Cooldown is the default suppression applied after a rollback.
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown"`
}

// DefaultTrackerConfig returns the tracker defaults.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		Window:    10 * time.Minute,
		Threshold: 5,
		Cooldown:  60 * time.Minute,
	}
}

type trackerEntry struct {
	timestamps    []time.Time
	lastTrigger   *time.Time
	cooldownUntil *time.Time
}

// ErrorTracker counts per-skill errors over a sliding window and decides
// when a new evolution should start. All state lives in one lock-guarded
// map owned by this long-lived object, so tests can build isolated
// instances per case.
type ErrorTracker struct {
	config  TrackerConfig
	entries map[string]*trackerEntry
	mu      sync.Mutex
	logger  *zap.Logger
}

// NewErrorTracker creates a tracker.
func NewErrorTracker(config TrackerConfig, logger *zap.Logger) *ErrorTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Window <= 0 {
		config.Window = DefaultTrackerConfig().Window
	}
	if config.Threshold <= 0 {
		config.Threshold = DefaultTrackerConfig().Threshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultTrackerConfig().Cooldown
	}
	return &ErrorTracker{
		config:  config,
		entries: make(map[string]*trackerEntry),
		logger:  logger.With(zap.String("component", "error_tracker")),
	}
}

func (t *ErrorTracker) entry(skillName string) *trackerEntry {
	e, ok := t.entries[skillName]
	if !ok {
		e = &trackerEntry{}
		t.entries[skillName] = e
	}
	return e
}

// RecordError registers one error at now and reports whether this call
// should start a new evolution. The error is always appended, even during a
// cooldown: counts are never zeroed after a trigger, only the trigger
// marker is set, so bursts arriving concurrently are not undercounted.
func (t *ErrorTracker) RecordError(skillName string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entry(skillName)
	e.timestamps = append(e.timestamps, now)
	e.prune(now.Add(-t.config.Window))

	if e.cooldownUntil != nil && e.cooldownUntil.After(now) {
		return false
	}

	// A trigger inside the current window means an evolution is already in
	// flight for this burst; a trigger older than the window decays
	// naturally and no longer suppresses.
	if e.lastTrigger != nil && now.Sub(*e.lastTrigger) < t.config.Window {
		return false
	}

	if len(e.timestamps) >= t.config.Threshold {
		trigger := now
		e.lastTrigger = &trigger
		t.logger.Info("evolution trigger fired",
			zap.String("skill", skillName),
			zap.Int("errors_in_window", len(e.timestamps)),
			zap.Int("threshold", t.config.Threshold),
		)
		return true
	}
	return false
}

func (e *trackerEntry) prune(cutoff time.Time) {
	kept := e.timestamps[:0]
	for _, ts := range e.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.timestamps = kept
}

// SetCooldown suppresses new triggers for a skill until now+d. Called when a
// deployed revision is rolled back, to break evolve/rollback oscillation.
func (t *ErrorTracker) SetCooldown(skillName string, d time.Duration, now time.Time) {
	if d <= 0 {
		d = t.config.Cooldown
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	until := now.Add(d)
	t.entry(skillName).cooldownUntil = &until
	t.logger.Info("cooldown set",
		zap.String("skill", skillName),
		zap.Time("until", until),
	)
}

// IsInCooldown reports whether triggers for a skill are suppressed at now.
func (t *ErrorTracker) IsInCooldown(skillName string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[skillName]
	if !ok || e.cooldownUntil == nil {
		return false
	}
	return e.cooldownUntil.After(now)
}

// ResetTrigger is the operator override: it clears the trigger marker and
// any cooldown so the next threshold crossing may fire immediately.
func (t *ErrorTracker) ResetTrigger(skillName string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[skillName]
	if !ok {
		return
	}
	e.lastTrigger = nil
	e.cooldownUntil = nil
	t.logger.Info("trigger state reset", zap.String("skill", skillName))
}

// ErrorCount returns the in-window error count at now.
func (t *ErrorTracker) ErrorCount(skillName string, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[skillName]
	if !ok {
		return 0
	}
	e.prune(now.Add(-t.config.Window))
	return len(e.timestamps)
}
