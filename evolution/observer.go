package evolution

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Verdict is the outcome of one observation check.
type Verdict string

const (
	VerdictContinue Verdict = "continue"
	VerdictRollback Verdict = "rollback"
	VerdictComplete Verdict = "complete"
)

// Observer errors.
var (
	// ErrNotDeployable is returned when a record is not in CompilePassed.
	ErrNotDeployable = errors.New("record is not deployable")
	// ErrNoObservation is returned when a record carries no observation.
	ErrNoObservation = errors.New("record has no open observation")
)

// ObserverConfig configures the observation window. Per deployment, not
// hardcoded policy.
type ObserverConfig struct {
	// Window is how long a deployed candidate is observed.
	Window time.Duration `json:"window" yaml:"window"`

	// ErrorThreshold is the live error rate above which the candidate is
	// rolled back.
	ErrorThreshold float64 `json:"error_threshold" yaml:"error_threshold"`

	// MinSample is the minimum observed calls before a rollback decision,
	// so a single error during a quiet window cannot roll back the change.
	MinSample int `json:"min_sample" yaml:"min_sample"`

	// Cooldown applied to the skill's error tracker after a rollback.
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown"`
}

// DefaultObserverConfig returns the observation defaults.
func DefaultObserverConfig() ObserverConfig {
	return ObserverConfig{
		Window:         60 * time.Minute,
		ErrorThreshold: 0.10,
		MinSample:      20,
		Cooldown:       60 * time.Minute,
	}
}

// SourceSwapper is the slice of the skill runtime the observation manager
/// needs: reading and atomically replacing a skill's live source.
type SourceSwapper interface {
	CurrentSource(skillName string) ([]byte, error)
	SwapSource(skillName string, source []byte) error
}

type openWindow struct {
	evolutionID string
	calls       int64
	errors      int64
}

// ObservationManager deploys passing candidates, watches their live error
// rate through a bounded window and decides completion versus rollback. It
// owns the skill's live source file while an observation is open.
type ObservationManager struct {
	config  ObserverConfig
	sources SourceSwapper
	tracker *ErrorTracker

	mu   sync.Mutex
	open map[string]*openWindow // skill name -> live window stats

	logger *zap.Logger
}

// NewObservationManager creates an observation manager.
func NewObservationManager(config ObserverConfig, sources SourceSwapper, tracker *ErrorTracker, logger *zap.Logger) *ObservationManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultObserverConfig()
	if config.Window <= 0 {
		config.Window = defaults.Window
	}
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = defaults.ErrorThreshold
	}
	if config.MinSample <= 0 {
		config.MinSample = defaults.MinSample
	}
	if config.Cooldown <= 0 {
		config.Cooldown = defaults.Cooldown
	}
	return &ObservationManager{
		config:  config,
		sources: sources,
		tracker: tracker,
		open:    make(map[string]*openWindow),
		logger:  logger.With(zap.String("component", "observation_manager")),
	}
}

// DeployAndObserve atomically swaps the skill's live source to the
// candidate, records the observation parameters on the record and moves it
// to Observing. The previous source is kept on the record so rollback is a
// plain atomic write.
func (m *ObservationManager) DeployAndObserve(record *EvolutionRecord, now time.Time) error {
	if record.Status != StatusCompilePassed || record.Patch == nil {
		return fmt.Errorf("%w: status %s", ErrNotDeployable, record.Status)
	}

	previous := ""
	if current, err := m.sources.CurrentSource(record.SkillName); err == nil {
		previous = string(current)
	}

	if err := m.sources.SwapSource(record.SkillName, []byte(record.Patch.Source)); err != nil {
		return fmt.Errorf("failed to deploy candidate: %w", err)
	}

	record.Observation = &Observation{
		StartedAt:      now,
		Duration:       m.config.Window,
		ErrorThreshold: m.config.ErrorThreshold,
		MinSample:      m.config.MinSample,
		PreviousSource: previous,
	}
	record.Status = StatusObserving
	record.Touch()

	m.mu.Lock()
	m.open[record.SkillName] = &openWindow{evolutionID: record.ID}
	m.mu.Unlock()

	m.logger.Info("candidate deployed under observation",
		zap.String("evolution_id", record.ID),
		zap.String("skill", record.SkillName),
		zap.Duration("window", m.config.Window),
		zap.Float64("error_threshold", m.config.ErrorThreshold),
	)
	return nil
}

// RecordCallOutcome feeds a live call result into the open observation for
// a skill. It is a no-op when no observation is open.
func (m *ObservationManager) RecordCallOutcome(skillName string, succeeded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	window, ok := m.open[skillName]
	if !ok {
		return
	}
	window.calls++
	if !succeeded {
		window.errors++
	}
}

// HasOpenObservation reports whether a skill is currently under observation.
func (m *ObservationManager) HasOpenObservation(skillName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.open[skillName]
	return ok
}

// CheckObservation syncs live stats into the record and returns the verdict
// for now. It never mutates the record's status; repeated calls before the
// window elapses and below the threshold always yield Continue.
func (m *ObservationManager) CheckObservation(record *EvolutionRecord, now time.Time) (Verdict, error) {
	if record.Observation == nil {
		return VerdictContinue, ErrNoObservation
	}

	m.mu.Lock()
	if window, ok := m.open[record.SkillName]; ok && window.evolutionID == record.ID {
		record.Observation.Calls = window.calls
		record.Observation.Errors = window.errors
	}
	m.mu.Unlock()

	obs := record.Observation
	if obs.Calls >= int64(obs.MinSample) && obs.ErrorRate() > obs.ErrorThreshold {
		return VerdictRollback, nil
	}
	if now.Sub(obs.StartedAt) >= obs.Duration {
		return VerdictComplete, nil
	}
	return VerdictContinue, nil
}

// Rollback restores the previously-live source, marks the record rolled
// back and puts the skill's tracker into cooldown. The breaching stats stay
// on the record for audit.
func (m *ObservationManager) Rollback(record *EvolutionRecord, reason string, now time.Time) error {
	if record.Observation == nil {
		return ErrNoObservation
	}

	if err := m.sources.SwapSource(record.SkillName, []byte(record.Observation.PreviousSource)); err != nil {
		return fmt.Errorf("failed to restore previous source: %w", err)
	}

	record.Status = StatusRolledBack
	record.LastError = reason
	record.Touch()

	m.closeWindow(record.SkillName)
	if m.tracker != nil {
		m.tracker.SetCooldown(record.SkillName, m.config.Cooldown, now)
	}

	m.logger.Warn("candidate rolled back",
		zap.String("evolution_id", record.ID),
		zap.String("skill", record.SkillName),
		zap.String("reason", reason),
		zap.Int64("calls", record.Observation.Calls),
		zap.Int64("errors", record.Observation.Errors),
	)
	return nil
}

// Complete marks the record completed; the candidate stays live permanently.
func (m *ObservationManager) Complete(record *EvolutionRecord) {
	record.Status = StatusCompleted
	record.Touch()
	m.closeWindow(record.SkillName)

	m.logger.Info("observation completed",
		zap.String("evolution_id", record.ID),
		zap.String("skill", record.SkillName),
	)
}

func (m *ObservationManager) closeWindow(skillName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.open, skillName)
}

// OpenObservationCount returns how many observations are currently open.
func (m *ObservationManager) OpenObservationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}
