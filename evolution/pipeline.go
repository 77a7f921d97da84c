package evolution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/skillforge/internal/metrics"
	"github.com/BaSui01/skillforge/runtime"
)

// Pipeline errors.
var (
	// ErrEvolutionInProgress is returned when a trigger finds an active
	// record already owning the skill.
	ErrEvolutionInProgress = errors.New("an evolution is already in progress for this skill")
	// ErrNotObserving is returned for a manual rollback on a record that is
	// not under observation.
	ErrNotObserving = errors.New("record is not under observation")
)

// PipelineConfig configures the orchestrator.
type PipelineConfig struct {
	// MaxAttempts bounds the generate/audit/compile feedback loop. When
	// the last attempt's patch is rejected the record fails terminally.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// SweepInterval is how often the background loop advances active
	// records.
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`

	// SweepConcurrency bounds how many records one sweep advances at once.
	SweepConcurrency int `json:"sweep_concurrency" yaml:"sweep_concurrency"`

	// MaintenanceInterval is how often retention cleanup and blocklist
	// expiry run.
	MaintenanceInterval time.Duration `json:"maintenance_interval" yaml:"maintenance_interval"`

	// Retention is how long terminal records are kept.
	Retention time.Duration `json:"retention" yaml:"retention"`

	// BlockOnFailure puts the skill's capability on the blocklist when an
	// evolution fails terminally.
	BlockOnFailure bool `json:"block_on_failure" yaml:"block_on_failure"`
}

// DefaultPipelineConfig returns the orchestrator defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		MaxAttempts:         3,
		SweepInterval:       30 * time.Second,
		SweepConcurrency:    4,
		MaintenanceInterval: time.Hour,
		Retention:           7 * 24 * time.Hour,
		BlockOnFailure:      true,
	}
}

// Pipeline orchestrates the evolution lifecycle. Each Advance call performs
// exactly one stage transition under the record's lock, persisting the
// record after every transition so a crash resumes where it left off.
type Pipeline struct {
	config    PipelineConfig
	store     RecordStore
	tracker   *ErrorTracker
	locks     *LockManager

	// triggerLocks serializes the active-record check and the create per
	// skill; the per-evolution-id locks cannot cover a record that does not
	// exist yet.
	triggerMu    sync.Mutex
	triggerLocks map[string]*sync.Mutex
	generator *Generator
	auditor   *Auditor
	checker   *CompileChecker
	fixtures  *FixtureStore
	observer  *ObservationManager
	blocklist *Blocklist
	sources   SourceSwapper
	collector *metrics.Collector

	now func() time.Time

	logger *zap.Logger
}

// PipelineDeps bundles the pipeline's collaborators. Blocklist and
// Collector may be nil.
type PipelineDeps struct {
	Store     RecordStore
	Tracker   *ErrorTracker
	Generator *Generator
	Auditor   *Auditor
	Checker   *CompileChecker
	Fixtures  *FixtureStore
	Observer  *ObservationManager
	Blocklist *Blocklist
	Sources   SourceSwapper
	Collector *metrics.Collector
}

// NewPipeline creates the orchestrator.
func NewPipeline(config PipelineConfig, deps PipelineDeps, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultPipelineConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaults.SweepInterval
	}
	if config.SweepConcurrency <= 0 {
		config.SweepConcurrency = defaults.SweepConcurrency
	}
	if config.MaintenanceInterval <= 0 {
		config.MaintenanceInterval = defaults.MaintenanceInterval
	}
	if config.Retention <= 0 {
		config.Retention = defaults.Retention
	}
	return &Pipeline{
		config:       config,
		store:        deps.Store,
		tracker:      deps.Tracker,
		locks:        NewLockManager(),
		triggerLocks: make(map[string]*sync.Mutex),
		generator:    deps.Generator,
		auditor:      deps.Auditor,
		checker:      deps.Checker,
		fixtures:     deps.Fixtures,
		observer:     deps.Observer,
		blocklist:    deps.Blocklist,
		sources:      deps.Sources,
		collector:    deps.Collector,
		now:          time.Now,
		logger:       logger.With(zap.String("component", "evolution_pipeline")),
	}
}

var _ runtime.CallListener = (*Pipeline)(nil)

// OnCallResult feeds a live skill call outcome into the tracker and any
// open observation. When the error threshold fires it opens a new
// evolution.
func (p *Pipeline) OnCallResult(skillName string, succeeded bool) {
	if p.collector != nil {
		p.collector.RecordSkillCall(skillName, succeeded)
	}
	p.observer.RecordCallOutcome(skillName, succeeded)

	if succeeded {
		return
	}
	if !p.tracker.RecordError(skillName, p.now()) {
		return
	}

	evoCtx := Context{
		Cause: fmt.Sprintf("error threshold reached: %d errors within the sliding window",
			p.tracker.ErrorCount(skillName, p.now())),
	}
	if current, err := p.sources.CurrentSource(skillName); err == nil {
		evoCtx.SourceSnippet = string(current)
	}

	if _, err := p.TriggerEvolution(context.Background(), skillName, evoCtx); err != nil {
		if !errors.Is(err, ErrEvolutionInProgress) && !errors.Is(err, ErrCapabilityBlocked) {
			p.logger.Error("failed to open evolution from error threshold",
				zap.String("skill", skillName),
				zap.Error(err),
			)
		}
	}
}

// TriggerEvolution opens a new evolution for a skill. It is idempotent
// against concurrent triggers: when an active record already owns the
// skill the existing record is returned with ErrEvolutionInProgress.
func (p *Pipeline) TriggerEvolution(ctx context.Context, skillName string, evoCtx Context) (*EvolutionRecord, error) {
	// Hold the skill's trigger lock across the check and the create, so two
	// concurrent triggers cannot both observe "no active record" and each
	// persist one.
	lock := p.skillTriggerLock(skillName)
	lock.Lock()
	defer lock.Unlock()

	if p.blocklist != nil {
		blocked, err := p.blocklist.IsBlocked(skillName, p.now())
		if err != nil {
			return nil, err
		}
		if blocked {
			return nil, fmt.Errorf("%w: %s", ErrCapabilityBlocked, skillName)
		}
	}

	active, err := p.activeRecord(ctx, skillName)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return active, ErrEvolutionInProgress
	}

	record := NewRecord(skillName, evoCtx)
	if err := p.store.Save(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to persist evolution record: %w", err)
	}

	if p.collector != nil {
		p.collector.RecordEvolutionTriggered(skillName, "error_threshold")
	}
	p.logger.Info("evolution opened",
		zap.String("evolution_id", record.ID),
		zap.String("skill", skillName),
		zap.String("cause", evoCtx.Cause),
	)
	return record.Clone(), nil
}

func (p *Pipeline) skillTriggerLock(skillName string) *sync.Mutex {
	p.triggerMu.Lock()
	defer p.triggerMu.Unlock()
	lock, ok := p.triggerLocks[skillName]
	if !ok {
		lock = &sync.Mutex{}
		p.triggerLocks[skillName] = lock
	}
	return lock
}

func (p *Pipeline) activeRecord(ctx context.Context, skillName string) (*EvolutionRecord, error) {
	records, err := p.store.List(ctx, RecordFilter{SkillName: skillName})
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if r.Status.IsActive() {
			return r, nil
		}
	}
	return nil, nil
}

// Advance performs one stage transition on a record. Concurrent advances on
// the same record are refused with ErrLockContention rather than queued.
func (p *Pipeline) Advance(ctx context.Context, evolutionID string) error {
	if !p.locks.TryAcquire(evolutionID) {
		return fmt.Errorf("%w: %s", ErrLockContention, evolutionID)
	}
	defer p.locks.Release(evolutionID)

	record, err := p.store.Get(ctx, evolutionID)
	if err != nil {
		return err
	}
	if !record.Status.IsActive() {
		return nil
	}

	start := p.now()
	stage := string(record.Status)
	err = p.advanceLocked(ctx, record)
	if p.collector != nil {
		p.collector.RecordStage(stage, p.now().Sub(start))
		p.collector.SetOpenObservations(p.observer.OpenObservationCount())
	}
	if err != nil {
		return err
	}
	return p.store.Save(ctx, record)
}

func (p *Pipeline) advanceLocked(ctx context.Context, record *EvolutionRecord) error {
	switch record.Status {
	case StatusPending:
		return p.runGenerate(ctx, record)
	case StatusGenerated:
		return p.runAudit(ctx, record)
	case StatusAudited:
		return p.runCompileCheck(ctx, record)
	case StatusCompilePassed:
		return p.observer.DeployAndObserve(record, p.now())
	case StatusCompileFailed:
		return p.reject(record, "compile", record.compileFeedback())
	case StatusObserving:
		return p.runObservationCheck(ctx, record)
	default:
		return nil
	}
}

func (p *Pipeline) runGenerate(ctx context.Context, record *EvolutionRecord) error {
	var patch Patch
	var err error
	if len(record.Feedback) > 0 {
		patch, err = p.generator.Regenerate(ctx, record)
	} else {
		patch, err = p.generator.Generate(ctx, record)
	}
	if err != nil {
		return p.stageError(record, "generation", err)
	}
	record.ApplyPatch(patch)
	return nil
}

func (p *Pipeline) runAudit(ctx context.Context, record *EvolutionRecord) error {
	result, err := p.auditor.Audit(ctx, record)
	if err != nil {
		return p.stageError(record, "audit", err)
	}
	record.Audit = &result
	record.Touch()
	if !result.Passed {
		return p.reject(record, "audit", SummarizeIssues(result.Issues))
	}
	record.Status = StatusAudited
	return nil
}

func (p *Pipeline) runCompileCheck(ctx context.Context, record *EvolutionRecord) error {
	fixtures, err := p.fixtures.Load(record.SkillName)
	if err != nil {
		return p.stageError(record, "compile", err)
	}
	result := p.checker.Check(ctx, []byte(record.Patch.Source), fixtures)
	record.CompileResult = &result
	record.Touch()
	if !result.Passed {
		record.Status = StatusCompileFailed
		return p.reject(record, "compile", result.Diagnostics)
	}
	record.Status = StatusCompilePassed
	return nil
}

func (p *Pipeline) runObservationCheck(ctx context.Context, record *EvolutionRecord) error {
	verdict, err := p.observer.CheckObservation(record, p.now())
	if err != nil {
		return err
	}
	switch verdict {
	case VerdictRollback:
		reason := fmt.Sprintf("observed error rate %.2f exceeded threshold %.2f",
			record.Observation.ErrorRate(), record.Observation.ErrorThreshold)
		if err := p.observer.Rollback(record, reason, p.now()); err != nil {
			return err
		}
		if p.collector != nil {
			p.collector.RecordRollback(record.SkillName, "error_rate")
			p.collector.RecordEvolutionFinished(record.SkillName, string(record.Status))
		}
	case VerdictComplete:
		p.observer.Complete(record)
		p.tracker.ResetTrigger(record.SkillName)
		if p.collector != nil {
			p.collector.RecordEvolutionFinished(record.SkillName, string(record.Status))
		}
	}
	return nil
}

// reject handles a rejected patch: it either loops back for a regeneration
// with feedback, or fails the evolution once MaxAttempts is exhausted.
func (p *Pipeline) reject(record *EvolutionRecord, stage, feedback string) error {
	if record.Attempt >= p.config.MaxAttempts {
		p.fail(record, fmt.Sprintf("%s rejected the patch after %d attempts: %s",
			stage, record.Attempt, feedback))
		return nil
	}

	record.AddFeedback(stage, feedback)
	record.Patch = nil
	record.Audit = nil
	record.CompileResult = nil
	record.Status = StatusPending
	record.Touch()

	p.logger.Info("patch rejected, queued for regeneration",
		zap.String("evolution_id", record.ID),
		zap.String("skill", record.SkillName),
		zap.String("stage", stage),
		zap.Int("attempt", record.Attempt),
	)
	return nil
}

func (p *Pipeline) stageError(record *EvolutionRecord, stage string, err error) error {
	if record.Attempt >= p.config.MaxAttempts {
		p.fail(record, fmt.Sprintf("%s failed after %d attempts: %v", stage, record.Attempt, err))
		return nil
	}
	record.AddFeedback(stage, err.Error())
	record.Status = StatusPending
	record.Touch()
	return nil
}

func (p *Pipeline) fail(record *EvolutionRecord, lastError string) {
	record.Fail(lastError)

	if p.config.BlockOnFailure && p.blocklist != nil {
		if err := p.blocklist.Block(record.SkillName, record.SkillName, record.ID, lastError, p.now()); err != nil {
			p.logger.Error("failed to block capability",
				zap.String("skill", record.SkillName),
				zap.Error(err),
			)
		}
	}
	if p.collector != nil {
		p.collector.RecordEvolutionFinished(record.SkillName, string(record.Status))
	}
	p.logger.Warn("evolution failed",
		zap.String("evolution_id", record.ID),
		zap.String("skill", record.SkillName),
		zap.String("last_error", lastError),
	)
}

// RollbackManually rolls back an observing record on operator request.
func (p *Pipeline) RollbackManually(ctx context.Context, evolutionID, reason string) error {
	if !p.locks.TryAcquire(evolutionID) {
		return fmt.Errorf("%w: %s", ErrLockContention, evolutionID)
	}
	defer p.locks.Release(evolutionID)

	record, err := p.store.Get(ctx, evolutionID)
	if err != nil {
		return err
	}
	if record.Status != StatusObserving {
		return fmt.Errorf("%w: status %s", ErrNotObserving, record.Status)
	}
	if reason == "" {
		reason = "manual rollback"
	}
	if err := p.observer.Rollback(record, reason, p.now()); err != nil {
		return err
	}
	if p.collector != nil {
		p.collector.RecordRollback(record.SkillName, "manual")
		p.collector.RecordEvolutionFinished(record.SkillName, string(record.Status))
	}
	return p.store.Save(ctx, record)
}

// ResetTrigger clears a skill's trigger marker and cooldown so the next
// threshold breach opens a fresh evolution.
func (p *Pipeline) ResetTrigger(skillName string) {
	p.tracker.ResetTrigger(skillName)
}

// Sweep advances every active record once. Records whose lock is held are
// skipped, not waited on.
func (p *Pipeline) Sweep(ctx context.Context) error {
	records, err := p.store.List(ctx, RecordFilter{})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.SweepConcurrency)
	for _, record := range records {
		if !record.Status.IsActive() {
			continue
		}
		id := record.ID
		g.Go(func() error {
			if err := p.Advance(ctx, id); err != nil && !errors.Is(err, ErrLockContention) {
				p.logger.Error("sweep failed to advance record",
					zap.String("evolution_id", id),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	return g.Wait()
}

// Maintenance runs retention cleanup on the record store and expiry on the
// blocklist.
func (p *Pipeline) Maintenance(ctx context.Context) {
	if removed, err := p.store.Cleanup(ctx, p.config.Retention); err != nil {
		p.logger.Error("record retention cleanup failed", zap.Error(err))
	} else if removed > 0 {
		p.logger.Info("expired evolution records removed", zap.Int("count", removed))
	}

	if p.blocklist == nil {
		return
	}
	if _, err := p.blocklist.Maintenance(p.now()); err != nil {
		p.logger.Error("blocklist maintenance failed", zap.Error(err))
	}
	if p.collector != nil {
		if blocks, err := p.blocklist.ActiveBlocks(p.now()); err == nil {
			p.collector.SetActiveBlocks(len(blocks))
		}
	}
}

// Run drives the sweep and maintenance loops until the context is
// cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	sweep := time.NewTicker(p.config.SweepInterval)
	defer sweep.Stop()
	maintenance := time.NewTicker(p.config.MaintenanceInterval)
	defer maintenance.Stop()

	p.logger.Info("evolution pipeline started",
		zap.Duration("sweep_interval", p.config.SweepInterval),
		zap.Int("max_attempts", p.config.MaxAttempts),
	)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("evolution pipeline stopped")
			return ctx.Err()
		case <-sweep.C:
			if err := p.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Error("sweep failed", zap.Error(err))
			}
		case <-maintenance.C:
			p.Maintenance(ctx)
		}
	}
}

// compileFeedback renders the stored compile diagnostics for the feedback
// loop.
func (r *EvolutionRecord) compileFeedback() string {
	if r.CompileResult == nil {
		return "compile check failed"
	}
	return r.CompileResult.Diagnostics
}
