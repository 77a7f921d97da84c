package evolution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/skillforge/runtime"
)

func newObserverFixture(t *testing.T) (*ObservationManager, *runtime.SourceStore, *ErrorTracker) {
	t.Helper()
	sources, err := runtime.NewSourceStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	tracker := newTestTracker(5)
	observer := NewObservationManager(DefaultObserverConfig(), sources, tracker, zap.NewNop())
	return observer, sources, tracker
}

func deployableRecord(t *testing.T, sources *runtime.SourceStore) *EvolutionRecord {
	t.Helper()
	require.NoError(t, sources.SwapSource("summarize", []byte("function handle(input) return 'old' end")))

	record := NewRecord("summarize", Context{Cause: "test"})
	record.ApplyPatch(Patch{Source: "function handle(input) return 'new' end"})
	record.Audit = &AuditResult{Passed: true}
	record.CompileResult = &CompileResult{Passed: true}
	record.Status = StatusCompilePassed
	return record
}

func TestObservationManager_DeployRequiresCompilePassed(t *testing.T) {
	observer, sources, _ := newObserverFixture(t)
	record := deployableRecord(t, sources)
	record.Status = StatusGenerated

	err := observer.DeployAndObserve(record, time.Now())
	assert.ErrorIs(t, err, ErrNotDeployable)
}

func TestObservationManager_DeploySwapsSourceAndKeepsPrevious(t *testing.T) {
	observer, sources, _ := newObserverFixture(t)
	record := deployableRecord(t, sources)

	require.NoError(t, observer.DeployAndObserve(record, time.Now()))

	live, err := sources.CurrentSource("summarize")
	require.NoError(t, err)
	assert.Contains(t, string(live), "'new'")

	assert.Equal(t, StatusObserving, record.Status)
	require.NotNil(t, record.Observation)
	assert.Contains(t, record.Observation.PreviousSource, "'old'")
	assert.True(t, observer.HasOpenObservation("summarize"))
	assert.Equal(t, 1, observer.OpenObservationCount())
}

func TestObservationManager_RollsBackAboveThresholdWithMinSample(t *testing.T) {
	observer, sources, tracker := newObserverFixture(t)
	record := deployableRecord(t, sources)
	started := time.Now()
	require.NoError(t, observer.DeployAndObserve(record, started))

	// 25 calls, 5 errors: 20% error rate over the 20-call minimum.
	for i := 0; i < 25; i++ {
		observer.RecordCallOutcome("summarize", i%5 != 0)
	}

	verdict, err := observer.CheckObservation(record, started.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, VerdictRollback, verdict)
	assert.Equal(t, int64(25), record.Observation.Calls)
	assert.Equal(t, int64(5), record.Observation.Errors)

	require.NoError(t, observer.Rollback(record, "error rate breach", started.Add(time.Minute)))
	assert.Equal(t, StatusRolledBack, record.Status)

	restored, err := sources.CurrentSource("summarize")
	require.NoError(t, err)
	assert.Contains(t, string(restored), "'old'")

	assert.True(t, tracker.IsInCooldown("summarize", started.Add(time.Minute)))
	assert.False(t, observer.HasOpenObservation("summarize"))
}

func TestObservationManager_MinSampleGuardsQuietWindows(t *testing.T) {
	observer, sources, _ := newObserverFixture(t)
	record := deployableRecord(t, sources)
	started := time.Now()
	require.NoError(t, observer.DeployAndObserve(record, started))

	// Five calls, all errors: a 100% rate on too small a sample.
	for i := 0; i < 5; i++ {
		observer.RecordCallOutcome("summarize", false)
	}

	verdict, err := observer.CheckObservation(record, started.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, VerdictContinue, verdict)

	// Repeated checks stay Continue while the window is open.
	verdict, err = observer.CheckObservation(record, started.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, VerdictContinue, verdict)
	assert.Equal(t, StatusObserving, record.Status)
}

func TestObservationManager_CompletesAfterWindow(t *testing.T) {
	observer, sources, _ := newObserverFixture(t)
	record := deployableRecord(t, sources)
	started := time.Now()
	require.NoError(t, observer.DeployAndObserve(record, started))

	for i := 0; i < 30; i++ {
		observer.RecordCallOutcome("summarize", true)
	}

	verdict, err := observer.CheckObservation(record, started.Add(61*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, VerdictComplete, verdict)

	observer.Complete(record)
	assert.Equal(t, StatusCompleted, record.Status)
	assert.False(t, observer.HasOpenObservation("summarize"))

	// The candidate stays live after completion.
	live, err := sources.CurrentSource("summarize")
	require.NoError(t, err)
	assert.Contains(t, string(live), "'new'")
}

func TestObservationManager_OutcomesOutsideWindowAreIgnored(t *testing.T) {
	observer, _, _ := newObserverFixture(t)
	// No open observation; this must be a no-op, not a panic.
	observer.RecordCallOutcome("summarize", false)
	assert.False(t, observer.HasOpenObservation("summarize"))
}

func TestObservationManager_CheckWithoutObservation(t *testing.T) {
	observer, _, _ := newObserverFixture(t)
	record := NewRecord("summarize", Context{Cause: "test"})
	_, err := observer.CheckObservation(record, time.Now())
	assert.ErrorIs(t, err, ErrNoObservation)
}

func TestObservationManager_DeployToNewSkillHasEmptyPrevious(t *testing.T) {
	observer, sources, _ := newObserverFixture(t)

	record := NewRecord("fresh", Context{Cause: "test"})
	record.ApplyPatch(Patch{Source: "function handle(input) return 1 end"})
	record.Status = StatusCompilePassed

	require.NoError(t, observer.DeployAndObserve(record, time.Now()))
	assert.Empty(t, record.Observation.PreviousSource)

	require.NoError(t, observer.Rollback(record, "test", time.Now()))
	// Rolling back a first deployment leaves an empty live source.
	source, err := sources.CurrentSource("fresh")
	require.NoError(t, err)
	assert.Empty(t, source)
}
