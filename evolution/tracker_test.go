package evolution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

func newTestTracker(threshold int) *ErrorTracker {
	return NewErrorTracker(TrackerConfig{
		Window:    10 * time.Minute,
		Threshold: threshold,
		Cooldown:  time.Hour,
	}, zap.NewNop())
}

func TestErrorTracker_TriggersOnThresholdExactlyOnce(t *testing.T) {
	tracker := newTestTracker(5)
	now := time.Now()

	for i := 0; i < 4; i++ {
		assert.False(t, tracker.RecordError("summarize", now.Add(time.Duration(i)*time.Second)))
	}
	// The fifth error within the window fires the trigger.
	assert.True(t, tracker.RecordError("summarize", now.Add(4*time.Second)))
	// Further errors in the same window stay suppressed.
	assert.False(t, tracker.RecordError("summarize", now.Add(5*time.Second)))
	assert.False(t, tracker.RecordError("summarize", now.Add(6*time.Second)))
}

func TestErrorTracker_CountsAreNeverZeroed(t *testing.T) {
	tracker := newTestTracker(5)
	now := time.Now()

	for i := 0; i < 5; i++ {
		tracker.RecordError("summarize", now)
	}
	tracker.SetCooldown("summarize", time.Hour, now)

	// The in-window count survives the trigger and the cooldown.
	assert.Equal(t, 5, tracker.ErrorCount("summarize", now))
}

func TestErrorTracker_WindowDecay(t *testing.T) {
	tracker := newTestTracker(5)
	now := time.Now()

	for i := 0; i < 4; i++ {
		tracker.RecordError("summarize", now)
	}
	// A fifth error far outside the window sees only itself.
	later := now.Add(11 * time.Minute)
	assert.False(t, tracker.RecordError("summarize", later))
	assert.Equal(t, 1, tracker.ErrorCount("summarize", later))
}

func TestErrorTracker_CooldownSuppressesTrigger(t *testing.T) {
	tracker := newTestTracker(5)
	now := time.Now()

	tracker.SetCooldown("summarize", time.Hour, now)
	for i := 0; i < 10; i++ {
		assert.False(t, tracker.RecordError("summarize", now.Add(time.Duration(i)*time.Second)))
	}
	assert.True(t, tracker.IsInCooldown("summarize", now))
	assert.False(t, tracker.IsInCooldown("summarize", now.Add(2*time.Hour)))
}

func TestErrorTracker_ResetTriggerRearms(t *testing.T) {
	tracker := newTestTracker(3)
	now := time.Now()

	for i := 0; i < 3; i++ {
		tracker.RecordError("summarize", now)
	}
	assert.False(t, tracker.RecordError("summarize", now.Add(time.Second)))

	tracker.ResetTrigger("summarize")
	// Existing in-window errors plus one more fire again immediately.
	assert.True(t, tracker.RecordError("summarize", now.Add(2*time.Second)))
}

func TestErrorTracker_SkillsAreIndependent(t *testing.T) {
	tracker := newTestTracker(2)
	now := time.Now()

	tracker.RecordError("summarize", now)
	assert.False(t, tracker.RecordError("translate", now))
	assert.True(t, tracker.RecordError("translate", now.Add(time.Second)))
	assert.True(t, tracker.RecordError("summarize", now.Add(time.Second)))
}

func TestErrorTracker_CountNeverExceedsRecorded(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		window := 10 * time.Minute
		tracker := NewErrorTracker(TrackerConfig{
			Window:    window,
			Threshold: rapid.IntRange(1, 10).Draw(t, "threshold"),
			Cooldown:  time.Hour,
		}, zap.NewNop())

		base := time.Unix(1_700_000_000, 0)
		total := 0
		now := base
		steps := rapid.IntRange(1, 50).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			now = now.Add(time.Duration(rapid.Int64Range(0, int64(2*window)).Draw(t, "advance")))
			tracker.RecordError("skill", now)
			total++

			count := tracker.ErrorCount("skill", now)
			if count < 1 || count > total {
				t.Fatalf("count %d outside [1, %d]", count, total)
			}
		}
	})
}
