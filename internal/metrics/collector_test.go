package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// Collectors register on the default registry, so each test needs its own
// namespace to avoid duplicate registration panics.
var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.evolutionsTriggered)
	assert.NotNil(t, collector.evolutionsFinished)
	assert.NotNil(t, collector.stageTransitions)
	assert.NotNil(t, collector.stageDuration)
	assert.NotNil(t, collector.llmRequestsTotal)
	assert.NotNil(t, collector.llmTokensUsed)
	assert.NotNil(t, collector.skillCallsTotal)
	assert.NotNil(t, collector.rollbacksTotal)
}

func TestCollector_RecordLLMRequest(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordLLMRequest("openai", "generation", "ok", 120, 48)

	count := testutil.CollectAndCount(collector.llmRequestsTotal)
	assert.Greater(t, count, 0)

	tokensCount := testutil.CollectAndCount(collector.llmTokensUsed)
	assert.Equal(t, 2, tokensCount)

	prompt := testutil.ToFloat64(collector.llmTokensUsed.WithLabelValues("openai", "prompt"))
	assert.Equal(t, float64(120), prompt)
	completion := testutil.ToFloat64(collector.llmTokensUsed.WithLabelValues("openai", "completion"))
	assert.Equal(t, float64(48), completion)
}

func TestCollector_RecordLLMRequestFailure(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	// Failed requests carry no usage and must not create token series.
	collector.RecordLLMRequest("openai", "audit", "error", 0, 0)

	count := testutil.CollectAndCount(collector.llmRequestsTotal)
	assert.Equal(t, 1, count)
	assert.Equal(t, 0, testutil.CollectAndCount(collector.llmTokensUsed))
}

func TestCollector_RecordEvolutionLifecycle(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordEvolutionTriggered("summarize", "error_threshold")
	collector.RecordStage("generated", 2*time.Second)
	collector.RecordEvolutionFinished("summarize", "completed")

	assert.Greater(t, testutil.CollectAndCount(collector.evolutionsTriggered), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.stageTransitions), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.evolutionsFinished), 0)
}

func TestCollector_RecordSkillCall(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordSkillCall("summarize", true)
	collector.RecordSkillCall("summarize", false)

	ok := testutil.ToFloat64(collector.skillCallsTotal.WithLabelValues("summarize", "ok"))
	assert.Equal(t, float64(1), ok)
	failed := testutil.ToFloat64(collector.skillCallsTotal.WithLabelValues("summarize", "error"))
	assert.Equal(t, float64(1), failed)
}

func TestCollector_Gauges(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.SetOpenObservations(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(collector.observationsOpen))

	collector.SetActiveBlocks(2)
	assert.Equal(t, float64(2), testutil.ToFloat64(collector.capabilityBlocks))
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			collector.RecordLLMRequest("openai", "generation", "ok", 100, 50)
			collector.RecordSkillCall("summarize", true)
			collector.RecordRollback("summarize", "error_rate")
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	llm := testutil.ToFloat64(collector.llmRequestsTotal.WithLabelValues("openai", "generation", "ok"))
	assert.Equal(t, float64(10), llm)
	rollbacks := testutil.ToFloat64(collector.rollbacksTotal.WithLabelValues("summarize", "error_rate"))
	assert.Equal(t, float64(10), rollbacks)
}
