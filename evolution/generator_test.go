package evolution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/skillforge/llm"
)

func fastGeneratorConfig() GeneratorConfig {
	cfg := DefaultGeneratorConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.RequestsPerMinute = 60_000
	return cfg
}

const generatedResponse = "Here is the fix.\n```lua\nfunction handle(input)\n    return { ok = true }\nend\n```\nThe old script indexed a nil table."

func TestGenerator_Generate(t *testing.T) {
	provider := newFakeProvider(fakeResponse{content: generatedResponse})
	gen := NewGenerator(provider, fastGeneratorConfig(), zap.NewNop())

	record := NewRecord("summarize", Context{
		Cause:         "error threshold",
		ErrorStack:    "attempt to index a nil value",
		SourceSnippet: "function handle(input) return input.x.y end",
	})

	patch, err := gen.Generate(context.Background(), record)
	require.NoError(t, err)
	assert.Contains(t, patch.Source, "function handle(input)")
	assert.Contains(t, patch.Explanation, "nil table")
	assert.False(t, patch.GeneratedAt.IsZero())

	// The prompt carries the trigger context.
	prompt := provider.lastPrompt()
	assert.Contains(t, prompt, "error threshold")
	assert.Contains(t, prompt, "attempt to index a nil value")
	assert.Contains(t, prompt, "return input.x.y")
}

func TestGenerator_RegenerateIncludesFeedback(t *testing.T) {
	provider := newFakeProvider(fakeResponse{content: generatedResponse})
	gen := NewGenerator(provider, fastGeneratorConfig(), zap.NewNop())

	record := NewRecord("summarize", Context{Cause: "error threshold"})
	record.ApplyPatch(Patch{Source: "function handle(input) return os.execute('rm') end"})
	record.AddFeedback("audit", "script shells out, which skills must never do")

	_, err := gen.Regenerate(context.Background(), record)
	require.NoError(t, err)

	prompt := provider.lastPrompt()
	assert.Contains(t, prompt, "rejected at the audit stage")
	assert.Contains(t, prompt, "must never do")
	assert.Contains(t, prompt, "os.execute")
}

func TestGenerator_RetriesRetryableErrors(t *testing.T) {
	provider := newFakeProvider(
		fakeResponse{err: &llm.Error{Code: llm.ErrRateLimited, Message: "slow down", Retryable: true}},
		fakeResponse{content: generatedResponse},
	)
	gen := NewGenerator(provider, fastGeneratorConfig(), zap.NewNop())

	record := NewRecord("summarize", Context{Cause: "test"})
	patch, err := gen.Generate(context.Background(), record)
	require.NoError(t, err)
	assert.NotEmpty(t, patch.Source)
	assert.Equal(t, 2, provider.callCount())
}

func TestGenerator_DoesNotRetryFatalErrors(t *testing.T) {
	provider := newFakeProvider(
		fakeResponse{err: &llm.Error{Code: llm.ErrUnauthorized, Message: "bad key"}},
	)
	gen := NewGenerator(provider, fastGeneratorConfig(), zap.NewNop())

	record := NewRecord("summarize", Context{Cause: "test"})
	_, err := gen.Generate(context.Background(), record)
	assert.ErrorIs(t, err, ErrGeneration)
	assert.Equal(t, 1, provider.callCount())
}

func TestGenerator_MalformedResponse(t *testing.T) {
	provider := newFakeProvider(fakeResponse{content: "I cannot fix this skill, sorry."})
	gen := NewGenerator(provider, fastGeneratorConfig(), zap.NewNop())

	record := NewRecord("summarize", Context{Cause: "test"})
	_, err := gen.Generate(context.Background(), record)
	assert.ErrorIs(t, err, ErrMalformedPatch)
}

func TestGenerator_RecordsUsage(t *testing.T) {
	provider := newFakeProvider(fakeResponse{
		content: generatedResponse,
		usage:   llm.Usage{PromptTokens: 120, CompletionTokens: 48},
	})
	gen := NewGenerator(provider, fastGeneratorConfig(), zap.NewNop())
	recorder := &fakeUsageRecorder{}
	gen.SetUsageRecorder(recorder)

	record := NewRecord("summarize", Context{Cause: "test"})
	_, err := gen.Generate(context.Background(), record)
	require.NoError(t, err)

	entries := recorder.recorded()
	require.Len(t, entries, 1)
	assert.Equal(t, usageEntry{
		provider:         "fake",
		purpose:          "generation",
		status:           "ok",
		promptTokens:     120,
		completionTokens: 48,
	}, entries[0])
}

func TestGenerator_RecordsFailedRequests(t *testing.T) {
	provider := newFakeProvider(
		fakeResponse{err: &llm.Error{Code: llm.ErrUnauthorized, Message: "bad key"}},
	)
	gen := NewGenerator(provider, fastGeneratorConfig(), zap.NewNop())
	recorder := &fakeUsageRecorder{}
	gen.SetUsageRecorder(recorder)

	record := NewRecord("summarize", Context{Cause: "test"})
	_, err := gen.Generate(context.Background(), record)
	require.ErrorIs(t, err, ErrGeneration)

	entries := recorder.recorded()
	require.Len(t, entries, 1)
	assert.Equal(t, "error", entries[0].status)
	assert.Equal(t, "generation", entries[0].purpose)
}

func TestParsePatchResponse(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		wantSource  string
		wantExplain string
		wantErr     bool
	}{
		{
			name:        "lua fence with explanation",
			content:     "Fixed it.\n```lua\nreturn 1\n```\nDone.",
			wantSource:  "return 1",
			wantExplain: "Fixed it.\nDone.",
		},
		{
			name:       "bare fence",
			content:    "```\nreturn 2\n```",
			wantSource: "return 2",
		},
		{
			name:    "no fence",
			content: "just prose",
			wantErr: true,
		},
		{
			name:    "empty fence",
			content: "```lua\n\n```",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source, explanation, err := parsePatchResponse(tt.content)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedPatch)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSource, source)
			assert.Equal(t, tt.wantExplain, explanation)
		})
	}
}
