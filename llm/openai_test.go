package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func completionResponse(content string) map[string]any {
	return map[string]any{
		"id":    "chatcmpl-123",
		"model": "gpt-4o",
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}},
		},
		"usage": map[string]any{
			"prompt_tokens":     12,
			"completion_tokens": 4,
			"total_tokens":      16,
		},
	}
}

func TestOpenAIProvider_Completion(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(completionResponse("hello back"))
	}))
	defer server.Close()

	provider := NewOpenAIProvider(OpenAIConfig{
		APIKey:  "sk-test",
		BaseURL: server.URL,
		Model:   "gpt-4o",
	}, zap.NewNop())

	resp, err := provider.Completion(context.Background(), &GenerateRequest{
		Messages:  []Message{{Role: RoleUser, Content: "hello"}},
		MaxTokens: 64,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello back", resp.Content)
	assert.Equal(t, "chatcmpl-123", resp.ID)
	assert.Equal(t, 16, resp.Usage.TotalTokens)

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "gpt-4o", gotBody["model"])
}

func TestOpenAIProvider_EmptyRequest(t *testing.T) {
	provider := NewOpenAIProvider(OpenAIConfig{BaseURL: "http://unused"}, zap.NewNop())

	_, err := provider.Completion(context.Background(), &GenerateRequest{})
	var llmErr *Error
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, ErrInvalidRequest, llmErr.Code)
	assert.False(t, llmErr.Retryable)
}

func TestOpenAIProvider_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCode  ErrorCode
		retryable bool
	}{
		{"unauthorized", http.StatusUnauthorized, ErrUnauthorized, false},
		{"forbidden", http.StatusForbidden, ErrUnauthorized, false},
		{"rate limited", http.StatusTooManyRequests, ErrRateLimited, true},
		{"bad request", http.StatusBadRequest, ErrInvalidRequest, false},
		{"server error", http.StatusInternalServerError, ErrUpstreamError, true},
		{"bad gateway", http.StatusBadGateway, ErrUpstreamError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "upstream says no", tt.status)
			}))
			defer server.Close()

			provider := NewOpenAIProvider(OpenAIConfig{BaseURL: server.URL}, zap.NewNop())
			_, err := provider.Completion(context.Background(), &GenerateRequest{
				Messages: []Message{{Role: RoleUser, Content: "x"}},
			})

			var llmErr *Error
			require.ErrorAs(t, err, &llmErr)
			assert.Equal(t, tt.wantCode, llmErr.Code)
			assert.Equal(t, tt.retryable, llmErr.Retryable)
			assert.Equal(t, tt.retryable, IsRetryable(err))
		})
	}
}

func TestOpenAIProvider_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		json.NewEncoder(w).Encode(completionResponse("late"))
	}))
	defer server.Close()

	provider := NewOpenAIProvider(OpenAIConfig{BaseURL: server.URL}, zap.NewNop())
	_, err := provider.Completion(context.Background(), &GenerateRequest{
		Messages: []Message{{Role: RoleUser, Content: "x"}},
		Timeout:  20 * time.Millisecond,
	})

	var llmErr *Error
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, ErrUpstreamTimeout, llmErr.Code)
	assert.True(t, IsTimeout(err))
	assert.True(t, IsRetryable(err))
}

func TestOpenAIProvider_NoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": "x", "choices": []any{}})
	}))
	defer server.Close()

	provider := NewOpenAIProvider(OpenAIConfig{BaseURL: server.URL}, zap.NewNop())
	_, err := provider.Completion(context.Background(), &GenerateRequest{
		Messages: []Message{{Role: RoleUser, Content: "x"}},
	})

	var llmErr *Error
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, ErrUpstreamError, llmErr.Code)
}

func TestOpenAIProvider_HealthCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(completionResponse("pong"))
	}))
	defer server.Close()

	provider := NewOpenAIProvider(OpenAIConfig{BaseURL: server.URL}, zap.NewNop())
	status, err := provider.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Healthy)
	assert.Greater(t, status.Latency, time.Duration(0))
}

func TestIsRetryable_NonProviderError(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(context.Canceled))
}
