package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// OpenAIConfig configures an OpenAI-compatible chat completion endpoint.
// Most self-hosted and commercial providers expose this wire format.
type OpenAIConfig struct {
	APIKey         string        `json:"api_key" yaml:"api_key"`
	BaseURL        string        `json:"base_url" yaml:"base_url"`
	Model          string        `json:"model" yaml:"model"`
	DefaultTimeout time.Duration `json:"default_timeout" yaml:"default_timeout"`
}

// OpenAIProvider talks to any OpenAI-compatible /chat/completions endpoint.
type OpenAIProvider struct {
	config OpenAIConfig
	client *http.Client
	logger *zap.Logger
}

// NewOpenAIProvider creates a provider. The HTTP client carries no timeout of
// its own; each request is bounded by its own per-call deadline.
func NewOpenAIProvider(config OpenAIConfig, logger *zap.Logger) *OpenAIProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://api.openai.com/v1"
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 300 * time.Second
	}
	return &OpenAIProvider{
		config: config,
		client: &http.Client{},
		logger: logger.With(zap.String("component", "openai_provider")),
	}
}

func (p *OpenAIProvider) Name() string { return "openai-compat" }

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float32         `json:"temperature,omitempty"`
	Stream      bool            `json:"stream"`
}

type openAIChoice struct {
	Index        int           `json:"index"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Message      openAIMessage `json:"message"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
	Error   *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Completion implements Provider.
func (p *OpenAIProvider) Completion(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, &Error{Code: ErrInvalidRequest, Message: "empty request", Provider: p.Name()}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = p.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	model := req.Model
	if model == "" {
		model = p.config.Model
	}

	body := openAIRequest{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, openAIMessage{Role: string(m.Role), Content: m.Content})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Code: ErrInvalidRequest, Message: fmt.Sprintf("marshal request: %v", err), Provider: p.Name()}
	}

	url := strings.TrimRight(p.config.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Code: ErrInvalidRequest, Message: err.Error(), Provider: p.Name()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &Error{Code: ErrUpstreamTimeout, Message: fmt.Sprintf("request timed out after %v", timeout), Retryable: true, Provider: p.Name()}
		}
		return nil, &Error{Code: ErrProviderUnavailable, Message: err.Error(), Retryable: true, Provider: p.Name()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Code: ErrUpstreamError, Message: fmt.Sprintf("read response: %v", err), Retryable: true, Provider: p.Name()}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, p.mapHTTPError(resp.StatusCode, data)
	}

	var parsed openAIResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, &Error{Code: ErrUpstreamError, Message: fmt.Sprintf("decode response: %v", err), Provider: p.Name()}
	}
	if parsed.Error != nil {
		return nil, &Error{Code: ErrUpstreamError, Message: parsed.Error.Message, Provider: p.Name()}
	}
	if len(parsed.Choices) == 0 {
		return nil, &Error{Code: ErrUpstreamError, Message: "no choices in response", Retryable: true, Provider: p.Name()}
	}

	p.logger.Debug("completion finished",
		zap.String("model", parsed.Model),
		zap.Duration("latency", time.Since(start)),
		zap.Int("total_tokens", parsed.Usage.TotalTokens),
	)

	return &GenerateResponse{
		ID:       parsed.ID,
		Provider: p.Name(),
		Model:    parsed.Model,
		Content:  parsed.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
		CreatedAt: time.Now(),
	}, nil
}

func (p *OpenAIProvider) mapHTTPError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Code: ErrUnauthorized, Message: msg, Provider: p.Name()}
	case status == http.StatusTooManyRequests:
		return &Error{Code: ErrRateLimited, Message: msg, Retryable: true, Provider: p.Name()}
	case status == http.StatusBadRequest:
		return &Error{Code: ErrInvalidRequest, Message: msg, Provider: p.Name()}
	case status >= 500:
		return &Error{Code: ErrUpstreamError, Message: msg, Retryable: true, Provider: p.Name()}
	default:
		return &Error{Code: ErrUpstreamError, Message: fmt.Sprintf("unexpected status %d: %s", status, msg), Provider: p.Name()}
	}
}

// HealthCheck implements Provider with a minimal single-token request.
func (p *OpenAIProvider) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	start := time.Now()
	_, err := p.Completion(ctx, &GenerateRequest{
		Messages:  []Message{{Role: RoleUser, Content: "ping"}},
		MaxTokens: 1,
		Timeout:   10 * time.Second,
	})
	status := &HealthStatus{Healthy: err == nil, Latency: time.Since(start)}
	if err != nil {
		return status, err
	}
	return status, nil
}

var _ Provider = (*OpenAIProvider)(nil)
