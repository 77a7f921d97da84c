package evolution

import (
	"context"
	"sync"

	"github.com/BaSui01/skillforge/llm"
)

// fakeProvider returns scripted responses in order, then repeats the last.
type fakeProvider struct {
	mu        sync.Mutex
	responses []fakeResponse
	calls     int
	requests  []*llm.GenerateRequest
}

type fakeResponse struct {
	content string
	usage   llm.Usage
	err     error
}

func newFakeProvider(responses ...fakeResponse) *fakeProvider {
	return &fakeProvider{responses: responses}
}

func (p *fakeProvider) Completion(ctx context.Context, req *llm.GenerateRequest) (*llm.GenerateResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests = append(p.requests, req)
	idx := p.calls
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	p.calls++

	r := p.responses[idx]
	if r.err != nil {
		return nil, r.err
	}
	return &llm.GenerateResponse{
		ID:       "fake",
		Provider: p.Name(),
		Content:  r.content,
		Usage:    r.usage,
	}, nil
}

func (p *fakeProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// fakeUsageRecorder captures LLM request accounting for assertions.
type fakeUsageRecorder struct {
	mu      sync.Mutex
	entries []usageEntry
}

type usageEntry struct {
	provider, purpose, status      string
	promptTokens, completionTokens int
}

func (r *fakeUsageRecorder) RecordLLMRequest(provider, purpose, status string, promptTokens, completionTokens int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, usageEntry{provider, purpose, status, promptTokens, completionTokens})
}

func (r *fakeUsageRecorder) recorded() []usageEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]usageEntry(nil), r.entries...)
}

func (p *fakeProvider) lastPrompt() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return ""
	}
	req := p.requests[len(p.requests)-1]
	return req.Messages[len(req.Messages)-1].Content
}
