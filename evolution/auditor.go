package evolution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/skillforge/llm"
	"github.com/BaSui01/skillforge/llm/retry"
	"go.uber.org/zap"
)

// Audit errors surfaced to the pipeline.
var (
	// ErrAuditFailed marks a candidate rejected by the audit stage.
	ErrAuditFailed = errors.New("audit failed")
	// ErrAuditUnavailable marks a provider failure during audit.
	ErrAuditUnavailable = errors.New("audit unavailable")
)

// AuditorConfig configures the audit stage.
type AuditorConfig struct {
	Model      string        `json:"model" yaml:"model"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`
	MaxTokens  int           `json:"max_tokens" yaml:"max_tokens"`
	MaxRetries int           `json:"max_retries" yaml:"max_retries"`
	RetryDelay time.Duration `json:"retry_delay" yaml:"retry_delay"`
}

// DefaultAuditorConfig returns the audit defaults.
func DefaultAuditorConfig() AuditorConfig {
	return AuditorConfig{
		Timeout:    120 * time.Second,
		MaxTokens:  2048,
		MaxRetries: 3,
		RetryDelay: 5 * time.Second,
	}
}

// Auditor runs the second LLM pass over a candidate. It always audits the
// resolved final script, never a diff-like artifact: verdicts on partial
// payloads are unreliable.
type Auditor struct {
	provider llm.Provider
	retryer  retry.Retryer
	config   AuditorConfig
	usage    UsageRecorder
	logger   *zap.Logger
}

// NewAuditor creates an audit stage.
func NewAuditor(provider llm.Provider, config AuditorConfig, logger *zap.Logger) *Auditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultAuditorConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = defaults.MaxTokens
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaults.RetryDelay
	}

	policy := &retry.Policy{
		MaxRetries:   config.MaxRetries,
		InitialDelay: config.RetryDelay,
		MaxDelay:     config.RetryDelay * 8,
		Multiplier:   2.0,
		Jitter:       true,
		RetryIf:      llm.IsRetryable,
	}

	return &Auditor{
		provider: provider,
		retryer:  retry.NewBackoffRetryer(policy, logger),
		config:   config,
		logger:   logger.With(zap.String("component", "auditor")),
	}
}

// SetUsageRecorder attaches a sink for LLM request accounting.
func (a *Auditor) SetUsageRecorder(r UsageRecorder) {
	a.usage = r
}

func (a *Auditor) recordUsage(status string, usage llm.Usage) {
	if a.usage == nil {
		return
	}
	a.usage.RecordLLMRequest(a.provider.Name(), "audit", status, usage.PromptTokens, usage.CompletionTokens)
}

const auditorSystemPrompt = `You are a strict code reviewer for Lua skills running on an agent platform.
Review the complete script you are given for safety and quality issues: infinite loops, unbounded recursion, missing error handling, undefined globals, leaked secrets, destructive operations, and behavior that contradicts the stated intent.
Respond with a single JSON object and nothing else:
{"passed": true|false, "issues": [{"severity": "info"|"warning"|"critical", "category": "...", "message": "..."}]}`

// Audit reviews a record's resolved candidate script and returns the
// verdict. A critical issue forces fail regardless of the model's verdict.
func (a *Auditor) Audit(ctx context.Context, record *EvolutionRecord) (AuditResult, error) {
	if record.Patch == nil || strings.TrimSpace(record.Patch.Source) == "" {
		return AuditResult{}, fmt.Errorf("%w: record has no candidate script", ErrAuditUnavailable)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Skill: %s\nIntent of the rewrite: %s\n", record.SkillName, record.Context.Cause)
	if record.Patch.Explanation != "" {
		fmt.Fprintf(&b, "Author's explanation: %s\n", record.Patch.Explanation)
	}
	fmt.Fprintf(&b, "\nScript under review:\n```lua\n%s\n```\n", record.Patch.Source)

	result, err := a.retryer.DoWithResult(ctx, func() (any, error) {
		return a.provider.Completion(ctx, &llm.GenerateRequest{
			TraceID: record.ID,
			Model:   a.config.Model,
			Messages: []llm.Message{
				{Role: llm.RoleSystem, Content: auditorSystemPrompt},
				{Role: llm.RoleUser, Content: b.String()},
			},
			MaxTokens: a.config.MaxTokens,
			Timeout:   a.config.Timeout,
		})
	})
	if err != nil {
		a.recordUsage("error", llm.Usage{})
		return AuditResult{}, fmt.Errorf("%w: %v", ErrAuditUnavailable, err)
	}

	resp := result.(*llm.GenerateResponse)
	a.recordUsage("ok", resp.Usage)
	verdict, err := parseAuditVerdict(resp.Content)
	if err != nil {
		return AuditResult{}, err
	}
	verdict.AuditedAt = time.Now()

	if verdict.HasCritical() {
		verdict.Passed = false
	}

	a.logger.Info("audit finished",
		zap.String("evolution_id", record.ID),
		zap.String("skill", record.SkillName),
		zap.Bool("passed", verdict.Passed),
		zap.Int("issues", len(verdict.Issues)),
	)
	return verdict, nil
}

// parseAuditVerdict extracts the JSON verdict from a model response,
// tolerating surrounding prose or a fenced block.
func parseAuditVerdict(content string) (AuditResult, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return AuditResult{}, fmt.Errorf("%w: no JSON verdict in response", ErrAuditUnavailable)
	}

	var verdict AuditResult
	if err := json.Unmarshal([]byte(content[start:end+1]), &verdict); err != nil {
		return AuditResult{}, fmt.Errorf("%w: unparseable verdict: %v", ErrAuditUnavailable, err)
	}
	return verdict, nil
}

// SummarizeIssues renders audit issues as feedback text for regeneration.
func SummarizeIssues(issues []AuditIssue) string {
	if len(issues) == 0 {
		return "audit rejected the script without specific issues"
	}
	var b strings.Builder
	for _, issue := range issues {
		fmt.Fprintf(&b, "[%s/%s] %s\n", issue.Severity, issue.Category, issue.Message)
	}
	return strings.TrimSpace(b.String())
}
