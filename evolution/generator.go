package evolution

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/BaSui01/skillforge/llm"
	"github.com/BaSui01/skillforge/llm/retry"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Generation errors surfaced to the pipeline.
var (
	// ErrGenerationTimeout marks an LLM call that exceeded its deadline.
	ErrGenerationTimeout = errors.New("generation timeout")
	// ErrGeneration marks any other provider failure during generation.
	ErrGeneration = errors.New("generation failed")
	// ErrMalformedPatch marks a response the generator could not parse.
	ErrMalformedPatch = errors.New("malformed patch in response")
)

// GeneratorConfig configures the generation engine.
type GeneratorConfig struct {
	Model       string        `json:"model" yaml:"model"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
	MaxTokens   int           `json:"max_tokens" yaml:"max_tokens"`
	Temperature float32       `json:"temperature" yaml:"temperature"`

	// MaxRetries and RetryDelay bound transparent retries of provider
	// failures before the attempt surfaces as failed.
	MaxRetries int           `json:"max_retries" yaml:"max_retries"`
	RetryDelay time.Duration `json:"retry_delay" yaml:"retry_delay"`

	// RequestsPerMinute caps the LLM call rate across all records.
	RequestsPerMinute float64 `json:"requests_per_minute" yaml:"requests_per_minute"`
}

// DefaultGeneratorConfig returns the generation defaults.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		Timeout:           300 * time.Second,
		MaxTokens:         8192,
		Temperature:       0.2,
		MaxRetries:        3,
		RetryDelay:        5 * time.Second,
		RequestsPerMinute: 30,
	}
}

// UsageRecorder receives LLM request accounting from the generation and
// audit stages. *metrics.Collector satisfies it.
type UsageRecorder interface {
	RecordLLMRequest(provider, purpose, status string, promptTokens, completionTokens int)
}

// Generator drives the LLM to produce a complete replacement source for a
// skill. It always requests a full script, never a diff, which removes the
// whole class of format mismatches between generate and apply.
type Generator struct {
	provider llm.Provider
	retryer  retry.Retryer
	limiter  *rate.Limiter
	config   GeneratorConfig
	usage    UsageRecorder
	logger   *zap.Logger
}

// NewGenerator creates a generation engine.
func NewGenerator(provider llm.Provider, config GeneratorConfig, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultGeneratorConfig()
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
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = defaults.RequestsPerMinute
	}

	policy := &retry.Policy{
		MaxRetries:   config.MaxRetries,
		InitialDelay: config.RetryDelay,
		MaxDelay:     config.RetryDelay * 8,
		Multiplier:   2.0,
		Jitter:       true,
		RetryIf:      llm.IsRetryable,
	}

	return &Generator{
		provider: provider,
		retryer:  retry.NewBackoffRetryer(policy, logger),
		limiter:  rate.NewLimiter(rate.Limit(config.RequestsPerMinute/60.0), 1),
		config:   config,
		logger:   logger.With(zap.String("component", "generator")),
	}
}

// SetUsageRecorder attaches a sink for LLM request accounting.
func (g *Generator) SetUsageRecorder(r UsageRecorder) {
	g.usage = r
}

func (g *Generator) recordUsage(status string, usage llm.Usage) {
	if g.usage == nil {
		return
	}
	g.usage.RecordLLMRequest(g.provider.Name(), "generation", status, usage.PromptTokens, usage.CompletionTokens)
}

const generatorSystemPrompt = `You are a senior engineer maintaining a fleet of small Lua skills for an agent platform.
Each skill is a standalone Lua script that defines a global function handle(input) and returns its result.
When asked to fix a skill you always respond with the COMPLETE replacement script in a single fenced lua code block, followed by a short explanation of what you changed and why.
Never respond with a diff or a fragment.`

// Generate produces the first patch for a record from its trigger context.
func (g *Generator) Generate(ctx context.Context, record *EvolutionRecord) (Patch, error) {
	prompt := g.buildPrompt(record, nil)
	return g.complete(ctx, record, prompt)
}

// Regenerate produces a new patch informed by the accumulated feedback
// history. The caller must have cleared the prior stage results via
// EvolutionRecord.ApplyPatch once the new patch is installed.
func (g *Generator) Regenerate(ctx context.Context, record *EvolutionRecord) (Patch, error) {
	prompt := g.buildPrompt(record, record.Feedback)
	return g.complete(ctx, record, prompt)
}

func (g *Generator) buildPrompt(record *EvolutionRecord, feedback []FeedbackEntry) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Skill %q is misbehaving and needs a rewrite.\n\n", record.SkillName)
	fmt.Fprintf(&b, "Trigger cause: %s\n", record.Context.Cause)
	if record.Context.ErrorStack != "" {
		fmt.Fprintf(&b, "\nCaptured error:\n%s\n", record.Context.ErrorStack)
	}
	if record.Context.SourceSnippet != "" {
		fmt.Fprintf(&b, "\nCurrent source:\n```lua\n%s\n```\n", record.Context.SourceSnippet)
	}
	if len(record.Context.ToolSchemas) > 0 {
		b.WriteString("\nTools available to this skill:\n")
		for _, tool := range record.Context.ToolSchemas {
			fmt.Fprintf(&b, "- %s: %s\n", tool.Name, tool.Description)
		}
	}

	for _, entry := range feedback {
		fmt.Fprintf(&b, "\nAttempt %d was rejected at the %s stage:\n%s\n", entry.Attempt, entry.Stage, entry.Feedback)
		if entry.PreviousSource != "" {
			fmt.Fprintf(&b, "The rejected script was:\n```lua\n%s\n```\n", entry.PreviousSource)
		}
	}

	b.WriteString("\nWrite the complete replacement script now.")
	return b.String()
}

func (g *Generator) complete(ctx context.Context, record *EvolutionRecord, prompt string) (Patch, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return Patch{}, fmt.Errorf("%w: %v", ErrGeneration, err)
	}

	start := time.Now()
	result, err := g.retryer.DoWithResult(ctx, func() (any, error) {
		return g.provider.Completion(ctx, &llm.GenerateRequest{
			TraceID: record.ID,
			Model:   g.config.Model,
			Messages: []llm.Message{
				{Role: llm.RoleSystem, Content: generatorSystemPrompt},
				{Role: llm.RoleUser, Content: prompt},
			},
			MaxTokens:   g.config.MaxTokens,
			Temperature: g.config.Temperature,
			Timeout:     g.config.Timeout,
		})
	})
	if err != nil {
		g.recordUsage("error", llm.Usage{})
		if llm.IsTimeout(err) {
			return Patch{}, fmt.Errorf("%w: %v", ErrGenerationTimeout, err)
		}
		return Patch{}, fmt.Errorf("%w: %v", ErrGeneration, err)
	}

	resp := result.(*llm.GenerateResponse)
	g.recordUsage("ok", resp.Usage)
	source, explanation, err := parsePatchResponse(resp.Content)
	if err != nil {
		return Patch{}, err
	}

	g.logger.Info("patch generated",
		zap.String("evolution_id", record.ID),
		zap.String("skill", record.SkillName),
		zap.Int("attempt", record.Attempt),
		zap.Duration("latency", time.Since(start)),
		zap.Int("source_bytes", len(source)),
	)

	return Patch{
		Source:      source,
		Explanation: explanation,
		GeneratedAt: time.Now(),
	}, nil
}

var fencedLua = regexp.MustCompile("(?s)```(?:lua)?\\s*\\n(.*?)```")

// parsePatchResponse extracts the replacement script and the surrounding
// explanation from a model response.
func parsePatchResponse(content string) (source, explanation string, err error) {
	match := fencedLua.FindStringSubmatchIndex(content)
	if match == nil {
		return "", "", fmt.Errorf("%w: no fenced code block", ErrMalformedPatch)
	}

	source = strings.TrimSpace(content[match[2]:match[3]])
	if source == "" {
		return "", "", fmt.Errorf("%w: empty code block", ErrMalformedPatch)
	}

	explanation = strings.TrimSpace(content[:match[0]] + content[match[1]:])
	return source, explanation, nil
}
