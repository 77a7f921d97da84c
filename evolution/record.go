// Package evolution implements the skill evolution pipeline: trigger
// detection, LLM-driven regeneration and audit, a local compile/fixture
// gate, and time-boxed production observation with automatic rollback.
package evolution

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an evolution record.
type Status string

const (
	// StatusPending marks a record that is persisted but has no generated
	// patch yet. Records are durable before the first LLM call so a crash
	// mid-generation cannot lose the trigger.
	StatusPending Status = "pending"

	StatusGenerated     Status = "generated"
	StatusAudited       Status = "audited"
	StatusCompilePassed Status = "compile_passed"
	StatusCompileFailed Status = "compile_failed"
	StatusObserving     Status = "observing"
	StatusCompleted     Status = "completed"
	StatusRolledBack    Status = "rolled_back"
	StatusFailed        Status = "failed"
)

// IsTerminal reports whether no further stage may run on this status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsActive reports whether the record still owns its skill's evolution. A
// rolled-back record stays on disk as history but is no longer active.
func (s Status) IsActive() bool {
	return !s.IsTerminal() && s != StatusRolledBack
}

// ToolSchema describes a tool available to the skill, passed to the
// generation prompt so the rewrite can keep calling the same tools.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Context captures the situation that triggered an evolution. It is written
// once at trigger time and only replaced wholesale when a new attempt
// regenerates it.
type Context struct {
	VersionID     string       `json:"version_id"`
	Cause         string       `json:"cause"`
	ErrorStack    string       `json:"error_stack,omitempty"`
	SourceSnippet string       `json:"source_snippet,omitempty"`
	ToolSchemas   []ToolSchema `json:"tool_schemas,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// Patch is one generated full replacement source. It is replaced wholesale
// on each regeneration, never merged.
type Patch struct {
	Source      string    `json:"source"`
	Explanation string    `json:"explanation,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Severity grades an audit issue.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AuditIssue is one finding from the audit stage.
type AuditIssue struct {
	Severity Severity `json:"severity"`
	Category string   `json:"category"`
	Message  string   `json:"message"`
}

// AuditResult is the verdict of the audit stage. A critical issue forces
// Passed to false regardless of the model's own verdict.
type AuditResult struct {
	Passed    bool         `json:"passed"`
	Issues    []AuditIssue `json:"issues,omitempty"`
	AuditedAt time.Time    `json:"audited_at"`
}

// HasCritical reports whether any issue is critical.
func (r *AuditResult) HasCritical() bool {
	for _, issue := range r.Issues {
		if issue.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// CompileResult is the outcome of the local compile/fixture check.
type CompileResult struct {
	Passed      bool      `json:"passed"`
	Diagnostics string    `json:"diagnostics,omitempty"`
	CheckedAt   time.Time `json:"checked_at"`
}

// Observation tracks a deployed candidate through its live window.
// PreviousSource holds the source that was live before the swap so a
// rollback is a plain atomic write, not a diff reverse.
type Observation struct {
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	ErrorThreshold float64       `json:"error_threshold"`
	MinSample      int           `json:"min_sample"`
	Calls          int64         `json:"calls"`
	Errors         int64         `json:"errors"`
	PreviousSource string        `json:"previous_source,omitempty"`
}

// ErrorRate returns the observed error rate, zero when no calls were seen.
func (o *Observation) ErrorRate() float64 {
	if o.Calls == 0 {
		return 0
	}
	return float64(o.Errors) / float64(o.Calls)
}

// FeedbackEntry is one piece of retry memory. The history accumulates across
// attempts and is never truncated by a retry.
type FeedbackEntry struct {
	Attempt        int       `json:"attempt"`
	Stage          string    `json:"stage"`
	Feedback       string    `json:"feedback"`
	PreviousSource string    `json:"previous_source,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// EvolutionRecord is the persisted state of one attempted revision of a
// skill across its generate/audit/compile/observe lifecycle.
type EvolutionRecord struct {
	ID        string `json:"id"`
	SkillName string `json:"skill_name"`
	Attempt   int    `json:"attempt"`

	Context       Context         `json:"context"`
	Patch         *Patch          `json:"patch,omitempty"`
	Audit         *AuditResult    `json:"audit,omitempty"`
	CompileResult *CompileResult  `json:"compile_result,omitempty"`
	Observation   *Observation    `json:"observation,omitempty"`
	Feedback      []FeedbackEntry `json:"feedback_history,omitempty"`

	Status    Status `json:"status"`
	LastError string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRecord creates a pending record for a skill with its trigger context.
func NewRecord(skillName string, evoCtx Context) *EvolutionRecord {
	now := time.Now()
	if evoCtx.CreatedAt.IsZero() {
		evoCtx.CreatedAt = now
	}
	return &EvolutionRecord{
		ID:        uuid.New().String(),
		SkillName: skillName,
		Attempt:   1,
		Context:   evoCtx,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Touch refreshes the update timestamp.
func (r *EvolutionRecord) Touch() {
	r.UpdatedAt = time.Now()
}

// ApplyPatch installs a generated patch and moves the record to Generated.
// Stage results from any earlier attempt are cleared together; a Generated
// record never carries a stale audit, compile result or observation.
func (r *EvolutionRecord) ApplyPatch(patch Patch) {
	r.Patch = &patch
	r.Audit = nil
	r.CompileResult = nil
	r.Observation = nil
	r.Status = StatusGenerated
	r.Touch()
}

// AddFeedback appends retry memory for the current attempt and bumps the
// attempt counter for the regeneration that follows.
func (r *EvolutionRecord) AddFeedback(stage, feedback string) {
	prev := ""
	if r.Patch != nil {
		prev = r.Patch.Source
	}
	r.Feedback = append(r.Feedback, FeedbackEntry{
		Attempt:        r.Attempt,
		Stage:          stage,
		Feedback:       feedback,
		PreviousSource: prev,
		Timestamp:      time.Now(),
	})
	r.Attempt++
	r.Touch()
}

// Fail moves the record to the terminal Failed state, preserving the last
// error for diagnosis.
func (r *EvolutionRecord) Fail(lastError string) {
	r.Status = StatusFailed
	r.LastError = lastError
	r.Touch()
}

// Clone returns a deep copy safe to hand to callers as a snapshot.
func (r *EvolutionRecord) Clone() *EvolutionRecord {
	clone := *r
	if r.Patch != nil {
		p := *r.Patch
		clone.Patch = &p
	}
	if r.Audit != nil {
		a := *r.Audit
		a.Issues = append([]AuditIssue(nil), r.Audit.Issues...)
		clone.Audit = &a
	}
	if r.CompileResult != nil {
		c := *r.CompileResult
		clone.CompileResult = &c
	}
	if r.Observation != nil {
		o := *r.Observation
		clone.Observation = &o
	}
	if r.Context.ToolSchemas != nil {
		clone.Context.ToolSchemas = append([]ToolSchema(nil), r.Context.ToolSchemas...)
	}
	clone.Feedback = append([]FeedbackEntry(nil), r.Feedback...)
	return &clone
}
