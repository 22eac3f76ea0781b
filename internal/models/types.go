// Package models defines the data model shared by every component of the
// episodic memory engine: episodes, steps, patterns, heuristics, summaries,
// and the error taxonomy they surface.
package models

import (
	"time"

	"github.com/d-o-hub/epimem/pkg/ids"
)

// TaskType classifies the kind of work an episode attempted.
type TaskType string

const (
	TaskTypeCodeGeneration TaskType = "code-generation"
	TaskTypeDebugging      TaskType = "debugging"
	TaskTypeRefactoring    TaskType = "refactoring"
	TaskTypeTesting        TaskType = "testing"
	TaskTypeAnalysis       TaskType = "analysis"
	TaskTypeOther          TaskType = "other"
)

// Complexity is a coarse estimate of task difficulty used in context matching.
type Complexity string

const (
	ComplexityLow      Complexity = "low"
	ComplexityModerate Complexity = "moderate"
	ComplexityHigh     Complexity = "high"
)

// TaskContext describes the situation an episode ran in.
type TaskContext struct {
	Language   string            `json:"language,omitempty"`
	Domain     string            `json:"domain"`
	Tags       []string          `json:"tags,omitempty"`
	Complexity Complexity        `json:"complexity,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Step is one tool invocation inside an episode.
type Step struct {
	Index       int       `json:"index"`
	ToolName    string    `json:"tool_name"`
	Action      string    `json:"action"`
	Output      string    `json:"output,omitempty"`
	Success     bool      `json:"success"`
	DurationMS  int64     `json:"duration_ms"`
	Timestamp   time.Time `json:"timestamp"`
	Observation string    `json:"observation,omitempty"`
}

// EpisodeStatus is the lifecycle state of an episode (spec.md §4.1).
type EpisodeStatus string

const (
	EpisodeStatusCreated    EpisodeStatus = "created"
	EpisodeStatusInProgress EpisodeStatus = "in_progress"
	EpisodeStatusCompleted  EpisodeStatus = "completed"
	EpisodeStatusFailed     EpisodeStatus = "failed"
	EpisodeStatusAborted    EpisodeStatus = "aborted"
)

// IsTerminal reports whether the status admits no further step appends.
func (s EpisodeStatus) IsTerminal() bool {
	return s == EpisodeStatusCompleted || s == EpisodeStatusFailed || s == EpisodeStatusAborted
}

// OutcomeKind is the coarse verdict of an episode.
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeFailure OutcomeKind = "failure"
	OutcomePartial OutcomeKind = "partial"
)

// BaseScore returns the outcome-kind base term of the reward formula (spec.md §4.1).
func (k OutcomeKind) BaseScore() float64 {
	switch k {
	case OutcomeSuccess:
		return 1.0
	case OutcomePartial:
		return 0.5
	default:
		return 0.0
	}
}

// Outcome is the free-text verdict attached to a completed or failed episode.
type Outcome struct {
	Kind      OutcomeKind `json:"kind"`
	Verdict   string      `json:"verdict,omitempty"`
	Artifacts []string    `json:"artifacts,omitempty"`
	ErrorInfo string      `json:"error_info,omitempty"`
}

// Embedding is an opaque fixed-length vector produced by an external
// embedding service. The core never computes one, only stores/compares it.
type Embedding []float32

// Episode is one recorded attempt at a task.
type Episode struct {
	ID              ids.EpisodeID `json:"id"`
	TaskDescription string        `json:"task_description"`
	Context         TaskContext   `json:"context"`
	TaskType        TaskType      `json:"task_type"`
	Steps           []Step        `json:"steps"`
	Status          EpisodeStatus `json:"status"`
	Outcome         *Outcome      `json:"outcome,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	RewardScore     float64       `json:"reward_score"`
	LastAccessedAt  time.Time     `json:"last_accessed_at"`
	ExtractionState string        `json:"extraction_state,omitempty"` // "", "extraction_failed"
}

// NextStepIndex returns the index the next appended step must carry.
func (e *Episode) NextStepIndex() int { return len(e.Steps) + 1 }

// PatternKind classifies what kind of recurring structure a pattern captures.
type PatternKind string

const (
	PatternKindToolSequence   PatternKind = "tool-sequence"
	PatternKindContextPattern PatternKind = "context-pattern"
	PatternKindDecisionPoint  PatternKind = "decision-point"
	PatternKindErrorRecovery  PatternKind = "error-recovery"
	PatternKindCluster        PatternKind = "cluster"
	PatternKindHeuristic      PatternKind = "heuristic"
)

// Pattern is a repeated structure observed across episodes, with decayed
// confidence and success statistics.
type Pattern struct {
	ID              ids.PatternID `json:"id"`
	Kind            PatternKind   `json:"kind"`
	Signature       string        `json:"signature"` // canonical, dedup key together with Kind
	Occurrences     int           `json:"occurrences"`
	Successes       int           `json:"successes"`
	Failures        int           `json:"failures"`
	FirstSeen       time.Time     `json:"first_seen"`
	LastSeen        time.Time     `json:"last_seen"`
	Confidence      float64       `json:"confidence"`
	DecayFactor     float64       `json:"decay_factor"`
	ContextBindings []TaskContext `json:"context_bindings,omitempty"`
	Provenance      []string      `json:"provenance,omitempty"` // source episode ids, bounded to 256
}

// SuccessRate returns successes/occurrences, or 0 when there are none yet.
func (p *Pattern) SuccessRate() float64 {
	if p.Occurrences == 0 {
		return 0
	}
	return float64(p.Successes) / float64(p.Occurrences)
}

// MaxProvenance bounds the provenance set per spec.md §4.5.
const MaxProvenance = 256

// AddProvenance appends episodeID, dropping the oldest entry if at capacity.
func (p *Pattern) AddProvenance(episodeID string) {
	for _, id := range p.Provenance {
		if id == episodeID {
			return
		}
	}
	p.Provenance = append(p.Provenance, episodeID)
	if len(p.Provenance) > MaxProvenance {
		p.Provenance = p.Provenance[len(p.Provenance)-MaxProvenance:]
	}
}

// Heuristic is a pattern distilled into a triggerable recommendation.
type Heuristic struct {
	PatternID      ids.PatternID `json:"pattern_id"`
	Trigger        TaskContext   `json:"trigger"`
	Recommendation string        `json:"recommendation"`
	SuccessRate    float64       `json:"success_rate"`
	Confidence     float64       `json:"confidence"`
}

// EpisodeSummary is the compressed representation preserved after eviction.
type EpisodeSummary struct {
	EpisodeID   ids.EpisodeID `json:"episode_id"`
	SummaryText string        `json:"summary_text"`
	KeyConcepts []string      `json:"key_concepts"`
	KeySteps    []string      `json:"key_steps"`
	Embedding   Embedding     `json:"embedding,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}
