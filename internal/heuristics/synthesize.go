// Package heuristics implements the heuristic synthesiser (C9): it turns a
// set of recurring patterns into actionable, triggerable recommendations.
package heuristics

import (
	"sort"
	"strings"

	"github.com/d-o-hub/epimem/internal/models"
)

// DefaultConfidenceFloor is the default minimum pattern confidence a
// heuristic must clear to be surfaced.
const DefaultConfidenceFloor = 0.3

// Synthesize turns patterns into heuristics, dropping any pattern whose
// confidence is below floor (use DefaultConfidenceFloor when floor <= 0),
// and returns at most limit heuristics ordered by confidence descending
// then pattern id ascending for ties (limit <= 0 means unbounded).
func Synthesize(patterns []*models.Pattern, floor float64, limit int) []*models.Heuristic {
	if floor <= 0 {
		floor = DefaultConfidenceFloor
	}

	out := make([]*models.Heuristic, 0, len(patterns))
	for _, p := range patterns {
		if p.Confidence < floor {
			continue
		}
		out = append(out, &models.Heuristic{
			PatternID:      p.ID,
			Trigger:        stableTrigger(p.ContextBindings),
			Recommendation: canonicalRecommendation(p),
			SuccessRate:    p.SuccessRate(),
			Confidence:     p.Confidence,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].PatternID.String() < out[j].PatternID.String()
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// stableTrigger builds the conjunction of a pattern's context bindings: for
// each scalar field, the value is kept only if every binding agrees on it;
// tags are intersected across all bindings.
func stableTrigger(bindings []models.TaskContext) models.TaskContext {
	if len(bindings) == 0 {
		return models.TaskContext{}
	}

	trigger := models.TaskContext{
		Domain:     bindings[0].Domain,
		Language:   bindings[0].Language,
		Complexity: bindings[0].Complexity,
		Tags:       append([]string(nil), bindings[0].Tags...),
	}

	for _, b := range bindings[1:] {
		if trigger.Domain != b.Domain {
			trigger.Domain = ""
		}
		if trigger.Language != b.Language {
			trigger.Language = ""
		}
		if trigger.Complexity != b.Complexity {
			trigger.Complexity = ""
		}
		trigger.Tags = intersectTags(trigger.Tags, b.Tags)
	}

	if len(trigger.Tags) == 0 {
		trigger.Tags = nil
	}
	return trigger
}

func intersectTags(a, b []string) []string {
	present := make(map[string]bool, len(b))
	for _, t := range b {
		present[t] = true
	}
	var out []string
	for _, t := range a {
		if present[t] {
			out = append(out, t)
		}
	}
	return out
}

// canonicalRecommendation renders a pattern's signature into a readable
// recommendation string. Tool-sequence and decision-point signatures are
// already arrow-joined tool names; error-recovery and context-pattern
// signatures are worded into a short sentence; any other kind is prefixed
// with its pattern kind so the recommendation is self-describing on its own.
func canonicalRecommendation(p *models.Pattern) string {
	switch p.Kind {
	case models.PatternKindToolSequence, models.PatternKindDecisionPoint:
		return "use tool sequence: " + strings.ReplaceAll(p.Signature, "->", " -> ")
	case models.PatternKindErrorRecovery:
		return "on failure, " + strings.TrimPrefix(p.Signature, "recover:") + " recovers reliably"
	case models.PatternKindContextPattern:
		return "this context reliably succeeds with: " + p.Signature
	default:
		return string(p.Kind) + ": " + p.Signature
	}
}
