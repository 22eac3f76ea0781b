// Package extraction implements the pattern extraction pipeline (C5): a
// fixed worker pool that, on episode completion, runs a family of
// extractors over the episode and folds their output into the patterns
// table with EMA-updated confidence, and a periodic decay task. Grounded
// on the teacher's retrospective_jobs.go claim/lease/retry-with-backoff
// job queue, generalised from one durable table (pattern_jobs) to back the
// bounded channel between C4 and C5 so a crashed worker's in-flight
// episode is never lost.
package extraction

import "github.com/d-o-hub/epimem/internal/models"

// Candidate is one signature an extractor produced from an episode, ready
// to be folded into the patterns table via a signature-keyed upsert.
type Candidate struct {
	Kind           models.PatternKind
	Signature      string // raw, pre-canonicalisation
	Succeeded      bool
	ContextBinding models.TaskContext
}

// Extractor runs one pattern-detection strategy over a completed episode.
type Extractor interface {
	Name() string
	Extract(ep *models.Episode) []Candidate
}

// DefaultExtractors returns the 5 per-episode extractors spec.md §4.5
// names (tool-sequence, context-pattern, decision-point, error-recovery,
// cluster). The 6th, heuristic-candidate, operates on already-persisted
// patterns rather than a single episode and is applied by the pipeline
// after each upsert (see pipeline.go's promoteHeuristicCandidate).
func DefaultExtractors(maxSequenceLength int) []Extractor {
	if maxSequenceLength <= 0 {
		maxSequenceLength = DefaultMaxToolSequenceLength
	}
	return []Extractor{
		toolSequenceExtractor{maxLen: maxSequenceLength},
		contextPatternExtractor{},
		decisionPointExtractor{},
		errorRecoveryExtractor{},
		clusterExtractor{buckets: DefaultClusterBuckets},
	}
}
