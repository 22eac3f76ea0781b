package retrieval

import (
	"math"
	"time"

	"github.com/d-o-hub/epimem/internal/models"
)

// recencyHalfLife sets how quickly an episode's recency contribution decays
// (spec.md §4.6 asks only for "recency", leaving the exact decay to the
// implementation; a half-life keeps the score in a smooth [0,1] range
// without a hard cutoff).
const recencyHalfLife = 7 * 24 * time.Hour

// cosineSimilarity returns the cosine of the angle between a and b, or 0 if
// either is empty or the vectors have mismatched length (treated as
// "no embedding available" rather than an error, matching spec.md §4.6's
// "otherwise rank by..." fallback wording).
func cosineSimilarity(a, b models.Embedding) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// jaccard returns the Jaccard index of two tag sets.
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	inB := make(map[string]bool, len(b))
	for _, t := range b {
		inB[t] = true
	}
	intersection := 0
	for t := range set {
		if inB[t] {
			intersection++
		}
	}
	union := len(set)
	for t := range inB {
		if !set[t] {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// contextEquality scores how many of domain/language/task_type match exactly.
func contextEquality(query models.TaskContext, queryTaskType models.TaskType, ep *models.Episode) float64 {
	matches, total := 0, 0
	if query.Domain != "" {
		total++
		if query.Domain == ep.Context.Domain {
			matches++
		}
	}
	if query.Language != "" {
		total++
		if query.Language == ep.Context.Language {
			matches++
		}
	}
	if queryTaskType != "" {
		total++
		if queryTaskType == ep.TaskType {
			matches++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(matches) / float64(total)
}

// recencyScore maps elapsed time since last access to (0,1], halving every
// recencyHalfLife.
func recencyScore(lastAccessedAt, now time.Time) float64 {
	elapsed := now.Sub(lastAccessedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	return math.Exp(-math.Ln2 * elapsed.Hours() / recencyHalfLife.Hours())
}

// blendWeight* split the no-embedding score between context overlap and
// recency; context overlap dominates since it is query-directed, recency is
// a tiebreaker among otherwise-equal matches.
const (
	blendWeightContext = 0.7
	blendWeightRecency = 0.3
)

// blendedScore implements spec.md §4.6 step 2's no-embedding fallback: a
// weighted blend of Jaccard tag overlap + domain/language/task_type
// equality, and recency.
func blendedScore(query models.TaskContext, queryTaskType models.TaskType, ep *models.Episode, now time.Time) float64 {
	overlap := (jaccard(query.Tags, ep.Context.Tags) + contextEquality(query, queryTaskType, ep)) / 2
	return blendWeightContext*overlap + blendWeightRecency*recencyScore(ep.LastAccessedAt, now)
}
