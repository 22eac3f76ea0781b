// Package capacity implements the capacity manager (C7): a pure function
// over episode metadata that selects eviction victims. It performs no I/O —
// the storage coordinator supplies candidate metadata and persists the
// resulting victim list.
package capacity

import (
	"sort"
	"time"

	"github.com/d-o-hub/epimem/pkg/ids"
)

// Policy selects which eviction strategy EvictIfNeeded applies.
type Policy string

const (
	PolicyLRU                Policy = "lru"
	PolicyRelevanceWeighted  Policy = "relevance_weighted"
)

// Default weights for the RelevanceWeighted policy (spec.md §4.4).
const (
	DefaultAlpha = 0.5 // recency
	DefaultBeta  = 0.3 // reward_score
	DefaultGamma = 0.2 // access frequency
)

// Candidate carries the scoring inputs the coordinator gathers for episodes
// eligible for eviction.
type Candidate struct {
	ID             ids.EpisodeID
	LastAccessedAt time.Time
	RewardScore    float64
	AccessCount    int
}

// Weights parameterizes the RelevanceWeighted policy.
type Weights struct {
	Alpha, Beta, Gamma float64
}

// DefaultWeights returns the spec's default RelevanceWeighted weights.
func DefaultWeights() Weights {
	return Weights{Alpha: DefaultAlpha, Beta: DefaultBeta, Gamma: DefaultGamma}
}

// EvictIfNeeded returns the minimal victim set such that
// currentCount - len(victims) + 1 <= max, i.e. just enough room for one
// more insert. Ties are broken by EpisodeId lexicographic order so the
// result is deterministic across runs given identical candidates.
func EvictIfNeeded(policy Policy, weights Weights, currentCount, max int, candidates []Candidate, now time.Time) []ids.EpisodeID {
	need := currentCount + 1 - max
	if need <= 0 {
		return nil
	}
	if need > len(candidates) {
		need = len(candidates)
	}

	ordered := make([]Candidate, len(candidates))
	copy(ordered, candidates)

	switch policy {
	case PolicyRelevanceWeighted:
		sortByRelevance(ordered, weights, candidates, now)
	default:
		sortByLRU(ordered)
	}

	victims := make([]ids.EpisodeID, 0, need)
	for i := 0; i < need; i++ {
		victims = append(victims, ordered[i].ID)
	}
	return victims
}

func sortByLRU(ordered []Candidate) {
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].LastAccessedAt.Equal(ordered[j].LastAccessedAt) {
			return ordered[i].LastAccessedAt.Before(ordered[j].LastAccessedAt)
		}
		return ordered[i].ID.String() < ordered[j].ID.String()
	})
}

func sortByRelevance(ordered []Candidate, w Weights, all []Candidate, now time.Time) {
	minAccessed, maxAccessed := minMaxAccessed(all, now)
	maxFreq := maxAccessCount(all)

	score := make(map[ids.EpisodeID]float64, len(ordered))
	for _, c := range ordered {
		score[c.ID] = relevanceScore(c, w, minAccessed, maxAccessed, maxFreq)
	}

	sort.Slice(ordered, func(i, j int) bool {
		si, sj := score[ordered[i].ID], score[ordered[j].ID]
		if si != sj {
			return si < sj // lowest-scoring evicted first
		}
		return ordered[i].ID.String() < ordered[j].ID.String()
	})
}

func relevanceScore(c Candidate, w Weights, minAccessed, maxAccessed time.Time, maxFreq int) float64 {
	recencyNorm := normalizeRecency(c.LastAccessedAt, minAccessed, maxAccessed)
	freqNorm := 0.0
	if maxFreq > 0 {
		freqNorm = float64(c.AccessCount) / float64(maxFreq)
	}
	return w.Alpha*recencyNorm + w.Beta*c.RewardScore + w.Gamma*freqNorm
}

// normalizeRecency maps last-accessed time to [0,1], 1 = most recently
// accessed (least evictable), 0 = oldest (most evictable).
func normalizeRecency(t, minT, maxT time.Time) float64 {
	span := maxT.Sub(minT).Seconds()
	if span <= 0 {
		return 1
	}
	return t.Sub(minT).Seconds() / span
}

func minMaxAccessed(all []Candidate, now time.Time) (time.Time, time.Time) {
	if len(all) == 0 {
		return now, now
	}
	minT, maxT := all[0].LastAccessedAt, all[0].LastAccessedAt
	for _, c := range all[1:] {
		if c.LastAccessedAt.Before(minT) {
			minT = c.LastAccessedAt
		}
		if c.LastAccessedAt.After(maxT) {
			maxT = c.LastAccessedAt
		}
	}
	return minT, maxT
}

func maxAccessCount(all []Candidate) int {
	max := 0
	for _, c := range all {
		if c.AccessCount > max {
			max = c.AccessCount
		}
	}
	return max
}
