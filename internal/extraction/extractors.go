package extraction

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/d-o-hub/epimem/internal/models"
)

// DefaultMaxToolSequenceLength is spec.md §4.5's default k for tool-sequence
// extraction: contiguous sub-sequences of length 2..k.
const DefaultMaxToolSequenceLength = 5

// DefaultClusterBuckets bounds the locality-sensitive hashing bucket space
// for the cluster extractor.
const DefaultClusterBuckets = 64

// toolSequenceExtractor produces one candidate per contiguous tool-name
// sub-sequence of length 2..maxLen, canonicalised as "->"-joined lowercase
// names so two episodes using the same tools in the same order dedupe.
type toolSequenceExtractor struct{ maxLen int }

func (toolSequenceExtractor) Name() string { return "tool-sequence" }

func (e toolSequenceExtractor) Extract(ep *models.Episode) []Candidate {
	names := toolNames(ep.Steps)
	if len(names) < 2 {
		return nil
	}

	succeeded := episodeSucceeded(ep)
	var out []Candidate
	for length := 2; length <= e.maxLen && length <= len(names); length++ {
		for start := 0; start+length <= len(names); start++ {
			sig := strings.Join(names[start:start+length], "->")
			out = append(out, Candidate{
				Kind:           models.PatternKindToolSequence,
				Signature:      sig,
				Succeeded:      succeeded,
				ContextBinding: ep.Context,
			})
		}
	}
	return out
}

// contextPatternExtractor records (task_type, domain, language) tuples that
// co-occur with a successful outcome.
type contextPatternExtractor struct{}

func (contextPatternExtractor) Name() string { return "context-pattern" }

func (contextPatternExtractor) Extract(ep *models.Episode) []Candidate {
	if !episodeSucceeded(ep) {
		return nil
	}
	sig := fmt.Sprintf("%s|%s|%s", ep.TaskType, ep.Context.Domain, ep.Context.Language)
	return []Candidate{{
		Kind:           models.PatternKindContextPattern,
		Signature:      sig,
		Succeeded:      true,
		ContextBinding: ep.Context,
	}}
}

// decisionPointExtractor finds steps immediately following an observed
// failure that led to eventual success: a failed step whose very next step
// succeeded.
type decisionPointExtractor struct{}

func (decisionPointExtractor) Name() string { return "decision-point" }

func (decisionPointExtractor) Extract(ep *models.Episode) []Candidate {
	var out []Candidate
	for i := 0; i+1 < len(ep.Steps); i++ {
		if !ep.Steps[i].Success && ep.Steps[i+1].Success {
			sig := fmt.Sprintf("%s->%s", strings.ToLower(ep.Steps[i].ToolName), strings.ToLower(ep.Steps[i+1].ToolName))
			out = append(out, Candidate{
				Kind:           models.PatternKindDecisionPoint,
				Signature:      sig,
				Succeeded:      true,
				ContextBinding: ep.Context,
			})
		}
	}
	return out
}

// errorRecoveryExtractor finds failure->retry->success triples: a failed
// step, a retry of the same tool as the next step, and a successful step
// (any tool) right after that.
type errorRecoveryExtractor struct{}

func (errorRecoveryExtractor) Name() string { return "error-recovery" }

func (errorRecoveryExtractor) Extract(ep *models.Episode) []Candidate {
	var out []Candidate
	for i := 0; i+2 < len(ep.Steps); i++ {
		first, retry, after := ep.Steps[i], ep.Steps[i+1], ep.Steps[i+2]
		if !first.Success && sameTool(first, retry) && after.Success {
			sig := fmt.Sprintf("recover:%s", strings.ToLower(first.ToolName))
			out = append(out, Candidate{
				Kind:           models.PatternKindErrorRecovery,
				Signature:      sig,
				Succeeded:      true,
				ContextBinding: ep.Context,
			})
		}
	}
	return out
}

func sameTool(a, b models.Step) bool {
	return strings.EqualFold(a.ToolName, b.ToolName)
}

// clusterExtractor hashes (context + tool-sequence signature) into a fixed
// number of buckets, a simple locality-sensitive grouping: episodes that
// land in the same bucket share a cluster pattern.
type clusterExtractor struct{ buckets int }

func (clusterExtractor) Name() string { return "cluster" }

func (e clusterExtractor) Extract(ep *models.Episode) []Candidate {
	names := toolNames(ep.Steps)
	key := fmt.Sprintf("%s|%s|%s|%s", ep.TaskType, ep.Context.Domain, ep.Context.Language, strings.Join(names, ","))
	bucket := bucketHash(key, e.buckets)
	return []Candidate{{
		Kind:           models.PatternKindCluster,
		Signature:      fmt.Sprintf("cluster-%d", bucket),
		Succeeded:      episodeSucceeded(ep),
		ContextBinding: ep.Context,
	}}
}

func bucketHash(key string, buckets int) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	if buckets <= 0 {
		buckets = DefaultClusterBuckets
	}
	return h.Sum32() % uint32(buckets)
}

func toolNames(steps []models.Step) []string {
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = strings.ToLower(s.ToolName)
	}
	return names
}

func episodeSucceeded(ep *models.Episode) bool {
	return ep.Outcome != nil && ep.Outcome.Kind == models.OutcomeSuccess
}

// canonicalSignature normalises a raw extractor signature into the
// dedup key UpsertPatternTx keys on: lowercase, trimmed.
func canonicalSignature(sig string) string {
	return strings.ToLower(strings.TrimSpace(sig))
}
