package extraction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/d-o-hub/epimem/internal/models"
)

func stepAt(tool string, success bool, idx int) models.Step {
	return models.Step{Index: idx, ToolName: tool, Success: success, Timestamp: time.Now()}
}

func successfulEpisode(steps ...models.Step) *models.Episode {
	return &models.Episode{
		TaskType: models.TaskTypeDebugging,
		Context:  models.TaskContext{Domain: "backend", Language: "go"},
		Steps:    steps,
		Outcome:  &models.Outcome{Kind: models.OutcomeSuccess},
	}
}

func TestToolSequenceExtractor_ProducesAllContiguousSubsequences(t *testing.T) {
	ep := successfulEpisode(stepAt("read_file", true, 1), stepAt("edit_file", true, 2), stepAt("run_tests", true, 3))
	e := toolSequenceExtractor{maxLen: 5}

	cands := e.Extract(ep)

	var sigs []string
	for _, c := range cands {
		assert.Equal(t, models.PatternKindToolSequence, c.Kind)
		sigs = append(sigs, c.Signature)
	}
	assert.Contains(t, sigs, "read_file->edit_file")
	assert.Contains(t, sigs, "edit_file->run_tests")
	assert.Contains(t, sigs, "read_file->edit_file->run_tests")
}

func TestToolSequenceExtractor_RespectsMaxLen(t *testing.T) {
	ep := successfulEpisode(stepAt("a", true, 1), stepAt("b", true, 2), stepAt("c", true, 3), stepAt("d", true, 4))
	e := toolSequenceExtractor{maxLen: 2}

	cands := e.Extract(ep)

	for _, c := range cands {
		assert.LessOrEqual(t, len(splitArrow(c.Signature)), 2)
	}
}

func splitArrow(sig string) []string {
	var parts []string
	cur := ""
	for _, r := range sig {
		if r == '-' {
			continue
		}
		if r == '>' {
			parts = append(parts, cur)
			cur = ""
			continue
		}
		cur += string(r)
	}
	parts = append(parts, cur)
	return parts
}

func TestContextPatternExtractor_OnlyOnSuccess(t *testing.T) {
	successEp := successfulEpisode(stepAt("x", true, 1))
	cands := contextPatternExtractor{}.Extract(successEp)
	assert.Len(t, cands, 1)
	assert.Equal(t, models.PatternKindContextPattern, cands[0].Kind)

	failEp := successfulEpisode(stepAt("x", false, 1))
	failEp.Outcome = &models.Outcome{Kind: models.OutcomeFailure}
	assert.Empty(t, contextPatternExtractor{}.Extract(failEp))
}

func TestDecisionPointExtractor_FindsFailThenSuccess(t *testing.T) {
	ep := successfulEpisode(stepAt("run_tests", false, 1), stepAt("fix_bug", true, 2), stepAt("run_tests", true, 3))
	cands := decisionPointExtractor{}.Extract(ep)
	assert.Len(t, cands, 1)
	assert.Equal(t, "run_tests->fix_bug", cands[0].Signature)
}

func TestErrorRecoveryExtractor_FindsFailRetrySucceedTriple(t *testing.T) {
	ep := successfulEpisode(stepAt("compile", false, 1), stepAt("compile", false, 2), stepAt("compile", true, 3))
	cands := errorRecoveryExtractor{}.Extract(ep)
	require := assert.New(t)
	require.Len(cands, 1)
	require.Equal("recover:compile", cands[0].Signature)
}

func TestErrorRecoveryExtractor_NoMatchWhenRetryToolDiffers(t *testing.T) {
	ep := successfulEpisode(stepAt("compile", false, 1), stepAt("lint", false, 2), stepAt("compile", true, 3))
	cands := errorRecoveryExtractor{}.Extract(ep)
	assert.Empty(t, cands)
}

func TestClusterExtractor_DeterministicBucket(t *testing.T) {
	ep := successfulEpisode(stepAt("a", true, 1), stepAt("b", true, 2))
	c1 := clusterExtractor{buckets: 8}.Extract(ep)
	c2 := clusterExtractor{buckets: 8}.Extract(ep)
	assert.Equal(t, c1[0].Signature, c2[0].Signature)
}

func TestCanonicalSignature_LowercasesAndTrims(t *testing.T) {
	assert.Equal(t, "read_file->edit_file", canonicalSignature("  Read_File->Edit_File  "))
}
