package models

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEpisodeStatus_IsTerminal(t *testing.T) {
	assert.False(t, EpisodeStatusCreated.IsTerminal())
	assert.False(t, EpisodeStatusInProgress.IsTerminal())
	assert.True(t, EpisodeStatusCompleted.IsTerminal())
	assert.True(t, EpisodeStatusFailed.IsTerminal())
	assert.True(t, EpisodeStatusAborted.IsTerminal())
}

func TestOutcomeKind_BaseScore(t *testing.T) {
	assert.Equal(t, 1.0, OutcomeSuccess.BaseScore())
	assert.Equal(t, 0.5, OutcomePartial.BaseScore())
	assert.Equal(t, 0.0, OutcomeFailure.BaseScore())
}

func TestPattern_SuccessRate(t *testing.T) {
	p := &Pattern{}
	assert.Equal(t, 0.0, p.SuccessRate())

	p.Occurrences = 4
	p.Successes = 3
	assert.Equal(t, 0.75, p.SuccessRate())
}

func TestPattern_AddProvenance_DedupsAndBounds(t *testing.T) {
	p := &Pattern{}
	p.AddProvenance("ep-1")
	p.AddProvenance("ep-1")
	assert.Len(t, p.Provenance, 1)

	for i := 0; i < MaxProvenance+10; i++ {
		p.AddProvenance(fmt.Sprintf("ep-%d", i))
	}
	assert.Len(t, p.Provenance, MaxProvenance)
	// Oldest entries should have been dropped; the most recent must remain.
	assert.Equal(t, fmt.Sprintf("ep-%d", MaxProvenance+9), p.Provenance[len(p.Provenance)-1])
}

func TestEpisode_NextStepIndex(t *testing.T) {
	e := &Episode{}
	assert.Equal(t, 1, e.NextStepIndex())
	e.Steps = append(e.Steps, Step{Index: 1})
	assert.Equal(t, 2, e.NextStepIndex())
}
