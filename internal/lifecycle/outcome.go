package lifecycle

import (
	"time"

	"github.com/d-o-hub/epimem/internal/models"
)

// Reward formula weights, spec.md §4.1: reward = clamp(w1*outcome_base +
// w2*step_success_ratio + w3*efficiency - w4*duration_penalty, 0, 1).
const (
	weightOutcomeBase  = 0.5
	weightStepSuccess  = 0.2
	weightEfficiency   = 0.2
	weightDurationPen  = 0.1
)

// rewardInputs bundles everything the formula needs so computeReward stays
// a pure function, easy to unit test independent of storage.
type rewardInputs struct {
	Outcome          models.OutcomeKind
	Steps            []models.Step
	DurationMS       int64
	BaselineDuration float64 // median duration for this task type; 0 if unknown
	BaselineSteps    float64 // median step count for this task type; 0 if unknown
}

// computeReward implements spec.md §4.1's reward formula exactly. Efficiency
// and duration penalty are both normalised into [0,1] against the baseline;
// with no baseline yet (cold start, first episode of a task type) both terms
// are neutral (0.5), so the outcome-kind/step-success terms alone drive the
// score until enough episodes exist to bootstrap a baseline.
func computeReward(in rewardInputs) float64 {
	base := in.Outcome.BaseScore()

	successRatio := stepSuccessRatio(in.Steps)

	efficiency := 0.5
	if in.BaselineSteps > 0 {
		efficiency = efficiencyScore(len(in.Steps), in.BaselineSteps)
	}

	durationPenalty := 0.5
	if in.BaselineDuration > 0 {
		durationPenalty = durationPenaltyScore(float64(in.DurationMS), in.BaselineDuration)
	}

	reward := weightOutcomeBase*base +
		weightStepSuccess*successRatio +
		weightEfficiency*efficiency -
		weightDurationPen*durationPenalty

	return clamp01(reward)
}

func stepSuccessRatio(steps []models.Step) float64 {
	if len(steps) == 0 {
		return 0
	}
	successes := 0
	for _, s := range steps {
		if s.Success {
			successes++
		}
	}
	return float64(successes) / float64(len(steps))
}

// efficiencyScore rewards using fewer steps than the baseline: 1.0 at or
// below baseline, decaying toward 0 as step count grows to 2x baseline or
// beyond.
func efficiencyScore(stepCount int, baseline float64) float64 {
	if float64(stepCount) <= baseline {
		return 1.0
	}
	overBy := float64(stepCount) - baseline
	return clamp01(1.0 - overBy/baseline)
}

// durationPenaltyScore is 0 at or under the baseline, rising toward 1 as
// duration approaches 2x baseline or beyond.
func durationPenaltyScore(durationMS, baselineMS float64) float64 {
	if durationMS <= baselineMS {
		return 0.0
	}
	overBy := durationMS - baselineMS
	return clamp01(overBy / baselineMS)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func durationMillis(started time.Time, completed time.Time) int64 {
	return completed.Sub(started).Milliseconds()
}
