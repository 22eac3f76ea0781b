package lifecycle

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/d-o-hub/epimem/internal/models"
	"github.com/d-o-hub/epimem/internal/store"
)

// baselineSampleCap bounds the reservoir kept per task type: large enough
// for a stable median, small enough to stay a cheap metadata row.
const baselineSampleCap = 64

type baselineSample struct {
	DurationsMS []int64 `json:"durations_ms"`
	StepCounts  []int   `json:"step_counts"`
}

func metadataKeyForBaseline(taskType models.TaskType) string {
	return fmt.Sprintf("lifecycle:baseline:%s", taskType)
}

// loadBaselineTx reads the (medianDurationMS, medianStepCount) pair for
// taskType, falling back to the global baseline key when the task type has
// no samples yet, per spec.md §4.1's "fallback to global medians if absent".
func loadBaselineTx(ctx context.Context, tx *sql.Tx, taskType models.TaskType) (medianDurationMS float64, medianStepCount float64, ok bool, err error) {
	raw, found, err := store.GetMetadataTx(ctx, tx, metadataKeyForBaseline(taskType))
	if err != nil {
		return 0, 0, false, err
	}
	if !found {
		raw, found, err = store.GetMetadataTx(ctx, tx, metadataKeyForBaseline("global"))
		if err != nil {
			return 0, 0, false, err
		}
		if !found {
			return 0, 0, false, nil
		}
	}

	var sample baselineSample
	if err := json.Unmarshal([]byte(raw), &sample); err != nil {
		return 0, 0, false, &models.SerializationError{Entity: "lifecycle.baseline", Reason: err.Error()}
	}
	if len(sample.DurationsMS) == 0 {
		return 0, 0, false, nil
	}
	return median(sample.DurationsMS), medianInts(sample.StepCounts), true, nil
}

// recordBaselineTx appends a completed episode's duration and step count to
// both its task-type-specific reservoir and the global one, trimming to
// baselineSampleCap by dropping the oldest sample.
func recordBaselineTx(ctx context.Context, tx *sql.Tx, taskType models.TaskType, durationMS int64, stepCount int) error {
	for _, key := range []string{metadataKeyForBaseline(taskType), metadataKeyForBaseline("global")} {
		raw, found, err := store.GetMetadataTx(ctx, tx, key)
		if err != nil {
			return err
		}
		var sample baselineSample
		if found {
			if err := json.Unmarshal([]byte(raw), &sample); err != nil {
				return &models.SerializationError{Entity: "lifecycle.baseline", Reason: err.Error()}
			}
		}
		sample.DurationsMS = append(sample.DurationsMS, durationMS)
		sample.StepCounts = append(sample.StepCounts, stepCount)
		if len(sample.DurationsMS) > baselineSampleCap {
			sample.DurationsMS = sample.DurationsMS[len(sample.DurationsMS)-baselineSampleCap:]
		}
		if len(sample.StepCounts) > baselineSampleCap {
			sample.StepCounts = sample.StepCounts[len(sample.StepCounts)-baselineSampleCap:]
		}

		encoded, err := json.Marshal(sample)
		if err != nil {
			return &models.SerializationError{Entity: "lifecycle.baseline", Reason: err.Error()}
		}
		if err := store.SetMetadataTx(ctx, tx, key, string(encoded)); err != nil {
			return err
		}
	}
	return nil
}

func median(values []int64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]int64(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return float64(sorted[mid])
	}
	return float64(sorted[mid-1]+sorted[mid]) / 2
}

func medianInts(values []int) float64 {
	asInt64 := make([]int64, len(values))
	for i, v := range values {
		asInt64[i] = int64(v)
	}
	return median(asInt64)
}
