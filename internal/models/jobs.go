package models

import "time"

// PatternJobStatus is the lifecycle state of a queued pattern-extraction job.
type PatternJobStatus string

const (
	PatternJobQueued    PatternJobStatus = "queued"
	PatternJobRunning   PatternJobStatus = "running"
	PatternJobRetry     PatternJobStatus = "retry"
	PatternJobSucceeded PatternJobStatus = "succeeded"
	PatternJobDead      PatternJobStatus = "dead"
)

// PatternJob is one unit of extraction work: run every registered extractor
// against a completed episode. Claim/lease semantics let multiple pattern
// workers pull from the same queue without double-processing an episode.
type PatternJob struct {
	ID             string
	EpisodeID      string
	Status         PatternJobStatus
	Attempt        int
	MaxAttempts    int
	NextRunAt      time.Time
	ClaimedBy      string
	ClaimExpiresAt *time.Time
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}
