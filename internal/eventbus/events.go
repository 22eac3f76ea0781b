package eventbus

import "time"

// SubjectEpisodeCompleted is the NATS subject C4 publishes to and C5's
// worker pool subscribes on.
const SubjectEpisodeCompleted = "epimem.episode.completed"

// EpisodeCompleted is the notification payload published when C4 finalises
// an episode (completed, failed, or aborted). It carries just enough to let
// an extraction worker claim the matching pattern_jobs row; the episode
// body itself is read back from the durable store, never carried on the
// wire, so redelivery after a crash can't serve stale data.
type EpisodeCompleted struct {
	EpisodeID   string    `json:"episode_id"`
	Status      string    `json:"status"`
	CompletedAt time.Time `json:"completed_at"`
}
