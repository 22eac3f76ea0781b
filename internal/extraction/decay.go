package extraction

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/d-o-hub/epimem/internal/store"
)

// DefaultDecayInterval, DefaultDecayRate, and DefaultDecayHorizon are
// spec.md §4.5's defaults: hourly decay at 0.01/hour, with patterns below
// confidence 0.05 older than 30 days eligible for deletion.
const (
	DefaultDecayInterval = time.Hour
	DefaultDecayRate     = 0.01
	DefaultDecayHorizon  = 30 * 24 * time.Hour
)

// DecayScheduler periodically applies exponential confidence decay to every
// pattern and deletes those that fall below the floor past the horizon.
type DecayScheduler struct {
	db       *sql.DB
	interval time.Duration
	rate     float64
	horizon  time.Duration
	log      *slog.Logger
}

// NewDecayScheduler constructs a scheduler; zero or negative interval, rate
// and horizon arguments take the package defaults.
func NewDecayScheduler(db *sql.DB, interval time.Duration, rate float64, horizon time.Duration, log *slog.Logger) *DecayScheduler {
	if interval <= 0 {
		interval = DefaultDecayInterval
	}
	if rate <= 0 {
		rate = DefaultDecayRate
	}
	if horizon <= 0 {
		horizon = DefaultDecayHorizon
	}
	if log == nil {
		log = slog.Default()
	}
	return &DecayScheduler{db: db, interval: interval, rate: rate, horizon: horizon, log: log}
}

// Run blocks, applying decay on a ticker until ctx is cancelled.
func (s *DecayScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.log.Error("pattern decay pass failed", "error", err)
			}
		}
	}
}

// RunOnce applies one decay pass immediately, useful for tests and for a
// CLI "patterns decay" command that doesn't want to wait for the ticker.
func (s *DecayScheduler) RunOnce(ctx context.Context) error {
	now := time.Now().UTC()
	return store.Transact(ctx, s.db, func(tx *sql.Tx) error {
		eligible, err := store.DecayPatternsTx(ctx, tx, s.rate, now, s.horizon)
		if err != nil {
			return err
		}
		if len(eligible) == 0 {
			return nil
		}
		return store.DeletePatternsTx(ctx, tx, eligible)
	})
}
