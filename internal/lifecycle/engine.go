// Package lifecycle implements the episode lifecycle engine (C4): the state
// machine that ingests step streams under strict ordering, finalises
// episodes atomically with a derived reward score, and hands them to the
// pattern extraction pipeline. Grounded on the teacher's transactional CAS
// pattern (internal/store/task_start.go, task_claim_next.go): every state
// transition reads a version, then updates WHERE id=? AND version=?,
// surfacing *models.ConflictError on a lost race.
package lifecycle

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/d-o-hub/epimem/internal/capacity"
	"github.com/d-o-hub/epimem/internal/eventbus"
	"github.com/d-o-hub/epimem/internal/models"
	"github.com/d-o-hub/epimem/internal/store"
	"github.com/d-o-hub/epimem/pkg/ids"
)

// Options configures an Engine.
type Options struct {
	StepBufferSize        int
	StepBufferAge         time.Duration
	MaxEpisodes           int
	CapacityPolicy        capacity.Policy
	CapacityWeights       capacity.Weights
	PatternJobMaxAttempts int
}

func (o Options) withDefaults() Options {
	if o.MaxEpisodes <= 0 {
		o.MaxEpisodes = 10000
	}
	if o.PatternJobMaxAttempts <= 0 {
		o.PatternJobMaxAttempts = 3
	}
	return o
}

// Engine is the episode lifecycle engine. It owns one stepBuffer per
// in-flight episode, serialising step appends for that episode while
// letting different episodes proceed fully in parallel.
type Engine struct {
	db     *sql.DB
	bus    *eventbus.Bus
	opts   Options
	log    *slog.Logger

	buffersMu sync.Mutex
	buffers   map[string]*stepBuffer
}

// New constructs an Engine. bus may be nil, in which case pattern
// extraction relies solely on the durable pattern_jobs queue (a poller
// claiming due jobs) rather than the low-latency NATS nudge.
func New(db *sql.DB, bus *eventbus.Bus, opts Options, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		db:      db,
		bus:     bus,
		opts:    opts.withDefaults(),
		log:     log,
		buffers: make(map[string]*stepBuffer),
	}
}

// CompletionReport is returned by CompleteEpisode.
type CompletionReport struct {
	Episode     *models.Episode
	RewardScore float64
}

// StartEpisode creates a new episode in Created status and returns its id.
func (e *Engine) StartEpisode(ctx context.Context, taskDescription string, taskCtx models.TaskContext, taskType models.TaskType) (ids.EpisodeID, error) {
	now := time.Now().UTC()
	ep := &models.Episode{
		ID:              ids.NewEpisodeID(),
		TaskDescription: taskDescription,
		Context:         taskCtx,
		TaskType:        taskType,
		Status:          models.EpisodeStatusCreated,
		StartedAt:       now,
		LastAccessedAt:  now,
	}

	evicted, err := store.StoreEpisodeWithCapacity(ctx, e.db, ep, nil, e.opts.MaxEpisodes, e.opts.CapacityPolicy, e.opts.CapacityWeights)
	if err != nil {
		return ids.EpisodeID{}, err
	}
	if len(evicted) > 0 {
		e.log.Info("evicted episodes to enforce capacity", "count", len(evicted))
	}

	e.newBuffer(ep.ID, 1)
	return ep.ID, nil
}

// LogExecutionStep buffers step for id, auto-assigning its index in
// arrival order (the caller-supplied Index is ignored, since serialising
// through one buffer per episode is what gives the ordering guarantee).
// The first step transitions the episode Created->InProgress atomically
// with its own append, once flushed. No step may be appended to an episode
// already in a terminal state (spec.md §4.1, §8 property 10); since
// CompleteEpisode/AbortEpisode drop this episode's buffer once finalised, a
// fresh buffer would otherwise accept and silently drop steps logged after
// the fact, so status is checked with a direct read before buffering.
func (e *Engine) LogExecutionStep(ctx context.Context, id ids.EpisodeID, step models.Step) error {
	status, err := store.GetEpisodeStatus(ctx, e.db, id)
	if err != nil {
		return err
	}
	if status.IsTerminal() {
		return &models.InvalidStateError{Entity: "episode", ID: id.String(), State: string(status), Wanted: "non-terminal"}
	}

	buf := e.bufferFor(ctx, id)
	return buf.Push(ctx, step)
}

// CompleteEpisode flushes the step buffer, computes the reward score,
// atomically finalises the episode, records it against the duration/step
// baselines, and enqueues a pattern-extraction job. Finalisation is atomic:
// if the database write fails, nothing is enqueued and the reward is not
// partially persisted.
func (e *Engine) CompleteEpisode(ctx context.Context, id ids.EpisodeID, outcome models.Outcome) (*CompletionReport, error) {
	if err := e.flush(ctx, id); err != nil {
		return nil, fmt.Errorf("flush step buffer before completion: %w", err)
	}

	completedAt := time.Now().UTC()
	var report CompletionReport

	err := store.Transact(ctx, e.db, func(tx *sql.Tx) error {
		ep, version, err := loadEpisodeForTransitionTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if !validTerminalTransition(ep.Status) {
			return &models.InvalidStateError{Entity: "episode", ID: id.String(), State: string(ep.Status), Wanted: "non-terminal"}
		}

		durationMS := durationMillis(ep.StartedAt, completedAt)
		baselineDuration, baselineSteps, _, err := loadBaselineTx(ctx, tx, ep.TaskType)
		if err != nil {
			return err
		}

		reward := computeReward(rewardInputs{
			Outcome:          outcome.Kind,
			Steps:            ep.Steps,
			DurationMS:       durationMS,
			BaselineDuration: baselineDuration,
			BaselineSteps:    baselineSteps,
		})

		status := terminalStatusFor(outcome.Kind)
		if err := store.FinalizeEpisodeTx(ctx, tx, id, status, outcome, reward, completedAt, version); err != nil {
			return err
		}
		if err := recordBaselineTx(ctx, tx, ep.TaskType, durationMS, len(ep.Steps)); err != nil {
			return err
		}
		if _, err := store.EnqueuePatternJobTx(ctx, tx, id.String(), e.opts.PatternJobMaxAttempts); err != nil {
			return err
		}

		ep.Status = status
		ep.Outcome = &outcome
		ep.RewardScore = reward
		ep.CompletedAt = &completedAt
		report.Episode = ep
		report.RewardScore = reward
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.dropBuffer(id)
	e.publishCompletion(ctx, id, report.Episode.Status, completedAt)
	return &report, nil
}

// AbortEpisode flushes any buffered steps and transitions the episode to
// Aborted with a zero reward, still enqueuing extraction (error-recovery
// and decision-point extractors learn from failed attempts too).
func (e *Engine) AbortEpisode(ctx context.Context, id ids.EpisodeID, reason string) error {
	if err := e.flush(ctx, id); err != nil {
		return fmt.Errorf("flush step buffer before abort: %w", err)
	}

	completedAt := time.Now().UTC()
	outcome := models.Outcome{Kind: models.OutcomeFailure, ErrorInfo: reason}

	err := store.Transact(ctx, e.db, func(tx *sql.Tx) error {
		ep, version, err := loadEpisodeForTransitionTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if !validTerminalTransition(ep.Status) {
			return &models.InvalidStateError{Entity: "episode", ID: id.String(), State: string(ep.Status), Wanted: "non-terminal"}
		}

		durationMS := durationMillis(ep.StartedAt, completedAt)
		if err := store.FinalizeEpisodeTx(ctx, tx, id, models.EpisodeStatusAborted, outcome, 0, completedAt, version); err != nil {
			return err
		}
		if err := recordBaselineTx(ctx, tx, ep.TaskType, durationMS, len(ep.Steps)); err != nil {
			return err
		}
		_, err = store.EnqueuePatternJobTx(ctx, tx, id.String(), e.opts.PatternJobMaxAttempts)
		return err
	})
	if err != nil {
		return err
	}

	e.dropBuffer(id)
	e.publishCompletion(ctx, id, models.EpisodeStatusAborted, completedAt)
	return nil
}

// GetEpisode forces a buffer flush (so reads observe steps not yet durably
// written), then loads the episode and touches last_accessed_at.
func (e *Engine) GetEpisode(ctx context.Context, id ids.EpisodeID) (*models.Episode, error) {
	if err := e.flush(ctx, id); err != nil {
		return nil, fmt.Errorf("flush step buffer before read: %w", err)
	}

	var ep *models.Episode
	err := store.Transact(ctx, e.db, func(tx *sql.Tx) error {
		var err error
		ep, err = store.GetEpisodeTx(ctx, tx, id)
		if err != nil {
			return err
		}
		return store.TouchLastAccessedTx(ctx, tx, id, time.Now().UTC())
	})
	if err != nil {
		return nil, err
	}
	return ep, nil
}

func loadEpisodeForTransitionTx(ctx context.Context, tx *sql.Tx, id ids.EpisodeID) (*models.Episode, int, error) {
	ep, err := store.GetEpisodeTx(ctx, tx, id)
	if err != nil {
		return nil, 0, err
	}
	var version int
	row := tx.QueryRowContext(ctx, `SELECT version FROM episodes WHERE id = ?`, id.String())
	if err := row.Scan(&version); err != nil {
		return nil, 0, fmt.Errorf("load episode version: %w", err)
	}
	return ep, version, nil
}

// bufferFor returns id's buffer, creating one if this is the first step
// logged against id in this process. A freshly created buffer seeds its
// index counter from the persisted step count rather than assuming 0, since
// a short-lived CLI invocation starts a brand new Engine (and so a brand
// new buffer) on every call.
func (e *Engine) bufferFor(ctx context.Context, id ids.EpisodeID) *stepBuffer {
	e.buffersMu.Lock()
	if buf, ok := e.buffers[id.String()]; ok {
		e.buffersMu.Unlock()
		return buf
	}
	e.buffersMu.Unlock()

	startIndex, err := store.NextStepIndex(ctx, e.db, id)
	if err != nil {
		startIndex = 1
	}
	return e.newBuffer(id, startIndex)
}

func (e *Engine) newBuffer(id ids.EpisodeID, startIndex int) *stepBuffer {
	e.buffersMu.Lock()
	defer e.buffersMu.Unlock()

	key := id.String()
	if buf, ok := e.buffers[key]; ok {
		return buf
	}

	buf := newStepBuffer(e.opts.StepBufferSize, e.opts.StepBufferAge, startIndex,
		func(flushCtx context.Context, steps []models.Step) error {
			// Each step commits in its own transaction so a later step's
			// conflict (e.g. a concurrent writer on the same episode winning
			// the same index) does not roll back earlier steps already
			// durably appended in this same flush (spec.md §8 property 11).
			for _, step := range steps {
				if err := store.Transact(flushCtx, e.db, func(tx *sql.Tx) error {
					return store.AppendStepTx(flushCtx, tx, id, step)
				}); err != nil {
					return err
				}
			}
			return nil
		},
		func(err error) {
			e.log.Warn("async step buffer flush failed", "episode_id", id.String(), "error", err)
		},
	)
	e.buffers[key] = buf
	return buf
}

func (e *Engine) flush(ctx context.Context, id ids.EpisodeID) error {
	e.buffersMu.Lock()
	buf, ok := e.buffers[id.String()]
	e.buffersMu.Unlock()
	if !ok {
		return nil
	}
	return buf.Flush(ctx)
}

func (e *Engine) dropBuffer(id ids.EpisodeID) {
	e.buffersMu.Lock()
	delete(e.buffers, id.String())
	e.buffersMu.Unlock()
}

// publishCompletion nudges the extraction pipeline over the event bus.
// Failure is logged, not fatal: the pattern_jobs row enqueued inside the
// finalisation transaction is already durable, so a poller can still pick
// the work up without the NATS notification.
func (e *Engine) publishCompletion(ctx context.Context, id ids.EpisodeID, status models.EpisodeStatus, completedAt time.Time) {
	if e.bus == nil {
		return
	}
	evt := eventbus.EpisodeCompleted{EpisodeID: id.String(), Status: string(status), CompletedAt: completedAt}
	if err := e.bus.PublishEpisodeCompleted(ctx, evt); err != nil {
		e.log.Warn("publish episode completed event failed", "episode_id", id.String(), "error", err)
	}
}
