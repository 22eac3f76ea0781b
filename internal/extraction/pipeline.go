package extraction

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/d-o-hub/epimem/internal/eventbus"
	"github.com/d-o-hub/epimem/internal/models"
	"github.com/d-o-hub/epimem/internal/store"
	"github.com/d-o-hub/epimem/internal/summarizer"
	"github.com/d-o-hub/epimem/pkg/ids"
)

// Options configures a Pipeline.
type Options struct {
	Workers             int           // default: logical CPUs
	LeaseSeconds        int           // pattern_jobs claim lease
	PollInterval        time.Duration // fallback poll cadence when idle
	MaxSequenceLength   int           // tool-sequence extractor's k
	HeuristicThreshold  float64       // success_rate promotion floor
	QueueGroup          string        // NATS queue group shared by workers
	SummaryTopK         int           // concepts kept per episode summary
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.LeaseSeconds <= 0 {
		o.LeaseSeconds = 60
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.HeuristicThreshold <= 0 {
		o.HeuristicThreshold = 0.7
	}
	if o.QueueGroup == "" {
		o.QueueGroup = "extraction-workers"
	}
	if o.SummaryTopK <= 0 {
		o.SummaryTopK = summarizer.DefaultTopKConcepts
	}
	return o
}

// Pipeline is the fixed worker pool draining pattern_jobs, fed a
// low-latency wakeup by the event bus but never solely dependent on it:
// every worker also polls on a ticker, so a missed or never-sent
// notification (startup backlog, a crash between enqueue and publish)
// still gets processed within one poll interval.
type Pipeline struct {
	db         *sql.DB
	bus        *eventbus.Bus
	extractors []Extractor
	opts       Options
	log        *slog.Logger

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Pipeline. bus may be nil to run on polling alone.
func New(db *sql.DB, bus *eventbus.Bus, opts Options, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	opts = opts.withDefaults()
	return &Pipeline{
		db:         db,
		bus:        bus,
		extractors: DefaultExtractors(opts.MaxSequenceLength),
		opts:       opts,
		log:        log,
		wake:       make(chan struct{}, 1),
	}
}

// Start launches the worker pool and, if a bus is configured, a queue
// subscription that nudges workers awake on every EpisodeCompleted event.
func (p *Pipeline) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	if p.bus != nil {
		if _, err := p.bus.SubscribeWorkers(runCtx, p.opts.QueueGroup, func(_ context.Context, _ eventbus.EpisodeCompleted) error {
			p.signalWake()
			return nil
		}); err != nil {
			cancel()
			return fmt.Errorf("subscribe extraction pipeline: %w", err)
		}
	}

	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.runWorker(runCtx, i)
	}
	return nil
}

// Stop cancels all workers and waits for them to exit.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pipeline) signalWake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pipeline) runWorker(ctx context.Context, index int) {
	defer p.wg.Done()
	workerName := fmt.Sprintf("extraction-worker-%d", index)
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.wake:
		}
		for p.claimAndProcessOne(ctx, workerName) {
			// drain the queue before going back to waiting
		}
	}
}

// claimAndProcessOne claims and processes at most one due job. It returns
// true if a job was claimed (regardless of outcome), so the caller can
// loop to drain a backlog without waiting for the next tick.
func (p *Pipeline) claimAndProcessOne(ctx context.Context, workerName string) bool {
	var job *models.PatternJob
	err := store.Transact(ctx, p.db, func(tx *sql.Tx) error {
		var err error
		job, err = store.ClaimNextPatternJobTx(ctx, tx, workerName, p.opts.LeaseSeconds)
		return err
	})
	if err != nil {
		p.log.Error("claim pattern job failed", "worker", workerName, "error", err)
		return false
	}
	if job == nil {
		return false
	}

	if err := p.process(ctx, job); err != nil {
		p.log.Warn("pattern extraction failed", "worker", workerName, "episode_id", job.EpisodeID, "attempt", job.Attempt, "error", err)
	}
	return true
}

// process runs every extractor over the job's episode, upserts each
// candidate, promotes crossed-threshold patterns to heuristics, and
// settles the job (succeeded, retried with backoff, or dead).
func (p *Pipeline) process(ctx context.Context, job *models.PatternJob) error {
	episodeID, err := ids.ParseEpisodeID(job.EpisodeID)
	if err != nil {
		return store.Transact(ctx, p.db, func(tx *sql.Tx) error {
			return store.MarkPatternJobDeadTx(ctx, tx, job.ID, err.Error())
		})
	}

	procErr := store.Transact(ctx, p.db, func(tx *sql.Tx) error {
		ep, err := store.GetEpisodeTx(ctx, tx, episodeID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		for _, extractor := range p.extractors {
			// Per-extractor errors are caught, logged, and do not abort other
			// extractors (spec.md §4.5, §7): a transient failure on one
			// tool-sequence candidate must not discard patterns already
			// upserted by an earlier extractor in this same job.
			if err := p.runExtractor(ctx, tx, extractor, ep, now); err != nil {
				p.log.Warn("extractor failed", "extractor", extractor.Name(), "episode_id", ep.ID.String(), "error", err)
			}
		}

		if err := p.summarizeEpisode(ctx, tx, ep, now); err != nil {
			return fmt.Errorf("summarize episode: %w", err)
		}

		return store.MarkPatternJobSucceededTx(ctx, tx, job.ID)
	})
	if procErr == nil {
		return nil
	}

	return p.settleFailure(ctx, job, procErr)
}

// runExtractor upserts every candidate one extractor produced. It returns
// the first error encountered so the caller can log and move on to the
// next extractor, rather than aborting the whole job.
func (p *Pipeline) runExtractor(ctx context.Context, tx *sql.Tx, extractor Extractor, ep *models.Episode, now time.Time) error {
	for _, c := range extractor.Extract(ep) {
		signal := 0.0
		if c.Succeeded {
			signal = 1.0
		}
		pattern, err := store.UpsertPatternTx(ctx, tx, c.Kind, canonicalSignature(c.Signature), c.Succeeded, signal, c.ContextBinding, ep.ID.String(), now)
		if err != nil {
			return fmt.Errorf("upsert pattern: %w", err)
		}
		if err := p.promoteHeuristicCandidate(ctx, tx, pattern, now); err != nil {
			return fmt.Errorf("promote heuristic: %w", err)
		}
	}
	return nil
}

// promoteHeuristicCandidate implements spec.md §4.5's 6th extractor,
// heuristic-candidate: a pattern with at least 2 occurrences whose
// success_rate reaches the configured threshold is upserted again under
// PatternKindHeuristic with the signature "<kind>:<signature>", so it
// surfaces through the same confidence/decay machinery.
func (p *Pipeline) promoteHeuristicCandidate(ctx context.Context, tx *sql.Tx, pattern *models.Pattern, now time.Time) error {
	if pattern.Kind == models.PatternKindHeuristic {
		return nil
	}
	if pattern.Occurrences < 2 || pattern.SuccessRate() < p.opts.HeuristicThreshold {
		return nil
	}
	provenanceEpisode := ""
	if len(pattern.Provenance) > 0 {
		provenanceEpisode = pattern.Provenance[len(pattern.Provenance)-1]
	}
	ctxBinding := models.TaskContext{}
	if len(pattern.ContextBindings) > 0 {
		ctxBinding = pattern.ContextBindings[0]
	}
	_, err := store.UpsertPatternTx(ctx, tx, models.PatternKindHeuristic, canonicalSignature(string(pattern.Kind)+":"+pattern.Signature), true, pattern.SuccessRate(), ctxBinding, provenanceEpisode, now)
	return err
}

// summarizeEpisode scores the summary against the current rolling TF-IDF
// vocabulary, persists it, and only then folds the episode's terms into the
// vocabulary, so a given episode never inflates its own concept scores
// (C8, spec.md §4.7).
func (p *Pipeline) summarizeEpisode(ctx context.Context, tx *sql.Tx, ep *models.Episode, now time.Time) error {
	vocab, err := summarizer.LoadVocabularyTx(ctx, tx)
	if err != nil {
		return err
	}
	summary := summarizer.Summarize(ep, vocab, p.opts.SummaryTopK, now)
	if err := store.InsertSummaryTx(ctx, tx, summary); err != nil {
		return err
	}
	return summarizer.RecordDocumentTx(ctx, tx, summarizer.DocumentTerms(ep))
}

func (p *Pipeline) settleFailure(ctx context.Context, job *models.PatternJob, cause error) error {
	return store.Transact(ctx, p.db, func(tx *sql.Tx) error {
		if job.Attempt >= job.MaxAttempts {
			if err := store.MarkPatternJobDeadTx(ctx, tx, job.ID, cause.Error()); err != nil {
				return err
			}
			episodeID, err := ids.ParseEpisodeID(job.EpisodeID)
			if err != nil {
				return nil
			}
			return store.MarkExtractionFailedTx(ctx, tx, episodeID)
		}
		return store.MarkPatternJobRetryTx(ctx, tx, job.ID, cause.Error(), store.RetryBackoffSeconds(job.Attempt))
	})
}
