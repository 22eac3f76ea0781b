// Package retrieval implements the retrieval engine (C6): a context-keyed
// filtered search over episodes, folding in matching patterns and
// synthesising heuristics from them, per spec.md §4.6.
package retrieval

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/d-o-hub/epimem/internal/coordinator"
	"github.com/d-o-hub/epimem/internal/heuristics"
	"github.com/d-o-hub/epimem/internal/models"
	"github.com/d-o-hub/epimem/internal/store"
)

// DefaultLimit is spec.md §4.6's default result bound.
const DefaultLimit = 10

// DefaultCandidatePoolSize bounds how many episodes the filtered index
// lookup considers before ranking, keeping a single query cheap even
// against a large store.
const DefaultCandidatePoolSize = 200

// Request is one retrieval query.
type Request struct {
	Context        models.TaskContext
	TaskType       models.TaskType // "" means unconstrained
	Limit          int             // 0 uses DefaultLimit
	MinSuccessRate float64
	QueryEmbedding models.Embedding // optional; enables cosine-similarity ranking
}

// ScoredEpisode pairs a ranked episode with the score it was ranked by.
type ScoredEpisode struct {
	Episode *models.Episode `json:"episode"`
	Score   float64         `json:"score"`
}

// Stats reports how much work a query did, useful for the CLI/health surface.
type Stats struct {
	CandidatesConsidered int           `json:"candidates_considered"`
	PatternsConsidered   int           `json:"patterns_considered"`
	Elapsed              time.Duration `json:"elapsed_ns"`
}

// Result is spec.md §4.6's RetrievalResult.
type Result struct {
	Episodes   []ScoredEpisode    `json:"episodes"`
	Patterns   []*models.Pattern  `json:"patterns"`
	Heuristics []*models.Heuristic `json:"heuristics"`
	Stats      Stats              `json:"stats"`
}

// Engine runs retrieval queries over the storage coordinator (C3).
type Engine struct {
	db    *sql.DB
	coord *coordinator.Coordinator
	log   *slog.Logger
}

// New constructs a retrieval Engine.
func New(db *sql.DB, coord *coordinator.Coordinator, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{db: db, coord: coord, log: log}
}

// Query implements spec.md §4.6's five-step algorithm.
func (e *Engine) Query(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	if req.Limit <= 0 {
		req.Limit = DefaultLimit
	}

	candidates, err := e.candidateEpisodes(ctx, req)
	if err != nil {
		return nil, err
	}

	scored := e.rankEpisodes(ctx, req, candidates)
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Episode.ID.String() < scored[j].Episode.ID.String()
	})
	if len(scored) > req.Limit {
		scored = scored[:req.Limit]
	}

	patterns, err := e.matchingPatterns(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Episodes:   scored,
		Patterns:   patterns,
		Heuristics: heuristics.Synthesize(patterns, req.MinSuccessRate, req.Limit),
		Stats: Stats{
			CandidatesConsidered: len(candidates),
			PatternsConsidered:   len(patterns),
			Elapsed:              time.Since(start),
		},
	}

	e.touchAccessedAsync(scored)
	return result, nil
}

func (e *Engine) candidateEpisodes(ctx context.Context, req Request) ([]*models.Episode, error) {
	var episodes []*models.Episode
	err := store.Transact(ctx, e.db, func(tx *sql.Tx) error {
		filtered, err := store.ListEpisodesByFilterTx(ctx, tx, store.EpisodeFilter{
			Domain:   req.Context.Domain,
			Language: req.Context.Language,
			TaskType: req.TaskType,
			Limit:    DefaultCandidatePoolSize,
		})
		episodes = filtered
		return err
	})
	return episodes, err
}

func (e *Engine) rankEpisodes(ctx context.Context, req Request, candidates []*models.Episode) []ScoredEpisode {
	now := time.Now()
	out := make([]ScoredEpisode, 0, len(candidates))
	for _, ep := range candidates {
		score := e.scoreEpisode(ctx, req, ep, now)
		out = append(out, ScoredEpisode{Episode: ep, Score: score})
	}
	return out
}

func (e *Engine) scoreEpisode(ctx context.Context, req Request, ep *models.Episode, now time.Time) float64 {
	if len(req.QueryEmbedding) == 0 {
		return blendedScore(req.Context, req.TaskType, ep, now)
	}

	embedding := e.episodeEmbedding(ctx, ep)
	if len(embedding) == 0 {
		return blendedScore(req.Context, req.TaskType, ep, now)
	}
	return cosineSimilarity(req.QueryEmbedding, embedding)
}

func (e *Engine) episodeEmbedding(ctx context.Context, ep *models.Episode) models.Embedding {
	var embedding models.Embedding
	err := store.Transact(ctx, e.db, func(tx *sql.Tx) error {
		summary, err := store.GetSummaryTx(ctx, tx, ep.ID)
		if err != nil {
			var nf *models.NotFoundError
			if errors.As(err, &nf) {
				return nil
			}
			return err
		}
		embedding = summary.Embedding
		return nil
	})
	if err != nil {
		e.log.Warn("failed to load summary embedding, falling back to blended score", "episode_id", ep.ID.String(), "error", err)
		return nil
	}
	return embedding
}

func (e *Engine) matchingPatterns(ctx context.Context, req Request) ([]*models.Pattern, error) {
	var all []*models.Pattern
	err := store.Transact(ctx, e.db, func(tx *sql.Tx) error {
		patterns, err := store.ListPatternsTx(ctx, tx, 0, 500)
		all = patterns
		return err
	})
	if err != nil {
		return nil, err
	}

	var matched []*models.Pattern
	for _, p := range all {
		if p.SuccessRate() < req.MinSuccessRate {
			continue
		}
		if !patternIntersectsContext(p, req.Context) {
			continue
		}
		matched = append(matched, p)
	}
	return matched, nil
}

// patternIntersectsContext reports whether any of a pattern's context
// bindings is compatible with the query context: any query field left
// unconstrained is ignored, and tags only need to intersect when both
// sides specify some.
func patternIntersectsContext(p *models.Pattern, query models.TaskContext) bool {
	if len(p.ContextBindings) == 0 {
		return query.Domain == "" && query.Language == "" && len(query.Tags) == 0
	}
	for _, b := range p.ContextBindings {
		if query.Domain != "" && query.Domain != b.Domain {
			continue
		}
		if query.Language != "" && query.Language != b.Language {
			continue
		}
		if len(query.Tags) > 0 && len(b.Tags) > 0 && jaccard(query.Tags, b.Tags) == 0 {
			continue
		}
		return true
	}
	return false
}

// touchAccessedAsync updates last_accessed_at for the returned episodes in
// one background transaction, per spec.md §4.6 step 5 ("batched,
// non-blocking"). Best effort: a failure here never fails the query.
func (e *Engine) touchAccessedAsync(scored []ScoredEpisode) {
	if len(scored) == 0 {
		return
	}
	ids := make([]string, len(scored))
	for i, s := range scored {
		ids[i] = s.Episode.ID.String()
		e.coord.CacheEpisode(s.Episode)
	}
	go func() {
		ctx := context.Background()
		now := time.Now()
		err := store.Transact(ctx, e.db, func(tx *sql.Tx) error {
			for _, s := range scored {
				if err := store.TouchLastAccessedTx(ctx, tx, s.Episode.ID, now); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			e.log.Warn("batched last_accessed_at update failed", "count", len(ids), "error", err)
		}
	}()
}
