// Package summarizer implements the semantic summariser (C8): a pure CPU
// function producing a compressed representation of an episode (spec.md
// §4.7), fed by a rolling TF-IDF vocabulary persisted through the durable
// store.
package summarizer

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/d-o-hub/epimem/internal/models"
)

// DefaultTopKConcepts is how many concepts a summary keeps by default.
const DefaultTopKConcepts = 8

// DocumentTerms extracts the tokens an episode contributes to the TF-IDF
// corpus: its task description, its tool names, and its context tags.
func DocumentTerms(ep *models.Episode) []string {
	terms := Tokenize(ep.TaskDescription)
	for _, step := range ep.Steps {
		terms = append(terms, Tokenize(step.ToolName)...)
	}
	for _, tag := range ep.Context.Tags {
		terms = append(terms, Tokenize(tag)...)
	}
	return terms
}

// Summarize is a pure function: given an episode and a vocabulary
// snapshot, it deterministically produces the same summary every time it
// is called with the same inputs (spec.md §4.7's "idempotent for
// identical inputs"). Persisting the summary and folding the episode's own
// terms into the vocabulary for future calls are the caller's
// responsibility (see RecordDocumentTx), kept separate so this function
// never depends on hidden mutable state.
func Summarize(ep *models.Episode, vocab *Vocabulary, topK int, now time.Time) *models.EpisodeSummary {
	if topK <= 0 {
		topK = DefaultTopKConcepts
	}

	concepts := topConcepts(DocumentTerms(ep), vocab, topK)
	keySteps := selectKeySteps(ep.Steps)

	return &models.EpisodeSummary{
		EpisodeID:   ep.ID,
		SummaryText: buildSummaryText(ep, concepts),
		KeyConcepts: concepts,
		KeySteps:    keySteps,
		CreatedAt:   now,
	}
}

type scoredTerm struct {
	term  string
	score float64
}

func topConcepts(terms []string, vocab *Vocabulary, topK int) []string {
	tf := TermFrequency(terms)
	scored := make([]scoredTerm, 0, len(tf))
	for term, freq := range tf {
		scored = append(scored, scoredTerm{term: term, score: float64(freq) * idf(vocab, term)})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].term < scored[j].term
	})
	if len(scored) > topK {
		scored = scored[:topK]
	}
	out := make([]string, len(scored))
	for i, s := range scored {
		out[i] = s.term
	}
	return out
}

// idf is the smoothed inverse-document-frequency: log((1+N)/(1+df)) + 1,
// which stays positive and finite even for a brand-new vocabulary (N=0) or
// a term no prior document has ever used (df=0).
func idf(vocab *Vocabulary, term string) float64 {
	n := vocab.DocCount
	df := 0
	if vocab.DocFreq != nil {
		df = vocab.DocFreq[term]
	}
	return math.Log(float64(1+n)/float64(1+df)) + 1
}

// selectKeySteps keeps every successful step's description plus any
// failure immediately followed by a success on the same tool (a pivotal
// recovery transition), per spec.md §4.7.
func selectKeySteps(steps []models.Step) []string {
	var out []string
	for i, step := range steps {
		if step.Success {
			out = append(out, describeStep(step))
			continue
		}
		if i+1 < len(steps) && steps[i+1].Success && steps[i+1].ToolName == step.ToolName {
			out = append(out, fmt.Sprintf("recovered from %s failure", step.ToolName))
		}
	}
	return out
}

func describeStep(step models.Step) string {
	if step.Action != "" {
		return fmt.Sprintf("%s: %s", step.ToolName, step.Action)
	}
	return step.ToolName
}

func buildSummaryText(ep *models.Episode, concepts []string) string {
	if len(concepts) == 0 {
		return ep.TaskDescription
	}
	return fmt.Sprintf("%s (concepts: %s)", ep.TaskDescription, strings.Join(concepts, ", "))
}
