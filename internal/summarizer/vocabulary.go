package summarizer

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"

	"github.com/d-o-hub/epimem/internal/models"
	"github.com/d-o-hub/epimem/internal/store"
)

// vocabularyMetadataKey is the metadata row the rolling IDF vocabulary is
// persisted under (spec.md §4.7's "rolling vocabulary"), mirroring
// internal/lifecycle/baseline.go's use of the metadata table as a
// general-purpose place for small pieces of durable, JSON-encoded state.
const vocabularyMetadataKey = "summarizer:vocabulary"

// maxVocabularyTerms bounds how many distinct terms the vocabulary tracks;
// once exceeded, the least-frequent terms are dropped to make room, since a
// term only a single document ever used contributes little to future IDF
// estimates.
const maxVocabularyTerms = 5000

// Vocabulary is the corpus-wide document frequency table TF-IDF scoring is
// computed against: DocFreq[term] is how many documents have used term at
// least once, and DocCount is the total number of documents seen.
type Vocabulary struct {
	DocFreq  map[string]int `json:"doc_freq"`
	DocCount int            `json:"doc_count"`
}

// LoadVocabularyTx reads the current vocabulary snapshot, returning an empty
// one (DocCount 0) if none has been recorded yet.
func LoadVocabularyTx(ctx context.Context, tx *sql.Tx) (*Vocabulary, error) {
	raw, found, err := store.GetMetadataTx(ctx, tx, vocabularyMetadataKey)
	if err != nil {
		return nil, err
	}
	if !found {
		return &Vocabulary{DocFreq: map[string]int{}}, nil
	}
	var v Vocabulary
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, &models.SerializationError{Entity: "summarizer.vocabulary", Reason: err.Error()}
	}
	if v.DocFreq == nil {
		v.DocFreq = map[string]int{}
	}
	return &v, nil
}

// RecordDocumentTx folds the distinct terms of one document into the
// vocabulary and persists it, trimming the least-frequent terms if the
// table grows past maxVocabularyTerms.
func RecordDocumentTx(ctx context.Context, tx *sql.Tx, terms []string) error {
	v, err := LoadVocabularyTx(ctx, tx)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(terms))
	for _, t := range terms {
		if seen[t] {
			continue
		}
		seen[t] = true
		v.DocFreq[t]++
	}
	v.DocCount++

	if len(v.DocFreq) > maxVocabularyTerms {
		trimLeastFrequent(v, maxVocabularyTerms)
	}

	encoded, err := json.Marshal(v)
	if err != nil {
		return &models.SerializationError{Entity: "summarizer.vocabulary", Reason: err.Error()}
	}
	return store.SetMetadataTx(ctx, tx, vocabularyMetadataKey, string(encoded))
}

func trimLeastFrequent(v *Vocabulary, keep int) {
	type termCount struct {
		term  string
		count int
	}
	all := make([]termCount, 0, len(v.DocFreq))
	for t, c := range v.DocFreq {
		all = append(all, termCount{t, c})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].count != all[j].count {
			return all[i].count > all[j].count
		}
		return all[i].term < all[j].term
	})
	if len(all) > keep {
		all = all[:keep]
	}
	trimmed := make(map[string]int, len(all))
	for _, tc := range all {
		trimmed[tc.term] = tc.count
	}
	v.DocFreq = trimmed
}
