// similarity.go implements the optional similarity lookup base spec §4.C8
// allows alongside exact-match caching: instead of hashing a prompt to one
// key, tokenize it into a set and compare against recently seen prompts by
// Jaccard similarity, returning the best match above a threshold.
package cache

import (
	"strings"
	"sync"
)

// SimilarityIndex holds a bounded window of recently cached prompts' token
// sets for approximate lookups. It is independent of Store's exact-match
// tiers; callers consult it as a secondary path on an exact-match miss.
type SimilarityIndex struct {
	mu      sync.Mutex
	entries []similarEntry
	maxSize int
}

type similarEntry struct {
	key    string
	tokens map[string]struct{}
}

// NewSimilarityIndex creates an index retaining up to maxSize recent
// prompts.
func NewSimilarityIndex(maxSize int) *SimilarityIndex {
	if maxSize <= 0 {
		maxSize = 500
	}
	return &SimilarityIndex{maxSize: maxSize}
}

// Tokenize lowercases and splits on whitespace into a set, dropping
// duplicates — sufficient for a Jaccard comparison.
func Tokenize(text string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(text))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// Add records a prompt's token set under key, evicting the oldest entry
// once maxSize is exceeded.
func (s *SimilarityIndex) Add(key, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, similarEntry{key: key, tokens: Tokenize(text)})
	if len(s.entries) > s.maxSize {
		s.entries = s.entries[len(s.entries)-s.maxSize:]
	}
}

// Best returns the key of the most similar recorded prompt to text, and its
// Jaccard score, if the score meets or exceeds threshold. ok is false when
// nothing clears the threshold.
func (s *SimilarityIndex) Best(text string, threshold float64) (key string, score float64, ok bool) {
	query := Tokenize(text)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		sc := jaccard(query, e.tokens)
		if sc > score {
			score = sc
			key = e.key
		}
	}
	if score < threshold {
		return "", 0, false
	}
	return key, score, true
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	intersection := 0
	for t := range a {
		if _, ok := b[t]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
