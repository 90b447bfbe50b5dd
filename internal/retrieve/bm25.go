package retrieve

import (
	"math"
	"regexp"
	"strings"
)

// BM25 parameters: the standard defaults.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

var tokenRe = regexp.MustCompile(`\w+`)

// Tokenize lowercases and splits on \w+ runs.
func Tokenize(s string) []string {
	return tokenRe.FindAllString(strings.ToLower(s), -1)
}

// BM25Scorer scores queries against a fixed candidate set: IDF uses the
// candidate set as N, never the whole corpus.
type BM25Scorer struct {
	docs   [][]string
	df     map[string]int
	avgdl  float64
	n      int
}

// NewBM25Scorer indexes the candidate texts.
func NewBM25Scorer(texts []string) *BM25Scorer {
	s := &BM25Scorer{df: make(map[string]int), n: len(texts)}
	var total int
	for _, t := range texts {
		toks := Tokenize(t)
		s.docs = append(s.docs, toks)
		total += len(toks)
		seen := make(map[string]bool, len(toks))
		for _, tok := range toks {
			if !seen[tok] {
				seen[tok] = true
				s.df[tok]++
			}
		}
	}
	if s.n > 0 {
		s.avgdl = float64(total) / float64(s.n)
	}
	return s
}

// Score computes the BM25 score of candidate i for the query tokens.
// Scores are finite and non-negative for every candidate.
func (s *BM25Scorer) Score(queryTokens []string, i int) float64 {
	if i < 0 || i >= s.n || s.avgdl == 0 {
		return 0
	}
	doc := s.docs[i]
	dl := float64(len(doc))
	tf := make(map[string]int, len(doc))
	for _, tok := range doc {
		tf[tok]++
	}
	var score float64
	for _, q := range queryTokens {
		f := float64(tf[q])
		if f == 0 {
			continue
		}
		df := float64(s.df[q])
		idf := math.Log(1 + (float64(s.n)-df+0.5)/(df+0.5))
		score += idf * (f * (bm25K1 + 1)) / (f + bm25K1*(1-bm25B+bm25B*dl/s.avgdl))
	}
	return score
}

// ScoreAll scores every candidate for the query.
func (s *BM25Scorer) ScoreAll(query string) []float64 {
	qt := Tokenize(query)
	out := make([]float64, s.n)
	for i := range out {
		out[i] = s.Score(qt, i)
	}
	return out
}

const snippetLen = 260

// Snippet returns the first 260 characters of text with an ellipsis suffix
// if truncated.
func Snippet(text string) string {
	r := []rune(text)
	if len(r) <= snippetLen {
		return text
	}
	return string(r[:snippetLen]) + "..."
}

// normalize scales xs so the maximum becomes 1; a zero or empty slice is
// returned unchanged.
func normalize(xs []float64) []float64 {
	var max float64
	for _, x := range xs {
		if x > max {
			max = x
		}
	}
	if max == 0 {
		return xs
	}
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = x / max
	}
	return out
}
