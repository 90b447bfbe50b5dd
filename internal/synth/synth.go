// Package synth assembles extractive, deterministic answers, summaries,
// explanations and comparisons from ranked chunk lists. No generative model is
// involved; every output sentence comes verbatim from a source chunk.
package synth

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"knowgraph/internal/errs"
	"knowgraph/internal/retrieve"
	"knowgraph/internal/storage"
)

// Searcher is the slice of the retriever the assembler depends on.
type Searcher interface {
	Search(ctx context.Context, q retrieve.Query) (retrieve.Response, error)
}

// SourceRef cites one chunk used in an output.
type SourceRef struct {
	Path    string
	Heading string
	Score   float64
}

// Output is one assembled result.
type Output struct {
	Content    string
	Sources    []SourceRef
	Confidence float64
	Metadata   map[string]any
}

// Assembler wires the retriever and link graph into the assembly operations.
type Assembler struct {
	Retriever Searcher
	Links     storage.LinkStore
	Chunks    storage.ChunkStore
}

var sentenceRe = regexp.MustCompile(`[^.!?]+[.!?]+(?:\s|$)|[^.!?]+$`)

// sentences splits text into trimmed sentences.
func sentences(text string) []string {
	var out []string
	for _, m := range sentenceRe.FindAllString(strings.ReplaceAll(text, "\n", " "), -1) {
		s := strings.TrimSpace(m)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// leadSentences returns the first one or two sentences of text.
func leadSentences(text string) string {
	ss := sentences(text)
	if len(ss) == 0 {
		return ""
	}
	if len(ss) == 1 {
		return ss[0]
	}
	return ss[0] + " " + ss[1]
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

// lengthFactor dampens confidence for short answers.
func lengthFactor(words int) float64 {
	switch {
	case words < 10:
		return 0.5
	case words < 50:
		return 0.8
	default:
		return 1.0
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// AnswerQuestion retrieves top-k chunks and assembles a bulleted extractive
// answer from the lead sentences of the top three.
func (a *Assembler) AnswerQuestion(ctx context.Context, question string, k int) (Output, error) {
	if k <= 0 {
		k = 5
	}
	resp, err := a.Retriever.Search(ctx, retrieve.Query{Text: question, RerankK: k})
	if err != nil {
		return Output{}, err
	}
	if len(resp.Items) == 0 {
		return Output{
			Content:  "No relevant knowledge found.",
			Metadata: map[string]any{"query_type": string(resp.QueryType)},
		}, nil
	}

	top := resp.Items
	if len(top) > 3 {
		top = top[:3]
	}
	var bullets []string
	var scoreSum float64
	var sources []SourceRef
	for _, it := range resp.Items {
		sources = append(sources, SourceRef{Path: it.Path, Heading: headingOf(it), Score: it.Score})
		scoreSum += it.Score
	}
	for _, it := range top {
		lead := leadSentences(it.Text)
		if lead == "" {
			continue
		}
		bullets = append(bullets, "- "+lead)
	}
	content := strings.Join(bullets, "\n")

	meanScore := scoreSum / float64(len(resp.Items))
	confidence := clamp01(meanScore * lengthFactor(wordCount(content)))

	return Output{
		Content:    content,
		Sources:    sources,
		Confidence: confidence,
		Metadata: map[string]any{
			"query_type": string(resp.QueryType),
			"strategy":   string(resp.Strategy),
		},
	}, nil
}

// summaryScore ranks a chunk for inclusion: headed sections first, longer
// bodies up to a cap.
func summaryScore(c storage.Chunk) float64 {
	score := 0.0
	if c.Heading != nil && *c.Heading != "" {
		score += 2
	}
	w := float64(wordCount(c.Text)) / 50
	if w > 3 {
		w = 3
	}
	return score + w
}

// GenerateSummary emits chunks in score order, interleaving heading and
// text, until the word budget is exhausted; the final chunk is truncated to
// fit.
func (a *Assembler) GenerateSummary(ctx context.Context, chunks []storage.Chunk, maxWords int) (Output, error) {
	if maxWords <= 0 {
		maxWords = 200
	}
	if len(chunks) == 0 {
		return Output{}, errs.Wrap(errs.KindInvalidInput, "nothing to summarize", nil)
	}

	ordered := make([]storage.Chunk, len(chunks))
	copy(ordered, chunks)
	// Stable so equal-score chunks keep document order.
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && summaryScore(ordered[j]) > summaryScore(ordered[j-1]); j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}

	var parts []string
	var sources []SourceRef
	budget := maxWords
	for _, c := range ordered {
		if budget <= 0 {
			break
		}
		if c.Heading != nil && *c.Heading != "" {
			parts = append(parts, "## "+*c.Heading)
		}
		words := strings.Fields(c.Text)
		if len(words) > budget {
			words = words[:budget]
		}
		parts = append(parts, strings.Join(words, " "))
		budget -= len(words)
		sources = append(sources, SourceRef{Path: c.Path, Heading: derefHeading(c.Heading)})
	}

	return Output{
		Content:    strings.Join(parts, "\n\n"),
		Sources:    sources,
		Confidence: 0.9,
		Metadata:   map[string]any{"max_words": maxWords, "chunks_used": len(sources)},
	}, nil
}

// GenerateExplanation searches for topic and layers detail by depth: 1 is
// an overview, 2 adds related concepts from the link graph, 3 adds
// supplementary excerpts.
func (a *Assembler) GenerateExplanation(ctx context.Context, topic string, depth int) (Output, error) {
	if depth < 1 {
		depth = 1
	}
	if depth > 3 {
		depth = 3
	}
	resp, err := a.Retriever.Search(ctx, retrieve.Query{Text: topic})
	if err != nil {
		return Output{}, err
	}
	if len(resp.Items) == 0 {
		return Output{Content: fmt.Sprintf("No knowledge found about %q.", topic)}, nil
	}

	var b strings.Builder
	var sources []SourceRef
	first := resp.Items[0]
	sources = append(sources, SourceRef{Path: first.Path, Heading: headingOf(first), Score: first.Score})
	fmt.Fprintf(&b, "## Overview\n\n%s\n", leadSentences(first.Text))

	if depth >= 2 && a.Links != nil {
		edges, err := a.Links.OutgoingEdges(ctx, first.ChunkID)
		if err == nil && len(edges) > 0 {
			b.WriteString("\n## Related concepts\n\n")
			seen := make(map[string]bool)
			for _, e := range edges {
				if seen[e.TargetID] || a.Chunks == nil {
					continue
				}
				seen[e.TargetID] = true
				if c, ok, _ := a.Chunks.GetChunk(ctx, e.TargetID); ok {
					fmt.Fprintf(&b, "- %s (%s, strength %.2f)\n", titleFor(c), strings.ToLower(string(e.Relationship)), e.Strength)
				}
			}
		}
	}

	if depth >= 3 && len(resp.Items) > 1 {
		b.WriteString("\n## Further detail\n\n")
		for _, it := range resp.Items[1:] {
			if len(sources) >= 3 {
				break
			}
			sources = append(sources, SourceRef{Path: it.Path, Heading: headingOf(it), Score: it.Score})
			fmt.Fprintf(&b, "%s\n\n", leadSentences(it.Text))
		}
	}

	return Output{
		Content:    strings.TrimSpace(b.String()),
		Sources:    sources,
		Confidence: clamp01(first.Score),
		Metadata:   map[string]any{"topic": topic, "depth": depth},
	}, nil
}

// CompareTopics runs two searches and assembles a fixed-template
// comparison.
func (a *Assembler) CompareTopics(ctx context.Context, topicA, topicB string) (Output, error) {
	respA, err := a.Retriever.Search(ctx, retrieve.Query{Text: topicA})
	if err != nil {
		return Output{}, err
	}
	respB, err := a.Retriever.Search(ctx, retrieve.Query{Text: topicB})
	if err != nil {
		return Output{}, err
	}

	var b strings.Builder
	var sources []SourceRef
	fmt.Fprintf(&b, "## %s\n\n%s\n\n", topicA, overviewOf(respA, &sources))
	fmt.Fprintf(&b, "## %s\n\n%s\n\n", topicB, overviewOf(respB, &sources))

	b.WriteString("## Comparison\n\n")
	switch {
	case len(respA.Items) == 0 || len(respB.Items) == 0:
		b.WriteString("Insufficient knowledge to compare both topics.\n")
	default:
		sharedPaths := sharedSources(respA, respB)
		if len(sharedPaths) > 0 {
			fmt.Fprintf(&b, "Both topics are discussed in: %s.\n", strings.Join(sharedPaths, ", "))
		} else {
			fmt.Fprintf(&b, "The corpus covers %q and %q in separate documents; no shared sources were found.\n", topicA, topicB)
		}
	}

	conf := 0.0
	if len(respA.Items) > 0 && len(respB.Items) > 0 {
		conf = clamp01((respA.Items[0].Score + respB.Items[0].Score) / 2)
	}
	return Output{
		Content:    strings.TrimSpace(b.String()),
		Sources:    sources,
		Confidence: conf,
		Metadata:   map[string]any{"topic_a": topicA, "topic_b": topicB},
	}, nil
}

func overviewOf(resp retrieve.Response, sources *[]SourceRef) string {
	if len(resp.Items) == 0 {
		return "No knowledge found."
	}
	it := resp.Items[0]
	*sources = append(*sources, SourceRef{Path: it.Path, Heading: headingOf(it), Score: it.Score})
	return leadSentences(it.Text)
}

func sharedSources(a, b retrieve.Response) []string {
	inA := make(map[string]bool)
	for _, it := range a.Items {
		inA[it.Path] = true
	}
	var shared []string
	seen := make(map[string]bool)
	for _, it := range b.Items {
		if inA[it.Path] && !seen[it.Path] {
			seen[it.Path] = true
			shared = append(shared, it.Path)
		}
	}
	return shared
}

func headingOf(it retrieve.Item) string {
	if it.Heading != nil {
		return *it.Heading
	}
	return ""
}

func derefHeading(h *string) string {
	if h != nil {
		return *h
	}
	return ""
}

func titleFor(c storage.Chunk) string {
	if c.Heading != nil && *c.Heading != "" {
		return *c.Heading
	}
	return c.Path
}
