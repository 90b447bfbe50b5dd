// Package entities implements the rule-based entity and keyphrase
// extractor. Detection is purely regex-driven: capitalization and format
// heuristics per label, no trained model.
package entities

import (
	"regexp"
	"sort"
	"strings"
)

// Label classifies a detected entity.
type Label string

const (
	LabelPerson Label = "person"
	LabelOrg    Label = "org"
	LabelPlace  Label = "place"
	LabelTech   Label = "tech"
	LabelDate   Label = "date"
	LabelMoney  Label = "money"
	LabelPercent Label = "percent"
	LabelEmail  Label = "email"
	LabelURL    Label = "url"
)

// defaultConfidence is the fixed confidence every regex match receives;
// matches are not individually scored.
const defaultConfidence = 0.8

// Entity is one detected mention within a chunk's body.
type Entity struct {
	Text        string
	Label       Label
	StartPos    int
	EndPos      int
	Confidence  float64
	Description string
}

// Wikilink is an `[[target]]` or `[[display|target]]` markdown reference,
// the vault-style cross-document signal the linking engine treats as
// shared-entity evidence.
type Wikilink struct {
	Display string
	Target  string
}

// Extraction is the full output of extracting over one chunk's text.
type Extraction struct {
	Entities   []Entity
	Keyphrases []string
	Wikilinks  []Wikilink
}

type pattern struct {
	label Label
	re    *regexp.Regexp
}

// patterns is the per-label regex list: names are capitalization
// heuristics, not a trained model, so false positives are expected and
// acceptable at this confidence tier.
var patterns = []pattern{
	{LabelEmail, regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{LabelURL, regexp.MustCompile(`https?://[^\s)\]]+`)},
	{LabelMoney, regexp.MustCompile(`\$\s?\d[\d,]*(?:\.\d+)?\s?(?:million|billion|trillion|[KkMmBb])?`)},
	{LabelPercent, regexp.MustCompile(`\b\d+(?:\.\d+)?\s?%`)},
	{LabelDate, regexp.MustCompile(`\b(?:\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{2,4}|(?:January|February|March|April|May|June|July|August|September|October|November|December)\s+\d{1,2},?\s+\d{4})\b`)},
	{LabelOrg, regexp.MustCompile(`\b[A-Z][a-zA-Z0-9&]*(?:\s+[A-Z][a-zA-Z0-9&]*)*\s+(?:Inc|Corp|Corporation|Company|LLC|Ltd|Foundation|Institute|University|Labs?)\b`)},
	{LabelTech, regexp.MustCompile(`\b(?:Python|Go|Golang|JavaScript|TypeScript|Kubernetes|Docker|PostgreSQL|Redis|Kafka|gRPC|REST|GraphQL|React|Linux|AWS|GCP|Azure)\b`)},
	{LabelPlace, regexp.MustCompile(`\b(?:[A-Z][a-z]+(?:\s[A-Z][a-z]+)*,\s[A-Z]{2})\b`)},
	{LabelPerson, regexp.MustCompile(`\b[A-Z][a-z]+\s[A-Z][a-z]+\b`)},
}

var wikilinkRe = regexp.MustCompile(`\[\[([^\]|]+)(?:\|([^\]]+))?\]\]`)

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"is": true, "are": true, "was": true, "were": true, "be": true, "been": true,
	"of": true, "in": true, "on": true, "at": true, "to": true, "for": true,
	"with": true, "as": true, "by": true, "that": true, "this": true, "it": true,
	"from": true, "not": true, "we": true, "you": true, "they": true,
}

var tokenRe = regexp.MustCompile(`\w+`)

// Extract runs every label pattern plus keyphrase and wikilink extraction
// over a chunk's text, deduplicating entities by (text, start, end).
func Extract(text string) Extraction {
	seen := make(map[string]bool)
	var ents []Entity
	for _, p := range patterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			start, end := loc[0], loc[1]
			matched := text[start:end]
			key := matched + "|" + itoaPos(start) + "|" + itoaPos(end)
			if seen[key] {
				continue
			}
			seen[key] = true
			ents = append(ents, Entity{
				Text: matched, Label: p.label, StartPos: start, EndPos: end,
				Confidence: defaultConfidence,
			})
		}
	}
	sort.Slice(ents, func(i, j int) bool { return ents[i].StartPos < ents[j].StartPos })

	return Extraction{
		Entities:   ents,
		Keyphrases: extractKeyphrases(text),
		Wikilinks:  extractWikilinks(text),
	}
}

func itoaPos(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [12]byte
	p := len(buf)
	for n > 0 {
		p--
		buf[p] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[p:])
}

// extractWikilinks handles both the bare `[[target]]` form and the
// aliased `[[display|target]]` form.
func extractWikilinks(text string) []Wikilink {
	var out []Wikilink
	for _, m := range wikilinkRe.FindAllStringSubmatch(text, -1) {
		if m[2] != "" {
			out = append(out, Wikilink{Display: strings.TrimSpace(m[1]), Target: strings.TrimSpace(m[2])})
		} else {
			out = append(out, Wikilink{Display: strings.TrimSpace(m[1]), Target: strings.TrimSpace(m[1])})
		}
	}
	return out
}

// extractKeyphrases collects bigrams and trigrams by raw frequency,
// excluding stop-word-only phrases, returned when frequency > 1, capped at
// the top 20.
func extractKeyphrases(text string) []string {
	tokens := tokenRe.FindAllString(strings.ToLower(text), -1)
	counts := make(map[string]int)
	order := []string{}

	addNgram := func(n int) {
		for i := 0; i+n <= len(tokens); i++ {
			gram := tokens[i : i+n]
			if isStopPhrase(gram) {
				continue
			}
			phrase := strings.Join(gram, " ")
			if _, ok := counts[phrase]; !ok {
				order = append(order, phrase)
			}
			counts[phrase]++
		}
	}
	addNgram(2)
	addNgram(3)

	var candidates []string
	for _, phrase := range order {
		if counts[phrase] > 1 {
			candidates = append(candidates, phrase)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return counts[candidates[i]] > counts[candidates[j]]
	})
	if len(candidates) > 20 {
		candidates = candidates[:20]
	}
	return candidates
}

// isStopPhrase excludes phrases that carry no signal: all stop-words, or
// stop-words at both ends.
func isStopPhrase(gram []string) bool {
	allStop := true
	for _, w := range gram {
		if !stopWords[w] {
			allStop = false
			break
		}
	}
	if allStop {
		return true
	}
	return stopWords[gram[0]] && stopWords[gram[len(gram)-1]]
}
