package chunk

import (
	"regexp"
	"sort"
	"strings"
)

// Metadata is the semantic extraction result for one chunk.
type Metadata struct {
	KeyPhrases  []string
	Topics      []string
	Readability float64
}

const (
	maxKeyPhrases      = 10
	maxFallbackPhrases = 5
	maxTopics          = 5
)

// stopwords filtered from phrase and topic candidates.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "but": true,
	"if": true, "of": true, "at": true, "by": true, "for": true, "with": true,
	"about": true, "to": true, "from": true, "in": true, "on": true, "is": true,
	"are": true, "was": true, "were": true, "be": true, "been": true, "being": true,
	"it": true, "its": true, "this": true, "that": true, "these": true, "those": true,
	"as": true, "into": true, "than": true, "then": true, "so": true, "such": true,
	"have": true, "has": true, "had": true, "do": true, "does": true, "did": true,
	"not": true, "no": true, "can": true, "will": true, "would": true, "should": true,
	"there": true, "their": true, "they": true, "them": true, "we": true, "you": true,
	"he": true, "she": true, "his": true, "her": true, "our": true, "your": true,
	"which": true, "what": true, "when": true, "where": true, "who": true, "how": true,
	"all": true, "each": true, "more": true, "most": true, "other": true, "some": true,
	"any": true, "only": true, "also": true, "very": true, "just": true, "over": true,
}

var wordRegex = regexp.MustCompile(`[\p{L}\p{N}][\p{L}\p{N}'-]*`)

var sentenceSplit = regexp.MustCompile(`[.!?]+[\s\n]+|\n\n+`)

// SemanticExtractor derives key phrases, topics, and readability from chunk
// text. The primary pass scores multi-word candidate phrases; when it comes
// up empty the frequency fallback guarantees at least one phrase for any
// text containing a word.
type SemanticExtractor struct{}

// NewSemanticExtractor creates a SemanticExtractor.
func NewSemanticExtractor() *SemanticExtractor {
	return &SemanticExtractor{}
}

// Extract derives metadata. KeyPhrases is non-empty for any text with at
// least one word character; the last-resort phrase is the first word.
func (e *SemanticExtractor) Extract(text string) Metadata {
	words := tokenizeWords(text)

	phrases := e.primaryPhrases(words)
	if len(phrases) == 0 {
		phrases = FallbackPhrases(text, maxFallbackPhrases)
	}

	return Metadata{
		KeyPhrases:  phrases,
		Topics:      e.topics(words),
		Readability: e.readability(text, words),
	}
}

// primaryPhrases scores stopword-delimited candidate phrases by summed
// member-word degree, the classic co-occurrence heuristic. Single words
// qualify only when repeated.
func (e *SemanticExtractor) primaryPhrases(words []string) []string {
	// Build candidate runs broken at stopwords.
	var runs [][]string
	var current []string
	for _, w := range words {
		if stopwords[w] || len(w) < 2 {
			if len(current) > 0 {
				runs = append(runs, current)
				current = nil
			}
			continue
		}
		current = append(current, w)
		if len(current) == 3 { // cap phrase length
			runs = append(runs, current)
			current = nil
		}
	}
	if len(current) > 0 {
		runs = append(runs, current)
	}

	freq := map[string]int{}
	degree := map[string]int{}
	for _, run := range runs {
		for _, w := range run {
			freq[w]++
			degree[w] += len(run)
		}
	}

	type scored struct {
		phrase string
		score  float64
	}
	var candidates []scored
	seen := map[string]bool{}
	for _, run := range runs {
		phrase := strings.Join(run, " ")
		if seen[phrase] {
			continue
		}
		seen[phrase] = true
		if len(run) == 1 && freq[run[0]] < 2 {
			continue
		}
		var score float64
		for _, w := range run {
			score += float64(degree[w]) / float64(freq[w])
		}
		candidates = append(candidates, scored{phrase: phrase, score: score})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	var out []string
	for _, c := range candidates {
		out = append(out, c.phrase)
		if len(out) == maxKeyPhrases {
			break
		}
	}
	return out
}

// FallbackPhrases extracts the top-N most frequent non-stopword unigrams and
// bigrams. Exported because the storage layer's no-empty-phrases invariant
// makes this the pipeline's safety net. Returns at least one phrase for any
// text containing a word character.
func FallbackPhrases(text string, n int) []string {
	words := tokenizeWords(text)
	if len(words) == 0 {
		return nil
	}
	if n <= 0 {
		n = maxFallbackPhrases
	}

	counts := map[string]int{}
	for i, w := range words {
		if !stopwords[w] && len(w) >= 2 {
			counts[w]++
		}
		if i+1 < len(words) && !stopwords[w] && !stopwords[words[i+1]] {
			counts[w+" "+words[i+1]]++
		}
	}

	if len(counts) == 0 {
		// Everything was a stopword; the first word still satisfies the
		// invariant.
		return []string{words[0]}
	}

	type wc struct {
		phrase string
		count  int
	}
	ranked := make([]wc, 0, len(counts))
	for p, c := range counts {
		ranked = append(ranked, wc{p, c})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].phrase < ranked[j].phrase
	})

	out := make([]string, 0, n)
	for _, r := range ranked {
		out = append(out, r.phrase)
		if len(out) == n {
			break
		}
	}
	return out
}

// topics picks up to 5 frequent distinct non-stopword words of length >= 4.
func (e *SemanticExtractor) topics(words []string) []string {
	counts := map[string]int{}
	for _, w := range words {
		if !stopwords[w] && len(w) >= 4 {
			counts[w]++
		}
	}

	type wc struct {
		word  string
		count int
	}
	ranked := make([]wc, 0, len(counts))
	for w, c := range counts {
		ranked = append(ranked, wc{w, c})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].word < ranked[j].word
	})

	var out []string
	for _, r := range ranked {
		out = append(out, r.word)
		if len(out) == maxTopics {
			break
		}
	}
	return out
}

// readability maps average sentence length and word length onto [0, 1].
// Short sentences of short words score high.
func (e *SemanticExtractor) readability(text string, words []string) float64 {
	if len(words) == 0 {
		return 0
	}

	sentences := 0
	for _, s := range sentenceSplit.Split(text, -1) {
		if strings.TrimSpace(s) != "" {
			sentences++
		}
	}
	if sentences == 0 {
		sentences = 1
	}

	var letters int
	for _, w := range words {
		letters += len([]rune(w))
	}

	wordsPerSentence := float64(len(words)) / float64(sentences)
	lettersPerWord := float64(letters) / float64(len(words))

	// 25+ words per sentence or 10+ letters per word bottom out the scale.
	sentenceScore := 1.0 - clamp01((wordsPerSentence-5)/20.0)
	wordScore := 1.0 - clamp01((lettersPerWord-3)/7.0)

	return clamp01(0.6*sentenceScore + 0.4*wordScore)
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

// tokenizeWords lowercases and extracts word tokens.
func tokenizeWords(text string) []string {
	raw := wordRegex.FindAllString(strings.ToLower(text), -1)
	return raw
}
