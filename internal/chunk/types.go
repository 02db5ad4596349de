// Package chunk splits extracted documents into overlapping chunks and
// derives per-chunk semantic metadata (key phrases, topics, readability).
package chunk

// Chunk is a contiguous slice of document text with a stable ordinal id
// within its document. Two chunks with identical text in one document are
// legal, which is why ids are positional, not content hashes.
type Chunk struct {
	// Index is the chunk ordinal within the document, 0-based.
	Index int

	// Start and End are rune offsets into the extracted text, half-open.
	Start int
	End   int

	// Text is the chunk payload.
	Text string

	// TokenEstimate is the approximate token count of Text.
	TokenEstimate int

	// Page is the 1-indexed page the chunk starts on; 0 when pageless.
	Page int

	// KeyPhrases has 1-10 entries; the pipeline guarantees it is never
	// empty on a persisted chunk.
	KeyPhrases []string

	// Topics has up to 5 entries.
	Topics []string

	// Readability is in [0, 1]; higher reads easier.
	Readability float64
}

// Options tune the chunker.
type Options struct {
	// TargetTokens is the chunk size goal (default 500).
	TargetTokens int

	// OverlapTokens is carried from the previous chunk (default 50).
	OverlapTokens int

	// MaxTokens is the paragraph size above which a paragraph is split at
	// whitespace (default 2 * TargetTokens). The overlap is added on top,
	// so a chunk can exceed it.
	MaxTokens int
}

// WithDefaults fills zero values.
func (o Options) WithDefaults() Options {
	if o.TargetTokens <= 0 {
		o.TargetTokens = 500
	}
	if o.OverlapTokens <= 0 {
		o.OverlapTokens = 50
	}
	if o.OverlapTokens >= o.TargetTokens {
		o.OverlapTokens = o.TargetTokens / 10
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = o.TargetTokens * 2
	}
	return o
}

// EstimateTokens approximates the token count of text. The 4-runes-per-token
// heuristic is shared with the model runner's truncation so both sides agree
// on sizes.
func EstimateTokens(text string) int {
	n := len([]rune(text))
	if n == 0 {
		return 0
	}
	est := n / 4
	if est == 0 {
		est = 1
	}
	return est
}
