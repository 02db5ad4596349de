package chunk

import (
	"context"
	"strings"

	"github.com/Aman-CERP/foldermcp/internal/extract"
)

// Chunker splits extracted documents into chunks with semantic metadata.
type Chunker struct {
	opts     Options
	semantic *SemanticExtractor
}

// NewChunker creates a chunker.
func NewChunker(opts Options) *Chunker {
	return &Chunker{
		opts:     opts.WithDefaults(),
		semantic: NewSemanticExtractor(),
	}
}

// paragraph is an internal unit: a rune-offset range of one paragraph.
type paragraph struct {
	start, end int
}

// Chunk splits the document. Chunk boundaries respect paragraphs when
// possible; a paragraph larger than the hard cap is split at whitespace.
// Every returned chunk carries at least one key phrase.
func (c *Chunker) Chunk(ctx context.Context, doc *extract.Document) ([]*Chunk, error) {
	text := doc.Text
	runes := []rune(text)
	if len(strings.TrimSpace(text)) == 0 {
		return nil, nil
	}

	paragraphs := splitParagraphs(runes)

	targetRunes := c.opts.TargetTokens * 4
	maxRunes := c.opts.MaxTokens * 4
	overlapRunes := c.opts.OverlapTokens * 4

	var chunks []*Chunk
	chunkStart := -1
	chunkEnd := -1

	flush := func() {
		if chunkStart < 0 || chunkEnd <= chunkStart {
			return
		}
		start := chunkStart
		// Overlap reaches back into the previous chunk's tail. Page
		// attribution uses the pre-overlap start so a chunk belongs to
		// the page its own content begins on.
		if len(chunks) > 0 && overlapRunes > 0 {
			back := start - overlapRunes
			prevStart := chunks[len(chunks)-1].Start
			if back < prevStart {
				back = prevStart
			}
			start = back
		}
		chunks = append(chunks, c.build(doc, runes, len(chunks), start, chunkEnd, chunkStart))
		chunkStart, chunkEnd = -1, -1
	}

	for _, p := range paragraphs {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		pLen := p.end - p.start

		// Oversized paragraph: flush what we have and hard-split it.
		if pLen > maxRunes {
			flush()
			for _, piece := range splitOversized(runes, p, targetRunes) {
				chunkStart, chunkEnd = piece.start, piece.end
				flush()
			}
			continue
		}

		if chunkStart < 0 {
			chunkStart, chunkEnd = p.start, p.end
			continue
		}

		if (p.end - chunkStart) > targetRunes {
			flush()
			chunkStart, chunkEnd = p.start, p.end
			continue
		}

		chunkEnd = p.end
	}
	flush()

	return chunks, nil
}

// build materializes one chunk, running semantic extraction with the
// no-empty-phrases guarantee. coreStart is the pre-overlap content start
// used for page attribution.
func (c *Chunker) build(doc *extract.Document, runes []rune, index, start, end, coreStart int) *Chunk {
	text := string(runes[start:end])

	ch := &Chunk{
		Index:         index,
		Start:         start,
		End:           end,
		Text:          text,
		TokenEstimate: EstimateTokens(text),
		Page:          pageFor(doc, coreStart),
	}

	meta := c.semantic.Extract(text)
	ch.KeyPhrases = meta.KeyPhrases
	ch.Topics = meta.Topics
	ch.Readability = meta.Readability

	return ch
}

// pageFor maps a rune offset to its 1-indexed page, 0 when pageless.
func pageFor(doc *extract.Document, offset int) int {
	for _, p := range doc.Pages {
		if offset >= p.Start && offset < p.End {
			return p.Number
		}
	}
	return 0
}

// splitParagraphs finds non-empty paragraphs delimited by blank lines.
func splitParagraphs(runes []rune) []paragraph {
	var out []paragraph
	start := -1

	i := 0
	for i < len(runes) {
		// Detect a blank-line boundary: newline followed by only
		// whitespace up to the next newline.
		if runes[i] == '\n' && start >= 0 {
			j := i + 1
			sawSecondNewline := false
			for j < len(runes) {
				if runes[j] == '\n' {
					sawSecondNewline = true
					j++
					continue
				}
				if runes[j] == ' ' || runes[j] == '\t' {
					j++
					continue
				}
				break
			}
			if sawSecondNewline || j >= len(runes) {
				out = append(out, paragraph{start: start, end: i})
				start = -1
				i = j
				continue
			}
		}
		if start < 0 && !isSpaceRune(runes[i]) {
			start = i
		}
		i++
	}
	if start >= 0 {
		out = append(out, paragraph{start: start, end: len(runes)})
	}
	return out
}

// splitOversized cuts one huge paragraph into target-sized pieces at
// whitespace.
func splitOversized(runes []rune, p paragraph, targetRunes int) []paragraph {
	var out []paragraph
	start := p.start
	for start < p.end {
		end := start + targetRunes
		if end >= p.end {
			out = append(out, paragraph{start: start, end: p.end})
			break
		}
		// Back up to the nearest whitespace so words stay whole.
		cut := end
		for cut > start && !isSpaceRune(runes[cut]) {
			cut--
		}
		if cut == start {
			cut = end // no whitespace; cut mid-word
		}
		out = append(out, paragraph{start: start, end: cut})
		start = cut
		for start < p.end && isSpaceRune(runes[start]) {
			start++
		}
	}
	return out
}

func isSpaceRune(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n'
}
