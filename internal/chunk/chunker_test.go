package chunk

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/foldermcp/internal/extract"
)

func docOf(text string) *extract.Document {
	return &extract.Document{Text: text, ExtractedAt: time.Now()}
}

func TestChunk_EmptyDocument(t *testing.T) {
	c := NewChunker(Options{})

	chunks, err := c.Chunk(context.Background(), docOf("   \n\n  "))
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestChunk_SmallDocumentSingleChunk(t *testing.T) {
	c := NewChunker(Options{})
	text := "A short paragraph about vector search engines.\n\nAnd a second one about indexing."

	chunks, err := c.Chunk(context.Background(), docOf(text))
	require.NoError(t, err)

	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Contains(t, chunks[0].Text, "vector search")
	assert.Contains(t, chunks[0].Text, "indexing")
	assert.NotEmpty(t, chunks[0].KeyPhrases)
	assert.Positive(t, chunks[0].TokenEstimate)
}

func TestChunk_RespectsParagraphBoundaries(t *testing.T) {
	// Given: paragraphs of ~125 tokens and a 150-token target
	para := strings.Repeat("searchable words fill this paragraph nicely and evenly ", 9)
	text := strings.Join([]string{para, para, para, para}, "\n\n")

	c := NewChunker(Options{TargetTokens: 150, OverlapTokens: 10})
	chunks, err := c.Chunk(context.Background(), docOf(text))
	require.NoError(t, err)

	// Then: chunks end at paragraph boundaries, ids are sequential
	require.Greater(t, len(chunks), 1)
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Index)
		assert.True(t, ch.End == len(text) || text[ch.End] == '\n', "chunk %d ends at a paragraph boundary", i)
		assert.NotEmpty(t, ch.KeyPhrases, "chunk %d key phrases", i)
	}
}

func TestChunk_OverlapCarriesPreviousTail(t *testing.T) {
	para := strings.Repeat("alpha beta gamma delta epsilon zeta eta theta ", 20)
	text := strings.Join([]string{para, para, para}, "\n\n")

	c := NewChunker(Options{TargetTokens: 100, OverlapTokens: 20})
	chunks, err := c.Chunk(context.Background(), docOf(text))
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	// Every later chunk starts before the previous one ended.
	for i := 1; i < len(chunks); i++ {
		assert.Less(t, chunks[i].Start, chunks[i-1].End,
			"chunk %d should overlap its predecessor", i)
	}
}

func TestChunk_OversizedParagraphIsSplit(t *testing.T) {
	// Given: one paragraph far beyond the hard cap, no blank lines
	text := strings.Repeat("word ", 3000)

	c := NewChunker(Options{TargetTokens: 200})
	chunks, err := c.Chunk(context.Background(), docOf(text))
	require.NoError(t, err)

	require.Greater(t, len(chunks), 1)
	for _, ch := range chunks {
		assert.LessOrEqual(t, ch.TokenEstimate, 500)
		// Whitespace split keeps words whole.
		assert.False(t, strings.HasPrefix(ch.Text, "ord "))
	}
}

func TestChunk_PageHints(t *testing.T) {
	text := "# One\nfirst page body\n\n# Two\nsecond page body"
	doc := &extract.Document{
		Text: text,
		Pages: []extract.Page{
			{Number: 1, Start: 0, End: 23},
			{Number: 2, Start: 23, End: len([]rune(text))},
		},
	}

	c := NewChunker(Options{TargetTokens: 5, OverlapTokens: 1})
	chunks, err := c.Chunk(context.Background(), doc)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(chunks), 2)

	assert.Equal(t, 1, chunks[0].Page)
	assert.Equal(t, 2, chunks[len(chunks)-1].Page)
}

func TestChunk_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewChunker(Options{})
	_, err := c.Chunk(ctx, docOf(strings.Repeat("para\n\n", 100)))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 25, EstimateTokens(strings.Repeat("a", 100)))
}
