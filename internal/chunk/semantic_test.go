package chunk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract_KeyPhrasesFromProse(t *testing.T) {
	e := NewSemanticExtractor()
	text := "Vector databases store dense embeddings. A vector database answers " +
		"nearest neighbor queries over dense embeddings quickly."

	meta := e.Extract(text)

	require.NotEmpty(t, meta.KeyPhrases)
	assert.LessOrEqual(t, len(meta.KeyPhrases), 10)
	joined := strings.Join(meta.KeyPhrases, " | ")
	assert.Contains(t, joined, "dense embeddings")
}

func TestExtract_TopicsBounded(t *testing.T) {
	e := NewSemanticExtractor()
	text := strings.Repeat("kubernetes deployment scaling cluster nodes workloads pipelines containers ", 3)

	meta := e.Extract(text)

	assert.NotEmpty(t, meta.Topics)
	assert.LessOrEqual(t, len(meta.Topics), 5)
	for _, topic := range meta.Topics {
		assert.False(t, stopwords[topic])
	}
}

func TestExtract_ReadabilityRange(t *testing.T) {
	e := NewSemanticExtractor()

	easy := e.Extract("The cat sat. The dog ran. We all saw it. It was fun.")
	hard := e.Extract("Notwithstanding aforementioned considerations regarding institutional " +
		"interdependencies, organizational restructuring necessitates comprehensive " +
		"reconceptualization of administrative responsibilities throughout interconnected departments")

	assert.GreaterOrEqual(t, easy.Readability, 0.0)
	assert.LessOrEqual(t, easy.Readability, 1.0)
	assert.GreaterOrEqual(t, hard.Readability, 0.0)
	assert.LessOrEqual(t, hard.Readability, 1.0)
	assert.Greater(t, easy.Readability, hard.Readability)
}

func TestFallbackPhrases_FrequencyOrder(t *testing.T) {
	text := "database database database index index query"

	phrases := FallbackPhrases(text, 3)

	require.NotEmpty(t, phrases)
	assert.Equal(t, "database", phrases[0])
	assert.LessOrEqual(t, len(phrases), 3)
}

func TestFallbackPhrases_AllStopwords(t *testing.T) {
	// Given: text where every token is a stopword
	phrases := FallbackPhrases("the and of it is", 5)

	// Then: the first word still satisfies the invariant
	require.Len(t, phrases, 1)
	assert.Equal(t, "the", phrases[0])
}

func TestFallbackPhrases_EmptyText(t *testing.T) {
	assert.Nil(t, FallbackPhrases("", 5))
	assert.Nil(t, FallbackPhrases("!!! ???", 5))
}

func TestExtract_NeverEmptyPhrasesForWordyText(t *testing.T) {
	e := NewSemanticExtractor()

	// Degenerate inputs that defeat the primary extractor still get a phrase.
	inputs := []string{
		"x",
		"of the and",
		"9",
		"a b c d e",
	}
	for _, in := range inputs {
		meta := e.Extract(in)
		assert.NotEmpty(t, meta.KeyPhrases, "input %q", in)
	}
}
