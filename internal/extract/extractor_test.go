package extract

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestTextExtractor_PlainText(t *testing.T) {
	path := writeFile(t, "notes.txt", "line one\r\nline two\r\nline three")

	doc, err := NewTextExtractor().Extract(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "line one\nline two\nline three", doc.Text)
	assert.Equal(t, 0, doc.PageCount())
	assert.False(t, doc.ExtractedAt.IsZero())
}

func TestTextExtractor_MarkdownPages(t *testing.T) {
	content := "intro before headings\n\n# First\nbody one\n\n# Second\nbody two\n## nested stays inline\n"
	path := writeFile(t, "doc.md", content)

	doc, err := NewTextExtractor().Extract(context.Background(), path)
	require.NoError(t, err)

	require.Equal(t, 3, doc.PageCount())
	runes := []rune(doc.Text)

	// Page 1 is the preamble, page 2 starts at "# First".
	assert.Equal(t, 1, doc.Pages[0].Number)
	assert.Equal(t, 0, doc.Pages[0].Start)
	assert.Equal(t, "# First", string(runes[doc.Pages[1].Start:doc.Pages[1].Start+7]))

	// Pages tile the document with no gaps.
	for i := 1; i < len(doc.Pages); i++ {
		assert.Equal(t, doc.Pages[i-1].End, doc.Pages[i].Start)
	}
	assert.Equal(t, len(runes), doc.Pages[len(doc.Pages)-1].End)
}

func TestTextExtractor_FrontMatterStripped(t *testing.T) {
	content := "---\ntitle: secret\ntags: [a, b]\n---\n# Visible\nbody\n"
	path := writeFile(t, "doc.md", content)

	doc, err := NewTextExtractor().Extract(context.Background(), path)
	require.NoError(t, err)

	assert.NotContains(t, doc.Text, "title: secret")
	assert.Contains(t, doc.Text, "# Visible")
}

func TestTextExtractor_UnsupportedExtension(t *testing.T) {
	path := writeFile(t, "image.png", "not really a png")

	_, err := NewTextExtractor().Extract(context.Background(), path)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestTextExtractor_BinaryContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fake.txt")
	require.NoError(t, os.WriteFile(path, []byte{'a', 0x00, 'b'}, 0o644))

	_, err := NewTextExtractor().Extract(context.Background(), path)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestTextExtractor_Supports(t *testing.T) {
	e := NewTextExtractor()
	assert.True(t, e.Supports(".md"))
	assert.True(t, e.Supports(".TXT"))
	assert.False(t, e.Supports(".pdf"))
	assert.False(t, e.Supports(""))
}

func TestTextExtractor_EmptyFile(t *testing.T) {
	path := writeFile(t, "empty.txt", "")

	doc, err := NewTextExtractor().Extract(context.Background(), path)
	require.NoError(t, err)
	assert.Empty(t, doc.Text)
}
