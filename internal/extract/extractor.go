// Package extract turns files into plain text with page offsets.
//
// Real document parsers (PDF, Office) are external collaborators; this
// package defines the contract they plug into and ships the text/markdown
// implementation the daemon uses on its own.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrUnsupported marks a file the extractor cannot handle. The scanner
// classifies such files as skipped, not failed.
var ErrUnsupported = errors.New("unsupported file type")

// Page is one logical page of a document: a half-open rune-offset range
// into the extracted text.
type Page struct {
	Number int // 1-indexed
	Start  int
	End    int
}

// Document is the extraction result.
type Document struct {
	// Text is the full extracted plain text.
	Text string

	// Pages is the page map; nil when the format has no page concept.
	Pages []Page

	// Language is a best-effort ISO 639-1 hint; empty when unknown.
	Language string

	// ExtractedAt is when extraction ran.
	ExtractedAt time.Time
}

// PageCount returns the number of pages, or 0 when pageless.
func (d *Document) PageCount() int {
	return len(d.Pages)
}

// Extractor produces plain text + page offsets from a file.
type Extractor interface {
	// Extract reads and converts the file at path. Returns ErrUnsupported
	// for file types outside the extractor's competence.
	Extract(ctx context.Context, path string) (*Document, error)

	// Supports reports whether the extension is handled, without I/O.
	Supports(ext string) bool
}

// textExtensions handled by the built-in extractor.
var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".markdown": true, ".rst": true,
	".org": true, ".adoc": true, ".text": true, ".log": true,
	".csv": true, ".json": true, ".yaml": true, ".yml": true,
}

// TextExtractor is the built-in plain-text and Markdown extractor.
// Markdown front matter is stripped; top-level headings delimit pages so
// page hints survive into search results.
type TextExtractor struct{}

// NewTextExtractor creates the built-in extractor.
func NewTextExtractor() *TextExtractor {
	return &TextExtractor{}
}

// Supports implements Extractor.
func (e *TextExtractor) Supports(ext string) bool {
	return textExtensions[strings.ToLower(ext)]
}

// Extract implements Extractor.
func (e *TextExtractor) Extract(ctx context.Context, path string) (*Document, error) {
	if !e.Supports(filepath.Ext(path)) {
		return nil, fmt.Errorf("%s: %w", filepath.Ext(path), ErrUnsupported)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	if isBinary(raw) || !utf8.Valid(raw) {
		return nil, fmt.Errorf("binary content: %w", ErrUnsupported)
	}

	text := normalizeNewlines(string(raw))
	if isMarkdown(path) {
		text = stripFrontMatter(text)
	}

	doc := &Document{
		Text:        text,
		ExtractedAt: time.Now(),
	}

	if isMarkdown(path) {
		doc.Pages = headingPages(text)
	}

	return doc, nil
}

func isMarkdown(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".md" || ext == ".markdown"
}

// isBinary checks the first 512 bytes for null bytes.
func isBinary(content []byte) bool {
	n := min(len(content), 512)
	return bytes.IndexByte(content[:n], 0) >= 0
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// stripFrontMatter removes a leading YAML front-matter block.
func stripFrontMatter(text string) string {
	if !strings.HasPrefix(text, "---\n") {
		return text
	}
	rest := text[4:]
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return text
	}
	after := rest[idx+4:]
	if nl := strings.IndexByte(after, '\n'); nl >= 0 {
		return after[nl+1:]
	}
	return ""
}

// headingPages splits markdown into pages at top-level headings. Text before
// the first heading is page 1.
func headingPages(text string) []Page {
	runes := []rune(text)
	var starts []int

	atLineStart := true
	for i := 0; i < len(runes); i++ {
		if atLineStart && runes[i] == '#' {
			// Only "# " headings open pages; deeper levels stay inline.
			if i+1 < len(runes) && runes[i+1] == ' ' {
				starts = append(starts, i)
			}
		}
		atLineStart = runes[i] == '\n'
	}

	if len(starts) == 0 || starts[0] != 0 {
		starts = append([]int{0}, starts...)
	}

	pages := make([]Page, len(starts))
	for i, start := range starts {
		end := len(runes)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		pages[i] = Page{Number: i + 1, Start: start, End: end}
	}
	return pages
}
