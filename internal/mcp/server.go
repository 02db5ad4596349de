// Package mcp exposes the folder corpus to MCP clients over stdio: typed
// tool handlers for search and document retrieval, backed by the daemon
// orchestrator's read leases.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Aman-CERP/foldermcp/internal/daemon"
	"github.com/Aman-CERP/foldermcp/internal/search"
	"github.com/Aman-CERP/foldermcp/internal/store"
	"github.com/Aman-CERP/foldermcp/pkg/version"
)

// getDocumentTextCap bounds get_document_data responses, in runes.
const getDocumentTextCap = 100_000

// Server is the MCP server over the orchestrator.
type Server struct {
	mcp          *mcp.Server
	orchestrator *daemon.Orchestrator
	logger       *slog.Logger
}

// NewServer creates the MCP server and registers the tool surface.
func NewServer(o *daemon.Orchestrator) (*Server, error) {
	if o == nil {
		return nil, errors.New("orchestrator is required")
	}

	s := &Server{
		orchestrator: o,
		logger:       slog.Default(),
	}

	s.mcp = mcp.NewServer(
		&mcp.Implementation{
			Name:    "foldermcp",
			Version: version.Version,
		},
		nil,
	)
	s.registerTools()
	return s, nil
}

// Run serves MCP over stdio until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}

// registerTools registers the tool surface.
func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "search_content",
		Description: "Semantic search over the indexed folders. Returns ranked chunks with source path, page hint, score, matched key phrases, and a truncation flag.",
	}, s.handleSearchContent)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "list_documents",
		Description: "List indexed documents in a folder with path, size, last-indexed time, and chunk count. Paginated via cursor.",
	}, s.handleListDocuments)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_document_data",
		Description: "Fetch a document's extracted text (optionally a page range) and its metadata. Large documents are truncated with an explicit flag.",
	}, s.handleGetDocumentData)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_chunks",
		Description: "Fetch a document's chunks with offsets, text, key phrases, topics, and readability.",
	}, s.handleGetChunks)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "describe_index",
		Description: "Describe a folder's index: model, dimensions, document and chunk totals, schema version, lifecycle status.",
	}, s.handleDescribeIndex)

	s.logger.Debug("MCP tools registered", slog.Int("count", 5))
}

// --- search_content ---

// SearchContentInput is the search_content input schema.
type SearchContentInput struct {
	Query      string   `json:"query" jsonschema:"the search query"`
	Folder     string   `json:"folder,omitempty" jsonschema:"folder path; optional when only one folder is indexed"`
	TopK       int      `json:"top_k,omitempty" jsonschema:"maximum results, default 10"`
	Extensions []string `json:"extensions,omitempty" jsonschema:"filter by file extensions, e.g. md, txt"`
	Document   string   `json:"document,omitempty" jsonschema:"restrict to one document path"`
}

// SearchContentOutput is the search_content output schema.
type SearchContentOutput struct {
	Hits      []search.Hit `json:"hits"`
	Truncated bool         `json:"truncated,omitempty"`
	Fallback  bool         `json:"fallback,omitempty"`
	Reason    string       `json:"reason,omitempty"`
}

func (s *Server) handleSearchContent(ctx context.Context, req *mcp.CallToolRequest, input SearchContentInput) (
	*mcp.CallToolResult, SearchContentOutput, error,
) {
	if strings.TrimSpace(input.Query) == "" {
		return nil, SearchContentOutput{}, fmt.Errorf("query is required")
	}

	resp, err := s.orchestrator.Search(ctx, input.Folder, search.Request{
		Query:        input.Query,
		MaxResults:   input.TopK,
		Extensions:   input.Extensions,
		DocumentPath: input.Document,
	})
	if err != nil {
		return nil, SearchContentOutput{}, err
	}

	return nil, SearchContentOutput{
		Hits:      resp.Hits,
		Truncated: resp.Truncated,
		Fallback:  resp.Fallback,
		Reason:    resp.Reason,
	}, nil
}

// --- list_documents ---

// ListDocumentsInput is the list_documents input schema.
type ListDocumentsInput struct {
	Folder string `json:"folder,omitempty" jsonschema:"folder path; optional when only one folder is indexed"`
	Filter string `json:"filter,omitempty" jsonschema:"path substring filter"`
	Cursor string `json:"cursor,omitempty" jsonschema:"pagination cursor from a previous call"`
	Limit  int    `json:"limit,omitempty" jsonschema:"page size, default 50"`
}

// DocumentInfo is one list_documents entry.
type DocumentInfo struct {
	Path          string `json:"path"`
	TextLength    int    `json:"text_length"`
	PageCount     int    `json:"page_count,omitempty"`
	ChunkCount    int    `json:"chunk_count"`
	LastIndexedAt string `json:"last_indexed_at"`
}

// ListDocumentsOutput is the list_documents output schema.
type ListDocumentsOutput struct {
	Documents  []DocumentInfo `json:"documents"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func (s *Server) handleListDocuments(ctx context.Context, req *mcp.CallToolRequest, input ListDocumentsInput) (
	*mcp.CallToolResult, ListDocumentsOutput, error,
) {
	engine, err := s.orchestrator.Engine(input.Folder)
	if err != nil {
		return nil, ListDocumentsOutput{}, err
	}
	st, _, _, _ := engine.Resources()
	if st == nil {
		return nil, ListDocumentsOutput{}, errors.New("folder store unavailable")
	}

	docs, next, err := st.ListDocuments(ctx, input.Cursor, input.Limit)
	if err != nil {
		return nil, ListDocumentsOutput{}, err
	}

	out := ListDocumentsOutput{NextCursor: next}
	for _, d := range docs {
		if input.Filter != "" && !strings.Contains(d.Path, input.Filter) {
			continue
		}
		out.Documents = append(out.Documents, DocumentInfo{
			Path:          d.Path,
			TextLength:    d.TextLength,
			PageCount:     d.PageCount,
			ChunkCount:    d.ChunkCount,
			LastIndexedAt: d.ExtractedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	return nil, out, nil
}

// --- get_document_data ---

// GetDocumentDataInput is the get_document_data input schema.
type GetDocumentDataInput struct {
	Folder   string `json:"folder,omitempty" jsonschema:"folder path; optional when only one folder is indexed"`
	Path     string `json:"path" jsonschema:"document path relative to the folder root"`
	FromPage int    `json:"from_page,omitempty" jsonschema:"first page to include, 1-indexed"`
	ToPage   int    `json:"to_page,omitempty" jsonschema:"last page to include, inclusive"`
}

// GetDocumentDataOutput is the get_document_data output schema.
type GetDocumentDataOutput struct {
	Path       string `json:"path"`
	Text       string `json:"text"`
	TextLength int    `json:"text_length"`
	PageCount  int    `json:"page_count,omitempty"`
	Language   string `json:"language,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
}

func (s *Server) handleGetDocumentData(ctx context.Context, req *mcp.CallToolRequest, input GetDocumentDataInput) (
	*mcp.CallToolResult, GetDocumentDataOutput, error,
) {
	if input.Path == "" {
		return nil, GetDocumentDataOutput{}, fmt.Errorf("path is required")
	}

	engine, err := s.orchestrator.Engine(input.Folder)
	if err != nil {
		return nil, GetDocumentDataOutput{}, err
	}
	st, _, _, _ := engine.Resources()
	if st == nil {
		return nil, GetDocumentDataOutput{}, errors.New("folder store unavailable")
	}

	doc, err := st.GetDocumentByPath(ctx, input.Path)
	if err != nil {
		return nil, GetDocumentDataOutput{}, err
	}
	if doc == nil {
		return nil, GetDocumentDataOutput{}, fmt.Errorf("document not found: %s", input.Path)
	}

	// The extracted text is reassembled from chunk rows; chunks overlap, so
	// slice by offsets rather than concatenating.
	chunks, err := st.GetChunks(ctx, doc.ID, -1, -1)
	if err != nil {
		return nil, GetDocumentDataOutput{}, err
	}

	text := assembleText(chunks)
	runes := []rune(text)

	if input.FromPage > 0 || input.ToPage > 0 {
		from, to := pageRangeOffsets(doc.Pages, input.FromPage, input.ToPage)
		if to > len(runes) {
			to = len(runes)
		}
		if from >= to {
			runes = nil
		} else {
			runes = runes[from:to]
		}
	}

	out := GetDocumentDataOutput{
		Path:       doc.Path,
		TextLength: doc.TextLength,
		PageCount:  doc.PageCount,
		Language:   doc.Language,
	}
	if len(runes) > getDocumentTextCap {
		runes = runes[:getDocumentTextCap]
		out.Truncated = true
	}
	out.Text = string(runes)
	return nil, out, nil
}

// --- get_chunks ---

// GetChunksInput is the get_chunks input schema.
type GetChunksInput struct {
	Folder    string `json:"folder,omitempty" jsonschema:"folder path; optional when only one folder is indexed"`
	Document  string `json:"document" jsonschema:"document path relative to the folder root"`
	FromChunk int    `json:"from_chunk,omitempty" jsonschema:"first chunk index, inclusive"`
	ToChunk   int    `json:"to_chunk,omitempty" jsonschema:"last chunk index, inclusive"`
}

// ChunkInfo is one get_chunks entry.
type ChunkInfo struct {
	Index       int      `json:"index"`
	Start       int      `json:"start"`
	End         int      `json:"end"`
	Page        int      `json:"page,omitempty"`
	Text        string   `json:"text"`
	KeyPhrases  []string `json:"key_phrases"`
	Topics      []string `json:"topics,omitempty"`
	Readability float64  `json:"readability"`
}

// GetChunksOutput is the get_chunks output schema.
type GetChunksOutput struct {
	Document string      `json:"document"`
	Chunks   []ChunkInfo `json:"chunks"`
}

func (s *Server) handleGetChunks(ctx context.Context, req *mcp.CallToolRequest, input GetChunksInput) (
	*mcp.CallToolResult, GetChunksOutput, error,
) {
	if input.Document == "" {
		return nil, GetChunksOutput{}, fmt.Errorf("document is required")
	}

	engine, err := s.orchestrator.Engine(input.Folder)
	if err != nil {
		return nil, GetChunksOutput{}, err
	}
	st, _, _, _ := engine.Resources()
	if st == nil {
		return nil, GetChunksOutput{}, errors.New("folder store unavailable")
	}

	doc, err := st.GetDocumentByPath(ctx, input.Document)
	if err != nil {
		return nil, GetChunksOutput{}, err
	}
	if doc == nil {
		return nil, GetChunksOutput{}, fmt.Errorf("document not found: %s", input.Document)
	}

	from, to := -1, -1
	if input.ToChunk > 0 || input.FromChunk > 0 {
		from, to = input.FromChunk, input.ToChunk
		if to < from {
			to = from
		}
	}

	chunks, err := st.GetChunks(ctx, doc.ID, from, to)
	if err != nil {
		return nil, GetChunksOutput{}, err
	}

	out := GetChunksOutput{Document: doc.Path}
	for _, ch := range chunks {
		out.Chunks = append(out.Chunks, ChunkInfo{
			Index:       ch.Index,
			Start:       ch.Start,
			End:         ch.End,
			Page:        ch.Page,
			Text:        ch.Text,
			KeyPhrases:  ch.KeyPhrases,
			Topics:      ch.Topics,
			Readability: ch.Readability,
		})
	}
	return nil, out, nil
}

// --- describe_index ---

// DescribeIndexInput is the describe_index input schema.
type DescribeIndexInput struct {
	Folder string `json:"folder,omitempty" jsonschema:"folder path; optional when only one folder is indexed"`
}

// DescribeIndexOutput is the describe_index output schema.
type DescribeIndexOutput struct {
	Folder        string `json:"folder"`
	Model         string `json:"model"`
	Dimensions    int    `json:"dimensions"`
	Documents     int    `json:"documents"`
	Chunks        int    `json:"chunks"`
	SchemaVersion int    `json:"schema_version"`
	Status        string `json:"status"`
	Error         string `json:"error,omitempty"`
}

func (s *Server) handleDescribeIndex(ctx context.Context, req *mcp.CallToolRequest, input DescribeIndexInput) (
	*mcp.CallToolResult, DescribeIndexOutput, error,
) {
	engine, err := s.orchestrator.Engine(input.Folder)
	if err != nil {
		return nil, DescribeIndexOutput{}, err
	}

	out := DescribeIndexOutput{
		Folder: engine.FolderPath(),
		Model:  engine.ModelID(),
		Status: string(engine.State()),
		Error:  engine.LastError(),
	}

	st, _, _, _ := engine.Resources()
	if st == nil {
		return nil, out, nil
	}

	info, err := st.Info(ctx)
	if err != nil {
		return nil, DescribeIndexOutput{}, err
	}
	out.Dimensions = info.Dims
	out.SchemaVersion = info.SchemaVersion

	if out.Documents, err = st.DocumentCount(ctx); err != nil {
		return nil, DescribeIndexOutput{}, err
	}
	if out.Chunks, err = st.ChunkCount(ctx); err != nil {
		return nil, DescribeIndexOutput{}, err
	}
	return nil, out, nil
}

// --- helpers ---

// assembleText rebuilds document text from chunk offsets, skipping overlap.
func assembleText(chunks []*store.ChunkRecord) string {
	var b strings.Builder
	covered := 0
	for _, ch := range chunks {
		runes := []rune(ch.Text)
		start := ch.Start
		if start < covered {
			skip := covered - start
			if skip >= len(runes) {
				continue
			}
			runes = runes[skip:]
			start = covered
		}
		b.WriteString(string(runes))
		covered = ch.End
	}
	return b.String()
}

// pageRangeOffsets finds the rune span covering [fromPage, toPage] from the
// document's persisted page map.
func pageRangeOffsets(pages []store.PageSpan, fromPage, toPage int) (int, int) {
	if fromPage <= 0 {
		fromPage = 1
	}
	start, end := -1, -1
	for _, p := range pages {
		if p.Number >= fromPage && (toPage <= 0 || p.Number <= toPage) {
			if start < 0 || p.Start < start {
				start = p.Start
			}
			if p.End > end {
				end = p.End
			}
		}
	}
	if start < 0 {
		return 0, 0
	}
	return start, end
}
