// Package store is the per-folder persistence layer: a SQLite database for
// documents, chunks (with their embeddings in-row), and file state; an HNSW
// index derived from the chunks table; and a bleve keyword index used by the
// search fallback.
package store

import (
	"fmt"
	"time"
)

// FileState is the processing state of one tracked file.
type FileState string

const (
	FileStatePending    FileState = "pending"
	FileStateProcessing FileState = "processing"
	FileStateDone       FileState = "done"
	FileStateFailed     FileState = "failed"
	FileStateSkipped    FileState = "skipped"
)

// FileRecord tracks one file within the folder.
type FileRecord struct {
	Path            string // relative to the folder root
	Fingerprint     string
	Size            int64
	ModTime         time.Time
	DiscoveredAt    time.Time
	LastProcessedAt time.Time
	State           FileState
	FailureReason   string
	ScanGeneration  int64
}

// PageSpan is one page's rune-offset range in the extracted text.
type PageSpan struct {
	Number int `json:"n"`
	Start  int `json:"s"`
	End    int `json:"e"`
}

// DocumentRecord is the extraction result persisted for one file.
type DocumentRecord struct {
	ID          int64
	Path        string
	TextLength  int
	PageCount   int // 0 when pageless
	Pages       []PageSpan
	Language    string
	ModTime     time.Time
	ExtractedAt time.Time
	ChunkCount  int // populated on reads
}

// ChunkRecord is one persisted chunk. Embedding may be nil only inside a
// write that is about to attach it; a committed chunk always carries its
// vector (vector/chunk bijection).
type ChunkRecord struct {
	DocumentID    int64
	Index         int
	Start         int
	End           int
	TokenEstimate int
	Page          int
	Text          string
	KeyPhrases    []string
	Topics        []string
	Readability   float64

	Embedding []float32
	ModelID   string
	Dims      int
}

// Key returns the chunk's ANN key, stable across sessions.
func (c *ChunkRecord) Key() string {
	return ChunkKey(c.DocumentID, c.Index)
}

// ChunkKey formats the ANN key for a (document, index) pair.
func ChunkKey(documentID int64, index int) string {
	return fmt.Sprintf("%d#%d", documentID, index)
}

// ParseChunkKey inverts ChunkKey.
func ParseChunkKey(key string) (documentID int64, index int, err error) {
	_, err = fmt.Sscanf(key, "%d#%d", &documentID, &index)
	return documentID, index, err
}

// FileResult is the atomic outcome of processing one file: the document, its
// chunks with vectors, and the file's terminal state, committed in a single
// transaction.
type FileResult struct {
	File     FileRecord
	Document DocumentRecord
	Chunks   []ChunkRecord
}

// FolderInfo is the folder-level metadata row.
type FolderInfo struct {
	ModelID        string
	Dims           int
	SchemaVersion  int
	CreatedAt      time.Time
	LastScanAt     time.Time
	ScanGeneration int64
}

// StateCounts summarizes file_state by state.
type StateCounts struct {
	Pending    int
	Processing int
	Done       int
	Failed     int
	Skipped    int
}

// Total returns all tracked files.
func (s StateCounts) Total() int {
	return s.Pending + s.Processing + s.Done + s.Failed + s.Skipped
}
