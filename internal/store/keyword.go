package store

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/blevesearch/bleve/v2"
)

// KeywordHit is one keyword-index match.
type KeywordHit struct {
	Key   string // chunk key
	Score float64
}

// keywordDoc is the bleve document shape.
type keywordDoc struct {
	Path string `json:"path"`
	Text string `json:"text"`
}

// KeywordIndex is the keyword part of the hybrid store. It backs the search
// fallback on embedding failure and adds a secondary signal for very short
// queries; the vector index is the primary path. Like the ANN index it is
// derived from the chunks table.
type KeywordIndex struct {
	mu  sync.Mutex
	idx bleve.Index
}

// OpenKeywordIndex opens or creates a bleve index at path.
func OpenKeywordIndex(path string) (*KeywordIndex, error) {
	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist || os.IsNotExist(err) {
		mapping := bleve.NewIndexMapping()
		idx, err = bleve.New(path, mapping)
	}
	if err != nil {
		return nil, fmt.Errorf("open keyword index: %w", err)
	}
	return &KeywordIndex{idx: idx}, nil
}

// Index adds or replaces chunk texts under their keys.
func (k *KeywordIndex) Index(chunks []*ChunkRecord, path string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.idx == nil {
		return fmt.Errorf("keyword index is closed")
	}

	batch := k.idx.NewBatch()
	for _, ch := range chunks {
		if err := batch.Index(ch.Key(), keywordDoc{Path: path, Text: ch.Text}); err != nil {
			return err
		}
	}
	return k.idx.Batch(batch)
}

// Delete removes keys.
func (k *KeywordIndex) Delete(keys []string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.idx == nil {
		return fmt.Errorf("keyword index is closed")
	}

	batch := k.idx.NewBatch()
	for _, key := range keys {
		batch.Delete(key)
	}
	return k.idx.Batch(batch)
}

// Search runs a match query over chunk text.
func (k *KeywordIndex) Search(ctx context.Context, query string, limit int) ([]*KeywordHit, error) {
	k.mu.Lock()
	idx := k.idx
	k.mu.Unlock()
	if idx == nil {
		return nil, fmt.Errorf("keyword index is closed")
	}

	match := bleve.NewMatchQuery(query)
	match.SetField("text")
	req := bleve.NewSearchRequestOptions(match, limit, 0, false)

	res, err := idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, err
	}

	hits := make([]*KeywordHit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, &KeywordHit{Key: h.ID, Score: h.Score})
	}
	return hits, nil
}

// Count returns the indexed document count.
func (k *KeywordIndex) Count() (uint64, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.idx == nil {
		return 0, fmt.Errorf("keyword index is closed")
	}
	return k.idx.DocCount()
}

// Close releases the index.
func (k *KeywordIndex) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.idx == nil {
		return nil
	}
	err := k.idx.Close()
	k.idx = nil
	return err
}
