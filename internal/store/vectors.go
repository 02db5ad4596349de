package store

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"
)

// VectorResult is a single ANN search hit.
type VectorResult struct {
	Key      string  // chunk key
	Distance float32 // cosine distance, lower is closer
	Score    float32 // normalized similarity in [0, 1]
}

// VectorIndex is the ANN part of the hybrid store, built on coder/hnsw.
// It is derived state: the chunks table is the source of truth and the index
// is rebuilt from it whenever the two disagree.
type VectorIndex struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[uint64]
	dims  int

	// key mapping (string <-> uint64)
	keyToID map[string]uint64
	idToKey map[uint64]string
	nextID  uint64

	closed bool
}

// vectorMetadata persists key mappings alongside the graph.
type vectorMetadata struct {
	KeyToID map[string]uint64
	NextID  uint64
	Dims    int
}

// NewVectorIndex creates an empty index for the given dimensionality.
func NewVectorIndex(dims int) *VectorIndex {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = 16
	graph.EfSearch = 64
	graph.Ml = 0.25

	return &VectorIndex{
		graph:   graph,
		dims:    dims,
		keyToID: make(map[string]uint64),
		idToKey: make(map[uint64]string),
	}
}

// Dims returns the index dimensionality.
func (v *VectorIndex) Dims() int {
	return v.dims
}

// Add inserts vectors under their keys. Existing keys are replaced lazily:
// the old node stays in the graph but loses its mapping, which sidesteps
// graph breakage when the last node is deleted.
func (v *VectorIndex) Add(keys []string, vectors [][]float32) error {
	if len(keys) != len(vectors) {
		return fmt.Errorf("keys and vectors length mismatch: %d vs %d", len(keys), len(vectors))
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return fmt.Errorf("vector index is closed")
	}

	for _, vec := range vectors {
		if len(vec) != v.dims {
			return fmt.Errorf("dimension mismatch: expected %d, got %d", v.dims, len(vec))
		}
	}

	for i, key := range keys {
		if oldID, exists := v.keyToID[key]; exists {
			delete(v.idToKey, oldID)
			delete(v.keyToID, key)
		}

		id := v.nextID
		v.nextID++

		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		normalizeInPlace(vec)

		v.graph.Add(hnsw.MakeNode(id, vec))
		v.keyToID[key] = id
		v.idToKey[id] = key
	}

	return nil
}

// Search returns the k nearest neighbors of query.
func (v *VectorIndex) Search(query []float32, k int) ([]*VectorResult, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return nil, fmt.Errorf("vector index is closed")
	}
	if len(query) != v.dims {
		return nil, fmt.Errorf("dimension mismatch: expected %d, got %d", v.dims, len(query))
	}
	if v.graph.Len() == 0 {
		return []*VectorResult{}, nil
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	normalizeInPlace(normalized)

	// Oversample to cover lazily deleted orphans still in the graph.
	nodes := v.graph.Search(normalized, k+len(v.idToKey)/10+1)

	results := make([]*VectorResult, 0, k)
	for _, node := range nodes {
		key, ok := v.idToKey[node.Key]
		if !ok {
			continue // orphaned by lazy deletion
		}
		distance := v.graph.Distance(normalized, node.Value)
		results = append(results, &VectorResult{
			Key:      key,
			Distance: distance,
			Score:    1.0 - distance/2.0,
		})
		if len(results) == k {
			break
		}
	}
	return results, nil
}

// Delete removes keys via lazy deletion.
func (v *VectorIndex) Delete(keys []string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	for _, key := range keys {
		if id, exists := v.keyToID[key]; exists {
			delete(v.idToKey, id)
			delete(v.keyToID, key)
		}
	}
}

// Contains checks key presence.
func (v *VectorIndex) Contains(key string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.keyToID[key]
	return ok
}

// Count returns the number of live vectors.
func (v *VectorIndex) Count() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.keyToID)
}

// Orphans returns lazily deleted nodes still occupying the graph. The
// lifecycle rebuilds the index from SQLite when this grows past its
// threshold.
func (v *VectorIndex) Orphans() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return 0
	}
	return v.graph.Len() - len(v.keyToID)
}

// Save persists graph and mappings with temp-file + rename.
func (v *VectorIndex) Save(path string) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return fmt.Errorf("vector index is closed")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create index directory: %w", err)
	}

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	if err := v.graph.Export(file); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("export graph: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	return v.saveMetadata(path + ".meta")
}

func (v *VectorIndex) saveMetadata(path string) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return err
	}

	meta := vectorMetadata{KeyToID: v.keyToID, NextID: v.nextID, Dims: v.dims}
	if err := gob.NewEncoder(file).Encode(meta); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("encode vector metadata: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// LoadVectorIndex restores an index from disk. A missing file returns
// (nil, nil): the caller rebuilds from SQLite.
func LoadVectorIndex(path string) (*VectorIndex, error) {
	metaFile, err := os.Open(path + ".meta")
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var meta vectorMetadata
	err = gob.NewDecoder(metaFile).Decode(&meta)
	_ = metaFile.Close()
	if err != nil {
		return nil, fmt.Errorf("decode vector metadata: %w", err)
	}

	v := NewVectorIndex(meta.Dims)
	v.keyToID = meta.KeyToID
	v.nextID = meta.NextID
	for key, id := range meta.KeyToID {
		v.idToKey[id] = key
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	// hnsw Import requires an io.ByteReader.
	if err := v.graph.Import(bufio.NewReader(file)); err != nil {
		return nil, fmt.Errorf("import graph: %w", err)
	}

	return v, nil
}

// Close releases the graph.
func (v *VectorIndex) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true
	v.graph = nil
	return nil
}

// normalizeInPlace normalizes a vector to unit length in place.
func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}
