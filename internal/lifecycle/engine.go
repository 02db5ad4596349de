package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/Aman-CERP/foldermcp/internal/chunk"
	corerr "github.com/Aman-CERP/foldermcp/internal/errors"
	"github.com/Aman-CERP/foldermcp/internal/extract"
	"github.com/Aman-CERP/foldermcp/internal/fmdm"
	"github.com/Aman-CERP/foldermcp/internal/hardware"
	"github.com/Aman-CERP/foldermcp/internal/model"
	"github.com/Aman-CERP/foldermcp/internal/pool"
	"github.com/Aman-CERP/foldermcp/internal/scanner"
	"github.com/Aman-CERP/foldermcp/internal/store"
	"github.com/Aman-CERP/foldermcp/internal/watcher"
)

// Config parameterizes one folder's engine.
type Config struct {
	// FolderPath is the canonical absolute folder path.
	FolderPath string

	// ModelID is the embedding model; empty selects the default.
	ModelID string

	// Priority orders this folder's batches in the shared pool.
	Priority int

	// ExpectedSchemaVersion comes from the VERSION sidecar resolution.
	ExpectedSchemaVersion int

	// ChunkOptions tune the chunker.
	ChunkOptions chunk.Options

	// ExcludePatterns are scanner exclusions.
	ExcludePatterns []string

	// MaxFileSize and HashBudget feed the scanner.
	MaxFileSize int64
	HashBudget  int64
}

// ModelEnsurer is the model-cache dependency; satisfied by model.Manager.
type ModelEnsurer interface {
	IsCached(desc model.Descriptor) bool
	EnsureModel(ctx context.Context, desc model.Descriptor) error
}

// Dependencies are the engine's injected collaborators.
type Dependencies struct {
	// Pool is the shared embedding worker pool.
	Pool *pool.Pool

	// Downloads manages the model cache.
	Downloads ModelEnsurer

	// Extractor converts files to text.
	Extractor extract.Extractor

	// Backends returns the ordered execution-provider list for a model.
	Backends func(ctx context.Context, desc model.Descriptor) []hardware.Backend

	// Notify publishes the folder's FMDM view; may be nil.
	Notify func(view fmdm.FolderView)

	// loadRunner is swappable for tests; defaults to model.Load.
	loadRunner func(ctx context.Context, desc model.Descriptor, backends []hardware.Backend) (*model.Runner, error)
}

// Engine is one folder's lifecycle engine.
type Engine struct {
	cfg  Config
	deps Dependencies

	scanner *scanner.Scanner
	chunker *chunk.Chunker

	mu       sync.Mutex
	state    State
	lastErr  string
	store    *store.Store
	vectors  *store.VectorIndex
	keyword  *store.KeywordIndex
	runner   *model.Runner
	modelID  string
	progress fmdm.Progress
	started  time.Time
}

// New creates an engine. Nothing is opened until Start.
func New(cfg Config, deps Dependencies) (*Engine, error) {
	if cfg.FolderPath == "" {
		return nil, fmt.Errorf("folder path is required")
	}
	if deps.Pool == nil || deps.Downloads == nil || deps.Extractor == nil {
		return nil, fmt.Errorf("pool, downloads, and extractor are required")
	}
	if cfg.ModelID == "" {
		cfg.ModelID = model.DefaultModelID
	}
	if deps.Backends == nil {
		selector := hardware.NewSelector()
		prober := hardware.NewProber()
		deps.Backends = func(ctx context.Context, desc model.Descriptor) []hardware.Backend {
			return selector.SelectBackends(prober.Probe(ctx), desc.Hints)
		}
	}
	if deps.loadRunner == nil {
		deps.loadRunner = func(ctx context.Context, desc model.Descriptor, backends []hardware.Backend) (*model.Runner, error) {
			return model.Load(ctx, desc, backends, model.LoadOptions{})
		}
	}

	e := &Engine{
		cfg:     cfg,
		deps:    deps,
		state:   StateInitializing,
		modelID: cfg.ModelID,
		chunker: chunk.NewChunker(cfg.ChunkOptions),
	}
	e.scanner = scanner.New(scanner.Options{
		ExcludePatterns: append([]string{store.HiddenDirName + "/**", "**/" + store.HiddenDirName + "/**"}, cfg.ExcludePatterns...),
		Supports:        deps.Extractor.Supports,
		MaxFileSize:     cfg.MaxFileSize,
		HashBudget:      cfg.HashBudget,
	})
	return e, nil
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LastError returns the message that drove the engine into ERROR.
func (e *Engine) LastError() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Resources exposes read leases over the folder's stores for search and
// MCP. Callers must not close anything; nil is returned while the store is
// unavailable (ERROR before open, REMOVING after close).
func (e *Engine) Resources() (*store.Store, *store.VectorIndex, *store.KeywordIndex, *model.Runner) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store, e.vectors, e.keyword, e.runner
}

// ModelID returns the folder's pinned model.
func (e *Engine) ModelID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.modelID
}

// FolderPath returns the canonical folder path.
func (e *Engine) FolderPath() string {
	return e.cfg.FolderPath
}

// Progress returns a copy of the current progress counters.
func (e *Engine) Progress() fmdm.Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress
}

// transition moves the state machine, publishing the FMDM view.
func (e *Engine) transition(to State) {
	e.mu.Lock()
	from := e.state
	if from == to {
		e.mu.Unlock()
		return
	}
	if !canTransition(from, to) {
		slog.Error("illegal lifecycle transition refused",
			slog.String("folder", e.cfg.FolderPath),
			slog.String("from", string(from)),
			slog.String("to", string(to)))
		e.mu.Unlock()
		return
	}
	e.state = to
	e.mu.Unlock()

	slog.Info("folder state",
		slog.String("folder", e.cfg.FolderPath),
		slog.String("from", string(from)),
		slog.String("to", string(to)))
	e.notify()
}

// notify publishes the current FMDM view.
func (e *Engine) notify() {
	if e.deps.Notify == nil {
		return
	}
	e.mu.Lock()
	view := fmdm.FolderView{
		Path:     e.cfg.FolderPath,
		Status:   fmdmStatus(e.state),
		Model:    e.modelID,
		Progress: e.progress,
		Error:    e.lastErr,
	}
	e.mu.Unlock()
	e.deps.Notify(view)
}

// fail moves the folder to ERROR with a user-actionable message.
func (e *Engine) fail(err error) {
	e.mu.Lock()
	e.lastErr = err.Error()
	e.mu.Unlock()
	e.transition(StateError)
}

// Start drives the folder from INITIALIZING to ACTIVE (or ERROR). It is
// deterministic under restart: killed at any point, a subsequent Start
// converges on the same final state.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	e.started = time.Now()
	e.mu.Unlock()
	e.notify()

	if err := e.openStore(ctx); err != nil {
		e.fail(err)
		return err
	}

	e.transition(StateScanning)
	workNeeded, err := e.scan(ctx)
	if err != nil {
		e.fail(err)
		return err
	}

	if !workNeeded {
		if err := e.activate(ctx); err != nil {
			e.fail(err)
			return err
		}
		return nil
	}

	if err := e.ensureRunner(ctx); err != nil {
		e.fail(err)
		return err
	}

	e.transition(StateIndexing)
	if err := e.drainQueue(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		e.fail(err)
		return err
	}

	if err := e.activate(ctx); err != nil {
		e.fail(err)
		return err
	}
	return nil
}

// openStore opens the hybrid store, applying the recovery policy:
// environment errors preserve the database and park the folder in ERROR;
// structural corruption renames the database aside and opens fresh.
func (e *Engine) openStore(ctx context.Context) error {
	opts := store.OpenOptions{ExpectedSchemaVersion: e.cfg.ExpectedSchemaVersion}

	s, err := store.Open(e.cfg.FolderPath, opts)
	if store.IsCorruptionError(err) {
		if _, rerr := store.RecoverCorrupt(e.cfg.FolderPath); rerr != nil {
			return rerr
		}
		s, err = store.Open(e.cfg.FolderPath, opts)
	}
	if err != nil {
		// Environment errors, schema refusals, and locks pass through
		// untouched: the database file must survive all of them.
		return err
	}

	// Crash recovery: a file mid-processing at startup belongs to a dead
	// worker and goes back to pending.
	if n, err := s.ResetProcessing(ctx); err != nil {
		_ = s.Close()
		return err
	} else if n > 0 {
		slog.Info("reset interrupted files to pending",
			slog.String("folder", e.cfg.FolderPath),
			slog.Int64("count", n))
	}

	// Pin the model on first open; later opens keep the stored pin.
	info, err := s.Info(ctx)
	if err != nil {
		_ = s.Close()
		return err
	}
	if info.ModelID == "" {
		desc, derr := model.Lookup(e.modelID)
		if derr != nil {
			_ = s.Close()
			return derr
		}
		if err := s.SetModel(ctx, desc.ID, desc.Dimensions); err != nil {
			_ = s.Close()
			return err
		}
	} else {
		e.mu.Lock()
		e.modelID = info.ModelID
		e.mu.Unlock()
	}

	kw, err := store.OpenKeywordIndex(filepath.Join(s.Dir(), store.KeywordDirName))
	if err != nil {
		_ = s.Close()
		return err
	}

	e.mu.Lock()
	e.store = s
	e.keyword = kw
	e.mu.Unlock()
	return nil
}

// scan enumerates the folder, reconciles file state, and reports whether
// any file needs work.
func (e *Engine) scan(ctx context.Context) (bool, error) {
	files, err := e.scanner.Scan(ctx, e.cfg.FolderPath)
	if err != nil {
		return false, err
	}

	known, err := e.store.AllFiles(ctx)
	if err != nil {
		return false, err
	}

	gen, err := e.store.BumpScanGeneration(ctx)
	if err != nil {
		return false, err
	}

	changes := classifyChanges(known, files)
	if err := e.applyChanges(ctx, changes, gen); err != nil {
		return false, err
	}

	// Belt and braces against a lost index: done files with zero
	// embeddings means the chunk data vanished — requeue everything. The
	// count must come from an open store; an ambiguous zero is retried,
	// never trusted (a transient error here has forced full re-indexes).
	counts, err := e.store.Counts(ctx)
	if err != nil {
		return false, err
	}
	if counts.Done > 0 {
		embedded, err := e.embeddingCountWithRetry(ctx)
		if err != nil {
			return false, err
		}
		if embedded == 0 {
			slog.Warn("done files but no embeddings; requeueing folder",
				slog.String("folder", e.cfg.FolderPath))
			desc, derr := model.Lookup(e.modelID)
			if derr != nil {
				return false, derr
			}
			if err := e.store.RequeueDone(ctx, desc.ID, desc.Dimensions); err != nil {
				return false, err
			}
			counts, err = e.store.Counts(ctx)
			if err != nil {
				return false, err
			}
		}
	}

	e.mu.Lock()
	e.progress = fmdm.Progress{
		FilesTotal:     counts.Pending + counts.Done + counts.Processing,
		FilesDone:      counts.Done,
		ChunksDone:     0,
		ScanGeneration: gen,
	}
	e.mu.Unlock()
	e.notify()

	return counts.Pending > 0, nil
}

// embeddingCountWithRetry retries the embedding count while the answer is
// ambiguous (retryable), so "zero because unavailable" never triggers a
// rebuild.
func (e *Engine) embeddingCountWithRetry(ctx context.Context) (int, error) {
	cfg := corerr.RetryConfig{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
	return corerr.RetryWithResult(ctx, cfg, func() (int, error) {
		return e.store.EmbeddingCount(ctx)
	})
}

// ensureRunner downloads the model on miss and opens the inference session.
func (e *Engine) ensureRunner(ctx context.Context) error {
	e.mu.Lock()
	if e.runner != nil {
		e.mu.Unlock()
		return nil
	}
	modelID := e.modelID
	e.mu.Unlock()

	desc, err := model.Lookup(modelID)
	if err != nil {
		return err
	}

	if !e.deps.Downloads.IsCached(desc) {
		e.transition(StateDownloadingModel)
		if err := e.deps.Downloads.EnsureModel(ctx, desc); err != nil {
			return err
		}
	}

	runner, err := e.deps.loadRunner(ctx, desc, e.deps.Backends(ctx, desc))
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.runner = runner
	e.mu.Unlock()
	return nil
}

// drainQueue processes the pending queue to empty. The queue is
// materialized from the file_state table, never memory: killed and
// restarted, the engine picks up exactly where the table says.
func (e *Engine) drainQueue(ctx context.Context) error {
	for {
		pending, err := e.store.ListFilesByState(ctx, store.FileStatePending)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}

		for _, rec := range pending {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			e.processFile(ctx, rec)
		}
	}
}

// processFile runs extract -> chunk -> embed -> atomic commit for one file.
// Failures are recorded against the file and never promoted to the folder.
func (e *Engine) processFile(ctx context.Context, rec *store.FileRecord) {
	if err := e.store.MarkProcessing(ctx, rec.Path); err != nil {
		slog.Warn("mark processing failed",
			slog.String("path", rec.Path), slog.String("error", err.Error()))
		return
	}

	absPath := filepath.Join(e.cfg.FolderPath, filepath.FromSlash(rec.Path))
	doc, err := e.deps.Extractor.Extract(ctx, absPath)
	if err != nil {
		if errors.Is(err, extract.ErrUnsupported) {
			_ = e.store.MarkSkipped(ctx, rec.Path, err.Error())
		} else {
			_ = e.store.MarkFailed(ctx, rec.Path, fmt.Sprintf("extraction: %v", err))
		}
		e.bumpFileDone(0)
		return
	}

	chunks, err := e.chunker.Chunk(ctx, doc)
	if err != nil {
		_ = e.store.MarkFailed(ctx, rec.Path, fmt.Sprintf("chunking: %v", err))
		e.bumpFileDone(0)
		return
	}
	if len(chunks) == 0 {
		_ = e.store.MarkSkipped(ctx, rec.Path, "no extractable text")
		e.bumpFileDone(0)
		return
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}

	e.mu.Lock()
	runner := e.runner
	e.mu.Unlock()
	if runner == nil {
		_ = e.store.MarkFailed(ctx, rec.Path, "model runner unavailable")
		e.bumpFileDone(0)
		return
	}

	vectors, err := e.deps.Pool.Process(ctx, e.cfg.FolderPath, e.cfg.Priority, runner, texts)
	if err != nil {
		_ = e.store.MarkFailed(ctx, rec.Path, fmt.Sprintf("embedding: %v", err))
		e.bumpFileDone(0)
		return
	}

	desc := runner.Descriptor()
	result := &store.FileResult{
		File: *rec,
		Document: store.DocumentRecord{
			Path:        rec.Path,
			TextLength:  len(doc.Text),
			PageCount:   doc.PageCount(),
			Pages:       pageSpans(doc),
			Language:    doc.Language,
			ModTime:     rec.ModTime,
			ExtractedAt: doc.ExtractedAt,
		},
	}
	for i, ch := range chunks {
		result.Chunks = append(result.Chunks, store.ChunkRecord{
			Index:         ch.Index,
			Start:         ch.Start,
			End:           ch.End,
			TokenEstimate: ch.TokenEstimate,
			Page:          ch.Page,
			Text:          ch.Text,
			KeyPhrases:    ch.KeyPhrases,
			Topics:        ch.Topics,
			Readability:   ch.Readability,
			Embedding:     vectors[i],
			ModelID:       desc.ID,
			Dims:          desc.Dimensions,
		})
	}

	// Old derived-index entries go first; the SQLite commit replaces the
	// document row, so stale ANN keys would otherwise dangle.
	oldDoc, _ := e.store.GetDocumentByPath(ctx, rec.Path)
	if err := e.store.ApplyFileResult(ctx, result); err != nil {
		_ = e.store.MarkFailed(ctx, rec.Path, fmt.Sprintf("store: %v", err))
		e.bumpFileDone(0)
		return
	}

	e.mu.Lock()
	vectorsIdx, keywordIdx := e.vectors, e.keyword
	e.mu.Unlock()

	if oldDoc != nil {
		oldKeys := make([]string, 0, oldDoc.ChunkCount)
		for i := 0; i < oldDoc.ChunkCount; i++ {
			oldKeys = append(oldKeys, store.ChunkKey(oldDoc.ID, i))
		}
		if vectorsIdx != nil {
			vectorsIdx.Delete(oldKeys)
		}
		if keywordIdx != nil {
			_ = keywordIdx.Delete(oldKeys)
		}
	}

	if vectorsIdx != nil {
		keys := make([]string, len(result.Chunks))
		vecs := make([][]float32, len(result.Chunks))
		for i := range result.Chunks {
			keys[i] = result.Chunks[i].Key()
			vecs[i] = result.Chunks[i].Embedding
		}
		if err := vectorsIdx.Add(keys, vecs); err != nil {
			slog.Warn("vector index add failed; index will rebuild on activation",
				slog.String("path", rec.Path), slog.String("error", err.Error()))
		}
	}
	if keywordIdx != nil {
		recs := make([]*store.ChunkRecord, len(result.Chunks))
		for i := range result.Chunks {
			recs[i] = &result.Chunks[i]
		}
		_ = keywordIdx.Index(recs, rec.Path)
	}

	e.bumpFileDone(len(result.Chunks))
}

// pageSpans converts extractor pages into their persisted form.
func pageSpans(doc *extract.Document) []store.PageSpan {
	if len(doc.Pages) == 0 {
		return nil
	}
	spans := make([]store.PageSpan, len(doc.Pages))
	for i, p := range doc.Pages {
		spans[i] = store.PageSpan{Number: p.Number, Start: p.Start, End: p.End}
	}
	return spans
}

// bumpFileDone advances the monotone progress counters and publishes.
func (e *Engine) bumpFileDone(chunks int) {
	e.mu.Lock()
	e.progress.FilesDone++
	e.progress.ChunksDone += chunks
	if e.progress.FilesDone > e.progress.FilesTotal {
		e.progress.FilesTotal = e.progress.FilesDone
	}
	elapsed := time.Since(e.started).Seconds()
	if e.progress.FilesDone > 0 && elapsed > 0 {
		rate := float64(e.progress.FilesDone) / elapsed
		remaining := e.progress.FilesTotal - e.progress.FilesDone
		e.progress.ETASeconds = int(float64(remaining) / rate)
	}
	e.mu.Unlock()
	e.notify()
}

// activate verifies derived indexes against SQLite and enters ACTIVE.
func (e *Engine) activate(ctx context.Context) error {
	if err := e.ensureVectors(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	v := e.vectors
	s := e.store
	e.mu.Unlock()

	if v != nil {
		if err := v.Save(filepath.Join(s.Dir(), store.VectorFileName)); err != nil {
			slog.Warn("vector index save failed",
				slog.String("folder", e.cfg.FolderPath),
				slog.String("error", err.Error()))
		}
	}

	info, err := s.Info(ctx)
	if err != nil {
		return err
	}
	if err := store.WriteStateFile(s.Dir(), store.StateFile{
		SchemaVersion:  info.SchemaVersion,
		ScanGeneration: info.ScanGeneration,
	}); err != nil {
		slog.Warn("state file write failed", slog.String("error", err.Error()))
	}

	e.transition(StateActive)
	return nil
}

// ensureVectors loads or rebuilds the ANN index so it matches the chunks
// table. The table is the source of truth; the index is always rebuilt from
// it on divergence, never the reverse.
func (e *Engine) ensureVectors(ctx context.Context) error {
	e.mu.Lock()
	s := e.store
	v := e.vectors
	modelID := e.modelID
	e.mu.Unlock()

	chunkCount, err := s.ChunkCount(ctx)
	if err != nil {
		return err
	}

	desc, err := model.Lookup(modelID)
	if err != nil {
		return err
	}

	if v == nil {
		loaded, err := store.LoadVectorIndex(filepath.Join(s.Dir(), store.VectorFileName))
		if err != nil {
			slog.Warn("vector index load failed; rebuilding",
				slog.String("folder", e.cfg.FolderPath),
				slog.String("error", err.Error()))
		}
		if loaded != nil && loaded.Dims() == desc.Dimensions {
			v = loaded
		}
	}

	// Orphan pressure from lazy deletes also forces a rebuild.
	needRebuild := v == nil || v.Count() != chunkCount ||
		(v.Count() > 0 && v.Orphans() > v.Count()/5)

	if needRebuild {
		if v != nil {
			_ = v.Close()
		}
		v = store.NewVectorIndex(desc.Dimensions)
		keys := make([]string, 0, chunkCount)
		vecs := make([][]float32, 0, chunkCount)
		err := s.ForEachEmbedding(ctx, func(key string, vec []float32) error {
			if len(vec) == desc.Dimensions {
				keys = append(keys, key)
				vecs = append(vecs, vec)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if err := v.Add(keys, vecs); err != nil {
			return err
		}
		slog.Info("vector index rebuilt",
			slog.String("folder", e.cfg.FolderPath),
			slog.Int("vectors", len(keys)))
	}

	e.mu.Lock()
	e.vectors = v
	e.mu.Unlock()
	return nil
}

// HandleEvents consumes a debounced watcher batch: the folder returns to
// INDEXING, the change set is applied, the queue drains, and the folder
// goes ACTIVE again.
func (e *Engine) HandleEvents(ctx context.Context, events []watcher.FileEvent) error {
	if len(events) == 0 {
		return nil
	}
	if e.State() != StateActive {
		return nil // a running drain will pick the rows up
	}

	changes, err := e.eventsToChanges(ctx, events)
	if err != nil {
		return err
	}
	if changes.empty() {
		return nil
	}

	gen, err := e.store.BumpScanGeneration(ctx)
	if err != nil {
		return err
	}
	e.transition(StateIndexing)

	if err := e.applyChanges(ctx, changes, gen); err != nil {
		e.fail(err)
		return err
	}

	counts, err := e.store.Counts(ctx)
	if err != nil {
		e.fail(err)
		return err
	}
	e.mu.Lock()
	e.progress = fmdm.Progress{
		FilesTotal:     counts.Pending + counts.Done + counts.Processing,
		FilesDone:      counts.Done,
		ScanGeneration: gen,
	}
	e.started = time.Now()
	e.mu.Unlock()
	e.notify()

	if err := e.ensureRunner(ctx); err != nil {
		e.fail(err)
		return err
	}
	if err := e.drainQueue(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		e.fail(err)
		return err
	}
	return e.activate(ctx)
}

// Reindex re-embeds the folder, optionally under a new model. Chunks are
// reused where extraction is unchanged; every file's vectors are replaced
// atomically with its chunks, so the bijection holds throughout.
func (e *Engine) Reindex(ctx context.Context, newModelID string) error {
	if newModelID == "" {
		newModelID = e.ModelID()
	}
	desc, err := model.Lookup(newModelID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	s := e.store
	oldRunner := e.runner
	e.runner = nil
	e.modelID = desc.ID
	oldVectors := e.vectors
	e.vectors = store.NewVectorIndex(desc.Dimensions)
	e.mu.Unlock()

	if oldRunner != nil {
		_ = oldRunner.Close()
	}
	if oldVectors != nil {
		_ = oldVectors.Close()
	}

	if s == nil {
		return ErrNotReady
	}
	if err := s.RequeueDone(ctx, desc.ID, desc.Dimensions); err != nil {
		return err
	}

	gen, err := s.BumpScanGeneration(ctx)
	if err != nil {
		return err
	}
	counts, err := s.Counts(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.progress = fmdm.Progress{
		FilesTotal:     counts.Pending,
		ScanGeneration: gen,
	}
	e.started = time.Now()
	e.mu.Unlock()

	e.transition(StateIndexing)
	if err := e.ensureRunner(ctx); err != nil {
		e.fail(err)
		return err
	}
	if err := e.drainQueue(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		e.fail(err)
		return err
	}
	if err := e.activate(ctx); err != nil {
		e.fail(err)
		return err
	}
	return nil
}

// ErrNotReady is returned for operations against an engine whose store
// never opened.
var ErrNotReady = errors.New("folder engine is not ready")

// Remove cancels the folder's pending work and closes its resources.
// In-flight pool batches complete against a closed store and are discarded.
func (e *Engine) Remove() {
	e.mu.Lock()
	if e.state == StateRemoving {
		e.mu.Unlock()
		return
	}
	e.state = StateRemoving
	s, v, k, r := e.store, e.vectors, e.keyword, e.runner
	e.store, e.vectors, e.keyword, e.runner = nil, nil, nil, nil
	e.mu.Unlock()
	e.notify()

	e.deps.Pool.CancelFolder(e.cfg.FolderPath)

	if v != nil {
		_ = v.Close()
	}
	if k != nil {
		_ = k.Close()
	}
	if r != nil {
		_ = r.Close()
	}
	if s != nil {
		_ = s.Close()
	}
}

// Close releases resources without the removal semantics (daemon shutdown).
func (e *Engine) Close() {
	e.mu.Lock()
	s, v, k, r := e.store, e.vectors, e.keyword, e.runner
	dir := ""
	if s != nil {
		dir = s.Dir()
	}
	e.store, e.vectors, e.keyword, e.runner = nil, nil, nil, nil
	e.mu.Unlock()

	if v != nil && dir != "" {
		_ = v.Save(filepath.Join(dir, store.VectorFileName))
	}
	if v != nil {
		_ = v.Close()
	}
	if k != nil {
		_ = k.Close()
	}
	if r != nil {
		_ = r.Close()
	}
	if s != nil {
		_ = s.Close()
	}
}
