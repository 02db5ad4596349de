package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/foldermcp/internal/extract"
	"github.com/Aman-CERP/foldermcp/internal/fmdm"
	"github.com/Aman-CERP/foldermcp/internal/hardware"
	"github.com/Aman-CERP/foldermcp/internal/model"
	"github.com/Aman-CERP/foldermcp/internal/pool"
	"github.com/Aman-CERP/foldermcp/internal/store"
	"github.com/Aman-CERP/foldermcp/internal/watcher"
	"github.com/Aman-CERP/foldermcp/pkg/version"
)

// cachedEnsurer pretends every model is already in the cache so tests never
// touch the network; sessions come from the cpu backend.
type cachedEnsurer struct{ ensured int }

func (c *cachedEnsurer) IsCached(model.Descriptor) bool { return true }
func (c *cachedEnsurer) EnsureModel(context.Context, model.Descriptor) error {
	c.ensured++
	return nil
}

// missingEnsurer forces the DOWNLOADING_MODEL path.
type missingEnsurer struct {
	mu      sync.Mutex
	ensured int
	fail    error
}

func (m *missingEnsurer) IsCached(model.Descriptor) bool { return false }
func (m *missingEnsurer) EnsureModel(context.Context, model.Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensured++
	return m.fail
}

type testHarness struct {
	folder string
	pool   *pool.Pool
	views  []fmdm.FolderView
	viewMu sync.Mutex
}

func cpuBackends(ctx context.Context, desc model.Descriptor) []hardware.Backend {
	return []hardware.Backend{{Kind: hardware.BackendCPU, Config: hardware.BackendConfig{Threads: 1}}}
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		folder: t.TempDir(),
		pool:   pool.New(pool.Config{Workers: 2, QueueDepth: 16}),
	}
	t.Cleanup(h.pool.Close)
	return h
}

func (h *testHarness) engine(t *testing.T, modelID string, ensurer ModelEnsurer) *Engine {
	t.Helper()
	if ensurer == nil {
		ensurer = &cachedEnsurer{}
	}
	e, err := New(Config{
		FolderPath:            h.folder,
		ModelID:               modelID,
		ExpectedSchemaVersion: version.LatestSchemaVersion,
	}, Dependencies{
		Pool:      h.pool,
		Downloads: ensurer,
		Extractor: extract.NewTextExtractor(),
		Backends:  cpuBackends,
		Notify: func(view fmdm.FolderView) {
			h.viewMu.Lock()
			h.views = append(h.views, view)
			h.viewMu.Unlock()
		},
	})
	require.NoError(t, err)
	return e
}

func (h *testHarness) write(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(h.folder, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func words(n int, seed string) string {
	out := ""
	for i := 0; i < n; i++ {
		out += fmt.Sprintf("%s%d ", seed, i)
		if i%12 == 11 {
			out += "\n"
		}
	}
	return out
}

// --- scenarios ---

func TestStart_FreshAdd(t *testing.T) {
	// Given: three files, one of them empty (scenario: fresh add)
	h := newHarness(t)
	h.write(t, "a.txt", words(120, "alpha"))
	h.write(t, "b.txt", words(50, "beta"))
	h.write(t, "c.txt", "")

	e := h.engine(t, "", nil)
	defer e.Close()

	// When: starting the engine
	require.NoError(t, e.Start(context.Background()))

	// Then: the folder is ACTIVE, two documents indexed, the empty one
	// skipped, chunks have vectors at the model's dimensionality
	assert.Equal(t, StateActive, e.State())

	s, vectors, _, runner := e.Resources()
	require.NotNil(t, s)

	ctx := context.Background()
	docs, err := s.DocumentCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, docs)

	rec, err := s.GetFile(ctx, "c.txt")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, store.FileStateSkipped, rec.State)

	chunks, err := s.ChunkCount(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, chunks, 2)

	embedded, err := s.EmbeddingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, chunks, embedded, "vector/chunk bijection")
	assert.Equal(t, chunks, vectors.Count())

	assert.Equal(t, 384, runner.Descriptor().Dimensions)
}

func TestStart_UnchangedRestartWritesNothing(t *testing.T) {
	// Scenario: unchanged restart must not write a single new chunk.
	h := newHarness(t)
	h.write(t, "a.txt", words(100, "stable"))

	e1 := h.engine(t, "", nil)
	require.NoError(t, e1.Start(context.Background()))
	s1, _, _, _ := e1.Resources()
	chunksBefore, err := s1.ChunkCount(context.Background())
	require.NoError(t, err)
	docBefore, err := s1.GetDocumentByPath(context.Background(), "a.txt")
	require.NoError(t, err)
	e1.Close()

	// When: a second daemon lifetime starts over the same folder
	e2 := h.engine(t, "", nil)
	defer e2.Close()
	require.NoError(t, e2.Start(context.Background()))

	// Then: ACTIVE without reprocessing — same chunk count, same document
	// row (a rewrite would have changed its id)
	assert.Equal(t, StateActive, e2.State())
	s2, _, _, _ := e2.Resources()
	chunksAfter, err := s2.ChunkCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, chunksBefore, chunksAfter)

	docAfter, err := s2.GetDocumentByPath(context.Background(), "a.txt")
	require.NoError(t, err)
	assert.Equal(t, docBefore.ID, docAfter.ID, "unchanged file must not be rewritten")
}

func TestStart_ResumesAfterCrashMidIndexing(t *testing.T) {
	// Scenario: crash during indexing. One file done, one mid-processing,
	// the rest pending; restart resumes and converges.
	h := newHarness(t)
	for i := 0; i < 10; i++ {
		h.write(t, fmt.Sprintf("doc%02d.txt", i), words(60, fmt.Sprintf("crash%d", i)))
	}

	// Baseline: what a clean single run produces.
	baselineFolder := t.TempDir()
	for i := 0; i < 10; i++ {
		path := filepath.Join(baselineFolder, fmt.Sprintf("doc%02d.txt", i))
		require.NoError(t, os.WriteFile(path, []byte(words(60, fmt.Sprintf("crash%d", i))), 0o644))
	}
	hb := &testHarness{folder: baselineFolder, pool: h.pool}
	be := hb.engine(t, "", nil)
	require.NoError(t, be.Start(context.Background()))
	bs, _, _, _ := be.Resources()
	baselineChunks, err := bs.ChunkCount(context.Background())
	require.NoError(t, err)
	be.Close()

	// Simulate the crash: process exactly one file, leave one processing.
	e1 := h.engine(t, "", nil)
	ctx := context.Background()
	require.NoError(t, e1.openStore(ctx))
	_, err = e1.scan(ctx)
	require.NoError(t, err)
	require.NoError(t, e1.ensureRunner(ctx))

	s1 := e1.store
	pending, err := s1.ListFilesByState(ctx, store.FileStatePending)
	require.NoError(t, err)
	require.Len(t, pending, 10)

	e1.processFile(ctx, pending[0])
	require.NoError(t, s1.MarkProcessing(ctx, pending[1].Path))
	e1.Close() // the "kill"

	// When: a fresh engine starts
	e2 := h.engine(t, "", nil)
	defer e2.Close()
	require.NoError(t, e2.Start(ctx))

	// Then: zero processing rows survived startup, everything completed,
	// and the total equals the single-run baseline (resumption idempotence)
	assert.Equal(t, StateActive, e2.State())
	s2, _, _, _ := e2.Resources()

	counts, err := s2.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Processing)
	assert.Zero(t, counts.Pending)
	assert.Equal(t, 10, counts.Done)

	chunks, err := s2.ChunkCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, baselineChunks, chunks)

	embedded, err := s2.EmbeddingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, chunks, embedded)
}

func TestStart_DownloadsModelWhenMissing(t *testing.T) {
	h := newHarness(t)
	h.write(t, "a.txt", words(40, "dl"))

	ensurer := &missingEnsurer{}
	e := h.engine(t, "", ensurer)
	defer e.Close()

	require.NoError(t, e.Start(context.Background()))
	assert.Equal(t, StateActive, e.State())
	assert.Equal(t, 1, ensurer.ensured)

	// The DOWNLOADING_MODEL state was published on the way through.
	h.viewMu.Lock()
	defer h.viewMu.Unlock()
	sawDownloading := false
	for _, v := range h.views {
		if v.Status == fmdm.StatusDownloadingModel {
			sawDownloading = true
		}
	}
	assert.True(t, sawDownloading)
}

func TestStart_ModelLoadFailureIsFolderError(t *testing.T) {
	h := newHarness(t)
	h.write(t, "a.txt", words(40, "err"))

	ensurer := &missingEnsurer{fail: fmt.Errorf("registry unreachable")}
	e := h.engine(t, "", ensurer)
	defer e.Close()

	err := e.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateError, e.State())
	assert.Contains(t, e.LastError(), "registry unreachable")
}

func TestStart_CorruptStoreRenamedAndRebuilt(t *testing.T) {
	// Scenario: structural corruption -> rename aside, rebuild from source.
	h := newHarness(t)
	h.write(t, "a.txt", words(40, "rebuild"))

	hidden := filepath.Join(h.folder, store.HiddenDirName)
	require.NoError(t, os.MkdirAll(hidden, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(hidden, store.DatabaseFileName),
		[]byte("definitely not sqlite data, definitely long enough"), 0o644))

	e := h.engine(t, "", nil)
	defer e.Close()
	require.NoError(t, e.Start(context.Background()))

	assert.Equal(t, StateActive, e.State())

	// The damaged file survives under a timestamped name.
	matches, err := filepath.Glob(filepath.Join(hidden, store.DatabaseFileName+".corrupted.*"))
	require.NoError(t, err)
	assert.NotEmpty(t, matches)
}

func TestStart_SecondOpenerFailsWithoutDataLoss(t *testing.T) {
	h := newHarness(t)
	h.write(t, "a.txt", words(40, "locked"))

	e1 := h.engine(t, "", nil)
	require.NoError(t, e1.Start(context.Background()))
	defer e1.Close()

	e2 := h.engine(t, "", nil)
	err := e2.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateError, e2.State())

	// The database was not renamed: AlreadyOpen is neither environment
	// damage nor corruption.
	hidden := filepath.Join(h.folder, store.HiddenDirName)
	_, statErr := os.Stat(filepath.Join(hidden, store.DatabaseFileName))
	assert.NoError(t, statErr)
}

func TestHandleEvents_ModifyReindexesFile(t *testing.T) {
	h := newHarness(t)
	h.write(t, "a.txt", words(60, "v1"))

	e := h.engine(t, "", nil)
	defer e.Close()
	ctx := context.Background()
	require.NoError(t, e.Start(ctx))

	s, _, _, _ := e.Resources()
	before, err := s.GetDocumentByPath(ctx, "a.txt")
	require.NoError(t, err)

	// When: the file changes and the watcher reports it
	h.write(t, "a.txt", words(80, "v2"))
	require.NoError(t, e.HandleEvents(ctx, []watcher.FileEvent{
		{Path: "a.txt", Operation: watcher.OpModify, Timestamp: time.Now()},
	}))

	// Then: back to ACTIVE with a re-extracted document
	assert.Equal(t, StateActive, e.State())
	after, err := s.GetDocumentByPath(ctx, "a.txt")
	require.NoError(t, err)
	assert.NotEqual(t, before.ID, after.ID)

	chunks, err := s.ChunkCount(ctx)
	require.NoError(t, err)
	embedded, err := s.EmbeddingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, chunks, embedded)
}

func TestHandleEvents_DeleteRemovesDocument(t *testing.T) {
	h := newHarness(t)
	h.write(t, "a.txt", words(60, "keep"))
	h.write(t, "b.txt", words(60, "remove"))

	e := h.engine(t, "", nil)
	defer e.Close()
	ctx := context.Background()
	require.NoError(t, e.Start(ctx))

	require.NoError(t, os.Remove(filepath.Join(h.folder, "b.txt")))
	require.NoError(t, e.HandleEvents(ctx, []watcher.FileEvent{
		{Path: "b.txt", Operation: watcher.OpDelete, Timestamp: time.Now()},
	}))

	s, vectors, _, _ := e.Resources()
	doc, err := s.GetDocumentByPath(ctx, "b.txt")
	require.NoError(t, err)
	assert.Nil(t, doc)

	chunks, err := s.ChunkCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, chunks, vectors.Count(), "ANN index pruned with the document")
}

func TestHandleEvents_RenameIsPathUpdateOnly(t *testing.T) {
	h := newHarness(t)
	h.write(t, "old.txt", words(60, "samebytes"))

	e := h.engine(t, "", nil)
	defer e.Close()
	ctx := context.Background()
	require.NoError(t, e.Start(ctx))

	s, _, _, _ := e.Resources()
	before, err := s.GetDocumentByPath(ctx, "old.txt")
	require.NoError(t, err)

	// When: the file is renamed (delete + create, same fingerprint)
	require.NoError(t, os.Rename(
		filepath.Join(h.folder, "old.txt"), filepath.Join(h.folder, "new.txt")))
	require.NoError(t, e.HandleEvents(ctx, []watcher.FileEvent{
		{Path: "old.txt", Operation: watcher.OpDelete, Timestamp: time.Now()},
		{Path: "new.txt", Operation: watcher.OpCreate, Timestamp: time.Now()},
	}))

	// Then: the document row moved without re-embedding
	after, err := s.GetDocumentByPath(ctx, "new.txt")
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.Equal(t, before.ID, after.ID, "rename must not re-embed")

	gone, err := s.GetDocumentByPath(ctx, "old.txt")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestReindex_ModelSwapReplacesVectors(t *testing.T) {
	// Scenario: model swap 384 -> 1024 dims; chunks may be reused, vectors
	// are fully replaced, dims follow the new model.
	h := newHarness(t)
	h.write(t, "a.txt", words(90, "swap"))

	e := h.engine(t, "minilm-l6-v2", nil)
	defer e.Close()
	ctx := context.Background()
	require.NoError(t, e.Start(ctx))

	// When: reindexing under the larger model
	require.NoError(t, e.Reindex(ctx, "gte-large"))

	// Then
	assert.Equal(t, StateActive, e.State())
	assert.Equal(t, "gte-large", e.ModelID())

	s, vectors, _, runner := e.Resources()
	assert.Equal(t, 1024, runner.Descriptor().Dimensions)
	assert.Equal(t, 1024, vectors.Dims())

	info, err := s.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1024, info.Dims)

	chunks, err := s.GetChunks(ctx, mustDoc(t, s, "a.txt").ID, -1, -1)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for _, ch := range chunks {
		assert.Len(t, ch.Embedding, 1024)
		assert.Equal(t, "gte-large", ch.ModelID)
	}

	total, err := s.ChunkCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, total, vectors.Count())
}

func TestProgress_MonotoneWithinGeneration(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 6; i++ {
		h.write(t, fmt.Sprintf("f%d.txt", i), words(50, fmt.Sprintf("mono%d", i)))
	}

	e := h.engine(t, "", nil)
	defer e.Close()
	require.NoError(t, e.Start(context.Background()))

	h.viewMu.Lock()
	defer h.viewMu.Unlock()

	lastByGen := map[int64]fmdm.Progress{}
	for _, v := range h.views {
		gen := v.Progress.ScanGeneration
		if prev, ok := lastByGen[gen]; ok {
			assert.GreaterOrEqual(t, v.Progress.FilesDone, prev.FilesDone)
			assert.GreaterOrEqual(t, v.Progress.ChunksDone, prev.ChunksDone)
			assert.LessOrEqual(t, v.Progress.FilesDone, v.Progress.FilesTotal)
		}
		lastByGen[gen] = v.Progress
	}
}

func TestRemove_CleansUpAndReleasesLock(t *testing.T) {
	h := newHarness(t)
	h.write(t, "a.txt", words(40, "bye"))

	e := h.engine(t, "", nil)
	require.NoError(t, e.Start(context.Background()))

	e.Remove()
	assert.Equal(t, StateRemoving, e.State())

	s, v, k, r := e.Resources()
	assert.Nil(t, s)
	assert.Nil(t, v)
	assert.Nil(t, k)
	assert.Nil(t, r)

	// The lock is released: a fresh engine can own the folder again.
	e2 := h.engine(t, "", nil)
	defer e2.Close()
	require.NoError(t, e2.Start(context.Background()))
}

func TestPerFileFailure_DoesNotFailFolder(t *testing.T) {
	h := newHarness(t)
	h.write(t, "good.txt", words(50, "fine"))
	// A .txt file with binary content fails extraction support checks.
	require.NoError(t, os.WriteFile(filepath.Join(h.folder, "bad.txt"),
		[]byte{'x', 0x00, 0x01, 0x02, 'y'}, 0o644))

	e := h.engine(t, "", nil)
	defer e.Close()
	require.NoError(t, e.Start(context.Background()))

	// The folder still reaches ACTIVE; the bad file is recorded, the good
	// one indexed.
	assert.Equal(t, StateActive, e.State())

	s, _, _, _ := e.Resources()
	ctx := context.Background()
	bad, err := s.GetFile(ctx, "bad.txt")
	require.NoError(t, err)
	assert.Contains(t, []store.FileState{store.FileStateSkipped, store.FileStateFailed}, bad.State)

	good, err := s.GetFile(ctx, "good.txt")
	require.NoError(t, err)
	assert.Equal(t, store.FileStateDone, good.State)
}

func mustDoc(t *testing.T, s *store.Store, path string) *store.DocumentRecord {
	t.Helper()
	doc, err := s.GetDocumentByPath(context.Background(), path)
	require.NoError(t, err)
	require.NotNil(t, doc)
	return doc
}
