package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio"

	"github.com/Aman-CERP/foldermcp/internal/config"
	corerr "github.com/Aman-CERP/foldermcp/internal/errors"
	"github.com/Aman-CERP/foldermcp/internal/extract"
	"github.com/Aman-CERP/foldermcp/internal/fmdm"
	"github.com/Aman-CERP/foldermcp/internal/hardware"
	"github.com/Aman-CERP/foldermcp/internal/lifecycle"
	"github.com/Aman-CERP/foldermcp/internal/model"
	"github.com/Aman-CERP/foldermcp/internal/pool"
	"github.com/Aman-CERP/foldermcp/internal/search"
	"github.com/Aman-CERP/foldermcp/internal/watcher"
	"github.com/Aman-CERP/foldermcp/pkg/version"
)

// registryFileName persists the configured folder set across restarts.
const registryFileName = "folders.json"

// registryEntry is one configured folder.
type registryEntry struct {
	Path  string `json:"path"`
	Model string `json:"model,omitempty"`
}

// managedFolder couples an engine with its watcher goroutines.
type managedFolder struct {
	engine  *lifecycle.Engine
	watcher *watcher.FSWatcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Orchestrator owns the folder set, the shared embedding pool, the FMDM
// broadcast, and the model cache. One per daemon process.
type Orchestrator struct {
	cfg         *config.Config
	pool        *pool.Pool
	downloads   lifecycle.ModelEnsurer
	extractor   extract.Extractor
	broadcaster *fmdm.Broadcaster
	searcher    *search.Engine
	prober      *hardware.Prober
	selector    *hardware.Selector
	started     time.Time

	mu      sync.Mutex
	folders map[string]*managedFolder

	heartbeatCancel context.CancelFunc
}

// Option customizes orchestrator construction.
type Option func(*Orchestrator)

// WithModelEnsurer overrides the model cache dependency (tests, embedded
// deployments with pre-provisioned models).
func WithModelEnsurer(e lifecycle.ModelEnsurer) Option {
	return func(o *Orchestrator) { o.downloads = e }
}

// NewOrchestrator wires the daemon's shared components.
func NewOrchestrator(cfg *config.Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg: cfg,
		pool: pool.New(pool.Config{
			Workers:    cfg.Performance.PoolWorkers,
			QueueDepth: cfg.Performance.QueueDepth,
			FairShare:  cfg.Performance.FairShare,
		}),
		downloads: model.NewManager(cfg.ModelCacheDir(),
			cfg.Embeddings.DownloadTimeout, cfg.Embeddings.StallTimeout),
		extractor:   extract.NewTextExtractor(),
		broadcaster: fmdm.NewBroadcaster(),
		searcher:    search.NewEngine(cfg.Search),
		prober:      hardware.NewProber(),
		selector:    hardware.NewSelector(),
		folders:     make(map[string]*managedFolder),
		started:     time.Now(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Broadcaster exposes the FMDM broadcaster for subscribers.
func (o *Orchestrator) Broadcaster() *fmdm.Broadcaster {
	return o.broadcaster
}

// Start restores the persisted folder set and begins the FMDM heartbeat.
func (o *Orchestrator) Start(ctx context.Context) error {
	entries, err := o.loadRegistry()
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := o.addFolder(ctx, entry.Path, entry.Model, false); err != nil {
			// One broken folder never takes the daemon down; its state is
			// visible in the FMDM.
			slog.Error("folder failed to start",
				slog.String("folder", entry.Path),
				slog.String("error", err.Error()))
		}
	}

	hbCtx, cancel := context.WithCancel(ctx)
	o.heartbeatCancel = cancel
	go o.heartbeat(hbCtx)
	return nil
}

// heartbeat republishes the FMDM at 1 Hz while any folder is indexing.
func (o *Orchestrator) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if o.broadcaster.Snapshot().Indexing() {
				o.broadcaster.Publish()
			}
		}
	}
}

// AddFolder registers, persists, and starts a folder.
func (o *Orchestrator) AddFolder(ctx context.Context, path, modelID string) error {
	return o.addFolder(ctx, path, modelID, true)
}

func (o *Orchestrator) addFolder(ctx context.Context, path, modelID string, persist bool) error {
	canonical, err := canonicalPath(path)
	if err != nil {
		return corerr.New(corerr.ErrCodeInvalidPath, fmt.Sprintf("cannot resolve %s", path), err)
	}

	o.mu.Lock()
	if _, exists := o.folders[canonical]; exists {
		o.mu.Unlock()
		return corerr.ValidationError(fmt.Sprintf("folder already managed: %s", canonical), nil)
	}
	o.mu.Unlock()

	engine, err := lifecycle.New(lifecycle.Config{
		FolderPath:            canonical,
		ModelID:               modelID,
		ExpectedSchemaVersion: version.ExpectedSchemaVersion(),
		ExcludePatterns:       o.cfg.Paths.Exclude,
		MaxFileSize:           o.cfg.Performance.MaxFileSize,
		HashBudget:            o.cfg.Performance.HashBudget,
	}, lifecycle.Dependencies{
		Pool:      o.pool,
		Downloads: o.downloads,
		Extractor: o.extractor,
		Backends: func(ctx context.Context, desc model.Descriptor) []hardware.Backend {
			return o.selector.SelectBackends(o.prober.Probe(ctx), desc.Hints)
		},
		Notify: o.broadcaster.Update,
	})
	if err != nil {
		return err
	}

	mf := &managedFolder{engine: engine}
	folderCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	mf.cancel = cancel

	o.mu.Lock()
	o.folders[canonical] = mf
	o.mu.Unlock()

	if persist {
		if err := o.saveRegistry(); err != nil {
			slog.Warn("folder registry save failed", slog.String("error", err.Error()))
		}
	}

	mf.wg.Add(1)
	go func() {
		defer mf.wg.Done()
		if err := engine.Start(folderCtx); err != nil {
			return
		}
		o.watchFolder(folderCtx, mf, canonical)
	}()

	return nil
}

// watchFolder runs the folder's watcher, feeding change batches into the
// engine until the folder context dies.
func (o *Orchestrator) watchFolder(ctx context.Context, mf *managedFolder, path string) {
	w, err := watcher.NewFSWatcher(watcher.Options{
		DebounceWindow: o.cfg.Performance.WatchDebounce,
		Ignore: func(rel string, isDir bool) bool {
			return rel == ".foldermcp" || strings.HasPrefix(rel, ".foldermcp/")
		},
	})
	if err != nil {
		slog.Warn("watcher unavailable; folder will only reindex on restart",
			slog.String("folder", path),
			slog.String("error", err.Error()))
		return
	}
	mf.watcher = w

	mf.wg.Add(1)
	go func() {
		defer mf.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case events, ok := <-w.Events():
				if !ok {
					return
				}
				if err := mf.engine.HandleEvents(ctx, events); err != nil {
					slog.Warn("change batch failed",
						slog.String("folder", path),
						slog.String("error", err.Error()))
				}
			case err, ok := <-w.Errors():
				if !ok {
					return
				}
				slog.Warn("watcher error",
					slog.String("folder", path),
					slog.String("error", err.Error()))
			}
		}
	}()

	if err := w.Start(ctx, path); err != nil && ctx.Err() == nil {
		slog.Warn("watcher stopped",
			slog.String("folder", path),
			slog.String("error", err.Error()))
	}
}

// RemoveFolder cancels a folder's work, closes its store, and forgets it.
// The hidden state directory stays on disk: remove is not purge.
func (o *Orchestrator) RemoveFolder(path string) error {
	canonical, err := canonicalPath(path)
	if err != nil {
		return corerr.New(corerr.ErrCodeInvalidPath, fmt.Sprintf("cannot resolve %s", path), err)
	}

	o.mu.Lock()
	mf, ok := o.folders[canonical]
	if !ok {
		o.mu.Unlock()
		return corerr.New(corerr.ErrCodeUnknownFolder, fmt.Sprintf("folder not managed: %s", canonical), nil)
	}
	delete(o.folders, canonical)
	o.mu.Unlock()

	mf.cancel()
	if mf.watcher != nil {
		_ = mf.watcher.Stop()
	}
	mf.engine.Remove()
	mf.wg.Wait()

	o.broadcaster.Remove(canonical)
	if err := o.saveRegistry(); err != nil {
		slog.Warn("folder registry save failed", slog.String("error", err.Error()))
	}
	return nil
}

// ReindexFolder re-embeds a folder, optionally under a new model.
func (o *Orchestrator) ReindexFolder(ctx context.Context, path, modelID string) error {
	engine, err := o.engineFor(path)
	if err != nil {
		return err
	}
	if err := engine.Reindex(ctx, modelID); err != nil {
		return err
	}
	if modelID != "" {
		if err := o.saveRegistry(); err != nil {
			slog.Warn("folder registry save failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// Search dispatches a search to one folder, or to the only folder when the
// request does not name one.
func (o *Orchestrator) Search(ctx context.Context, folderPath string, req search.Request) (*search.Response, error) {
	engine, err := o.resolveFolder(folderPath)
	if err != nil {
		return nil, err
	}
	return o.searcher.Search(ctx, engine, req)
}

// Engine returns the lifecycle engine for a folder path.
func (o *Orchestrator) Engine(path string) (*lifecycle.Engine, error) {
	return o.resolveFolder(path)
}

// resolveFolder maps an optional path onto a managed engine.
func (o *Orchestrator) resolveFolder(path string) (*lifecycle.Engine, error) {
	if path != "" {
		return o.engineFor(path)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.folders) == 1 {
		for _, mf := range o.folders {
			return mf.engine, nil
		}
	}
	return nil, corerr.New(corerr.ErrCodeUnknownFolder,
		fmt.Sprintf("folder must be specified (%d folders managed)", len(o.folders)), nil)
}

func (o *Orchestrator) engineFor(path string) (*lifecycle.Engine, error) {
	canonical, err := canonicalPath(path)
	if err != nil {
		return nil, corerr.New(corerr.ErrCodeInvalidPath, fmt.Sprintf("cannot resolve %s", path), err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	mf, ok := o.folders[canonical]
	if !ok {
		return nil, corerr.New(corerr.ErrCodeUnknownFolder, fmt.Sprintf("folder not managed: %s", canonical), nil)
	}
	return mf.engine, nil
}

// Diagnostics assembles the diagnostics.get payload.
func (o *Orchestrator) Diagnostics(ctx context.Context) DiagnosticsResult {
	profile := o.prober.Probe(ctx)

	o.mu.Lock()
	var folders []FolderDiagnostics
	openStores := 0
	for path, mf := range o.folders {
		fd := FolderDiagnostics{
			Path:   path,
			Model:  mf.engine.ModelID(),
			Status: string(mf.engine.State()),
			Error:  mf.engine.LastError(),
		}
		if s, _, _, runner := mf.engine.Resources(); s != nil {
			openStores++
			if runner != nil {
				fd.ActiveBackend = string(runner.ActiveBackend())
			}
		}
		folders = append(folders, fd)
	}
	o.mu.Unlock()

	sort.Slice(folders, func(i, j int) bool { return folders[i].Path < folders[j].Path })

	return DiagnosticsResult{
		Hardware:       profile,
		Folders:        folders,
		ModelCacheDir:  o.cfg.ModelCacheDir(),
		ModelCacheSize: dirSize(o.cfg.ModelCacheDir()),
		OpenStores:     openStores,
		Uptime:         time.Since(o.started).Round(time.Second).String(),
		Version:        version.Version,
	}
}

// Shutdown stops heartbeat, watchers, engines, and the pool, closing every
// store before returning.
func (o *Orchestrator) Shutdown() {
	if o.heartbeatCancel != nil {
		o.heartbeatCancel()
	}

	o.mu.Lock()
	folders := make([]*managedFolder, 0, len(o.folders))
	for _, mf := range o.folders {
		folders = append(folders, mf)
	}
	o.folders = make(map[string]*managedFolder)
	o.mu.Unlock()

	for _, mf := range folders {
		mf.cancel()
		if mf.watcher != nil {
			_ = mf.watcher.Stop()
		}
	}
	for _, mf := range folders {
		mf.wg.Wait()
		mf.engine.Close()
	}

	o.pool.Close()
	slog.Info("orchestrator shut down", slog.Int("folders", len(folders)))
}

// --- registry persistence ---

func (o *Orchestrator) registryPath() string {
	return filepath.Join(filepath.Dir(o.cfg.Daemon.PIDFile), registryFileName)
}

func (o *Orchestrator) loadRegistry() ([]registryEntry, error) {
	data, err := os.ReadFile(o.registryPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entries []registryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse folder registry: %w", err)
	}
	return entries, nil
}

func (o *Orchestrator) saveRegistry() error {
	o.mu.Lock()
	entries := make([]registryEntry, 0, len(o.folders))
	for path, mf := range o.folders {
		entries = append(entries, registryEntry{Path: path, Model: mf.engine.ModelID()})
	}
	o.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(o.registryPath()), 0o755); err != nil {
		return err
	}
	return renameio.WriteFile(o.registryPath(), append(data, '\n'), 0o644)
}

// canonicalPath resolves a folder path to its canonical absolute form,
// case-folded on case-insensitive filesystems.
func canonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	if caseInsensitiveFS() {
		abs = strings.ToLower(abs)
	}
	return abs, nil
}

func caseInsensitiveFS() bool {
	return runtime.GOOS == "darwin" || runtime.GOOS == "windows"
}

// dirSize sums file sizes under a directory; 0 when absent.
func dirSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if info, err := d.Info(); err == nil && !d.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}
