// Package fmdm holds the Folder Monitoring Data Model: the immutable
// snapshot of per-folder state the daemon broadcasts to subscribers.
// Snapshots are derived from lifecycle state, never persisted, and always
// delivered whole — subscribers receive values, not patches.
package fmdm

import (
	"sort"
	"sync"
	"time"
)

// Status is a folder lifecycle status as published to clients.
type Status string

const (
	StatusInitializing     Status = "initializing"
	StatusScanning         Status = "scanning"
	StatusDownloadingModel Status = "downloading_model"
	StatusIndexing         Status = "indexing"
	StatusActive           Status = "active"
	StatusError            Status = "error"
	StatusRemoving         Status = "removing"
)

// Progress is per-folder indexing progress. Within one scan generation the
// counters only move forward.
type Progress struct {
	FilesTotal     int   `json:"files_total"`
	FilesDone      int   `json:"files_done"`
	ChunksDone     int   `json:"chunks_done"`
	ETASeconds     int   `json:"eta_seconds"`
	ScanGeneration int64 `json:"scan_generation"`
}

// FolderView is one folder's entry in the snapshot.
type FolderView struct {
	Path     string   `json:"path"`
	Status   Status   `json:"status"`
	Model    string   `json:"model"`
	Progress Progress `json:"progress"`
	Error    string   `json:"error,omitempty"`
}

// Snapshot is the full FMDM published to subscribers.
type Snapshot struct {
	Folders     []FolderView `json:"folders"`
	GeneratedAt time.Time    `json:"generated_at"`
}

// Indexing reports whether any folder is currently indexing; drives the
// 1 Hz heartbeat.
func (s Snapshot) Indexing() bool {
	for _, f := range s.Folders {
		if f.Status == StatusIndexing {
			return true
		}
	}
	return false
}

// Broadcaster assembles snapshots from per-folder views and fans them out.
// Slow subscribers miss intermediate snapshots rather than block the
// publisher; the next send always carries the full current state.
type Broadcaster struct {
	mu      sync.Mutex
	folders map[string]FolderView
	subs    map[int]chan Snapshot
	nextSub int
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		folders: make(map[string]FolderView),
		subs:    make(map[int]chan Snapshot),
	}
}

// Update replaces one folder's view and publishes a fresh snapshot.
func (b *Broadcaster) Update(view FolderView) {
	b.mu.Lock()
	b.folders[view.Path] = view
	snap := b.snapshotLocked()
	b.publishLocked(snap)
	b.mu.Unlock()
}

// Remove drops a folder and publishes.
func (b *Broadcaster) Remove(path string) {
	b.mu.Lock()
	delete(b.folders, path)
	snap := b.snapshotLocked()
	b.publishLocked(snap)
	b.mu.Unlock()
}

// Snapshot returns the current snapshot without publishing.
func (b *Broadcaster) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// Publish re-broadcasts the current snapshot (heartbeat tick).
func (b *Broadcaster) Publish() {
	b.mu.Lock()
	b.publishLocked(b.snapshotLocked())
	b.mu.Unlock()
}

// Subscribe returns a channel of snapshots and an unsubscribe func. The
// current snapshot is delivered immediately.
func (b *Broadcaster) Subscribe() (<-chan Snapshot, func()) {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	ch := make(chan Snapshot, 8)
	b.subs[id] = ch
	ch <- b.snapshotLocked()
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, unsubscribe
}

// snapshotLocked assembles a sorted, value-typed snapshot.
func (b *Broadcaster) snapshotLocked() Snapshot {
	folders := make([]FolderView, 0, len(b.folders))
	for _, v := range b.folders {
		folders = append(folders, v)
	}
	sort.Slice(folders, func(i, j int) bool { return folders[i].Path < folders[j].Path })
	return Snapshot{Folders: folders, GeneratedAt: time.Now()}
}

// publishLocked fans the snapshot out without blocking on slow subscribers.
func (b *Broadcaster) publishLocked(snap Snapshot) {
	for _, ch := range b.subs {
		select {
		case ch <- snap:
		default:
			// Drain one stale snapshot and replace it with the current one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}
