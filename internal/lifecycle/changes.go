package lifecycle

import (
	"context"
	"log/slog"
	"os"

	"github.com/Aman-CERP/foldermcp/internal/scanner"
	"github.com/Aman-CERP/foldermcp/internal/store"
	"github.com/Aman-CERP/foldermcp/internal/watcher"
)

// changeSet is the reconciliation outcome between tracked state and the
// filesystem.
type changeSet struct {
	added    []*scanner.FileInfo
	modified []*scanner.FileInfo
	skipped  []*scanner.FileInfo
	deleted  []string
	// renames map old path -> new file with identical fingerprint; handled
	// as a path update, not a re-embed.
	renames map[string]*scanner.FileInfo
}

func (c *changeSet) empty() bool {
	return len(c.added) == 0 && len(c.modified) == 0 && len(c.deleted) == 0 &&
		len(c.renames) == 0 && len(c.skipped) == 0
}

// classifyChanges compares tracked files against a scan. A delete and an
// add sharing a fingerprint collapse into a rename.
func classifyChanges(known map[string]*store.FileRecord, current []*scanner.FileInfo) *changeSet {
	cs := &changeSet{renames: map[string]*scanner.FileInfo{}}

	currentByPath := make(map[string]*scanner.FileInfo, len(current))
	for _, fi := range current {
		currentByPath[fi.Path] = fi
	}

	var deleted []string
	for path := range known {
		if _, ok := currentByPath[path]; !ok {
			deleted = append(deleted, path)
		}
	}

	var added, modified, skipped []*scanner.FileInfo
	for _, fi := range current {
		prev, ok := known[fi.Path]
		switch {
		case !fi.Supported:
			// Re-classify only when something changed; a file skipped last
			// run stays skipped silently.
			if !ok || prev.State != store.FileStateSkipped || prev.Fingerprint != fi.Fingerprint {
				skipped = append(skipped, fi)
			}
		case !ok:
			added = append(added, fi)
		case prev.Fingerprint != fi.Fingerprint:
			modified = append(modified, fi)
		case prev.State == store.FileStateFailed || prev.State == store.FileStatePending || prev.State == store.FileStateProcessing:
			// Unchanged content but unfinished work: requeue as modified.
			modified = append(modified, fi)
		}
	}

	// Pair deletes with adds by fingerprint: that is a rename.
	fingerprintToDeleted := map[string]string{}
	for _, path := range deleted {
		fingerprintToDeleted[known[path].Fingerprint] = path
	}
	for _, fi := range added {
		if oldPath, ok := fingerprintToDeleted[fi.Fingerprint]; ok && known[oldPath].State == store.FileStateDone {
			cs.renames[oldPath] = fi
			delete(fingerprintToDeleted, fi.Fingerprint)
			continue
		}
		cs.added = append(cs.added, fi)
	}
	for _, path := range deleted {
		if _, renamed := cs.renames[path]; !renamed {
			cs.deleted = append(cs.deleted, path)
		}
	}

	cs.modified = modified
	cs.skipped = skipped
	return cs
}

// applyChanges writes the change set into file state and prunes derived
// indexes for deletions.
func (e *Engine) applyChanges(ctx context.Context, cs *changeSet, gen int64) error {
	for oldPath, fi := range cs.renames {
		if err := e.store.RenameFile(ctx, oldPath, fi.Path); err != nil {
			return err
		}
		slog.Debug("rename applied as path update",
			slog.String("from", oldPath), slog.String("to", fi.Path))
	}

	for _, path := range cs.deleted {
		if err := e.deleteFromIndexes(ctx, path); err != nil {
			return err
		}
	}

	for _, fi := range cs.skipped {
		rec := fileRecordFrom(fi, gen)
		rec.State = store.FileStateSkipped
		rec.FailureReason = fi.SkipReason
		if err := e.store.UpsertFile(ctx, rec); err != nil {
			return err
		}
	}

	for _, list := range [][]*scanner.FileInfo{cs.added, cs.modified} {
		for _, fi := range list {
			rec := fileRecordFrom(fi, gen)
			rec.State = store.FileStatePending
			if err := e.store.UpsertFile(ctx, rec); err != nil {
				return err
			}
		}
	}

	return nil
}

// deleteFromIndexes removes a file from SQLite and both derived indexes.
func (e *Engine) deleteFromIndexes(ctx context.Context, path string) error {
	doc, err := e.store.GetDocumentByPath(ctx, path)
	if err != nil {
		return err
	}
	if doc != nil {
		keys := make([]string, 0, doc.ChunkCount)
		for i := 0; i < doc.ChunkCount; i++ {
			keys = append(keys, store.ChunkKey(doc.ID, i))
		}
		e.mu.Lock()
		v, k := e.vectors, e.keyword
		e.mu.Unlock()
		if v != nil {
			v.Delete(keys)
		}
		if k != nil {
			_ = k.Delete(keys)
		}
	}
	return e.store.DeleteFile(ctx, path)
}

// eventsToChanges turns a debounced watcher batch into a change set by
// re-describing each touched path against tracked state.
func (e *Engine) eventsToChanges(ctx context.Context, events []watcher.FileEvent) (*changeSet, error) {
	known, err := e.store.AllFiles(ctx)
	if err != nil {
		return nil, err
	}

	cs := &changeSet{renames: map[string]*scanner.FileInfo{}}
	deletedByFingerprint := map[string]string{}

	for _, ev := range events {
		if ev.IsDir {
			continue
		}

		switch ev.Operation {
		case watcher.OpDelete:
			prev, tracked := known[ev.Path]
			if !tracked {
				continue
			}
			deletedByFingerprint[prev.Fingerprint] = ev.Path
			cs.deleted = append(cs.deleted, ev.Path)

		case watcher.OpCreate, watcher.OpModify:
			fi, err := e.scanner.Describe(e.cfg.FolderPath, ev.Path)
			if err != nil {
				if os.IsNotExist(err) {
					continue // raced a delete
				}
				continue
			}
			if !fi.Supported {
				cs.skipped = append(cs.skipped, fi)
				continue
			}

			// A create matching a just-deleted fingerprint is a rename.
			if oldPath, ok := deletedByFingerprint[fi.Fingerprint]; ok && known[oldPath].State == store.FileStateDone {
				cs.renames[oldPath] = fi
				cs.deleted = removeString(cs.deleted, oldPath)
				delete(deletedByFingerprint, fi.Fingerprint)
				continue
			}

			if prev, ok := known[ev.Path]; ok && prev.Fingerprint == fi.Fingerprint && prev.State == store.FileStateDone {
				continue // touch without change
			}
			if _, ok := known[ev.Path]; ok {
				cs.modified = append(cs.modified, fi)
			} else {
				cs.added = append(cs.added, fi)
			}
		}
	}

	return cs, nil
}

func fileRecordFrom(fi *scanner.FileInfo, gen int64) store.FileRecord {
	return store.FileRecord{
		Path:           fi.Path,
		Fingerprint:    fi.Fingerprint,
		Size:           fi.Size,
		ModTime:        fi.ModTime,
		ScanGeneration: gen,
	}
}

func removeString(list []string, target string) []string {
	out := list[:0]
	for _, s := range list {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}
