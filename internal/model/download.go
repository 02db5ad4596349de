package model

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	corerr "github.com/Aman-CERP/foldermcp/internal/errors"
)

// Manager ensures model artifacts are present in the content-addressable
// cache. Layout: <cacheDir>/<model-id>/<sha256>/<name>. Downloads are
// idempotent, resumable, and cross-process safe via a file lock.
type Manager struct {
	cacheDir        string
	downloadTimeout time.Duration
	stallTimeout    time.Duration

	// fetch streams url content starting at offset into w. Swappable for
	// tests; defaults to an HTTP range request.
	fetch func(ctx context.Context, url string, offset int64, w io.Writer) error
}

// NewManager creates a download manager rooted at cacheDir.
func NewManager(cacheDir string, downloadTimeout, stallTimeout time.Duration) *Manager {
	m := &Manager{
		cacheDir:        cacheDir,
		downloadTimeout: downloadTimeout,
		stallTimeout:    stallTimeout,
	}
	m.fetch = m.httpFetch
	return m
}

// ArtifactPath returns the cache path an artifact resolves to.
func (m *Manager) ArtifactPath(desc Descriptor, a Artifact) string {
	return filepath.Join(m.cacheDir, desc.ID, a.SHA256, a.Name)
}

// IsCached reports whether every artifact of the model is present and
// hash-verified.
func (m *Manager) IsCached(desc Descriptor) bool {
	for _, a := range desc.Artifacts {
		path := m.ArtifactPath(desc, a)
		if !verifyArtifact(path, a.SHA256) {
			return false
		}
	}
	return true
}

// EnsureModel makes every artifact of the model present in the cache,
// downloading on miss. Safe to call concurrently across processes: a flock
// on the model directory serializes downloaders, and the second holder finds
// the artifacts already verified.
func (m *Manager) EnsureModel(ctx context.Context, desc Descriptor) error {
	if m.IsCached(desc) {
		return nil
	}

	modelDir := filepath.Join(m.cacheDir, desc.ID)
	if err := os.MkdirAll(modelDir, 0o755); err != nil {
		return fmt.Errorf("create model cache dir: %w", err)
	}

	lock := flock.New(filepath.Join(modelDir, ".download.lock"))
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire download lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	// Another process may have finished while we waited on the lock.
	if m.IsCached(desc) {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.downloadTimeout)
	defer cancel()

	for _, a := range desc.Artifacts {
		if verifyArtifact(m.ArtifactPath(desc, a), a.SHA256) {
			continue
		}
		if err := m.downloadArtifact(ctx, desc, a); err != nil {
			return corerr.New(corerr.ErrCodeModelDownload,
				fmt.Sprintf("download %s for model %s failed", a.Name, desc.ID), err).
				WithContext("url", a.URL)
		}
	}

	slog.Info("model cached",
		slog.String("model", desc.ID),
		slog.Int("artifacts", len(desc.Artifacts)))
	return nil
}

// downloadArtifact fetches one artifact with retry, resuming a partial temp
// file across attempts, and atomically renames it into place once the hash
// verifies.
func (m *Manager) downloadArtifact(ctx context.Context, desc Descriptor, a Artifact) error {
	dir := filepath.Dir(m.ArtifactPath(desc, a))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmpPath := filepath.Join(dir, a.Name+".partial")

	retryCfg := corerr.RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     16 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}

	err := corerr.Retry(ctx, retryCfg, func() error {
		return m.fetchToTemp(ctx, a, tmpPath)
	})
	if err != nil {
		return err
	}

	sum, err := fileSHA256(tmpPath)
	if err != nil {
		return err
	}
	if sum != a.SHA256 {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("checksum mismatch for %s: got %s", a.Name, sum)
	}

	return os.Rename(tmpPath, m.ArtifactPath(desc, a))
}

// fetchToTemp appends the remainder of the artifact to the temp file.
func (m *Manager) fetchToTemp(ctx context.Context, a Artifact, tmpPath string) error {
	var offset int64
	if info, err := os.Stat(tmpPath); err == nil {
		offset = info.Size()
	}
	if offset >= a.Size && a.Size > 0 {
		return nil // fully present; hash check decides
	}

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return m.fetch(ctx, a.URL, offset, f)
}

// httpFetch is the production fetch: an HTTP GET with a Range header and a
// stall watchdog that aborts when no bytes arrive within the stall timeout.
func (m *Manager) httpFetch(ctx context.Context, url string, offset int64, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	// Server ignored the range request; start the file over.
	if offset > 0 && resp.StatusCode == http.StatusOK {
		if seeker, ok := w.(io.Seeker); ok {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return err
			}
			if truncator, ok := w.(interface{ Truncate(int64) error }); ok {
				if err := truncator.Truncate(0); err != nil {
					return err
				}
			}
		}
	}

	buf := make([]byte, 256*1024)
	for {
		deadline := time.AfterFunc(m.stallTimeout, func() { resp.Body.Close() })
		n, err := resp.Body.Read(buf)
		deadline.Stop()

		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// verifyArtifact checks presence and content hash.
func verifyArtifact(path, wantSHA string) bool {
	sum, err := fileSHA256(path)
	return err == nil && sum == wantSHA
}

// fileSHA256 hashes a file's full contents.
func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
