// Package scanner enumerates folder contents and computes content
// fingerprints. The fingerprint decides whether a file needs reprocessing;
// the scan result feeds the lifecycle engine's change classification.
package scanner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cespare/xxhash/v2"
)

// FileInfo is one enumerated file.
type FileInfo struct {
	Path        string // relative to the folder root, slash-separated
	AbsPath     string
	Size        int64
	ModTime     time.Time
	Fingerprint string

	// Supported is false for extensions no extractor handles; such files
	// become skipped file-state rows, never errors.
	Supported  bool
	SkipReason string
}

// Options configure a Scanner.
type Options struct {
	// ExcludePatterns are doublestar globs matched against relative paths.
	ExcludePatterns []string

	// Supports reports whether an extension has an extractor.
	Supports func(ext string) bool

	// MaxFileSize skips larger files (with a reason).
	MaxFileSize int64

	// HashBudget is the size above which fingerprinting switches from
	// full-content sha256 to bounded head+tail xxhash windows.
	HashBudget int64
}

// Scanner enumerates files.
type Scanner struct {
	opts Options
}

// hashWindow is the head/tail window size for bounded fingerprints.
const hashWindow = 1 << 20

// New creates a Scanner.
func New(opts Options) *Scanner {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = 100 * 1024 * 1024
	}
	if opts.HashBudget <= 0 {
		opts.HashBudget = 8 * 1024 * 1024
	}
	if opts.Supports == nil {
		opts.Supports = func(string) bool { return true }
	}
	return &Scanner{opts: opts}
}

// Scan walks root and returns every regular file, fingerprinted and
// classified. Directories are detected explicitly by stat, never guessed
// from names. Unreadable entries are skipped silently; a scan is an
// enumeration, not an audit.
func (s *Scanner) Scan(ctx context.Context, root string) ([]*FileInfo, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}

	var out []*FileInfo
	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entry
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rel, relErr := filepath.Rel(absRoot, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}

		// Stat-based directory detection, with the entry type as fallback
		// when stat races a deletion.
		info, statErr := os.Lstat(path)
		isDir := d.IsDir()
		if statErr == nil {
			isDir = info.IsDir()
		}

		if isDir {
			if s.excluded(rel + "/") {
				return filepath.SkipDir
			}
			return nil
		}

		if statErr != nil {
			return nil
		}
		// Symlinks are not followed.
		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		if s.excluded(rel) {
			return nil
		}

		fi, ferr := s.describe(path, rel, info)
		if ferr != nil {
			return nil
		}
		out = append(out, fi)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Describe builds the FileInfo for a single known path (watcher updates).
func (s *Scanner) Describe(root, rel string) (*FileInfo, error) {
	abs := filepath.Join(root, filepath.FromSlash(rel))
	info, err := os.Lstat(abs)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", rel)
	}
	return s.describe(abs, rel, info)
}

func (s *Scanner) describe(abs, rel string, info os.FileInfo) (*FileInfo, error) {
	fi := &FileInfo{
		Path:    rel,
		AbsPath: abs,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}

	ext := strings.ToLower(filepath.Ext(rel))
	switch {
	case info.Size() > s.opts.MaxFileSize:
		fi.Supported = false
		fi.SkipReason = fmt.Sprintf("file exceeds size limit (%d bytes)", s.opts.MaxFileSize)
	case !s.opts.Supports(ext):
		fi.Supported = false
		if ext == "" {
			fi.SkipReason = "no file extension"
		} else {
			fi.SkipReason = fmt.Sprintf("unsupported extension %s", ext)
		}
	default:
		fi.Supported = true
	}

	fp, err := s.Fingerprint(abs, info)
	if err != nil {
		return nil, err
	}
	fi.Fingerprint = fp
	return fi, nil
}

// excluded matches a relative path against the exclude patterns.
func (s *Scanner) excluded(rel string) bool {
	for _, pattern := range s.opts.ExcludePatterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
		// Directory patterns like "**/.git/**" should also drop the
		// directory itself.
		if strings.HasSuffix(rel, "/") {
			if ok, _ := doublestar.Match(pattern, rel+"x"); ok {
				return true
			}
		}
	}
	return false
}

// Fingerprint computes the content fingerprint. Files within the hash
// budget get a full-content sha256; larger files get xxhash over head and
// tail windows plus size and mtime, which is cheap and still catches every
// realistic edit.
func (s *Scanner) Fingerprint(path string, info os.FileInfo) (string, error) {
	if info.Size() <= s.opts.HashBudget {
		return sha256File(path)
	}
	return boundedFingerprint(path, info)
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

func boundedFingerprint(path string, info os.FileInfo) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := xxhash.New()
	buf := make([]byte, hashWindow)

	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return "", err
	}
	_, _ = h.Write(buf[:n])

	if info.Size() > hashWindow {
		if _, err := f.Seek(-min(hashWindow, info.Size()), io.SeekEnd); err != nil {
			return "", err
		}
		n, err = io.ReadFull(f, buf)
		if err != nil && err != io.ErrUnexpectedEOF {
			return "", err
		}
		_, _ = h.Write(buf[:n])
	}

	return fmt.Sprintf("xx:%x:%d:%d", h.Sum64(), info.Size(), info.ModTime().Unix()), nil
}
