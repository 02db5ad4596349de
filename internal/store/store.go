package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	corerr "github.com/Aman-CERP/foldermcp/internal/errors"
)

// HiddenDirName is the per-folder state directory at the folder root.
const HiddenDirName = ".foldermcp"

// On-disk file names inside the hidden directory.
const (
	DatabaseFileName = "metadata.db"
	VectorFileName   = "vectors.hnsw"
	KeywordDirName   = "keyword.bleve"
	StateFileName    = "state.json"
	lockFileName     = "metadata.db.lock"
)

// ErrAlreadyOpen is returned when a second opener hits the store lock.
var ErrAlreadyOpen = corerr.New(corerr.ErrCodeStoreLocked, "store is already open in another process", nil)

// ErrNotOpen marks reads through a closed store. It is retryable by policy:
// a zero read through a closed store must never be taken as "no prior work".
var ErrNotOpen = corerr.New(corerr.ErrCodeStoreNotOpen, "store is not open", nil)

// Store is the relational part of the hybrid store: one SQLite database per
// folder, exclusively owned by that folder's lifecycle engine.
type Store struct {
	dir  string // the hidden directory
	db   *sql.DB
	lock *flock.Flock

	schemaVersion int
}

// OpenOptions parameterize Open.
type OpenOptions struct {
	// ExpectedSchemaVersion is the version the binary expects (from the
	// VERSION sidecar or compiled-in default).
	ExpectedSchemaVersion int
}

// Open opens (creating if necessary) the folder store rooted at folderPath.
// It acquires an exclusive lock, verifies integrity, and migrates the
// schema. Open failures are classified: environment errors preserve the
// database file; corruption errors tell the caller to rename and rebuild.
func Open(folderPath string, opts OpenOptions) (*Store, error) {
	hiddenDir := filepath.Join(folderPath, HiddenDirName)
	if err := os.MkdirAll(hiddenDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	lock := flock.New(filepath.Join(hiddenDir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire store lock: %w", err)
	}
	if !locked {
		return nil, ErrAlreadyOpen
	}

	dbPath := filepath.Join(hiddenDir, DatabaseFileName)
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = lock.Unlock()
		return nil, classifyOpenError(err)
	}

	s := &Store{dir: hiddenDir, db: db, lock: lock}

	if err := s.verifyIntegrity(); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, err
	}

	version, err := initSchema(db, opts.ExpectedSchemaVersion)
	if err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, err
	}
	s.schemaVersion = version

	if err := s.ensureFolderInfo(); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, err
	}

	return s, nil
}

// Dir returns the hidden state directory.
func (s *Store) Dir() string {
	return s.dir
}

// SchemaVersion returns the effective schema version after migration.
func (s *Store) SchemaVersion() int {
	return s.schemaVersion
}

// Close flushes and releases the lock. Safe to call twice.
func (s *Store) Close() error {
	var dbErr error
	if s.db != nil {
		dbErr = s.db.Close()
		s.db = nil
	}
	if s.lock != nil {
		_ = s.lock.Unlock()
		s.lock = nil
	}
	return dbErr
}

// isOpen reports whether the database handle is live.
func (s *Store) isOpen() bool {
	return s != nil && s.db != nil
}

// verifyIntegrity runs SQLite's quick check and classifies failures as
// structural corruption.
func (s *Store) verifyIntegrity() error {
	var result string
	if err := s.db.QueryRow(`PRAGMA quick_check(1)`).Scan(&result); err != nil {
		return classifyOpenError(err)
	}
	if result != "ok" {
		return corerr.CorruptionError(fmt.Sprintf("integrity check failed: %s", result), nil)
	}
	return nil
}

// ensureFolderInfo inserts the singleton folder_info row on first open.
func (s *Store) ensureFolderInfo() error {
	_, err := s.db.Exec(
		`INSERT INTO folder_info (id, created_at) VALUES (1, ?)
		 ON CONFLICT(id) DO NOTHING`,
		time.Now().Unix())
	if err != nil {
		return fmt.Errorf("init folder info: %w", err)
	}
	return nil
}

// environmentPatterns identify open failures caused by the runtime around
// the database, not the data. Misclassifying these as corruption has caused
// catastrophic re-indexes, so the set is fixed and tested.
var environmentPatterns = []string{
	"undefined symbol",
	"cannot open shared object",
	"error while loading shared libraries",
	"wrong elf class",
	"glibc",
	"dlopen",
	"image not found",
	"abi mismatch",
	"incompatible library version",
	"no such accelerator",
}

// corruptionPatterns identify open failures caused by the database file
// itself.
var corruptionPatterns = []string{
	"file is not a database",
	"database disk image is malformed",
	"malformed database schema",
	"corrupt",
	"not a database",
}

// classifyOpenError maps an open failure onto the recovery policy:
// environment errors preserve the database; corruption errors rename and
// rebuild; anything else passes through untagged.
func classifyOpenError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())

	for _, p := range environmentPatterns {
		if strings.Contains(msg, p) {
			return corerr.EnvironmentError(err.Error(), err)
		}
	}
	for _, p := range corruptionPatterns {
		if strings.Contains(msg, p) {
			return corerr.CorruptionError(err.Error(), err)
		}
	}
	return err
}

// IsEnvironmentError reports whether err is a classified environment error.
func IsEnvironmentError(err error) bool {
	return corerr.GetCode(err) == corerr.ErrCodeStoreEnv
}

// IsCorruptionError reports whether err is classified structural corruption.
func IsCorruptionError(err error) bool {
	return corerr.GetCode(err) == corerr.ErrCodeStoreCorrupt
}

// RecoverCorrupt renames the damaged database aside with a timestamped
// suffix so the next Open starts fresh. The derived vector and keyword
// files are moved with it: they are rebuilt from the database and would
// otherwise reference rows that no longer exist.
func RecoverCorrupt(folderPath string) (string, error) {
	hiddenDir := filepath.Join(folderPath, HiddenDirName)
	ts := time.Now().Unix()

	dbPath := filepath.Join(hiddenDir, DatabaseFileName)
	renamed := fmt.Sprintf("%s.corrupted.%d", dbPath, ts)
	if err := os.Rename(dbPath, renamed); err != nil {
		return "", fmt.Errorf("rename corrupt database: %w", err)
	}

	// SQLite sidecars and derived indexes follow the database aside.
	for _, name := range []string{
		DatabaseFileName + "-wal",
		DatabaseFileName + "-shm",
		VectorFileName,
		VectorFileName + ".meta",
	} {
		path := filepath.Join(hiddenDir, name)
		if _, err := os.Stat(path); err == nil {
			_ = os.Rename(path, fmt.Sprintf("%s.corrupted.%d", path, ts))
		}
	}
	keywordDir := filepath.Join(hiddenDir, KeywordDirName)
	if _, err := os.Stat(keywordDir); err == nil {
		_ = os.Rename(keywordDir, fmt.Sprintf("%s.corrupted.%d", keywordDir, ts))
	}

	slog.Warn("corrupt store renamed aside",
		slog.String("folder", folderPath),
		slog.String("renamed", renamed))

	return renamed, nil
}

// containsFold is a case-insensitive substring check.
func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
