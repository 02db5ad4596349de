package store

import (
	"database/sql"
	"fmt"

	corerr "github.com/Aman-CERP/foldermcp/internal/errors"
)

// schemaSQL creates the current-version schema on a fresh database.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS folder_info (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	model_id TEXT NOT NULL DEFAULT '',
	dims INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	last_scan_at INTEGER NOT NULL DEFAULT 0,
	scan_generation INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS file_state (
	path TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	size INTEGER NOT NULL,
	mtime INTEGER NOT NULL,
	discovered_at INTEGER NOT NULL,
	last_processed_at INTEGER,
	state TEXT NOT NULL DEFAULT 'pending',
	failure_reason TEXT NOT NULL DEFAULT '',
	scan_generation INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_file_state_state ON file_state(state);

CREATE TABLE IF NOT EXISTS documents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	path TEXT NOT NULL UNIQUE,
	text_length INTEGER NOT NULL,
	page_count INTEGER,
	pages TEXT NOT NULL DEFAULT '[]',
	language TEXT NOT NULL DEFAULT '',
	mtime INTEGER NOT NULL DEFAULT 0,
	extracted_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
	document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	chunk_index INTEGER NOT NULL,
	start_offset INTEGER NOT NULL,
	end_offset INTEGER NOT NULL,
	token_estimate INTEGER NOT NULL,
	page INTEGER NOT NULL DEFAULT 0,
	text TEXT NOT NULL,
	key_phrases TEXT NOT NULL CHECK (key_phrases != '' AND key_phrases != '[]'),
	topics TEXT NOT NULL DEFAULT '[]',
	readability REAL NOT NULL DEFAULT 0,
	embedding BLOB,
	model_id TEXT NOT NULL DEFAULT '',
	dims INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (document_id, chunk_index)
);

CREATE TABLE IF NOT EXISTS state (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// stateKeySchemaVersion is the schema version row in the state table.
const stateKeySchemaVersion = "schema_version"

// migrations maps a stored version to the statements that lift it one
// version. Forward-only; refusing newer-than-binary stores is the caller's
// policy.
var migrations = map[int][]string{
	1: {
		// v1 -> v2: topics were added to chunks.
		`ALTER TABLE chunks ADD COLUMN topics TEXT NOT NULL DEFAULT '[]'`,
	},
	2: {
		// v2 -> v3: page hints on chunks, document mtime for recency ranking.
		`ALTER TABLE chunks ADD COLUMN page INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE documents ADD COLUMN mtime INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE documents ADD COLUMN pages TEXT NOT NULL DEFAULT '[]'`,
	},
}

// initSchema creates or migrates the schema toward expected.
// Returns the effective schema version.
func initSchema(db *sql.DB, expected int) (int, error) {
	if _, err := db.Exec(schemaSQL); err != nil {
		return 0, fmt.Errorf("create schema: %w", err)
	}

	stored, err := storedSchemaVersion(db)
	if err != nil {
		return 0, err
	}

	if stored == 0 {
		// Fresh database: stamp the expected version directly.
		if err := setSchemaVersion(db, expected); err != nil {
			return 0, err
		}
		return expected, nil
	}

	if stored > expected {
		return 0, corerr.New(corerr.ErrCodeSchemaNewer,
			fmt.Sprintf("store schema version %d is newer than this binary's %d", stored, expected), nil).
			WithSuggestion("upgrade foldermcp to a release that understands this schema")
	}

	for v := stored; v < expected; v++ {
		steps, ok := migrations[v]
		if !ok {
			return 0, fmt.Errorf("no migration path from schema version %d", v)
		}
		for _, stmt := range steps {
			if _, err := db.Exec(stmt); err != nil {
				// Re-running a migration after a crash mid-upgrade hits
				// duplicate-column errors; those are completion, not failure.
				if isDuplicateColumn(err) {
					continue
				}
				return 0, fmt.Errorf("migrate schema v%d: %w", v, err)
			}
		}
		if err := setSchemaVersion(db, v+1); err != nil {
			return 0, err
		}
	}

	return expected, nil
}

func storedSchemaVersion(db *sql.DB) (int, error) {
	var v int
	err := db.QueryRow(`SELECT value FROM state WHERE key = ?`, stateKeySchemaVersion).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

func setSchemaVersion(db *sql.DB, v int) error {
	_, err := db.Exec(
		`INSERT INTO state (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		stateKeySchemaVersion, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}
	return nil
}

func isDuplicateColumn(err error) bool {
	return err != nil && containsFold(err.Error(), "duplicate column")
}
