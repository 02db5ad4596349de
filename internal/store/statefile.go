package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio"
)

// StateFile is the small JSON sidecar next to the database. It duplicates
// the schema version outside SQLite so recovery code can reason about a
// store it cannot open.
type StateFile struct {
	SchemaVersion  int   `json:"schema_version"`
	ScanGeneration int64 `json:"scan_generation"`
}

// WriteStateFile atomically writes the sidecar into the hidden directory.
func WriteStateFile(hiddenDir string, sf StateFile) error {
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state file: %w", err)
	}
	path := filepath.Join(hiddenDir, StateFileName)
	if err := renameio.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	return nil
}

// ReadStateFile reads the sidecar. A missing file returns a zero StateFile
// without error.
func ReadStateFile(hiddenDir string) (StateFile, error) {
	var sf StateFile
	data, err := os.ReadFile(filepath.Join(hiddenDir, StateFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return sf, nil
		}
		return sf, err
	}
	if err := json.Unmarshal(data, &sf); err != nil {
		return StateFile{}, fmt.Errorf("parse state file: %w", err)
	}
	return sf, nil
}
