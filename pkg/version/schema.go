package version

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// LatestSchemaVersion is the newest on-disk schema this binary understands.
// Folder stores carrying an older version are migrated forward on open;
// stores carrying a newer version are refused.
const LatestSchemaVersion = 3

// SidecarName is the schema sidecar file shipped next to the binary.
const SidecarName = "VERSION"

// ExpectedSchemaVersion resolves the schema version this installation expects.
//
// Resolution order: a VERSION sidecar next to the running binary, then one in
// its parent share directory, then one in the working directory, and finally
// the compiled-in latest. The sidecar is binary-relative first because
// cwd-relative resolution has marked healthy stores as mismatched and forced
// full rebuilds.
//
// A missing or unreadable sidecar is not an error; the compiled-in value wins.
func ExpectedSchemaVersion() int {
	for _, path := range sidecarSearchPaths() {
		if v, ok := readSidecar(path); ok {
			return v
		}
	}
	return LatestSchemaVersion
}

// sidecarSearchPaths returns candidate sidecar locations in priority order.
func sidecarSearchPaths() []string {
	var paths []string

	if exe, err := os.Executable(); err == nil {
		if resolved, err := filepath.EvalSymlinks(exe); err == nil {
			exe = resolved
		}
		dir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(dir, SidecarName),
			filepath.Join(dir, "..", "share", "foldermcp", SidecarName),
		)
	}

	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, SidecarName))
	}

	return paths
}

// readSidecar parses a sidecar file. Returns false for any file that does
// not contain a single positive integer.
func readSidecar(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}
