package sqlitecore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// memorySentinel is the bare in-memory marker spec.md §3 requires: each
// open is independent and the path is never cached.
const memorySentinel = ":memory:"

// namedMemoryPrefix is a sqlitecore-level shorthand (SPEC_FULL.md §6) for a
// *shared*, named in-memory database: several connections opened with the
// same name see the same data, and (unlike the bare sentinel) the resulting
// Database IS cached by the Registry under its literal "memdb:<name>" key.
// This mirrors original_source's file:<name>?mode=memory&cache=shared URIs,
// which the spec.md distillation dropped.
const namedMemoryPrefix = "memdb:"

func isMemoryPath(path string) bool {
	return path == memorySentinel || strings.HasPrefix(path, namedMemoryPrefix)
}

// isSharedMemoryPath reports whether path names a *shared* in-memory
// database that the Registry should cache (as opposed to the bare
// ":memory:" sentinel, which never caches).
func isSharedMemoryPath(path string) bool {
	return strings.HasPrefix(path, namedMemoryPrefix)
}

// canonicalPath resolves path to an absolute, symlink-resolved form for use
// as a Registry cache key. Missing files are not an error here — only
// existing paths get symlink resolution; everything else is left as the
// absolute form so a not-yet-created database file still gets a stable key.
func canonicalPath(path string) (string, error) {
	if isMemoryPath(path) {
		return path, nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("canonicalize path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return abs, nil
}

// buildDSN constructs the ncruces/go-sqlite3 driver connection string for
// path, appending the pragmas this package always wants: foreign_keys ON
// and a busy_timeout in milliseconds. This mirrors the
// "file:<path>?_pragma=foreign_keys(ON)&_pragma=busy_timeout(<ms>)"
// convention the driver defines, matching the DSN construction used
// throughout the pack's sqlite storage layer.
//
// readOnly opens the connection with mode=ro, used for reader-pool
// connections; the writer always opens read-write.
func buildDSN(path string, readOnly bool, busyTimeoutMs int64) (string, error) {
	switch {
	case path == memorySentinel:
		mode := "mode=memory"
		if readOnly {
			// A read-only in-memory connection makes no sense on its own,
			// but the reader pool always asks for one; since the bare
			// sentinel is never shared across connections anyway we just
			// honor the caller's intent without a ro qualifier SQLite
			// would reject for memory databases.
			_ = mode
		}
		return fmt.Sprintf(
			"file::memory:?cache=shared&_pragma=busy_timeout(%d)&_pragma=foreign_keys(ON)",
			busyTimeoutMs,
		), nil

	case strings.HasPrefix(path, namedMemoryPrefix):
		name := strings.TrimPrefix(path, namedMemoryPrefix)
		if name == "" {
			return "", fmt.Errorf("named in-memory database requires a name after %q", namedMemoryPrefix)
		}
		return fmt.Sprintf(
			"file:%s?mode=memory&cache=shared&_pragma=busy_timeout(%d)&_pragma=foreign_keys(ON)",
			name, busyTimeoutMs,
		), nil

	default:
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return "", fmt.Errorf("create database directory: %w", err)
		}
		mode := ""
		if readOnly {
			mode = "&mode=ro"
		}
		return fmt.Sprintf(
			"file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(ON)%s",
			path, busyTimeoutMs, mode,
		), nil
	}
}

// walSidecarPaths returns the -wal and -shm sidecar file paths for a
// file-backed database path.
func walSidecarPaths(path string) (wal, shm string) {
	return path + "-wal", path + "-shm"
}
