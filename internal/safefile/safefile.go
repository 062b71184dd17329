// Package safefile provides the atomic write-temp-then-rename idiom
// used in a repository's metadata layer: revision info files and
// quarantine reports go through it so that a crash mid-write never
// leaves a torn file behind. Chunk maps are written by internal/chunkfile
// with the same idiom of its own.
package safefile

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteProtectMode is the permission a protected file is chmod'd to
// after a successful write, mirroring the 0440 read-only convention
// used for chunk and revision files once materialized.
const WriteProtectMode = 0o440

// Write atomically replaces the file at path with data: it writes to a
// sibling temp file in the same directory, fsyncs, and renames over
// the target. If writeProtect is set, the final file is chmod'd to
// WriteProtectMode; otherwise it keeps the temp file's default mode.
func Write(path string, data []byte, writeProtect bool) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".safefile-*.tmp")
	if err != nil {
		return fmt.Errorf("safefile: create temp in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("safefile: write %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("safefile: fsync %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("safefile: close %s: %w", tmpPath, err)
	}

	if writeProtect {
		// Unprotect the existing target (if any) before the rename so a
		// concurrent reader never sees a 0440 file that is mid-replace.
		if _, err := os.Stat(path); err == nil {
			os.Chmod(path, 0o640)
		}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("safefile: rename %s -> %s: %w", tmpPath, path, err)
	}
	if writeProtect {
		if err := os.Chmod(path, WriteProtectMode); err != nil {
			return fmt.Errorf("safefile: chmod %s: %w", path, err)
		}
	}
	return nil
}
