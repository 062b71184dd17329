package chunkstore

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"backy/internal/callgroup"
	"backy/internal/logging"
)

const (
	// MaxChunkSize is the fixed maximum size of a chunk's uncompressed
	// content (spec §3).
	MaxChunkSize = 4 * 1024 * 1024

	chunkExtension = ".chunk.lzo"
	sentinelName   = "store"
	sentinelV2     = "v2"
)

// Store owns the physical chunk pool for one repository: deduplication,
// compression, verification and garbage collection (spec §4.2).
//
// A Store's force-writes mode is set by the owning repository whenever
// any clean local revision is DISTRUSTED (spec §4.2, §9 OQ2): while set,
// Flush always rewrites the target file even if present, so a rerun can
// reconstruct chunks whose on-disk copies may be corrupt.
type Store struct {
	path string
	log  *slog.Logger

	mu           sync.Mutex
	known        map[Hash]struct{}
	seen         map[Hash]struct{}
	forceWrites  bool
	loadDedupe   callgroup.Group[Hash]
}

// Open creates (if necessary) and loads the chunk store rooted at path.
// It pre-creates the 256 first-level directories and, if the version
// sentinel is absent, performs the one-shot v1->v2 layout migration
// before scanning for known chunks.
func Open(path string, log *slog.Logger) (*Store, error) {
	log = logging.Default(log).With("subsystem", "chunkstore", "path", path)
	s := &Store{
		path:  path,
		log:   log,
		known: make(map[Hash]struct{}),
		seen:  make(map[Hash]struct{}),
	}

	for i := range 256 {
		subdir := filepath.Join(path, fmt.Sprintf("%02x", i))
		if err := os.MkdirAll(subdir, 0o750); err != nil {
			return nil, fmt.Errorf("chunkstore: create %s: %w", subdir, err)
		}
	}

	sentinel := filepath.Join(path, sentinelName)
	if _, err := os.Stat(sentinel); os.IsNotExist(err) {
		if err := s.migrateToV2(); err != nil {
			return nil, err
		}
		if err := os.WriteFile(sentinel, []byte(sentinelV2), 0o640); err != nil {
			return nil, fmt.Errorf("chunkstore: write sentinel: %w", err)
		}
	}

	if err := s.scanKnown(); err != nil {
		return nil, err
	}
	log.Debug("init", "known_chunks", len(s.known))
	return s, nil
}

// migrateToV2 flattens a legacy 3-level <xx>/<yy>/<hash>.chunk.lzo
// layout into the current 2-level <xx>/<hash>.chunk.lzo layout.
func (s *Store) migrateToV2() error {
	s.log.Info("migrate-v1-to-v2")
	matches, err := filepath.Glob(filepath.Join(s.path, "*", "*", "*"+chunkExtension))
	if err != nil {
		return fmt.Errorf("chunkstore: glob v1 layout: %w", err)
	}
	for _, old := range matches {
		rel, err := filepath.Rel(s.path, old)
		if err != nil {
			continue
		}
		parts := strings.Split(rel, string(filepath.Separator))
		if len(parts) != 3 {
			continue
		}
		newPath := filepath.Join(s.path, parts[0], parts[2])
		if err := os.Rename(old, newPath); err != nil {
			return fmt.Errorf("chunkstore: migrate %s: %w", old, err)
		}
	}
	// Remove now-empty second-level directories.
	leftoverDirs, _ := filepath.Glob(filepath.Join(s.path, "*", "??"))
	for _, dir := range leftoverDirs {
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			os.Remove(dir) // best-effort; non-empty dirs are left alone
		}
	}
	s.log.Info("migrate-v1-to-v2-finished")
	return nil
}

func (s *Store) scanKnown() error {
	matches, err := filepath.Glob(filepath.Join(s.path, "*", "*"+chunkExtension))
	if err != nil {
		return fmt.Errorf("chunkstore: glob known chunks: %w", err)
	}
	for _, m := range matches {
		h := strings.TrimSuffix(filepath.Base(m), chunkExtension)
		s.known[Hash(h)] = struct{}{}
	}
	return nil
}

// ChunkPath returns the on-disk path for the chunk with the given hash.
func (s *Store) ChunkPath(h Hash) string {
	hs := string(h)
	dir := hs
	if len(hs) >= 2 {
		dir = hs[:2]
	}
	return filepath.Join(s.path, dir, hs+chunkExtension)
}

// SetForceWrites enables or disables force-writes mode (spec §4.2).
func (s *Store) SetForceWrites(force bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forceWrites = force
}

func (s *Store) forceWritesEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forceWrites
}

// Flush compresses data, computes its hash, and writes it to disk
// unless a copy is already known to exist (spec §4.2 chunk write
// contract). It returns the content hash.
func (s *Store) Flush(data []byte) (Hash, error) {
	h := ComputeHash(data)
	force := s.forceWritesEnabled()

	s.mu.Lock()
	_, alreadySeen := s.seen[h]
	s.mu.Unlock()
	if alreadySeen && !force {
		return h, nil
	}

	target := s.ChunkPath(h)
	if !force {
		if _, err := os.Stat(target); err == nil {
			s.markSeen(h)
			return h, nil
		}
	}

	compressed := compress(data)
	dir := filepath.Dir(target)
	tmp, err := os.CreateTemp(dir, ".chunk-*.tmp")
	if err != nil {
		return "", &BackendError{Op: "create-temp", Err: err}
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", &BackendError{Op: "write", Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", &BackendError{Op: "close", Err: err}
	}
	// chmod before rename so metadata settles once.
	if err := os.Chmod(tmpPath, 0o440); err != nil {
		os.Remove(tmpPath)
		return "", &BackendError{Op: "chmod", Err: err}
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return "", &BackendError{Op: "rename", Err: err}
	}

	s.mu.Lock()
	s.seen[h] = struct{}{}
	s.known[h] = struct{}{}
	s.mu.Unlock()
	return h, nil
}

func (s *Store) markSeen(h Hash) {
	s.mu.Lock()
	s.seen[h] = struct{}{}
	s.mu.Unlock()
}

// Load reads and decompresses the chunk with hash h, verifying that its
// content hashes back to h. Concurrent loads of the same hash are
// deduplicated via callgroup so that a burst of Files sharing one Store
// only hits disk once.
func (s *Store) Load(h Hash) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	var res result
	err := <-s.loadDedupe.DoChan(h, func() error {
		data, err := s.load(h)
		res = result{data, err}
		return err
	})
	if err != nil {
		return nil, err
	}
	return res.data, nil
}

func (s *Store) load(h Hash) ([]byte, error) {
	raw, err := os.ReadFile(s.ChunkPath(h))
	if err != nil {
		return nil, &BackendError{Op: "read", Err: err}
	}
	data, err := decompress(raw)
	if err != nil {
		return nil, &BackendError{Op: "decompress", Err: err}
	}
	diskHash := ComputeHash(data)
	if diskHash != h {
		return nil, &InconsistentHashError{Expected: h, Actual: diskHash}
	}
	return data, nil
}

// Purge deletes every known chunk not referenced by used. It requires
// the caller to hold the repository's exclusive purge lock.
func (s *Store) Purge(used map[Hash]struct{}) (deleted int, err error) {
	s.mu.Lock()
	toDelete := make([]Hash, 0, len(s.known))
	for h := range s.known {
		if _, keep := used[h]; !keep {
			toDelete = append(toDelete, h)
		}
	}
	s.mu.Unlock()

	s.log.Info("purge", "candidates", len(toDelete))
	for _, h := range toDelete {
		if err := os.Remove(s.ChunkPath(h)); err != nil && !os.IsNotExist(err) {
			return deleted, fmt.Errorf("chunkstore: purge %s: %w", h, err)
		}
		s.mu.Lock()
		delete(s.known, h)
		delete(s.seen, h)
		s.mu.Unlock()
		deleted++
	}
	return deleted, nil
}

// ValidateChunks walks every chunk file, decompresses it, and checks
// that its content still hashes to its filename. Errors are reported
// but never deleted here; the caller decides what to do with the
// report (spec §4.2, §7).
func (s *Store) ValidateChunks(progress ProgressReporter) ValidationReport {
	if progress == nil {
		progress = NopProgress{}
	}
	matches, _ := filepath.Glob(filepath.Join(s.path, "*", "*"+chunkExtension))
	progress.Begin(len(matches))
	defer progress.End()

	report := ValidationReport{Total: len(matches)}
	for _, path := range matches {
		expected := Hash(strings.TrimSuffix(filepath.Base(path), chunkExtension))
		raw, err := os.ReadFile(path)
		if err != nil {
			report.Errors = append(report.Errors, ValidationError{Path: path, Expected: expected, Detail: err.Error()})
			progress.Tick(path)
			continue
		}
		data, err := decompress(raw)
		if err != nil {
			report.Errors = append(report.Errors, ValidationError{Path: path, Expected: expected, Detail: err.Error()})
			progress.Tick(path)
			continue
		}
		actual := ComputeHash(data)
		if actual != expected {
			report.Errors = append(report.Errors, ValidationError{
				Path:     path,
				Expected: expected,
				Detail:   fmt.Sprintf("content mismatch: expected %s got %s", expected, actual),
			})
		}
		progress.Tick(path)
	}
	return report
}

// Known reports whether h is present in the store's index of on-disk
// chunks (built at Open and updated by Flush/Purge).
func (s *Store) Known(h Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.known[h]
	return ok
}

// DeleteChunk removes a single chunk file, used by verification's
// "delete the offending chunk and stop verifying" remedy (spec §7).
func (s *Store) DeleteChunk(h Hash) error {
	err := os.Remove(s.ChunkPath(h))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("chunkstore: delete %s: %w", h, err)
	}
	s.mu.Lock()
	delete(s.known, h)
	delete(s.seen, h)
	s.mu.Unlock()
	return nil
}
