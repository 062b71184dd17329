// Package repo ties the chunk store, the revision graph, and the
// repository-level lock discipline together into the Repository type
// (spec §3, §4.3, §4.6).
package repo

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"backy/internal/chunkfile"
	"backy/internal/chunkstore"
	"backy/internal/lock"
	"backy/internal/logging"
	"backy/internal/revision"
)

// Repository stores and manages backups for a single source: metadata
// (revisions, tags, schedule) plus the chunk store backing them.
type Repository struct {
	path    string
	log     *slog.Logger
	Store   *chunkstore.Store
	locker  *lock.Locker
	history []*revision.Revision
	byUUID  map[string]*revision.Revision
}

// Open loads (creating if necessary) the repository rooted at path,
// along with its chunk store at <path>/chunks.
func Open(path string, log *slog.Logger) (*Repository, error) {
	log = logging.Default(log).With("subsystem", "repo", "path", path)
	if err := os.MkdirAll(path, 0o750); err != nil {
		return nil, fmt.Errorf("repo: create %s: %w", path, err)
	}
	store, err := chunkstore.Open(filepath.Join(path, "chunks"), log)
	if err != nil {
		return nil, err
	}
	r := &Repository{
		path:   path,
		log:    log,
		Store:  store,
		locker: lock.New(path),
	}
	if err := r.Scan(); err != nil {
		return nil, err
	}
	return r, nil
}

// Path returns the repository's root directory.
func (r *Repository) Path() string { return r.path }

// Name returns the repository's directory base name, used as the job
// identity in status reporting.
func (r *Repository) Name() string { return filepath.Base(r.path) }

// Scan reloads the revision history from disk: globs *.rev, skips
// symlinked pointer files, de-duplicates by UUID (first wins), and
// sorts ascending by timestamp (spec §4.3).
func (r *Repository) Scan() error {
	matches, err := filepath.Glob(filepath.Join(r.path, "*.rev"))
	if err != nil {
		return fmt.Errorf("repo: glob revisions: %w", err)
	}
	history := make([]*revision.Revision, 0, len(matches))
	byUUID := make(map[string]*revision.Revision, len(matches))
	for _, f := range matches {
		fi, err := os.Lstat(f)
		if err != nil {
			continue
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			continue
		}
		rev, err := revision.Load(f, r.log)
		if err != nil {
			r.log.Warn("scan-bad-revision", "file", f, "error", err)
			continue
		}
		if _, dup := byUUID[rev.UUID]; dup {
			continue
		}
		byUUID[rev.UUID] = rev
		history = append(history, rev)
	}
	sort.Slice(history, func(i, j int) bool {
		return history[i].Timestamp.Before(history[j].Timestamp)
	})
	r.history = history
	r.byUUID = byUUID
	return nil
}

// History returns the full revision history, oldest first.
func (r *Repository) History() []*revision.Revision { return r.history }

// ByUUID looks up a single revision by its identity.
func (r *Repository) ByUUID(id string) (*revision.Revision, bool) {
	rev, ok := r.byUUID[id]
	return rev, ok
}

// GetHistory filters history by cleanliness (has a "duration" stat)
// and/or locality (server == "").
func (r *Repository) GetHistory(clean, local bool) []*revision.Revision {
	out := make([]*revision.Revision, 0, len(r.history))
	for _, rev := range r.history {
		if clean {
			if _, ok := rev.Stats["duration"]; !ok {
				continue
			}
		}
		if local && rev.Server != "" {
			continue
		}
		out = append(out, rev)
	}
	return out
}

// CleanHistory is history without incomplete revisions.
func (r *Repository) CleanHistory() []*revision.Revision { return r.GetHistory(true, false) }

// LocalHistory is history without remote revisions.
func (r *Repository) LocalHistory() []*revision.Revision { return r.GetHistory(false, true) }

// ContainsDistrusted reports whether any clean local revision is
// distrusted, the trigger for the chunk store's force-writes mode
// (spec §4.2, §9 OQ2).
func (r *Repository) ContainsDistrusted() bool {
	for _, rev := range r.GetHistory(true, true) {
		if rev.Trust == revision.Distrusted {
			return true
		}
	}
	return false
}

// RefreshForceWrites re-evaluates ContainsDistrusted and pushes the
// result into the chunk store. Callers run this after scan and after
// any trust-changing mutation.
func (r *Repository) RefreshForceWrites() {
	r.Store.SetForceWrites(r.ContainsDistrusted())
}

// LastByTag returns, for each tag, the timestamp of the most recent
// clean revision carrying it.
func (r *Repository) LastByTag() map[string]time.Time {
	out := make(map[string]time.Time)
	for _, rev := range r.CleanHistory() {
		for tag := range rev.Tags {
			if t, ok := out[tag]; !ok || rev.Timestamp.After(t) {
				out[tag] = rev.Timestamp
			}
		}
	}
	return out
}

// Touch updates the repository directory's mtime, used by peers to
// signal liveness during pull.
func (r *Repository) Touch() error {
	now := time.Now()
	return os.Chtimes(r.path, now, now)
}

func (r *Repository) purgePendingPath() string {
	return filepath.Join(r.path, ".purge_pending")
}

// SetPurgePending marks the repository as needing a GC pass.
func (r *Repository) SetPurgePending() error {
	f, err := os.OpenFile(r.purgePendingPath(), os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("repo: set purge pending: %w", err)
	}
	return f.Close()
}

// ClearPurgePending removes the purge-pending marker.
func (r *Repository) ClearPurgePending() error {
	err := os.Remove(r.purgePendingPath())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("repo: clear purge pending: %w", err)
	}
	return nil
}

// ReferencedHashes returns the union of every local revision's chunk
// map references, the live set GC preserves (spec §4.2, §8 invariant).
func (r *Repository) ReferencedHashes() (map[chunkstore.Hash]struct{}, error) {
	out := make(map[chunkstore.Hash]struct{})
	for _, rev := range r.LocalHistory() {
		mapPath := revision.Filename(r.path, rev.UUID)
		if _, err := os.Stat(mapPath); os.IsNotExist(err) {
			continue
		}
		hashes, err := chunkfile.ReadMapHashes(mapPath)
		if err != nil {
			return nil, err
		}
		for h := range hashes {
			out[h] = struct{}{}
		}
	}
	return out, nil
}

// Clean removes local revisions that never finished (no "duration"
// stat), reclaiming any partial work left by a crashed backup (spec §5
// cancellation semantics). Requires the exclusive backup lock.
func (r *Repository) Clean(skipLock bool) error {
	return r.locker.WithExclusive(".backup", skipLock, func() error {
		for _, rev := range r.LocalHistory() {
			if _, ok := rev.Stats["duration"]; ok {
				continue
			}
			r.log.Warn("clean-incomplete", "revision_uuid", rev.UUID)
			if err := rev.Remove(r.path); err != nil {
				return err
			}
		}
		return nil
	})
}
