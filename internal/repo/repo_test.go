package repo

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"backy/internal/revision"
)

func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	r, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return r
}

func addRevision(t *testing.T, r *Repository, ts time.Time, tags []string, clean bool) *revision.Revision {
	t.Helper()
	rev := revision.New(nil)
	rev.Timestamp = ts
	for _, tag := range tags {
		rev.Tags[tag] = struct{}{}
	}
	if clean {
		rev.Stats["duration"] = 1.0
	}
	if err := rev.WriteInfo(r.Path()); err != nil {
		t.Fatalf("WriteInfo: %v", err)
	}
	return rev
}

func TestScanOrdersHistoryByTimestamp(t *testing.T) {
	r := openTestRepo(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	addRevision(t, r, base.Add(2*time.Hour), []string{"daily"}, true)
	addRevision(t, r, base, []string{"daily"}, true)
	addRevision(t, r, base.Add(time.Hour), []string{"daily"}, true)

	if err := r.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	history := r.History()
	if len(history) != 3 {
		t.Fatalf("expected 3 revisions, got %d", len(history))
	}
	for i := 1; i < len(history); i++ {
		if history[i].Timestamp.Before(history[i-1].Timestamp) {
			t.Fatalf("history not sorted ascending: %v before %v", history[i].Timestamp, history[i-1].Timestamp)
		}
	}
}

func TestScanDeduplicatesByUUID(t *testing.T) {
	r := openTestRepo(t)
	rev := addRevision(t, r, time.Now(), []string{"daily"}, true)

	// Symlink a second ".rev" name at the same underlying file to
	// simulate a duplicate pointer; Scan must skip symlinks outright.
	link := filepath.Join(r.Path(), "pointer.rev")
	if err := os.Symlink(revision.InfoFilename(r.Path(), rev.UUID), link); err != nil {
		t.Skipf("symlink not supported in this environment: %v", err)
	}

	if err := r.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(r.History()) != 1 {
		t.Fatalf("expected 1 revision after scan, got %d", len(r.History()))
	}
}

func TestByUUIDLookup(t *testing.T) {
	r := openTestRepo(t)
	rev := addRevision(t, r, time.Now(), []string{"daily"}, true)
	if err := r.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	got, ok := r.ByUUID(rev.UUID)
	if !ok {
		t.Fatal("expected ByUUID to find the revision")
	}
	if got.UUID != rev.UUID {
		t.Fatalf("expected UUID %q, got %q", rev.UUID, got.UUID)
	}
	if _, ok := r.ByUUID("does-not-exist"); ok {
		t.Fatal("expected ByUUID to report not found for an unknown UUID")
	}
}

func TestFindRevisionsSelectionAlgebra(t *testing.T) {
	r := openTestRepo(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	addRevision(t, r, base, []string{"daily"}, true)
	addRevision(t, r, base.Add(time.Hour), []string{"weekly"}, true)
	addRevision(t, r, base.Add(2*time.Hour), []string{"daily", "weekly"}, true)
	if err := r.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	daily, err := r.FindRevisions("tag:daily")
	if err != nil {
		t.Fatalf("FindRevisions tag:daily: %v", err)
	}
	if len(daily) != 2 {
		t.Fatalf("expected 2 daily revisions, got %d", len(daily))
	}

	both, err := r.FindRevisions("tag:daily&tag:weekly")
	if err != nil {
		t.Fatalf("FindRevisions intersection: %v", err)
	}
	if len(both) != 1 {
		t.Fatalf("expected 1 revision tagged both, got %d", len(both))
	}

	all, err := r.FindRevisions("all")
	if err != nil {
		t.Fatalf("FindRevisions all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 revisions for 'all', got %d", len(all))
	}

	last, err := r.FindRevisions("last")
	if err != nil {
		t.Fatalf("FindRevisions last: %v", err)
	}
	if len(last) != 1 || last[0].Timestamp != base.Add(2*time.Hour) {
		t.Fatalf("expected 'last' to resolve to the newest revision, got %v", last)
	}
}

func TestTagsOptimisticConcurrencyRejectsMismatch(t *testing.T) {
	r := openTestRepo(t)
	rev := addRevision(t, r, time.Now(), []string{"daily"}, true)
	if err := r.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	ok, err := r.Tags(TagAdd, rev.UUID, map[string]struct{}{"weekly": {}}, TagsOptions{
		Expect: map[string]struct{}{"mismatch": {}},
		Force:  true,
	}, true)
	if err != nil {
		t.Fatalf("Tags: %v", err)
	}
	if ok {
		t.Fatal("expected Tags to refuse on Expect mismatch")
	}

	reloaded, found := r.ByUUID(rev.UUID)
	if !found {
		t.Fatal("expected revision still present")
	}
	if _, ok := reloaded.Tags["weekly"]; ok {
		t.Fatal("tags must not change when the precondition fails")
	}
}

func TestTagsAppliesWhenExpectMatches(t *testing.T) {
	r := openTestRepo(t)
	rev := addRevision(t, r, time.Now(), []string{"daily"}, true)
	if err := r.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	ok, err := r.Tags(TagAdd, rev.UUID, map[string]struct{}{"weekly": {}}, TagsOptions{
		Expect: map[string]struct{}{"daily": {}},
		Force:  true,
	}, true)
	if err != nil {
		t.Fatalf("Tags: %v", err)
	}
	if !ok {
		t.Fatal("expected Tags to apply when Expect matches")
	}

	reloaded, _ := r.ByUUID(rev.UUID)
	if _, ok := reloaded.Tags["weekly"]; !ok {
		t.Fatal("expected 'weekly' tag to be added")
	}
}

func TestTagsAutoremoveDeletesEmptyRevision(t *testing.T) {
	r := openTestRepo(t)
	rev := addRevision(t, r, time.Now(), []string{"daily"}, true)
	if err := r.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	ok, err := r.Tags(TagRemove, rev.UUID, map[string]struct{}{"daily": {}}, TagsOptions{
		Autoremove: true,
		Force:      true,
	}, true)
	if err != nil {
		t.Fatalf("Tags: %v", err)
	}
	if !ok {
		t.Fatal("expected Tags to succeed")
	}
	if _, err := os.Stat(revision.InfoFilename(r.Path(), rev.UUID)); !os.IsNotExist(err) {
		t.Fatalf("expected revision info removed after autoremove, stat err = %v", err)
	}
}

func TestForgetRemovesMatchedRevisions(t *testing.T) {
	r := openTestRepo(t)
	rev := addRevision(t, r, time.Now(), []string{"daily"}, true)
	if err := r.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if err := r.Forget(rev.UUID, true); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if len(r.History()) != 0 {
		t.Fatalf("expected history empty after Forget, got %d", len(r.History()))
	}
}

func TestDistrustMarksAndRefreshesForceWrites(t *testing.T) {
	r := openTestRepo(t)
	rev := addRevision(t, r, time.Now(), []string{"daily"}, true)
	if err := r.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if err := r.Distrust(rev.UUID, true); err != nil {
		t.Fatalf("Distrust: %v", err)
	}
	reloaded, _ := r.ByUUID(rev.UUID)
	if reloaded.Trust != revision.Distrusted {
		t.Fatalf("expected Trust %q, got %q", revision.Distrusted, reloaded.Trust)
	}
	if !r.ContainsDistrusted() {
		t.Fatal("expected ContainsDistrusted to be true after Distrust")
	}
}

func TestPreventRemoteRevRejectsRemoteRevision(t *testing.T) {
	r := openTestRepo(t)
	rev := addRevision(t, r, time.Now(), []string{"daily"}, true)
	rev.Server = "peer-a"
	if err := rev.WriteInfo(r.Path()); err != nil {
		t.Fatalf("WriteInfo: %v", err)
	}
	if err := r.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if err := r.Distrust(rev.UUID, true); err != ErrRemoteRevsDisallowed {
		t.Fatalf("expected ErrRemoteRevsDisallowed, got %v", err)
	}
}
