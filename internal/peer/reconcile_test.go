package peer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"backy/internal/repo"
	"backy/internal/revision"
)

func testRepo(t *testing.T) *repo.Repository {
	t.Helper()
	r, err := repo.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("repo.Open: %v", err)
	}
	return r
}

func TestPushSendsPendingTagChangesOnly(t *testing.T) {
	var putCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		putCalls++
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	r := testRepo(t)
	changed := revision.New(nil)
	changed.Server = "peer-a"
	changed.Tags["daily"] = struct{}{}
	changed.OrigTags = map[string]struct{}{}
	if err := changed.WriteInfo(r.Path()); err != nil {
		t.Fatalf("WriteInfo: %v", err)
	}

	unchanged := revision.New(nil)
	unchanged.Server = "peer-a"
	unchanged.Tags["weekly"] = struct{}{}
	unchanged.OrigTags = map[string]struct{}{"weekly": {}}
	if err := unchanged.WriteInfo(r.Path()); err != nil {
		t.Fatalf("WriteInfo: %v", err)
	}

	local := revision.New(nil)
	local.Tags["daily"] = struct{}{}
	if err := local.WriteInfo(r.Path()); err != nil {
		t.Fatalf("WriteInfo: %v", err)
	}

	if err := r.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	peers := map[string]*Client{"peer-a": New(Config{Name: "peer-a", URL: srv.URL})}
	rec := NewReconciler(r, "db", peers, nil)
	rec.Push(context.Background())

	if putCalls != 1 {
		t.Fatalf("expected exactly 1 PUT call for the one changed remote revision, got %d", putCalls)
	}
}

func TestPushRemovesRevisionWhenTagsBecomeEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	r := testRepo(t)
	rev := revision.New(nil)
	rev.Server = "peer-a"
	rev.OrigTags = map[string]struct{}{"daily": {}}
	// Tags is now empty relative to OrigTags: represents a fully-untagged revision.
	if err := rev.WriteInfo(r.Path()); err != nil {
		t.Fatalf("WriteInfo: %v", err)
	}
	if err := r.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	peers := map[string]*Client{"peer-a": New(Config{Name: "peer-a", URL: srv.URL})}
	rec := NewReconciler(r, "db", peers, nil)
	rec.Push(context.Background())

	if _, err := os.Stat(revision.InfoFilename(r.Path(), rev.UUID)); !os.IsNotExist(err) {
		t.Fatalf("expected revision removed after push to empty tags, stat err = %v", err)
	}
}

func TestPullAddsNewRemoteRevision(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			w.WriteHeader(http.StatusNoContent)
		default:
			json.NewEncoder(w).Encode([]RevisionRecord{
				{UUID: "remote-uuid-1", Tags: []string{"daily"}, Trust: "trusted"},
			})
		}
	}))
	defer srv.Close()

	r := testRepo(t)
	peers := map[string]*Client{"peer-a": New(Config{Name: "peer-a", URL: srv.URL})}
	rec := NewReconciler(r, "db", peers, nil)

	if err := rec.Pull(context.Background(), "peer-a"); err != nil {
		t.Fatalf("Pull: %v", err)
	}

	rev, ok := r.ByUUID("remote-uuid-1")
	if !ok {
		t.Fatal("expected the remote revision to be added locally")
	}
	if rev.Server != "peer-a" {
		t.Fatalf("expected Server %q, got %q", "peer-a", rev.Server)
	}
	if _, ok := rev.Tags["daily"]; !ok {
		t.Fatalf("expected tag 'daily' to be present, got %v", rev.Tags)
	}
}

func TestPullRemovesRevisionNoLongerPresentRemotely(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			w.WriteHeader(http.StatusNoContent)
		default:
			json.NewEncoder(w).Encode([]RevisionRecord{})
		}
	}))
	defer srv.Close()

	r := testRepo(t)
	stale := revision.New(nil)
	stale.Server = "peer-a"
	stale.Tags["daily"] = struct{}{}
	if err := stale.WriteInfo(r.Path()); err != nil {
		t.Fatalf("WriteInfo: %v", err)
	}
	if err := r.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	peers := map[string]*Client{"peer-a": New(Config{Name: "peer-a", URL: srv.URL})}
	rec := NewReconciler(r, "db", peers, nil)
	if err := rec.Pull(context.Background(), "peer-a"); err != nil {
		t.Fatalf("Pull: %v", err)
	}

	if _, ok := r.ByUUID(stale.UUID); ok {
		t.Fatal("expected the stale revision to be removed after pull")
	}
}

func TestPullIsSoftErrorOnUnreachablePeer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := testRepo(t)
	peers := map[string]*Client{"peer-a": New(Config{Name: "peer-a", URL: srv.URL})}
	rec := NewReconciler(r, "db", peers, nil)

	if err := rec.Pull(context.Background(), "peer-a"); err != nil {
		t.Fatalf("expected Pull to swallow peer errors, got %v", err)
	}
}

func TestPullUnknownPeerIsNoop(t *testing.T) {
	r := testRepo(t)
	rec := NewReconciler(r, "db", map[string]*Client{}, nil)
	if err := rec.Pull(context.Background(), "ghost"); err != nil {
		t.Fatalf("expected Pull against an unconfigured peer to be a no-op, got %v", err)
	}
}
