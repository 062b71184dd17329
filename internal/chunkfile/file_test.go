package chunkfile

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"backy/internal/chunkstore"
)

func openTestStore(t *testing.T) (*chunkstore.Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := chunkstore.Open(dir, nil)
	if err != nil {
		t.Fatalf("chunkstore.Open: %v", err)
	}
	return s, dir
}

func TestWriteReadRoundTrip(t *testing.T) {
	store, _ := openTestStore(t)
	path := filepath.Join(t.TempDir(), "image")

	f, err := Open(path, store, "w+")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data := bytes.Repeat([]byte("x"), int(chunkstore.MaxChunkSize)+100)
	if err := f.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f2, err := Open(path, store, "r")
	if err != nil {
		t.Fatalf("re-open: %v", err)
	}
	if f2.Size() != int64(len(data)) {
		t.Fatalf("expected size %d, got %d", len(data), f2.Size())
	}
	got, err := f2.Read(-1)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("round-tripped data mismatch")
	}
}

func TestIdenticalChunksDeduplicate(t *testing.T) {
	store, _ := openTestStore(t)
	path := filepath.Join(t.TempDir(), "image")

	f, err := Open(path, store, "w+")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	chunk := bytes.Repeat([]byte("a"), int(chunkstore.MaxChunkSize))
	if err := f.Write(chunk); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.Write(chunk); err != nil {
		t.Fatalf("Write (second identical chunk): %v", err)
	}
	if err := f.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if f.mapping[0] != f.mapping[1] {
		t.Fatalf("expected identical chunk slots to map to the same hash, got %s and %s", f.mapping[0], f.mapping[1])
	}
}

func TestTruncateGrowsSparselyWithOneChunk(t *testing.T) {
	store, storeDir := openTestStore(t)
	path := filepath.Join(t.TempDir(), "image")

	f, err := Open(path, store, "w+")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	target := int64(chunkstore.MaxChunkSize) * 10
	if err := f.Truncate(target); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if f.Size() != target {
		t.Fatalf("expected size %d, got %d", target, f.Size())
	}

	hashes := make(map[chunkstore.Hash]struct{})
	for _, h := range f.mapping {
		hashes[h] = struct{}{}
	}
	if len(hashes) != 1 {
		t.Fatalf("expected all sparse chunk slots to share one hash, got %d distinct hashes", len(hashes))
	}

	if err := f.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(storeDir, "*", "*.chunk.lzo"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected sparse-grow to cost exactly one physical chunk, found %d", len(matches))
	}
}

func TestSeekPastEndExtendsSize(t *testing.T) {
	store, _ := openTestStore(t)
	path := filepath.Join(t.TempDir(), "image")

	f, err := Open(path, store, "w+")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := f.Seek(1024, SeekSet); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if f.Size() != 1024 {
		t.Fatalf("expected seek past end to extend size to 1024, got %d", f.Size())
	}
}

func TestOpenNonexistentWithoutWriteFails(t *testing.T) {
	store, _ := openTestStore(t)
	path := filepath.Join(t.TempDir(), "missing")

	if _, err := Open(path, store, "r"); !os.IsNotExist(err) {
		t.Fatalf("expected os.ErrNotExist, got %v", err)
	}
}

func TestReadDetectsInconsistentChunk(t *testing.T) {
	store, _ := openTestStore(t)
	path := filepath.Join(t.TempDir(), "image")

	f, err := Open(path, store, "w+")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := f.Write([]byte("some content")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	h := f.mapping[0]
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := os.Chmod(store.ChunkPath(h), 0o640); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if err := os.WriteFile(store.ChunkPath(h), []byte("not a valid zstd frame"), 0o640); err != nil {
		t.Fatalf("corrupt chunk: %v", err)
	}

	f2, err := Open(path, store, "r")
	if err != nil {
		t.Fatalf("re-open: %v", err)
	}
	if _, err := f2.Read(-1); err == nil {
		t.Fatal("expected Read to surface the chunk store's corruption error")
	}
}

func TestReadMapHashes(t *testing.T) {
	store, _ := openTestStore(t)
	path := filepath.Join(t.TempDir(), "image")

	f, err := Open(path, store, "w+")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := f.Write(bytes.Repeat([]byte("z"), int(chunkstore.MaxChunkSize)+10)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	want := make(map[chunkstore.Hash]struct{}, len(f.mapping))
	for _, h := range f.mapping {
		want[h] = struct{}{}
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := ReadMapHashes(path)
	if err != nil {
		t.Fatalf("ReadMapHashes: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d distinct hashes, got %d", len(want), len(got))
	}
	for h := range want {
		if _, ok := got[h]; !ok {
			t.Fatalf("expected hash %s in ReadMapHashes result", h)
		}
	}
}

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{
		"r":  {Read: true},
		"w":  {Write: true},
		"r+": {Read: true, Write: true},
		"a":  {Write: true, Append: true},
	}
	for s, want := range cases {
		if got := ParseMode(s); got != want {
			t.Fatalf("ParseMode(%q) = %+v, want %+v", s, got, want)
		}
	}
}
