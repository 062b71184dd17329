package safefile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteCreatesFileWithContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foo.txt")

	if err := Write(path, []byte("hello"), false); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("expected %q, got %q", "hello", got)
	}
}

func TestWriteLeavesNoTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foo.txt")

	if err := Write(path, []byte("hello"), false); err != nil {
		t.Fatalf("Write: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "foo.txt" {
		t.Fatalf("expected exactly foo.txt in dir, got %v", entries)
	}
}

func TestWriteProtectAppliesReadOnlyMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foo.txt")

	if err := Write(path, []byte("hello"), true); err != nil {
		t.Fatalf("Write: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != WriteProtectMode {
		t.Fatalf("expected mode %o, got %o", WriteProtectMode, info.Mode().Perm())
	}
}

func TestWriteReplacesProtectedExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foo.txt")

	if err := Write(path, []byte("v1"), true); err != nil {
		t.Fatalf("Write v1: %v", err)
	}
	if err := Write(path, []byte("v2"), true); err != nil {
		t.Fatalf("Write v2 over protected file: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "v2" {
		t.Fatalf("expected %q, got %q", "v2", got)
	}
}

func TestWriteUnprotectedKeepsDefaultMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foo.txt")

	if err := Write(path, []byte("hello"), false); err != nil {
		t.Fatalf("Write: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() == WriteProtectMode {
		t.Fatalf("did not expect write-protect mode on unprotected write")
	}
}
