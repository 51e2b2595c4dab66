package safeio

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSafeFSAllowsAbsoluteUnderRoot(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(p, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	fs, err := NewSafeFS(dir)
	if err != nil {
		t.Fatalf("NewSafeFS: %v", err)
	}
	if _, err := fs.SafeReadFile(p); err != nil {
		t.Fatalf("SafeReadFile absolute: %v", err)
	}
}

func TestSafeFSRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewSafeFS(dir)
	if err != nil {
		t.Fatalf("NewSafeFS: %v", err)
	}
	if _, err := fs.SafeReadFile(filepath.Join("..", "..", "etc", "passwd")); err == nil {
		t.Fatalf("expected traversal error")
	}
}

func TestSafeFSCreatesMissingFile(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewSafeFS(dir)
	if err != nil {
		t.Fatalf("NewSafeFS: %v", err)
	}
	f, err := fs.SafeOpenFile(filepath.Join("out", "sections.ndjson"), os.O_CREATE|os.O_WRONLY|os.O_APPEND)
	if err != nil {
		t.Fatalf("SafeOpenFile: %v", err)
	}
	if _, err := f.WriteString("{}\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	raw, err := fs.SafeReadFile(filepath.Join("out", "sections.ndjson"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(raw) != "{}\n" {
		t.Fatalf("unexpected content %q", raw)
	}
}

func TestSafeFSAtomicWriteReplaces(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewSafeFS(dir)
	if err != nil {
		t.Fatalf("NewSafeFS: %v", err)
	}
	if err := fs.SafeWriteFileAtomic("dedup_map.bin", []byte("v1")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := fs.SafeWriteFileAtomic("dedup_map.bin", []byte("v2")); err != nil {
		t.Fatalf("second write: %v", err)
	}
	raw, err := fs.SafeReadFile("dedup_map.bin")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(raw) != "v2" {
		t.Fatalf("got %q want v2", raw)
	}
	if _, err := os.Stat(filepath.Join(dir, "dedup_map.bin.tmp")); !os.IsNotExist(err) {
		t.Fatalf("tmp file left behind")
	}
}
