package fsutil

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a", "b", "tile.txt")

	err := WriteFileAtomic(path, func(w io.Writer) error {
		_, err := io.WriteString(w, "hello")
		return err
	})
	if err != nil {
		t.Fatalf("WriteFileAtomic failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Errorf("Expected file content hello, got %q", data)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected only the final file, found %d entries", len(entries))
	}
}

func TestWriteFileAtomicFailureLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tile.png")
	boom := errors.New("encode failed")

	err := WriteFileAtomic(path, func(w io.Writer) error {
		io.WriteString(w, "partial")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected the write error to be returned, got %v", err)
	}

	exists, err := Exists(path)
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("Expected no file after a failed write")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("Expected temporary files to be cleaned up, found %d entries", len(entries))
	}
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	if ok, err := Exists(dir); err != nil || ok {
		t.Errorf("Expected a directory not to count as an existing file, got %v, %v", ok, err)
	}
	if ok, err := Exists(filepath.Join(dir, "missing")); err != nil || ok {
		t.Errorf("Expected missing file to report false, got %v, %v", ok, err)
	}
}
