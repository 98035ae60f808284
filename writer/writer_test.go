package writer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestAppend_WritesCombinedBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "output.jsonl")
	w, err := Open(path)
	if err != nil {
		t.Fatalf("failed to open writer: %v", err)
	}
	defer w.Close()

	if err := w.Append(context.Background(), [][]byte{[]byte("a"), []byte("b"), []byte("c")}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read output file: %v", err)
	}
	if string(data) != "a\nb\nc\n" {
		t.Errorf("expected %q, got %q", "a\nb\nc\n", data)
	}
	if w.Offset() != uint64(len(data)) {
		t.Errorf("expected offset %d, got %d", len(data), w.Offset())
	}
}

func TestAppend_EmptyIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "output.jsonl")
	w, err := Open(path)
	if err != nil {
		t.Fatalf("failed to open writer: %v", err)
	}
	defer w.Close()

	if err := w.Append(context.Background(), nil); err != nil {
		t.Fatalf("Append of empty slice failed: %v", err)
	}
	if w.Offset() != 0 {
		t.Errorf("expected offset 0 after empty append, got %d", w.Offset())
	}
}

func TestOpen_ResumesOffsetFromExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "output.jsonl")
	if err := os.WriteFile(path, []byte("a\nb\n"), 0o644); err != nil {
		t.Fatalf("failed to seed output file: %v", err)
	}

	w, err := Open(path)
	if err != nil {
		t.Fatalf("failed to open writer: %v", err)
	}
	defer w.Close()

	if w.Offset() != 4 {
		t.Errorf("expected resumed offset 4, got %d", w.Offset())
	}

	if err := w.Append(context.Background(), [][]byte{[]byte("c")}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read output file: %v", err)
	}
	if string(data) != "a\nb\nc\n" {
		t.Errorf("expected appended content, got %q", data)
	}
}

func TestTruncate_DropsBytesPastCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "output.jsonl")
	if err := os.WriteFile(path, []byte("a\nb\nc\n"), 0o644); err != nil {
		t.Fatalf("failed to seed output file: %v", err)
	}

	w, err := Open(path)
	if err != nil {
		t.Fatalf("failed to open writer: %v", err)
	}
	defer w.Close()

	// Keep only the first two lines, as if "c" landed after the last
	// checkpoint record and the process crashed before the next one.
	if err := w.Truncate(4); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	if w.Offset() != 4 {
		t.Errorf("expected offset 4 after truncate, got %d", w.Offset())
	}

	if err := w.Append(context.Background(), [][]byte{[]byte("c2")}); err != nil {
		t.Fatalf("Append after truncate failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read output file: %v", err)
	}
	if string(data) != "a\nb\nc2\n" {
		t.Errorf("expected rewritten tail, got %q", data)
	}
}

func TestFlush_IsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "output.jsonl")
	w, err := Open(path)
	if err != nil {
		t.Fatalf("failed to open writer: %v", err)
	}
	defer w.Close()

	if err := w.Flush(context.Background()); err != nil {
		t.Errorf("expected Flush to be a no-op, got error: %v", err)
	}
}
