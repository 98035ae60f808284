// Package writer appends whole output lines to the output file in work_id
// order, tracking the byte offset for checkpointing.
package writer

import (
	"bytes"
	"context"
	"fmt"
	"os"
)

// Writer is the contract for the output side of the dispatcher.
type Writer interface {
	// Append concatenates lines (each newline-terminated) into a single
	// write. The caller guarantees lines form the correct next contiguous
	// block; the writer does not own serialization.
	Append(ctx context.Context, lines [][]byte) error
	// Flush is a no-op: writes reach the OS buffer in Append, and fsync is
	// deliberately deferred to the checkpoint store. A crash can lose lines
	// written after the last checkpoint; resume rewrites them because the
	// checkpoint never runs ahead of the file.
	Flush(ctx context.Context) error
	// Offset returns the byte offset after the last successful write.
	Offset() uint64
	Close() error
}

// FileWriter implements Writer by appending to a local file.
type FileWriter struct {
	f      *os.File
	offset uint64
}

// Open opens path in append mode, creating it if necessary, and measures
// its current size to seed Offset for resumed runs.
func Open(path string) (*FileWriter, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output file: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to stat output file: %w", err)
	}
	return &FileWriter{f: f, offset: uint64(fi.Size())}, nil
}

// Append writes all lines as one combined write, flushed to the OS buffer.
// No fsync is performed here; see the Flush doc comment above.
func (w *FileWriter) Append(ctx context.Context, lines [][]byte) error {
	if len(lines) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, line := range lines {
		buf.Write(line)
		buf.WriteByte('\n')
	}
	n, err := w.f.Write(buf.Bytes())
	w.offset += uint64(n)
	if err != nil {
		return fmt.Errorf("failed to write output lines: %w", err)
	}
	return nil
}

// Flush is a no-op: writes already reach the OS buffer in Append.
func (w *FileWriter) Flush(ctx context.Context) error {
	return nil
}

// Truncate discards any bytes past offset. Used on resume to reconcile the
// output file with the last checkpoint when lines were written after the
// checkpoint record but before the crash.
func (w *FileWriter) Truncate(offset uint64) error {
	if err := w.f.Truncate(int64(offset)); err != nil {
		return fmt.Errorf("failed to truncate output file: %w", err)
	}
	w.offset = offset
	return nil
}

// Offset returns the byte offset after the last successful write.
func (w *FileWriter) Offset() uint64 { return w.offset }

// Close closes the underlying file.
func (w *FileWriter) Close() error { return w.f.Close() }
