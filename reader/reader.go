// Package reader implements sequential, on-demand line reads from the
// input file, each line assigned the next work_id and its byte offset
// tracked for checkpointing.
package reader

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrCheckpointInconsistent is returned when a checkpointed input offset
// points past end-of-file. This is a fatal startup condition, not a
// recoverable one.
var ErrCheckpointInconsistent = errors.New("checkpoint input offset beyond end of file")

// Reader sequentially reads newline-terminated lines from the input file,
// assigning each the current next_work_id and tracking the byte offset
// after the last successful read.
//
// A partial trailing line (no final '\n' yet, because an upstream producer
// is still writing the file) is never emitted. When NextLine meets such a
// line it reseeks to the last committed offset and discards the buffered
// bytes, so a later call re-reads the line from its start, together with
// any bytes appended after it, rather than silently dropping them.
type Reader struct {
	f          *os.File
	br         *bufio.Reader
	offset     uint64
	nextWorkID uint64

	// eof and pendingPartial are mutually exclusive: eof means the last
	// read hit true end-of-file, pendingPartial means it found a trailing
	// line still awaiting its terminating '\n'. A pending partial line is
	// not end-of-file: the row exists and will be emitted once terminated,
	// so callers must keep waiting rather than declare the input drained.
	eof            bool
	pendingPartial bool
}

// Open opens path for sequential reads starting at the beginning of the
// file with next_work_id 0.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input file: %w", err)
	}
	return &Reader{f: f, br: bufio.NewReaderSize(f, 64*1024)}, nil
}

// Seek repositions the reader to resume after a checkpoint: offset is the
// byte offset to resume from and nextWorkID is last_processed_work_id+1.
// It fails with ErrCheckpointInconsistent if the input file has been
// truncated below the checkpointed offset.
func (r *Reader) Seek(offset uint64, nextWorkID uint64) error {
	fi, err := r.f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat input file: %w", err)
	}
	if uint64(fi.Size()) < offset {
		return ErrCheckpointInconsistent
	}
	if _, err := r.f.Seek(int64(offset), io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek input file: %w", err)
	}
	r.offset = offset
	r.nextWorkID = nextWorkID
	r.br = bufio.NewReaderSize(r.f, 64*1024)
	r.eof = false
	r.pendingPartial = false
	return nil
}

// NextLine reads one line, on demand. ok is false with a nil error when no
// complete line is currently available, either true end-of-file or a
// trailing line still awaiting its terminating '\n'. Callers distinguish
// the two with AtEOF after a false return.
func (r *Reader) NextLine() (workID uint64, content []byte, ok bool, err error) {
	line, rerr := r.br.ReadBytes('\n')
	switch {
	case rerr == nil:
		r.eof = false
		r.pendingPartial = false
		r.offset += uint64(len(line))
		workID = r.nextWorkID
		r.nextWorkID++
		content = bytes.TrimSuffix(line, []byte("\n"))
		return workID, content, true, nil

	case rerr == io.EOF && len(line) == 0:
		r.eof = true
		r.pendingPartial = false
		return 0, nil, false, nil

	case rerr == io.EOF:
		// Trailing partial line: rewind to the last committed offset and
		// discard the stale buffer so a future append is picked up cleanly.
		if _, serr := r.f.Seek(int64(r.offset), io.SeekStart); serr != nil {
			return 0, nil, false, fmt.Errorf("failed to rewind input file: %w", serr)
		}
		r.br = bufio.NewReaderSize(r.f, 64*1024)
		r.eof = false
		r.pendingPartial = true
		return 0, nil, false, nil

	default:
		return 0, nil, false, fmt.Errorf("failed to read input line: %w", rerr)
	}
}

// Offset returns the byte offset immediately after the last line emitted.
func (r *Reader) Offset() uint64 { return r.offset }

// NextWorkID returns the work_id that will be assigned to the next line.
func (r *Reader) NextWorkID() uint64 { return r.nextWorkID }

// AtEOF reports whether the reader last observed true end-of-file. It
// stays false while an unterminated trailing line is outstanding, so the
// input is never considered drained while a row is still being written.
func (r *Reader) AtEOF() bool { return r.eof }

// Close closes the underlying file.
func (r *Reader) Close() error { return r.f.Close() }
