// Package tracker implements the Data Tracker state machine: the component
// that pulls new items from the input reader on demand, records issuances
// with deadlines in a min-heap, accepts completions, buffers out-of-order
// results, flushes contiguous prefixes to the output writer, and
// periodically checkpoints. All state mutations are serialized by one lock.
package tracker

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gurre/dispatchd/checkpoint"
	"github.com/gurre/dispatchd/metrics"
	"github.com/gurre/dispatchd/reader"
	"github.com/gurre/dispatchd/writer"
)

// Item is one work item returned from GetWorkBatch: a work_id paired with
// its raw line content.
type Item struct {
	WorkID  uint64
	Content []byte
}

// Result is one completion submitted via CompleteWorkBatch.
type Result struct {
	WorkID uint64
	Bytes  []byte
}

// Status is a snapshot for the /status endpoint.
type Status struct {
	Issued              int   `json:"issued"`
	PendingWrite        int   `json:"pendingWrite"`
	LastProcessedWorkID int64 `json:"lastProcessedWorkId"`
	ExpiredReissues     int64 `json:"expiredReissues"`
	InputEOF            bool  `json:"inputEof"`
}

type issuance struct {
	expiresAt time.Time
	content   []byte
}

// heapEntry is a min-heap element ordered by (expiresAt, workID). Entries
// may be stale: valid only while issued[workID].expiresAt equals expiresAt.
// Lazy deletion is the standard pattern for binary heaps that cannot update
// an arbitrary element in O(log n); staleness is checked on every pop
// instead of mutating heap entries in place.
type heapEntry struct {
	expiresAt time.Time
	workID    uint64
}

type expiryHeap []heapEntry

func (h expiryHeap) Len() int { return len(h) }

func (h expiryHeap) Less(i, j int) bool {
	if h[i].expiresAt.Equal(h[j].expiresAt) {
		return h[i].workID < h[j].workID
	}
	return h[i].expiresAt.Before(h[j].expiresAt)
}

func (h expiryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *expiryHeap) Push(x interface{}) {
	*h = append(*h, x.(heapEntry))
}

func (h *expiryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Tracker owns the dispatcher's mutable state: the input reader, output
// writer, checkpoint store, and all in-memory bookkeeping. Every exported
// method acquires mu; none suspend while holding it beyond the strictly
// local I/O of one line read or one small append.
type Tracker struct {
	mu sync.Mutex

	reader *reader.Reader
	writer writer.Writer
	store  checkpoint.Store
	m      *metrics.Metrics

	workTimeout        time.Duration
	checkpointInterval time.Duration

	issued          map[uint64]issuance
	heap            expiryHeap
	pendingWrite    map[uint64][]byte
	lastProcessedID int64
	expiredReissues int64
	lastCheckpoint  time.Time

	// lineEnds records the byte offset just past each line that has been
	// read but not yet flushed; inputOffset is the offset just past line
	// lastProcessedID. Checkpointing the flushed watermark instead of the
	// reader's live position means a restart re-reads, and therefore
	// reissues, any lines that were handed out but never completed.
	lineEnds    map[uint64]uint64
	inputOffset uint64

	onFatal func(error)
}

// New constructs a Tracker from already-opened components and a loaded
// checkpoint state. The caller is responsible for having seeked r to
// state's offsets before calling New.
func New(r *reader.Reader, w writer.Writer, store checkpoint.Store, m *metrics.Metrics, state checkpoint.State, workTimeout, checkpointInterval time.Duration, onFatal func(error)) *Tracker {
	if onFatal == nil {
		onFatal = func(error) {}
	}
	return &Tracker{
		reader:             r,
		writer:             w,
		store:              store,
		m:                  m,
		workTimeout:        workTimeout,
		checkpointInterval: checkpointInterval,
		issued:             make(map[uint64]issuance),
		heap:               make(expiryHeap, 0),
		pendingWrite:       make(map[uint64][]byte),
		lastProcessedID:    state.LastProcessedWorkID,
		lineEnds:           make(map[uint64]uint64),
		inputOffset:        state.InputOffset,
		lastCheckpoint:     time.Now(),
		onFatal:            onFatal,
	}
}

// GetWorkBatch returns up to n items: expired reissues first, then fresh
// lines from the input reader. An empty result with a nil error means no work
// is available right now (the handler translates this to a retry
// response); callers should check AllWorkComplete separately.
func (t *Tracker) GetWorkBatch(ctx context.Context, n int) ([]Item, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n <= 0 {
		n = 1
	}
	batch := make([]Item, 0, n)
	now := time.Now()

	// Expired reissues first: pop stale/expired entries off the heap until
	// the top is neither stale nor expired, or the batch is full.
	for len(batch) < n && t.heap.Len() > 0 {
		top := t.heap[0]
		current, ok := t.issued[top.workID]
		if !ok || !current.expiresAt.Equal(top.expiresAt) {
			heap.Pop(&t.heap)
			continue
		}
		if current.expiresAt.After(now) {
			break
		}
		heap.Pop(&t.heap)
		fresh := now.Add(t.workTimeout)
		t.issued[top.workID] = issuance{expiresAt: fresh, content: current.content}
		heap.Push(&t.heap, heapEntry{expiresAt: fresh, workID: top.workID})
		batch = append(batch, Item{WorkID: top.workID, Content: current.content})
		t.expiredReissues++
		if t.m != nil {
			t.m.RecordExpiredReissue()
		}
	}

	// New items next.
	for len(batch) < n {
		workID, content, ok, err := t.reader.NextLine()
		if err != nil {
			t.fatal(fmt.Errorf("input read failed: %w", err))
			return nil, err
		}
		if !ok {
			break
		}
		expiresAt := now.Add(t.workTimeout)
		contentCopy := append([]byte(nil), content...)
		t.lineEnds[workID] = t.reader.Offset()
		t.issued[workID] = issuance{expiresAt: expiresAt, content: contentCopy}
		heap.Push(&t.heap, heapEntry{expiresAt: expiresAt, workID: workID})
		batch = append(batch, Item{WorkID: workID, Content: contentCopy})
	}

	if t.m != nil {
		t.m.RecordIssued(len(batch))
		t.m.SetIssuedInFlight(len(t.issued))
	}
	return batch, nil
}

// CompleteWorkBatch applies a batch of results, then flushes the longest
// contiguous prefix of newly-writable results to the output writer and
// checkpoints if the interval has elapsed.
func (t *Tracker) CompleteWorkBatch(ctx context.Context, results []Result) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, res := range results {
		if int64(res.WorkID) <= t.lastProcessedID {
			if t.m != nil {
				t.m.RecordDuplicateCompletion()
			}
			continue
		}
		if _, ok := t.issued[res.WorkID]; !ok {
			if t.m != nil {
				t.m.RecordDuplicateCompletion()
			}
			continue
		}
		delete(t.issued, res.WorkID)
		t.pendingWrite[res.WorkID] = res.Bytes
	}
	if t.m != nil {
		t.m.SetIssuedInFlight(len(t.issued))
		t.m.SetPendingWrite(len(t.pendingWrite))
	}

	if err := t.flushLocked(ctx); err != nil {
		t.fatal(err)
		return err
	}
	if err := t.maybeCheckpointLocked(ctx); err != nil {
		t.fatal(err)
		return err
	}
	return nil
}

// flushLocked appends the longest contiguous run starting at
// lastProcessedID+1 as a single write. Callers must hold mu.
func (t *Tracker) flushLocked(ctx context.Context) error {
	next := uint64(t.lastProcessedID + 1)
	var lines [][]byte
	for {
		bytes, ok := t.pendingWrite[next]
		if !ok {
			break
		}
		lines = append(lines, bytes)
		delete(t.pendingWrite, next)
		next++
	}
	if len(lines) == 0 {
		return nil
	}
	if err := t.writer.Append(ctx, lines); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}
	for id := uint64(t.lastProcessedID + 1); id < next; id++ {
		t.inputOffset = t.lineEnds[id]
		delete(t.lineEnds, id)
	}
	t.lastProcessedID += int64(len(lines))
	if t.m != nil {
		t.m.RecordCompleted(len(lines))
		t.m.SetPendingWrite(len(t.pendingWrite))
	}
	return nil
}

// maybeCheckpointLocked persists the current record if the checkpoint
// interval has elapsed. Callers must hold mu; flushLocked must have already
// run so output_offset agrees with last_processed_work_id.
func (t *Tracker) maybeCheckpointLocked(ctx context.Context) error {
	if time.Since(t.lastCheckpoint) < t.checkpointInterval {
		return nil
	}
	return t.checkpointLocked(ctx)
}

func (t *Tracker) checkpointLocked(ctx context.Context) error {
	state := checkpoint.State{
		LastProcessedWorkID: t.lastProcessedID,
		InputOffset:         t.inputOffset,
		OutputOffset:        t.writer.Offset(),
	}
	if err := t.store.Save(ctx, state); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	t.lastCheckpoint = time.Now()
	if t.m != nil {
		t.m.RecordCheckpointWritten()
	}
	return nil
}

// AllWorkComplete reports whether the input reader is at EOF and both the
// issued and pending_write sets are empty.
func (t *Tracker) AllWorkComplete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reader.AtEOF() && len(t.issued) == 0 && len(t.pendingWrite) == 0
}

// Status returns a snapshot for the /status endpoint.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Status{
		Issued:              len(t.issued),
		PendingWrite:        len(t.pendingWrite),
		LastProcessedWorkID: t.lastProcessedID,
		ExpiredReissues:     t.expiredReissues,
		InputEOF:            t.reader.AtEOF(),
	}
}

// SoonestExpiry returns the earliest live expiration deadline and true, or
// the zero time and false if nothing is currently issued. Used by the
// handler to compute the retry_in hint.
func (t *Tracker) SoonestExpiry() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for len(t.heap) > 0 {
		top := t.heap[0]
		current, ok := t.issued[top.workID]
		if !ok || !current.expiresAt.Equal(top.expiresAt) {
			heap.Pop(&t.heap)
			continue
		}
		return top.expiresAt, true
	}
	return time.Time{}, false
}

// Close runs a final flush, writes a final checkpoint, and closes the
// input and output files.
func (t *Tracker) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.flushLocked(ctx); err != nil {
		return err
	}
	if err := t.writer.Flush(ctx); err != nil {
		return fmt.Errorf("failed to flush output writer: %w", err)
	}
	if err := t.checkpointLocked(ctx); err != nil {
		return err
	}
	if err := t.writer.Close(); err != nil {
		return fmt.Errorf("failed to close output writer: %w", err)
	}
	if err := t.reader.Close(); err != nil {
		return fmt.Errorf("failed to close input reader: %w", err)
	}
	return nil
}

// LastProcessedWorkID returns the current watermark, for the shutdown
// report.
func (t *Tracker) LastProcessedWorkID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastProcessedID
}

func (t *Tracker) fatal(err error) {
	t.onFatal(err)
}
