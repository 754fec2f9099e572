package wal

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/diffsec/vxdb/lib/core/vxerr"
)

// Durability selects when a Writer fsyncs appended records (spec §4.7).
type Durability int

const (
	DurabilityNone Durability = iota
	DurabilityPeriodic
	DurabilityAlways
)

// DefaultSegmentSize is the per-segment size threshold before rollover
// (spec §4.7's "e.g., 64 MiB per segment").
const DefaultSegmentSize int64 = 64 * 1024 * 1024

// WriterOptions configures a Writer.
type WriterOptions struct {
	SegmentSize      int64      // <= 0 uses DefaultSegmentSize
	Durability       Durability
	PeriodicInterval time.Duration // DurabilityPeriodic: max time between fsyncs
	PeriodicOps      int           // DurabilityPeriodic: max ops between fsyncs
}

func (o WriterOptions) withDefaults() WriterOptions {
	if o.SegmentSize <= 0 {
		o.SegmentSize = DefaultSegmentSize
	}
	if o.PeriodicInterval <= 0 {
		o.PeriodicInterval = time.Second
	}
	if o.PeriodicOps <= 0 {
		o.PeriodicOps = 1000
	}
	return o
}

// Writer is the single-writer append path for one collection's WAL
// directory. It holds a cross-process advisory lock (gofrs/flock) for
// the lifetime of the collection being open, enforcing the
// single-writer discipline of spec §5 even across separate processes
// sharing the same data root.
type Writer struct {
	mu      sync.Mutex
	dir     string
	opts    WriterOptions
	lock    *flock.Flock
	file    *os.File
	segSeq  uint64 // start seq of the current segment
	size    int64
	nextSeq uint64

	pendingOps int
	closeCh    chan struct{}
	doneCh     chan struct{}
}

// NewWriter opens (creating if needed) the WAL directory dir, resuming
// after the highest sequence number found in any existing segment.
func NewWriter(dir string, opts WriterOptions) (*Writer, error) {
	opts = opts.withDefaults()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, vxerr.Wrap(vxerr.StorageIO, err, "wal: create directory %s", dir)
	}

	lock := flock.New(filepath.Join(dir, ".wal.lock"))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, vxerr.Wrap(vxerr.StorageIO, err, "wal: acquire lock in %s", dir)
	}
	if !ok {
		return nil, vxerr.New(vxerr.StorageIO, "wal: directory %s is locked by another process", dir)
	}

	w := &Writer{dir: dir, opts: opts, lock: lock, nextSeq: 1}
	if err := w.openOrResume(); err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	if opts.Durability == DurabilityPeriodic {
		w.closeCh = make(chan struct{})
		w.doneCh = make(chan struct{})
		go w.periodicFsyncLoop()
	}
	return w, nil
}

func (w *Writer) openOrResume() error {
	names, err := listSegments(w.dir)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return w.rollover(1)
	}
	last := names[len(names)-1]
	startSeq, _ := segmentStartSeq(last)
	f, err := os.OpenFile(segmentPath(w.dir, last), os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return vxerr.Wrap(vxerr.StorageIO, err, "wal: open segment %s", last)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return vxerr.Wrap(vxerr.StorageIO, err, "wal: stat segment %s", last)
	}
	w.file = f
	w.segSeq = startSeq
	w.size = info.Size()

	// Resume nextSeq from the last valid record in the segment.
	// openOrResume does not repair a truncated or corrupt tail: scanMaxSeq
	// stops at the first record it cannot decode, and collection.open
	// runs Replay (which truncates the tail in place) after the Writer is
	// constructed.
	maxSeq, err := scanMaxSeq(f)
	if err != nil {
		return err
	}
	if maxSeq+1 > w.nextSeq {
		w.nextSeq = maxSeq + 1
	}
	if _, err := f.Seek(0, 2); err != nil {
		return vxerr.Wrap(vxerr.StorageIO, err, "wal: seek to end of segment %s", last)
	}
	return nil
}

// scanMaxSeq reads every valid record in f (from the start) and returns
// the highest seq seen, stopping at the first invalid/truncated record
// without erroring — the writer only needs a resume point, not a strict
// validation (Replay is the strict path).
func scanMaxSeq(f *os.File) (uint64, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return 0, vxerr.Wrap(vxerr.StorageIO, err, "wal: seek to start for scan")
	}
	var maxSeq uint64
	for {
		rec, err := decodeRecord(f)
		if err != nil {
			break
		}
		if rec.Seq > maxSeq {
			maxSeq = rec.Seq
		}
	}
	return maxSeq, nil
}

func (w *Writer) rollover(startSeq uint64) error {
	if w.file != nil {
		_ = w.file.Sync()
		_ = w.file.Close()
	}
	name := segmentName(startSeq)
	f, err := os.OpenFile(segmentPath(w.dir, name), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return vxerr.Wrap(vxerr.StorageIO, err, "wal: create segment %s", name)
	}
	w.file = f
	w.segSeq = startSeq
	w.size = 0
	return nil
}

// Append writes one WAL record and returns its assigned sequence number.
// Per spec §4.7/§5, one call is one commit boundary: the whole body is
// written to a single record, so a batch either appears in full or not
// at all.
func (w *Writer) Append(opType OpType, body []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	need := recordSize(len(body))
	if w.size > 0 && w.size+need > w.opts.SegmentSize {
		if err := w.rollover(w.nextSeq); err != nil {
			return 0, err
		}
	}

	seq := w.nextSeq
	rec := Record{Seq: seq, Timestamp: nowUnixNano(), OpType: opType, Body: body}
	preSize := w.size
	if err := encodeRecord(w.file, rec); err != nil {
		// Truncate back to the pre-append offset so a partially written
		// record never lingers as a corrupt tail (spec §7 propagation
		// policy: "already-appended WAL bytes for the failed batch are
		// truncated back to the pre-batch offset").
		_ = w.file.Truncate(preSize)
		_, _ = w.file.Seek(preSize, 0)
		return 0, vxerr.Wrap(vxerr.StorageIO, err, "wal: append record seq %d", seq)
	}
	w.size += need
	w.nextSeq++
	w.pendingOps++

	switch w.opts.Durability {
	case DurabilityAlways:
		if err := w.file.Sync(); err != nil {
			return 0, vxerr.Wrap(vxerr.StorageIO, err, "wal: fsync seq %d", seq)
		}
		w.pendingOps = 0
	case DurabilityPeriodic:
		if w.pendingOps >= w.opts.PeriodicOps {
			if err := w.file.Sync(); err != nil {
				return 0, vxerr.Wrap(vxerr.StorageIO, err, "wal: fsync seq %d", seq)
			}
			w.pendingOps = 0
		}
	}
	return seq, nil
}

func (w *Writer) periodicFsyncLoop() {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.opts.PeriodicInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.closeCh:
			return
		case <-ticker.C:
			w.mu.Lock()
			if w.pendingOps > 0 {
				_ = w.file.Sync()
				w.pendingOps = 0
			}
			w.mu.Unlock()
		}
	}
}

// Flush forces a sync regardless of durability mode, used on graceful
// shutdown.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Sync()
	w.pendingOps = 0
	return err
}

// Close flushes and releases the writer's file handle and cross-process
// lock.
func (w *Writer) Close() error {
	if w.opts.Durability == DurabilityPeriodic {
		close(w.closeCh)
		<-w.doneCh
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		_ = w.file.Sync()
		_ = w.file.Close()
		w.file = nil
	}
	return w.lock.Unlock()
}
