// Package vecstore implements the dense, contiguous vector storage
// described in spec §4.2: a single row-major buffer of D-sized float32
// rows indexed by internal node id, so the distance kernels read
// cache-friendly strides.
package vecstore

import (
	"sync"

	"github.com/diffsec/vxdb/lib/core/vxerr"
)

// Store is a dense column of fixed-length vectors keyed by a
// sequentially allocated internal node id.
type Store struct {
	mu        sync.RWMutex
	dimension int
	buf       []float32 // row-major: node i occupies buf[i*dimension : (i+1)*dimension]
	rows      int        // number of allocated rows (>= live rows; tombstones keep their row)
	version   uint64      // bumped on every reallocation
}

// New creates an empty Store for vectors of the given dimension.
func New(dimension int) *Store {
	return &Store{dimension: dimension}
}

// Dimension returns the fixed row width.
func (s *Store) Dimension() int { return s.dimension }

// Len returns the number of allocated rows (monotone non-decreasing
// under the writer lock, per spec §4.2's invariant).
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows
}

// Reserve grows the backing buffer to hold at least n rows without
// changing Len(), amortizing future Append calls.
func (s *Store) Reserve(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reserveLocked(n)
}

func (s *Store) reserveLocked(n int) {
	want := n * s.dimension
	if cap(s.buf) >= want {
		return
	}
	// Doubling growth strategy (spec §5 "Memory"): readers must not hold
	// a raw pointer across this reallocation, hence Snapshot()'s
	// versioned handle below.
	newCap := cap(s.buf)
	if newCap == 0 {
		newCap = want
	}
	for newCap < want {
		newCap *= 2
	}
	grown := make([]float32, len(s.buf), newCap)
	copy(grown, s.buf)
	s.buf = grown
	s.version++
}

// Append adds vec as a new row and returns its internal node id. vec
// must have length Dimension().
func (s *Store) Append(vec []float32) (int, error) {
	if len(vec) != s.dimension {
		return 0, vxerr.New(vxerr.DimensionMismatch, "vecstore: append expected dim %d, got %d", s.dimension, len(vec))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.rows
	s.reserveLocked(s.rows + 1)
	s.buf = s.buf[:(s.rows+1)*s.dimension]
	copy(s.buf[id*s.dimension:(id+1)*s.dimension], vec)
	s.rows++
	return id, nil
}

// Get returns a copy of the vector stored at node id. A tombstoned
// node's last stored vector is still returned — graph traversal needs it
// (spec §4.2).
func (s *Store) Get(id int) ([]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id < 0 || id >= s.rows {
		return nil, vxerr.New(vxerr.NotFound, "vecstore: node %d out of range", id)
	}
	out := make([]float32, s.dimension)
	copy(out, s.buf[id*s.dimension:(id+1)*s.dimension])
	return out, nil
}

// View returns the live slice for node id without copying. The returned
// slice is only valid until the next Append/Overwrite/Reserve call;
// callers that need a longer-lived reference must use Snapshot or copy
// the slice themselves. Callers must hold no expectation of safety
// across a writer-side mutation.
func (s *Store) View(id int) ([]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id < 0 || id >= s.rows {
		return nil, vxerr.New(vxerr.NotFound, "vecstore: node %d out of range", id)
	}
	return s.buf[id*s.dimension : (id+1)*s.dimension], nil
}

// Overwrite replaces the vector at node id in place.
func (s *Store) Overwrite(id int, vec []float32) error {
	if len(vec) != s.dimension {
		return vxerr.New(vxerr.DimensionMismatch, "vecstore: overwrite expected dim %d, got %d", s.dimension, len(vec))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 0 || id >= s.rows {
		return vxerr.New(vxerr.NotFound, "vecstore: node %d out of range", id)
	}
	copy(s.buf[id*s.dimension:(id+1)*s.dimension], vec)
	return nil
}

// Snapshot is an immutable view of the store at the moment it was
// taken: the row count and a private copy of those rows. Later Append,
// Overwrite, or Reserve calls on the store do not affect it — it just
// stops seeing new rows. This is what the non-fork snapshot path
// (storage/snapshot) builds on to avoid holding the store's lock for the
// duration of serialization.
type Snapshot struct {
	Dimension int
	Rows      int
	buf       []float32
}

// Row returns the vector for node id as it existed when the snapshot was
// taken.
func (sn Snapshot) Row(id int) []float32 {
	return sn.buf[id*sn.Dimension : (id+1)*sn.Dimension]
}

// Snapshot takes an immutable copy of the current rows.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf := make([]float32, s.rows*s.dimension)
	copy(buf, s.buf[:s.rows*s.dimension])
	return Snapshot{Dimension: s.dimension, Rows: s.rows, buf: buf}
}

// Bytes returns the raw row-major backing array truncated to Len()
// rows, used by the snapshotter to write the vectors section of the
// on-disk format directly (spec §6).
func (s *Store) Bytes() []float32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]float32, s.rows*s.dimension)
	copy(out, s.buf[:s.rows*s.dimension])
	return out
}

// LoadFrom replaces the store's contents with rows decoded from flat,
// which must contain exactly rows*Dimension() float32 values. Used by
// snapshot/WAL recovery to rebuild the vector store in one shot instead
// of replaying individual Append calls.
func (s *Store) LoadFrom(flat []float32, rows int) error {
	if len(flat) != rows*s.dimension {
		return vxerr.New(vxerr.InvalidArgument, "vecstore: load expected %d floats, got %d", rows*s.dimension, len(flat))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = make([]float32, len(flat))
	copy(s.buf, flat)
	s.rows = rows
	s.version++
	return nil
}
