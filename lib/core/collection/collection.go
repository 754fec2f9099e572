// Package collection implements spec §4.6: the object that owns one
// vector store, one HNSW index, one payload store, and optionally one
// similarity schema, journaling every mutation through a WAL in the
// fixed order the spec requires — serialize the op body, append it,
// apply the in-memory change, advance the applied watermark — so a
// crash between any two steps leaves recovery with an unambiguous
// replay point.
//
// Grounded on the teacher's internal/vectordb.Store interface shape
// (Insert/Search/Update/Delete/Get/Scroll/Count/Files over a single
// hnswlib index + sqlite metadata store), generalized from a
// single-purpose embedding store to the multi-component collection spec
// §2 describes.
package collection

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/diffsec/vxdb/lib/core/hnsw"
	"github.com/diffsec/vxdb/lib/core/kernel"
	"github.com/diffsec/vxdb/lib/core/payload"
	"github.com/diffsec/vxdb/lib/core/schema"
	"github.com/diffsec/vxdb/lib/core/vecstore"
	"github.com/diffsec/vxdb/lib/core/vxerr"
	"github.com/diffsec/vxdb/lib/core/vxlog"
	"github.com/diffsec/vxdb/lib/storage/snapshot"
	"github.com/diffsec/vxdb/lib/storage/wal"
)

// Config configures a collection at creation or reopen time (spec §3
// "Collection").
type Config struct {
	Name       string
	Dimension  int
	Metric     kernel.Metric
	HNSW       hnsw.Params
	Durability wal.Durability

	// DataDir holds this collection's "wal" and "snapshots" subdirectories.
	DataDir string

	// InMemoryThreshold is forwarded to payload.New; negative selects
	// payload.DefaultInMemoryThreshold.
	InMemoryThreshold int

	EmbedParams schema.EmbedParams
}

func (c Config) walDir() string      { return filepath.Join(c.DataDir, "wal") }
func (c Config) snapshotDir() string { return filepath.Join(c.DataDir, "snapshots") }

// Point is one upsert entry (spec §4.6 "upsert"). A nil Vector triggers
// auto-embedding when the collection has a schema set; it is an error
// otherwise.
type Point struct {
	ID      PointID
	Vector  []float32
	Payload payload.Value
}

// Fetched is the result of Get: a live point's id, vector, and payload.
type Fetched struct {
	ID      PointID
	Vector  []float32
	Payload payload.Value
}

// Collection is a single collection's live state plus its WAL writer.
// One writer, many readers: mutating operations take mu exclusively;
// reads take it shared. This mirrors hnsw.Index and payload.Store's own
// locking, one layer up, since a collection operation usually touches
// more than one of them and needs the combination to be atomic.
type Collection struct {
	mu sync.RWMutex

	cfg    Config
	logger *vxlog.Logger

	vectors *vecstore.Store
	index   *hnsw.Index
	payload *payload.Store
	schema  *schema.Schema

	wal *wal.Writer

	idToNode map[string]int
	nodeToID []PointID

	watermarkApplied uint64
	lastSnapshotSeq  uint64
}

// Create opens a brand-new collection directory. It fails if the
// snapshot directory already holds a snapshot — use Open to recover an
// existing one. Existing WAL segments are not rejected; they are
// replayed on top of the empty state.
func Create(cfg Config) (*Collection, error) {
	if names, _ := snapshot.List(cfg.snapshotDir()); len(names) > 0 {
		return nil, vxerr.New(vxerr.AlreadyExists, "collection %s: snapshot directory already populated", cfg.Name)
	}
	return open(cfg, nil)
}

// Open recovers a collection from its latest valid snapshot (if any)
// plus any WAL records appended after its watermark, per spec §4.8's
// recovery procedure: find the newest snapshot that deserializes
// cleanly, load it, then replay strictly-newer WAL records.
func Open(cfg Config) (*Collection, error) {
	out, err := snapshot.LatestValid(cfg.snapshotDir())
	if err != nil {
		return nil, err
	}
	return open(cfg, out)
}

func open(cfg Config, restored *snapshot.Output) (*Collection, error) {
	if cfg.Dimension <= 0 {
		return nil, vxerr.New(vxerr.InvalidArgument, "collection %s: dimension must be positive", cfg.Name)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, vxerr.Wrap(vxerr.StorageIO, err, "collection %s: create data dir", cfg.Name)
	}

	c := &Collection{
		cfg:      cfg,
		logger:   vxlog.Default("collection").With(cfg.Name),
		idToNode: make(map[string]int),
	}

	if restored != nil {
		if err := c.restoreFrom(restored); err != nil {
			return nil, err
		}
	} else {
		c.vectors = vecstore.New(cfg.Dimension)
		var err error
		c.payload, err = payload.New(cfg.InMemoryThreshold)
		if err != nil {
			return nil, err
		}
		c.index = hnsw.New(cfg.Metric, cfg.HNSW, c.vectors, defaultSeed(cfg.Name))
	}

	w, err := wal.NewWriter(cfg.walDir(), wal.WriterOptions{Durability: cfg.Durability})
	if err != nil {
		return nil, err
	}
	c.wal = w

	watermark, err := wal.Replay(cfg.walDir(), c.watermarkApplied, c.applyRecord, c.logger.With("wal"))
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	c.watermarkApplied = watermark

	return c, nil
}

// defaultSeed derives a stable HNSW level-generator seed from the
// collection name so repeated Create calls in tests are reproducible
// without threading a seed through Config.
func defaultSeed(name string) int64 {
	var h int64 = 1469598103934665603 // FNV-style start value (not the exact 64-bit offset basis)
	for _, b := range []byte(name) {
		h ^= int64(b)
		h *= 1099511628211
	}
	if h < 0 {
		h = -h
	}
	return h
}

// Name returns the collection's name.
func (c *Collection) Name() string { return c.cfg.Name }

// Dimension returns the configured vector dimension.
func (c *Collection) Dimension() int { return c.cfg.Dimension }

// Metric returns the configured distance metric.
func (c *Collection) Metric() kernel.Metric { return c.cfg.Metric }

// PointsCount returns the number of live points (spec §3 points_count).
func (c *Collection) PointsCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.idToNode)
}

// PendingSinceSnapshot reports whether any mutation has been applied
// since the last TakeSnapshot call (or, for a freshly restored
// collection, since the snapshot it was restored from) — the manager's
// periodic snapshotter skips a collection with no pending writes rather
// than rewriting an identical file every cycle (spec §4.9).
func (c *Collection) PendingSinceSnapshot() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.watermarkApplied > c.lastSnapshotSeq
}

// Close flushes the WAL and releases the payload store's secondary
// indexes.
func (c *Collection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	if err := c.wal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.payload.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// resolveLive returns the internal node id for ext if it maps to a
// currently-live (non-tombstoned) point.
func (c *Collection) resolveLive(ext PointID) (int, bool) {
	node, ok := c.idToNode[ext.key()]
	if !ok {
		return 0, false
	}
	return node, true
}

// allocateNode appends a fresh row to the vector store and a fresh
// adjacency entry to the HNSW index, returning the new node id. The
// caller is responsible for recording the id mapping.
func (c *Collection) allocateNode(vec []float32) (int, error) {
	node, err := c.vectors.Append(vec)
	if err != nil {
		return 0, err
	}
	if err := c.index.Insert(node, vec); err != nil {
		return 0, err
	}
	return node, nil
}
