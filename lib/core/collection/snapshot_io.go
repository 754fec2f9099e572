package collection

import (
	"bytes"
	"encoding/json"

	"github.com/diffsec/vxdb/lib/core/kernel"
	"github.com/diffsec/vxdb/lib/core/payload"
	"github.com/diffsec/vxdb/lib/core/schema"
	"github.com/diffsec/vxdb/lib/core/vecstore"
	"github.com/diffsec/vxdb/lib/core/vxerr"
	"github.com/diffsec/vxdb/lib/storage/snapshot"
)

// restoreFrom rebuilds the collection's in-memory structures from a
// loaded snapshot (spec §4.8 recovery step 1). The snapshot's own
// config is authoritative for dimension, metric, and HNSW params —
// those are immutable per spec §3, so whatever the caller passed in
// Config is superseded here rather than cross-checked.
func (c *Collection) restoreFrom(out *snapshot.Output) error {
	metric, err := kernel.ParseMetric(out.Config.Metric)
	if err != nil {
		return err
	}
	c.cfg.Dimension = out.Dimension
	c.cfg.Metric = metric
	c.cfg.HNSW = out.Config.HNSW

	c.vectors = vecstore.New(out.Dimension)
	if err := c.vectors.LoadFrom(out.Vectors, out.PointCount); err != nil {
		return err
	}

	c.index = out.Index
	c.index.Rehydrate(c.vectors, out.Config.HNSW)

	store, err := payload.New(c.cfg.InMemoryThreshold)
	if err != nil {
		return err
	}
	c.payload = store

	c.nodeToID = make([]PointID, len(out.Points))
	docs := make(map[int]payload.Value, len(out.Points))
	for node, p := range out.Points {
		c.nodeToID[node] = PointID{IsString: p.ID.IsString, Int: p.ID.Int, Str: p.ID.Str}
		if p.Tombstoned {
			continue
		}
		c.idToNode[c.nodeToID[node].key()] = node
		if len(p.Payload) > 0 {
			var v payload.Value
			if err := json.Unmarshal(p.Payload, &v); err != nil {
				return vxerr.Wrap(vxerr.WalCorrupt, err, "collection %s: unmarshal restored payload for node %d", c.cfg.Name, node)
			}
			docs[node] = v
		}
	}
	if err := c.payload.RestoreAll(docs); err != nil {
		return err
	}

	if len(out.Config.Schema) > 0 {
		var s schema.Schema
		if err := json.Unmarshal(out.Config.Schema, &s); err != nil {
			return vxerr.Wrap(vxerr.WalCorrupt, err, "collection %s: unmarshal restored schema", c.cfg.Name)
		}
		c.schema = &s
	}

	c.watermarkApplied = out.SeqWatermark
	c.lastSnapshotSeq = out.SeqWatermark
	return nil
}

// TakeSnapshot serializes the collection's current state to a new
// snapshot file and returns its path. The in-memory assembly (pinning
// the vector rows, pre-encoding the HNSW graph, and copying the payload
// docs into an Input) all happens inside one RLock critical section, so
// the vector row count, graph node count, and point count it produces
// can never disagree even though Upsert/Delete take the lock
// exclusively — only the disk I/O (snapshot.Write's temp file, fsync,
// rename) runs after the lock is released, concurrently with new
// foreground writes (see storage/snapshot's package doc for why this
// replaces spec §4.8's literal fork(2) strategy).
func (c *Collection) TakeSnapshot() (string, error) {
	c.mu.RLock()
	watermark := c.watermarkApplied
	vecSnap := c.vectors.Snapshot()
	dim := c.cfg.Dimension
	metricName := c.cfg.Metric.String()
	hnswParams := c.cfg.HNSW
	idx := c.index
	store := c.payload
	// nodeToID is an ordinary slice mutated under mu by future upserts;
	// pin a copy now rather than let BuildInput read it after unlock.
	nodeToID := make([]PointID, len(c.nodeToID))
	copy(nodeToID, c.nodeToID)
	var schemaJSON json.RawMessage
	if c.schema != nil {
		b, err := json.Marshal(c.schema)
		if err != nil {
			c.mu.RUnlock()
			return "", vxerr.Wrap(vxerr.Internal, err, "collection %s: marshal schema for snapshot", c.cfg.Name)
		}
		schemaJSON = b
	}

	var graphBuf bytes.Buffer
	if err := idx.EncodeTo(&graphBuf); err != nil {
		c.mu.RUnlock()
		return "", err
	}

	idOf := func(nodeID int) (bool, uint64, string) {
		id := nodeToID[nodeID]
		return id.IsString, id.Int, id.Str
	}
	in := snapshot.BuildInput(watermark, dim, metricName, hnswParams, schemaJSON, vecSnap, graphBuf.Bytes(), idx, store, idOf)
	c.mu.RUnlock()

	path, err := snapshot.Write(c.cfg.snapshotDir(), in)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	if watermark > c.lastSnapshotSeq {
		c.lastSnapshotSeq = watermark
	}
	c.mu.Unlock()

	return path, nil
}
