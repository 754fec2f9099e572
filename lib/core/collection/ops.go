package collection

import (
	"encoding/json"

	"github.com/diffsec/vxdb/lib/core/kernel"
	"github.com/diffsec/vxdb/lib/core/payload"
	"github.com/diffsec/vxdb/lib/core/schema"
	"github.com/diffsec/vxdb/lib/core/vxerr"
	"github.com/diffsec/vxdb/lib/storage/wal"
)

// Op bodies are JSON, not the schema-defined wire formats of spec §6 —
// the WAL is this process's own record of "what mutation already
// happened", replayed only by this same code, so there is no
// cross-implementation format to match the way the snapshot's binary
// layout does.

type upsertPointOp struct {
	ID      PointID       `json:"id"`
	Vector  []float32     `json:"vector"`
	Payload payload.Value `json:"payload"`
}

type upsertBatchOp struct {
	Points []upsertPointOp `json:"points"`
}

type deleteIDsOp struct {
	IDs []PointID `json:"ids"`
}

type deletePredicateOp struct {
	Predicate payload.Predicate `json:"predicate"`
}

type setSchemaOp struct {
	Schema schema.Schema `json:"schema"`
}

// applyRecord dispatches one replayed WAL record to the matching
// applyXLocked method. Used at startup (via wal.Replay); live mutations
// call the same applyXLocked methods directly after appending — see
// appendAndApply.
func (c *Collection) applyRecord(rec wal.Record) error {
	switch rec.OpType {
	case wal.OpUpsertBatch:
		var op upsertBatchOp
		if err := json.Unmarshal(rec.Body, &op); err != nil {
			return vxerr.Wrap(vxerr.WalCorrupt, err, "collection %s: decode upsert batch op", c.cfg.Name)
		}
		return c.applyUpsertBatchLocked(op)
	case wal.OpDeleteIDs:
		var op deleteIDsOp
		if err := json.Unmarshal(rec.Body, &op); err != nil {
			return vxerr.Wrap(vxerr.WalCorrupt, err, "collection %s: decode delete ids op", c.cfg.Name)
		}
		return c.applyDeleteIDsLocked(op)
	case wal.OpDeletePredicate:
		var op deletePredicateOp
		if err := json.Unmarshal(rec.Body, &op); err != nil {
			return vxerr.Wrap(vxerr.WalCorrupt, err, "collection %s: decode delete predicate op", c.cfg.Name)
		}
		return c.applyDeletePredicateLocked(op)
	case wal.OpSetSchema:
		var op setSchemaOp
		if err := json.Unmarshal(rec.Body, &op); err != nil {
			return vxerr.Wrap(vxerr.WalCorrupt, err, "collection %s: decode set schema op", c.cfg.Name)
		}
		return c.applySetSchemaLocked(&op.Schema)
	case wal.OpDeleteSchema:
		return c.applySetSchemaLocked(nil)
	default:
		return vxerr.New(vxerr.Internal, "collection %s: unknown wal op type %d", c.cfg.Name, rec.OpType)
	}
}

// appendAndApply serializes body, appends it to the WAL under opType,
// applies it via apply, and advances the watermark — spec §4.6/§4.7's
// fixed write order in one place so every mutating operation goes
// through it identically.
func (c *Collection) appendAndApply(opType wal.OpType, body any, apply func() error) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return vxerr.Wrap(vxerr.Internal, err, "collection %s: marshal wal op body", c.cfg.Name)
	}
	seq, err := c.wal.Append(opType, encoded)
	if err != nil {
		return err
	}
	if err := apply(); err != nil {
		return vxerr.Wrap(vxerr.Internal, err, "collection %s: apply wal op seq %d after durable append", c.cfg.Name, seq)
	}
	c.watermarkApplied = seq
	return nil
}

// Upsert validates dimensions, resolves auto-embedded vectors, and
// commits the batch as a single WAL record (spec §4.6: "Batch-atomic at
// the WAL level: either all points in the batch are logged ... or
// none").
func (c *Collection) Upsert(points []Point) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ops := make([]upsertPointOp, len(points))
	for i, p := range points {
		vec, err := c.resolveVector(p)
		if err != nil {
			return err
		}
		ops[i] = upsertPointOp{ID: p.ID, Vector: vec, Payload: p.Payload}
	}
	batch := upsertBatchOp{Points: ops}
	return c.appendAndApply(wal.OpUpsertBatch, batch, func() error {
		return c.applyUpsertBatchLocked(batch)
	})
}

// resolveVector validates or derives the vector for one upsert point:
// an explicit vector must match the collection's dimension; a nil
// vector is only legal with a schema set, and is auto-embedded from the
// payload (spec §4.5 "Auto-embedding").
func (c *Collection) resolveVector(p Point) ([]float32, error) {
	if p.Vector == nil {
		if c.schema == nil {
			return nil, vxerr.New(vxerr.InvalidArgument, "collection %s: point %v has no vector and no schema is set to auto-embed one", c.cfg.Name, p.ID)
		}
		vec := schema.AutoEmbed(c.schema, p.Payload, c.cfg.EmbedParams)
		if err := kernel.Dimension(vec, c.cfg.Dimension); err != nil {
			return nil, vxerr.Wrap(vxerr.SchemaIncompatible, err, "collection %s: auto-embedded vector dimension mismatch", c.cfg.Name)
		}
		return c.normalizeIfCosine(vec), nil
	}
	if err := kernel.Dimension(p.Vector, c.cfg.Dimension); err != nil {
		return nil, err
	}
	vec := make([]float32, len(p.Vector))
	copy(vec, p.Vector)
	return c.normalizeIfCosine(vec), nil
}

func (c *Collection) normalizeIfCosine(vec []float32) []float32 {
	if c.cfg.Metric == kernel.Cosine {
		kernel.Normalize(vec)
	}
	return vec
}

// applyUpsertBatchLocked mutates the vector store, HNSW index, and
// payload store for every point in op, in order. An id already mapped
// to a live node is overwritten in place (same node, vector and payload
// replaced); a new or previously-tombstoned id gets a freshly allocated
// node, per spec §3's "node id must never be reused" invariant — the
// old node stays behind as a tombstoned graph waypoint under its old
// slot, while the external id is remapped to the new node.
func (c *Collection) applyUpsertBatchLocked(op upsertBatchOp) error {
	for _, p := range op.Points {
		if node, ok := c.resolveLive(p.ID); ok {
			if err := c.vectors.Overwrite(node, p.Vector); err != nil {
				return err
			}
			if err := c.payload.Upsert(node, p.Payload); err != nil {
				return err
			}
			continue
		}
		node, err := c.allocateNode(p.Vector)
		if err != nil {
			return err
		}
		c.nodeToID = append(c.nodeToID, p.ID)
		if len(c.nodeToID) != node+1 {
			return vxerr.New(vxerr.Internal, "collection %s: node id allocation out of sync", c.cfg.Name)
		}
		c.idToNode[p.ID.key()] = node
		if err := c.payload.Upsert(node, p.Payload); err != nil {
			return err
		}
	}
	return nil
}

// Delete tombstones every id in ids that currently resolves to a live
// point; unknown ids are silently skipped (spec §4.6 "delete(ids[])").
func (c *Collection) Delete(ids []PointID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	op := deleteIDsOp{IDs: ids}
	return c.appendAndApply(wal.OpDeleteIDs, op, func() error {
		return c.applyDeleteIDsLocked(op)
	})
}

func (c *Collection) applyDeleteIDsLocked(op deleteIDsOp) error {
	for _, id := range op.IDs {
		node, ok := c.resolveLive(id)
		if !ok {
			continue
		}
		if err := c.deleteNodeLocked(node, id); err != nil {
			return err
		}
	}
	return nil
}

// DeletePredicate tombstones every currently-live point matching pred
// (spec §4.6 "delete(predicate)").
func (c *Collection) DeletePredicate(pred payload.Predicate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	op := deletePredicateOp{Predicate: pred}
	return c.appendAndApply(wal.OpDeletePredicate, op, func() error {
		return c.applyDeletePredicateLocked(op)
	})
}

func (c *Collection) applyDeletePredicateLocked(op deletePredicateOp) error {
	nodes, err := c.payload.Match(&op.Predicate)
	if err != nil {
		return err
	}
	for _, node := range nodes {
		if err := c.deleteNodeLocked(node, c.nodeToID[node]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collection) deleteNodeLocked(node int, id PointID) error {
	if err := c.index.Delete(node); err != nil {
		return err
	}
	if err := c.payload.Delete(node); err != nil {
		return err
	}
	delete(c.idToNode, id.key())
	return nil
}

// Get returns the live point stored under id, if any.
func (c *Collection) Get(id PointID) (Fetched, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	node, ok := c.resolveLive(id)
	if !ok {
		return Fetched{}, false, nil
	}
	vec, err := c.vectors.Get(node)
	if err != nil {
		return Fetched{}, false, err
	}
	doc, _ := c.payload.Get(node)
	return Fetched{ID: id, Vector: vec, Payload: doc}, true, nil
}
