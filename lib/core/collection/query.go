package collection

import (
	"time"

	"github.com/diffsec/vxdb/lib/core/hnsw"
	"github.com/diffsec/vxdb/lib/core/kernel"
	"github.com/diffsec/vxdb/lib/core/payload"
	"github.com/diffsec/vxdb/lib/core/schema"
	"github.com/diffsec/vxdb/lib/core/vxerr"
)

// DefaultOverfetch is K_overfetch from spec §4.5's reranking protocol.
const DefaultOverfetch = 5

// Hit is one scored result: its external id, score (ANN or, when a
// schema reranked it, the aggregated schema score), payload, and
// (schema-backed queries only) per-field contributions.
type Hit struct {
	ID       PointID
	Score    float32
	ANNScore float32
	Payload  payload.Value
	Explain  []schema.Contribution
}

func (c *Collection) predicateFn(pred *payload.Predicate) hnsw.Predicate {
	if pred == nil {
		return nil
	}
	return func(nodeID int) bool {
		doc, ok := c.payload.Get(nodeID)
		if !ok {
			return false
		}
		return payload.Eval(pred, doc)
	}
}

// Search runs raw ANN search with no reranking (spec §4.6
// "search(vector, limit, filter?, ef_search?)").
func (c *Collection) Search(query []float32, limit, efSearch int, pred *payload.Predicate, deadline time.Time) ([]Hit, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := kernel.Dimension(query, c.cfg.Dimension); err != nil {
		return nil, false, err
	}
	q := make([]float32, len(query))
	copy(q, query)
	if c.cfg.Metric == kernel.Cosine {
		kernel.Normalize(q)
	}
	if efSearch <= 0 {
		efSearch = c.cfg.HNSW.EfSearchDefault
	}
	outcome, err := c.index.Search(q, limit, efSearch, c.predicateFn(pred), deadline)
	if err != nil {
		return nil, false, err
	}
	hits := make([]Hit, len(outcome.Results))
	for i, r := range outcome.Results {
		doc, _ := c.payload.Get(r.ID)
		hits[i] = Hit{ID: c.nodeToID[r.ID], Score: r.Score, ANNScore: r.Score, Payload: doc}
	}
	return hits, outcome.Partial, nil
}

// rerank overfetches candidates from HNSW, reranks them against example
// with the collection's schema, and returns the top limit, per spec
// §4.5's reranking protocol. If the collection has no schema, it simply
// returns the top limit raw ANN hits.
func (c *Collection) rerank(query []float32, limit int, example *payload.Value, weights map[string]float64, pred *payload.Predicate, deadline time.Time) ([]Hit, bool, error) {
	fetch := limit
	if c.schema != nil {
		fetch = limit * DefaultOverfetch
	}
	ef := c.cfg.HNSW.EfSearchDefault
	outcome, err := c.index.Search(query, fetch, ef, c.predicateFn(pred), deadline)
	if err != nil {
		return nil, false, err
	}

	if c.schema == nil || example == nil {
		n := len(outcome.Results)
		if n > limit {
			n = limit
		}
		hits := make([]Hit, n)
		for i := 0; i < n; i++ {
			r := outcome.Results[i]
			doc, _ := c.payload.Get(r.ID)
			hits[i] = Hit{ID: c.nodeToID[r.ID], Score: r.Score, ANNScore: r.Score, Payload: doc}
		}
		return hits, outcome.Partial, nil
	}

	candidates := make([]schema.RankedCandidate, len(outcome.Results))
	docs := make(map[int]payload.Value, len(outcome.Results))
	contribs := make(map[int][]schema.Contribution, len(outcome.Results))
	for i, r := range outcome.Results {
		doc, _ := c.payload.Get(r.ID)
		docs[r.ID] = doc
		score, contribution := schema.Score(c.schema, *example, doc, weights)
		contribs[r.ID] = contribution
		candidates[i] = schema.RankedCandidate{ID: r.ID, ANNScore: r.Score, Schema: score}
	}
	schema.SortByScore(candidates)
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	hits := make([]Hit, len(candidates))
	for i, cd := range candidates {
		hits[i] = Hit{
			ID:       c.nodeToID[cd.ID],
			Score:    float32(cd.Schema),
			ANNScore: cd.ANNScore,
			Payload:  docs[cd.ID],
			Explain:  contribs[cd.ID],
		}
	}
	return hits, outcome.Partial, nil
}

// Similar implements spec §4.6 "similar(example_payload | like_id, ...)":
// ANN search using either an explicitly supplied example payload
// (auto-embedded through the schema) or a stored point's own vector,
// followed by schema reranking if a schema is set.
func (c *Collection) Similar(example *payload.Value, likeID *PointID, limit int, weights map[string]float64, pred *payload.Predicate, deadline time.Time) ([]Hit, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var query []float32
	var exampleDoc *payload.Value
	switch {
	case likeID != nil:
		node, ok := c.resolveLive(*likeID)
		if !ok {
			return nil, false, vxerr.New(vxerr.NotFound, "collection %s: like_id %v is not a live point", c.cfg.Name, *likeID)
		}
		vec, err := c.vectors.Get(node)
		if err != nil {
			return nil, false, err
		}
		query = vec
		if doc, ok := c.payload.Get(node); ok {
			exampleDoc = &doc
		}
	case example != nil:
		if c.schema == nil {
			return nil, false, vxerr.New(vxerr.InvalidArgument, "collection %s: similar by example payload requires a schema to auto-embed it", c.cfg.Name)
		}
		vec := schema.AutoEmbed(c.schema, *example, c.cfg.EmbedParams)
		if err := kernel.Dimension(vec, c.cfg.Dimension); err != nil {
			return nil, false, vxerr.Wrap(vxerr.SchemaIncompatible, err, "collection %s: auto-embedded example dimension mismatch", c.cfg.Name)
		}
		query = c.normalizeIfCosine(vec)
		exampleDoc = example
	default:
		return nil, false, vxerr.New(vxerr.InvalidArgument, "collection %s: similar requires an example payload or like_id", c.cfg.Name)
	}

	return c.rerank(query, limit, exampleDoc, weights, pred, deadline)
}

// Recommend implements spec §4.5's recommendation mode: a synthetic
// query vector equal to mean(vectors of positive) minus mean(vectors of
// negative), reranked with the first positive id's payload as the
// schema example when a schema is set.
func (c *Collection) Recommend(positive, negative []PointID, limit int, pred *payload.Predicate, deadline time.Time) ([]Hit, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(positive) == 0 {
		return nil, false, vxerr.New(vxerr.InvalidArgument, "collection %s: recommend requires at least one positive id", c.cfg.Name)
	}

	posMean, err := c.meanVectorLocked(positive)
	if err != nil {
		return nil, false, err
	}
	query := posMean
	if len(negative) > 0 {
		negMean, err := c.meanVectorLocked(negative)
		if err != nil {
			return nil, false, err
		}
		for i := range query {
			query[i] -= negMean[i]
		}
	}
	query = c.normalizeIfCosine(query)

	var exampleDoc *payload.Value
	if c.schema != nil {
		if node, ok := c.resolveLive(positive[0]); ok {
			if doc, ok := c.payload.Get(node); ok {
				exampleDoc = &doc
			}
		}
	}

	return c.rerank(query, limit, exampleDoc, nil, pred, deadline)
}

func (c *Collection) meanVectorLocked(ids []PointID) ([]float32, error) {
	sum := make([]float32, c.cfg.Dimension)
	for _, id := range ids {
		node, ok := c.resolveLive(id)
		if !ok {
			return nil, vxerr.New(vxerr.NotFound, "collection %s: id %v is not a live point", c.cfg.Name, id)
		}
		vec, err := c.vectors.Get(node)
		if err != nil {
			return nil, err
		}
		for i, v := range vec {
			sum[i] += v
		}
	}
	inv := 1 / float32(len(ids))
	for i := range sum {
		sum[i] *= inv
	}
	return sum, nil
}

// Count returns the number of live points matching pred (nil matches
// all).
func (c *Collection) Count(pred *payload.Predicate) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.payload.Count(pred)
}

// Facet aggregates the values at key across live documents (spec §4.4
// "Facet").
func (c *Collection) Facet(key string, limit int) ([]payload.FacetEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.payload.Facet(key, limit)
}

// Scroll returns up to limit live points matching pred, in ascending
// internal-node-id order, plus a token to resume from (spec §4.4
// "Scroll").
func (c *Collection) Scroll(pred *payload.Predicate, limit int, token string) ([]Fetched, string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids, next, err := c.payload.Scroll(pred, limit, token)
	if err != nil {
		return nil, "", err
	}
	out := make([]Fetched, len(ids))
	for i, node := range ids {
		vec, err := c.vectors.Get(node)
		if err != nil {
			return nil, "", err
		}
		doc, _ := c.payload.Get(node)
		out[i] = Fetched{ID: c.nodeToID[node], Vector: vec, Payload: doc}
	}
	return out, next, nil
}
