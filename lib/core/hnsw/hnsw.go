// Package hnsw implements the multi-layer hierarchical navigable small
// world graph index described in spec §4.3: insert with Malkov/Yashunin
// neighbor diversification, ef-bounded beam search with a
// generation-stamped visited set, and tombstone-only delete.
//
// Grounded on the teacher's internal/vectordb/hnsw.go (flat neighbor map,
// tombstone-by-map, binary save/load framing), generalized to a real
// layered graph per the shape of xDarkicex/libravdb's and
// haivivi/giztoy's HNSW indexes in the retrieval pack.
package hnsw

import (
	"container/heap"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"

	"github.com/diffsec/vxdb/lib/core/kernel"
	"github.com/diffsec/vxdb/lib/core/vxerr"
)

// Predicate filters candidate node ids out of a result set without
// stopping graph traversal through them (spec §4.3 "Search").
type Predicate func(nodeID int) bool

// Params configures graph construction and the default search beam
// width (spec §3 "Collection ... HNSW parameters").
type Params struct {
	M               int `json:"m"` // max bidirectional links per node at layers >= 1
	EfConstruction  int `json:"ef_construction"`
	EfSearchDefault int `json:"ef_search_default"`
	MaxLevelCap     int `json:"max_level_cap"`
}

// DefaultParams mirrors the teacher's DefaultStoreConfig values
// (internal/vectordb/store.go), which are themselves conventional HNSW
// defaults.
func DefaultParams() Params {
	return Params{M: 16, EfConstruction: 200, EfSearchDefault: 50, MaxLevelCap: 16}
}

// VectorSource resolves a node id to its stored vector. Implemented by
// vecstore.Store; kept as an interface here so the index never imports
// the storage layer, only the contract it needs.
type VectorSource interface {
	View(id int) ([]float32, error)
}

type node struct {
	level     int
	neighbors [][]int32 // neighbors[layer] = adjacency list at that layer
}

// Index is a single collection's HNSW graph. It is safe for one writer
// and many concurrent readers per spec §5: Insert/Delete require the
// exclusive lock, Search takes the shared lock for its duration.
type Index struct {
	mu sync.RWMutex

	metric  kernel.Metric
	dist    kernel.Func
	params  Params
	mL      float64
	rng     *rand.Rand
	rngSeed int64
	vectors VectorSource

	nodes      []*node // indexed by internal node id; nil entries are unallocated
	entryPoint int     // -1 when the index is empty
	tombstones *bitset.BitSet

	visited    []uint32
	visitedGen uint32
}

// New creates an empty index. vectors resolves node ids to vectors for
// re-fetching during pruning/search; seed controls the level generator
// for reproducible tests.
func New(metric kernel.Metric, params Params, vectors VectorSource, seed int64) *Index {
	return &Index{
		metric:     metric,
		dist:       kernel.Select(metric),
		params:     params,
		mL:         1 / math.Log(float64(max(params.M, 2))),
		rng:        rand.New(rand.NewSource(seed)),
		rngSeed:    seed,
		vectors:    vectors,
		entryPoint: -1,
		tombstones: bitset.New(0),
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Len returns the number of nodes ever allocated (including tombstoned
// ones); spec §3's HNSW-node-set-is-a-superset-of-live-nodes invariant.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.nodes)
}

// layerBudget returns the adjacency-list size cap for a layer: M_max0 =
// 2*M at layer 0, M above it (spec §4.3).
func (idx *Index) layerBudget(layer int) int {
	if layer == 0 {
		return 2 * idx.params.M
	}
	return idx.params.M
}

func (idx *Index) randomLevel() int {
	level := int(math.Floor(-math.Log(idx.rng.Float64()+1e-300) * idx.mL))
	if level > idx.params.MaxLevelCap {
		level = idx.params.MaxLevelCap
	}
	return level
}

// cost maps a raw kernel value to a uniform "smaller is closer" scale:
// Euclidean's squared distance is already smaller-is-closer; cosine/dot
// are similarities (larger is closer), so they're negated.
func (idx *Index) cost(raw float32) float32 {
	if idx.metric == kernel.Euclidean {
		return raw
	}
	return -raw
}

func (idx *Index) vectorOf(id int) []float32 {
	v, err := idx.vectors.View(id)
	if err != nil {
		// The vector store and the graph are kept in lockstep by the
		// collection layer; a missing vector for a known node id is an
		// invariant violation, not a recoverable condition.
		panic(vxerr.Wrap(vxerr.Internal, err, "hnsw: node %d has no vector", id))
	}
	return v
}

func (idx *Index) isTombstoned(id int) bool {
	return idx.tombstones.Test(uint(id))
}

// IsTombstoned reports whether id has been deleted (but may still be a
// graph waypoint). Safe to call concurrently with Search.
func (idx *Index) IsTombstoned(id int) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.isTombstoned(id)
}

// Params returns the construction parameters the index was built with,
// for the snapshotter to embed in collection config.
func (idx *Index) Params() Params {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.params
}

// Rehydrate wires a live VectorSource and the collection's configured
// Params into an index decoded by DecodeFrom, which has neither: decode
// only rebuilds adjacency and tombstones from the wire format, since the
// vector-store section of a snapshot is parsed independently and
// ef_search_default is not itself part of the wire header (spec §6).
func (idx *Index) Rehydrate(vectors VectorSource, params Params) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.vectors = vectors
	idx.params = params
}

// Insert adds vec as node id's graph entry. The caller (collection) is
// responsible for having already appended vec to the vector store at
// the same id — the index only manages adjacency, not storage.
func (idx *Index) Insert(id int, vec []float32) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	level := idx.randomLevel()
	for len(idx.nodes) <= id {
		idx.nodes = append(idx.nodes, nil)
	}
	n := &node{level: level, neighbors: make([][]int32, level+1)}
	for l := range n.neighbors {
		n.neighbors[l] = make([]int32, 0, idx.layerBudget(l))
	}
	idx.nodes[id] = n
	idx.growTombstones(id)

	if idx.entryPoint == -1 {
		idx.entryPoint = id
		return nil
	}

	ep := idx.entryPoint
	epLevel := idx.nodes[ep].level
	curCost := idx.cost(idx.dist(vec, idx.vectorOf(ep)))

	// Phase 1: greedily descend from the current top layer down to one
	// above the new node's top level.
	for l := epLevel; l > level; l-- {
		improved := true
		for improved {
			improved = false
			for _, nb := range idx.nodes[ep].neighborsAt(l) {
				c := idx.cost(idx.dist(vec, idx.vectorOf(int(nb))))
				if c < curCost {
					curCost = c
					ep = int(nb)
					improved = true
				}
			}
		}
	}

	// Phase 2: from min(level, epLevel) down to 0, beam search for
	// ef_construction candidates, diversify, and connect both ways.
	entryPoints := []candidate{{id: ep, cost: curCost}}
	top := level
	if epLevel < top {
		top = epLevel
	}
	for l := top; l >= 0; l-- {
		candidates := idx.searchLayer(vec, entryPoints, idx.params.EfConstruction, l, nil)
		selected := idx.selectNeighborsHeuristic(vec, candidates, idx.layerBudget(l))
		ids := make([]int32, len(selected))
		for i, c := range selected {
			ids[i] = int32(c.id)
		}
		n.neighbors[l] = ids
		for _, c := range selected {
			idx.connect(c.id, id, l)
		}
		entryPoints = candidates
	}

	if level > epLevel {
		idx.entryPoint = id
	}
	return nil
}

func (n *node) neighborsAt(layer int) []int32 {
	if layer >= len(n.neighbors) {
		return nil
	}
	return n.neighbors[layer]
}

// connect adds a bidirectional edge from->to at layer, pruning from's
// adjacency list back down to its budget with the same diversification
// heuristic if it now exceeds it (spec §4.3 step 4).
func (idx *Index) connect(from, to, layer int) {
	n := idx.nodes[from]
	if layer >= len(n.neighbors) {
		return
	}
	n.neighbors[layer] = append(n.neighbors[layer], int32(to))
	budget := idx.layerBudget(layer)
	if len(n.neighbors[layer]) <= budget {
		return
	}
	fromVec := idx.vectorOf(from)
	candidates := make([]candidate, 0, len(n.neighbors[layer]))
	for _, nb := range n.neighbors[layer] {
		candidates = append(candidates, candidate{id: int(nb), cost: idx.cost(idx.dist(fromVec, idx.vectorOf(int(nb))))})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].cost < candidates[j].cost })
	selected := idx.selectNeighborsHeuristic(fromVec, candidates, budget)
	ids := make([]int32, len(selected))
	for i, c := range selected {
		ids[i] = int32(c.id)
	}
	n.neighbors[layer] = ids
}

// selectNeighborsHeuristic implements the Malkov/Yashunin diversifying
// selection (spec §4.3 step 3, and the Open Question resolving in favor
// of this variant): walk candidates nearest-first, keep one only if no
// already-selected neighbor is closer to it than it is to the query.
func (idx *Index) selectNeighborsHeuristic(query []float32, candidates []candidate, budget int) []candidate {
	sorted := make([]candidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].cost < sorted[j].cost })

	selected := make([]candidate, 0, budget)
	for _, c := range sorted {
		if len(selected) >= budget {
			break
		}
		cVec := idx.vectorOf(c.id)
		good := true
		for _, r := range selected {
			rVec := idx.vectorOf(r.id)
			distCR := idx.cost(idx.dist(cVec, rVec))
			if distCR < c.cost {
				good = false
				break
			}
		}
		if good {
			selected = append(selected, c)
		}
	}
	// If diversification was too aggressive and left room, fill the
	// remaining budget with the next-closest candidates regardless, so
	// sparse regions of the graph don't end up under-connected.
	if len(selected) < budget {
		have := make(map[int]bool, len(selected))
		for _, c := range selected {
			have[c.id] = true
		}
		for _, c := range sorted {
			if len(selected) >= budget {
				break
			}
			if !have[c.id] {
				selected = append(selected, c)
			}
		}
	}
	return selected
}

type candidate struct {
	id   int
	cost float32
}

// growTombstones ensures the tombstone bitset can address id.
func (idx *Index) growTombstones(id int) {
	if idx.tombstones.Len() <= uint(id) {
		idx.tombstones.Set(uint(id)) // extend capacity
		idx.tombstones.Clear(uint(id))
	}
}

// Delete tombstones node id: it remains reachable as a graph waypoint
// but is filtered out of result sets (spec §4.3 "Delete").
func (idx *Index) Delete(id int) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if id < 0 || id >= len(idx.nodes) || idx.nodes[id] == nil {
		return vxerr.New(vxerr.NotFound, "hnsw: unknown node %d", id)
	}
	idx.growTombstones(id)
	idx.tombstones.Set(uint(id))
	if idx.entryPoint == id {
		idx.reassignEntryPoint()
	}
	return nil
}

// reassignEntryPoint picks a new global entry point from the
// highest-level non-tombstoned node, per spec §4.3 "Failure modes". If
// none exists the index is considered empty.
func (idx *Index) reassignEntryPoint() {
	best := -1
	bestLevel := -1
	for id, n := range idx.nodes {
		if n == nil || idx.isTombstoned(id) {
			continue
		}
		if n.level > bestLevel || (n.level == bestLevel && (best == -1 || id < best)) {
			best = id
			bestLevel = n.level
		}
	}
	idx.entryPoint = best
}

// Result is one scored hit from Search.
type Result struct {
	ID    int
	Score float32 // metric-appropriate "higher is more similar" score
}

// SearchOutcome is the result of a Search call, including whether a
// caller deadline tripped mid-traversal (spec §5 "Cancellation").
type SearchOutcome struct {
	Results []Result
	Partial bool
}

// Search finds up to k nearest neighbors of query, expanding a beam of
// width ef (clamped to at least k), applying pred to filter the result
// set (not traversal), and stopping early if deadline is non-zero and
// is reached between beam expansions.
func (idx *Index) Search(query []float32, k, ef int, pred Predicate, deadline time.Time) (SearchOutcome, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.entryPoint == -1 {
		return SearchOutcome{}, nil
	}
	if ef < k {
		ef = k
	}

	ep := idx.entryPoint
	epLevel := idx.nodes[ep].level
	curCost := idx.cost(idx.dist(query, idx.vectorOf(ep)))

	for l := epLevel; l > 0; l-- {
		improved := true
		for improved {
			improved = false
			for _, nb := range idx.nodes[ep].neighborsAt(l) {
				c := idx.cost(idx.dist(query, idx.vectorOf(int(nb))))
				if c < curCost {
					curCost = c
					ep = int(nb)
					improved = true
				}
			}
		}
	}

	entryPoints := []candidate{{id: ep, cost: curCost}}
	candidates, partial := idx.searchLayer0(query, entryPoints, ef, deadline)

	// Filter tombstones and predicate, then sort best-first, id
	// ascending on ties (spec §4.3 step 4).
	filtered := make([]candidate, 0, len(candidates))
	for _, c := range candidates {
		if idx.isTombstoned(c.id) {
			continue
		}
		if pred != nil && !pred(c.id) {
			continue
		}
		filtered = append(filtered, c)
	}
	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].cost != filtered[j].cost {
			return filtered[i].cost < filtered[j].cost
		}
		return filtered[i].id < filtered[j].id
	})
	if len(filtered) > k {
		filtered = filtered[:k]
	}

	results := make([]Result, len(filtered))
	for i, c := range filtered {
		raw := c.cost
		if idx.metric != kernel.Euclidean {
			raw = -raw
		}
		results[i] = Result{ID: c.id, Score: kernel.Score(idx.metric, raw)}
	}
	return SearchOutcome{Results: results, Partial: partial}, nil
}

// searchLayer runs an ef-bounded beam search at one layer during
// construction (no predicate, no deadline — insertion is not
// cancellable).
func (idx *Index) searchLayer(query []float32, entryPoints []candidate, ef, layer int, pred Predicate) []candidate {
	out, _ := idx.beamSearch(query, entryPoints, ef, layer, pred, time.Time{})
	return out
}

// searchLayer0 runs the layer-0 beam search used by Search, honoring a
// deadline between expansions.
func (idx *Index) searchLayer0(query []float32, entryPoints []candidate, ef int, deadline time.Time) ([]candidate, bool) {
	return idx.beamSearch(query, entryPoints, ef, 0, nil, deadline)
}

func (idx *Index) beamSearch(query []float32, entryPoints []candidate, ef, layer int, pred Predicate, deadline time.Time) ([]candidate, bool) {
	idx.bumpVisited()

	candHeap := &minCandHeap{}
	heap.Init(candHeap)
	resultHeap := &maxCandHeap{}
	heap.Init(resultHeap)

	for _, ep := range entryPoints {
		idx.markVisited(ep.id)
		heap.Push(candHeap, ep)
		heap.Push(resultHeap, ep)
	}

	partial := false
	expansions := 0
	for candHeap.Len() > 0 {
		if !deadline.IsZero() && expansions%8 == 0 && time.Now().After(deadline) {
			partial = true
			break
		}
		expansions++

		c := heap.Pop(candHeap).(candidate)
		if resultHeap.Len() >= ef && c.cost > resultHeap.items[0].cost {
			break
		}

		node := idx.nodes[c.id]
		for _, nbRaw := range node.neighborsAt(layer) {
			nb := int(nbRaw)
			if !idx.markVisited(nb) {
				continue
			}
			nc := idx.cost(idx.dist(query, idx.vectorOf(nb)))
			if resultHeap.Len() < ef || nc < resultHeap.items[0].cost {
				cand := candidate{id: nb, cost: nc}
				heap.Push(candHeap, cand)
				if pred == nil || pred(nb) {
					heap.Push(resultHeap, cand)
					if resultHeap.Len() > ef {
						heap.Pop(resultHeap)
					}
				}
			}
		}
	}

	out := make([]candidate, len(resultHeap.items))
	copy(out, resultHeap.items)
	return out, partial
}

// bumpVisited advances the generation stamp, growing the backing slice
// if new node ids have been allocated since the last search (spec §4.3
// "Visited tracking").
func (idx *Index) bumpVisited() {
	if len(idx.visited) < len(idx.nodes) {
		grown := make([]uint32, len(idx.nodes))
		copy(grown, idx.visited)
		idx.visited = grown
	}
	idx.visitedGen++
}

// markVisited marks id visited for the current generation, returning
// true the first time it's seen this search.
func (idx *Index) markVisited(id int) bool {
	if idx.visited[id] == idx.visitedGen {
		return false
	}
	idx.visited[id] = idx.visitedGen
	return true
}

// --- candidate heaps ---

type minCandHeap struct{ items []candidate }

func (h minCandHeap) Len() int            { return len(h.items) }
func (h minCandHeap) Less(i, j int) bool  { return h.items[i].cost < h.items[j].cost }
func (h minCandHeap) Swap(i, j int)       { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *minCandHeap) Push(x interface{}) { h.items = append(h.items, x.(candidate)) }
func (h *minCandHeap) Pop() interface{} {
	n := len(h.items)
	item := h.items[n-1]
	h.items = h.items[:n-1]
	return item
}

// maxCandHeap keeps the worst (highest-cost) candidate at the root so it
// can be evicted when the result set exceeds ef.
type maxCandHeap struct{ items []candidate }

func (h maxCandHeap) Len() int            { return len(h.items) }
func (h maxCandHeap) Less(i, j int) bool  { return h.items[i].cost > h.items[j].cost }
func (h maxCandHeap) Swap(i, j int)       { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *maxCandHeap) Push(x interface{}) { h.items = append(h.items, x.(candidate)) }
func (h *maxCandHeap) Pop() interface{} {
	n := len(h.items)
	item := h.items[n-1]
	h.items = h.items[:n-1]
	return item
}
