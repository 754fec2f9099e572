package payload

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/diffsec/vxdb/lib/core/vxerr"
)

// DefaultInMemoryThreshold is the point count below which predicate
// evaluation walks the document tree directly instead of routing through
// the SQLite/bleve secondary indexes (spec §9 supplement: "below that
// threshold ... predicates evaluate by direct tree walk").
const DefaultInMemoryThreshold = 1000

// Store is the payload store of spec §4.4: external-id-to-payload mapping
// keyed by the collection's internal node id, with predicate match,
// scroll, count, and facet.
//
// Grounded on the teacher's internal/vectordb/sqlite.go SQLiteMetaStore
// generalized from a fixed struct schema to an arbitrary JSON tree, with
// the teacher's internal/memory/index.go bleve wiring added for text
// predicates.
type Store struct {
	mu         sync.RWMutex
	docs       map[int]Value
	live       *roaring.Bitmap
	threshold  int
	generation uint64

	scalarIdx *scalarIndex
	textIdx   *textIndex

	cursors *lru.Cache[string, []int]
}

// New creates an empty payload store. A negative threshold selects
// DefaultInMemoryThreshold; 0 is a legal value meaning "always use the
// indexed evaluator", useful for tests that want indexed-path coverage
// without seeding thousands of documents.
func New(threshold int) (*Store, error) {
	if threshold < 0 {
		threshold = DefaultInMemoryThreshold
	}
	scalarIdx, err := newScalarIndex()
	if err != nil {
		return nil, err
	}
	textIdx, err := newTextIndex()
	if err != nil {
		_ = scalarIdx.close()
		return nil, err
	}
	cursors, err := lru.New[string, []int](256)
	if err != nil {
		_ = scalarIdx.close()
		_ = textIdx.close()
		return nil, vxerr.Wrap(vxerr.Internal, err, "payload: create scroll cursor cache")
	}
	return &Store{
		docs:      make(map[int]Value),
		live:      roaring.New(),
		threshold: threshold,
		scalarIdx: scalarIdx,
		textIdx:   textIdx,
		cursors:   cursors,
	}, nil
}

// Upsert stores doc under nodeID, replacing any prior payload for that id.
func (s *Store) Upsert(nodeID int, doc Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[nodeID] = doc
	s.live.Add(uint32(nodeID))
	if err := s.scalarIdx.index(nodeID, doc); err != nil {
		return err
	}
	if err := s.textIdx.indexDoc(nodeID, doc); err != nil {
		return err
	}
	s.cursors.Purge()
	return nil
}

// Delete removes nodeID's payload entirely.
func (s *Store) Delete(nodeID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live.Contains(uint32(nodeID)) {
		return vxerr.New(vxerr.NotFound, "payload: unknown node %d", nodeID)
	}
	delete(s.docs, nodeID)
	s.live.Remove(uint32(nodeID))
	if err := s.scalarIdx.remove(nodeID); err != nil {
		return err
	}
	if err := s.textIdx.remove(nodeID); err != nil {
		return err
	}
	s.cursors.Purge()
	return nil
}

// Get returns the payload stored for nodeID.
func (s *Store) Get(nodeID int) (Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.docs[nodeID]
	return v, ok
}

// Count returns the number of live documents matching pred (nil matches
// all).
func (s *Store) Count(pred *Predicate) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids, err := s.cachedMatchLocked(pred)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Match returns the sorted (ascending) list of live node ids satisfying
// pred (nil matches every live id).
func (s *Store) Match(pred *Predicate) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cachedMatchLocked(pred)
}

// cachedMatchLocked memoizes matchLocked's result per predicate shape and
// generation: a scroll over a large filtered result set re-evaluates the
// same predicate on every page otherwise. Any write purges the whole
// cache (Upsert/Delete/Clear), so a cached slice is always consistent
// with the generation it was computed under.
func (s *Store) cachedMatchLocked(pred *Predicate) ([]int, error) {
	key := predicateCacheKey(pred)
	if cached, ok := s.cursors.Get(key); ok {
		return cached, nil
	}
	ids, err := s.matchLocked(pred)
	if err != nil {
		return nil, err
	}
	s.cursors.Add(key, ids)
	return ids, nil
}

func (s *Store) matchLocked(pred *Predicate) ([]int, error) {
	var ids []int
	if s.live.GetCardinality() > uint64(s.threshold) {
		bm, err := s.evalIndexed(pred)
		if err != nil {
			return nil, err
		}
		it := bm.Iterator()
		for it.HasNext() {
			ids = append(ids, int(it.Next()))
		}
	} else {
		it := s.live.Iterator()
		for it.HasNext() {
			id := int(it.Next())
			if Eval(pred, s.docs[id]) {
				ids = append(ids, id)
			}
		}
	}
	sort.Ints(ids)
	return ids, nil
}

// evalIndexed mirrors Eval's boolean-tree semantics using roaring bitmaps
// sourced from the scalar/text secondary indexes, for collections above
// the in-memory threshold. Both strategies are required to agree on every
// input (see the conformance test in store_test.go).
func (s *Store) evalIndexed(p *Predicate) (*roaring.Bitmap, error) {
	if p == nil {
		return s.live.Clone(), nil
	}
	bm, err := s.evalIndexedNode(*p)
	if err != nil {
		return nil, err
	}
	bm.And(s.live)
	return bm, nil
}

func (s *Store) evalIndexedNode(p Predicate) (*roaring.Bitmap, error) {
	if isLeaf(p) {
		return s.evalIndexedLeaf(p)
	}
	result := s.live.Clone()
	for _, child := range p.Must {
		bm, err := s.evalIndexedNode(child)
		if err != nil {
			return nil, err
		}
		result.And(bm)
	}
	for _, child := range p.MustNot {
		bm, err := s.evalIndexedNode(child)
		if err != nil {
			return nil, err
		}
		result.AndNot(bm)
	}
	if len(p.Should) > 0 {
		union := roaring.New()
		for _, child := range p.Should {
			bm, err := s.evalIndexedNode(child)
			if err != nil {
				return nil, err
			}
			union.Or(bm)
		}
		result.And(union)
	}
	return result, nil
}

func (s *Store) evalIndexedLeaf(p Predicate) (*roaring.Bitmap, error) {
	var hits map[int]bool
	var err error
	switch {
	case p.Match != nil && p.Match.Text != "":
		hits, err = s.textIdx.search(p.Match.Text)
		// The text index searches every string field; keep only the
		// hits whose value at p.Key matches, as the tree walk does.
		for id := range hits {
			if field, ok := s.docs[id].Path(p.Key); !ok || !evalMatch(*p.Match, field) {
				delete(hits, id)
			}
		}
	case p.Match != nil && p.Match.Any != nil:
		hits = make(map[int]bool)
		for _, want := range p.Match.Any {
			part, e := s.scalarIdx.exactIDs(p.Key, want)
			if e != nil {
				return nil, e
			}
			for id := range part {
				hits[id] = true
			}
		}
	case p.Match != nil:
		hits, err = s.scalarIdx.exactIDs(p.Key, p.Match.Value)
	case p.Range != nil:
		hits, err = s.scalarIdx.rangeIDs(p.Key, *p.Range)
	}
	if err != nil {
		return nil, err
	}
	bm := roaring.New()
	for id := range hits {
		bm.Add(uint32(id))
	}
	return bm, nil
}

// Facet aggregates the values at key across live documents into
// (value, count) pairs sorted by count descending, limited to limit
// entries (spec §4.4 "Facet").
func (s *Store) Facet(key string, limit int) ([]FacetEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.live.GetCardinality() > uint64(s.threshold) {
		return s.scalarIdx.facet(key, limit)
	}
	return facetInMemory(s.docs, key, limit), nil
}

// Scroll returns up to limit live ids greater than the cursor encoded in
// token (empty token starts from the beginning), satisfying pred, plus
// the token to resume from. Node ids are visited in ascending order,
// which is a stable total order over a snapshot of the live id set taken
// at call start (spec §4.4 "Scroll").
func (s *Store) Scroll(pred *Predicate, limit int, token string) (ids []int, nextToken string, err error) {
	after, generation, err := decodeCursor(token)
	if err != nil {
		return nil, "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if token != "" && generation != s.generation {
		return nil, "", vxerr.New(vxerr.InvalidArgument, "payload: scroll token from a stale generation")
	}

	matched, err := s.cachedMatchLocked(pred)
	if err != nil {
		return nil, "", err
	}
	start := sort.SearchInts(matched, after+1)
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	page := matched[start:end]
	next := ""
	if end < len(matched) {
		next = encodeCursor(page[len(page)-1], s.generation)
	}
	return page, next, nil
}

func encodeCursor(lastID int, generation uint64) string {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(int64(lastID)))
	binary.LittleEndian.PutUint64(buf[8:16], generation)
	return base64.URLEncoding.EncodeToString(buf)
}

func decodeCursor(token string) (lastID int, generation uint64, err error) {
	if token == "" {
		return -1, 0, nil
	}
	buf, decErr := base64.URLEncoding.DecodeString(token)
	if decErr != nil || len(buf) != 16 {
		return 0, 0, vxerr.New(vxerr.InvalidArgument, "payload: malformed scroll token")
	}
	lastID = int(int64(binary.LittleEndian.Uint64(buf[0:8])))
	generation = binary.LittleEndian.Uint64(buf[8:16])
	return lastID, generation, nil
}

// All returns a copy of every live document keyed by node id, for the
// snapshotter to serialize (spec §6 payload_section).
func (s *Store) All() map[int]Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int]Value, len(s.docs))
	for id, v := range s.docs {
		out[id] = v
	}
	return out
}

// RestoreAll replaces the store's contents with docs in one step,
// reindexing each into the secondary indexes, and bumps the generation so
// any scroll token issued before a restore is rejected. Used by snapshot
// and WAL recovery, which rebuild state from scratch rather than by
// replaying individual Upsert calls.
func (s *Store) RestoreAll(docs map[int]Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = make(map[int]Value, len(docs))
	s.live = roaring.New()
	for id, v := range docs {
		s.docs[id] = v
		s.live.Add(uint32(id))
		if err := s.scalarIdx.index(id, v); err != nil {
			return err
		}
		if err := s.textIdx.indexDoc(id, v); err != nil {
			return err
		}
	}
	s.generation++
	s.cursors.Purge()
	return nil
}

// Clear empties the store and bumps its generation, invalidating any
// scroll tokens issued before the call (used when a collection is
// recreated in place, e.g. during recovery).
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = make(map[int]Value)
	s.live = roaring.New()
	s.generation++
	s.cursors.Purge()
}

// predicateCacheKey renders a predicate tree into a deterministic string
// for use as a cachedMatchLocked cache key. It does not need to be
// human-readable, only injective over the shapes Predicate can take.
func predicateCacheKey(p *Predicate) string {
	var b strings.Builder
	writePredicateKey(&b, p)
	return b.String()
}

func floatPtrKey(f *float64) string {
	if f == nil {
		return "-"
	}
	return fmt.Sprintf("%v", *f)
}

func writePredicateKey(b *strings.Builder, p *Predicate) {
	if p == nil {
		b.WriteString("*")
		return
	}
	fmt.Fprintf(b, "[k=%s;", p.Key)
	if p.Match != nil {
		fmt.Fprintf(b, "m=%v,%v,%q;", p.Match.Value, p.Match.Any, p.Match.Text)
	}
	if p.Range != nil {
		fmt.Fprintf(b, "r=%s,%s,%s,%s;", floatPtrKey(p.Range.Gte), floatPtrKey(p.Range.Lte), floatPtrKey(p.Range.Gt), floatPtrKey(p.Range.Lt))
	}
	for _, c := range p.Must {
		b.WriteString("must(")
		writePredicateKey(b, &c)
		b.WriteString(")")
	}
	for _, c := range p.Should {
		b.WriteString("should(")
		writePredicateKey(b, &c)
		b.WriteString(")")
	}
	for _, c := range p.MustNot {
		b.WriteString("not(")
		writePredicateKey(b, &c)
		b.WriteString(")")
	}
	b.WriteString("]")
}

// Close releases the secondary indexes' resources.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.scalarIdx.close(); err != nil {
		return err
	}
	return s.textIdx.close()
}
