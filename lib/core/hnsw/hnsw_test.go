package hnsw

import (
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/diffsec/vxdb/lib/core/kernel"
)

// memStore is a minimal VectorSource for tests, independent of the
// vecstore package to keep this package's tests self-contained.
type memStore struct {
	rows [][]float32
}

func (m *memStore) View(id int) ([]float32, error) {
	return m.rows[id], nil
}

func (m *memStore) add(v []float32) int {
	m.rows = append(m.rows, v)
	return len(m.rows) - 1
}

func buildIndex(t *testing.T, n, dim int, metric kernel.Metric) (*Index, *memStore, [][]float32) {
	t.Helper()
	store := &memStore{}
	idx := New(metric, Params{M: 8, EfConstruction: 64, EfSearchDefault: 32, MaxLevelCap: 8}, store, 42)

	r := rand.New(rand.NewSource(7))
	vecs := make([][]float32, n)
	for i := 0; i < n; i++ {
		v := make([]float32, dim)
		for j := range v {
			v[j] = r.Float32()*2 - 1
		}
		if metric == kernel.Cosine {
			kernel.Normalize(v)
		}
		id := store.add(v)
		if err := idx.Insert(id, v); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		vecs[i] = v
	}
	return idx, store, vecs
}

func bruteForceKNN(dist kernel.Func, metric kernel.Metric, vecs [][]float32, query []float32, k int, alive func(int) bool) []int {
	type sc struct {
		id   int
		cost float32
	}
	var all []sc
	for i, v := range vecs {
		if alive != nil && !alive(i) {
			continue
		}
		raw := dist(query, v)
		cost := raw
		if metric != kernel.Euclidean {
			cost = -raw
		}
		all = append(all, sc{id: i, cost: cost})
	}
	// simple insertion sort (small n in tests)
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j].cost < all[j-1].cost; j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}
	out := make([]int, 0, k)
	for i := 0; i < k && i < len(all); i++ {
		out = append(out, all[i].id)
	}
	return out
}

func TestSearchRecallAgainstBruteForce(t *testing.T) {
	const n, dim, k = 300, 16, 10
	idx, _, vecs := buildIndex(t, n, dim, kernel.Cosine)

	r := rand.New(rand.NewSource(99))
	dist := kernel.Select(kernel.Cosine)

	totalHits := 0
	const queries = 20
	for q := 0; q < queries; q++ {
		query := make([]float32, dim)
		for j := range query {
			query[j] = r.Float32()*2 - 1
		}
		kernel.Normalize(query)

		got, err := idx.Search(query, k, 128, nil, time.Time{})
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		want := bruteForceKNN(dist, kernel.Cosine, vecs, query, k, nil)
		wantSet := make(map[int]bool, len(want))
		for _, id := range want {
			wantSet[id] = true
		}
		for _, res := range got.Results {
			if wantSet[res.ID] {
				totalHits++
			}
		}
	}
	recall := float64(totalHits) / float64(queries*k)
	if recall < 0.85 {
		t.Fatalf("recall too low: %v", recall)
	}
}

func TestEmptyIndexSearchReturnsEmpty(t *testing.T) {
	store := &memStore{}
	idx := New(kernel.Cosine, DefaultParams(), store, 1)
	out, err := idx.Search([]float32{1, 2, 3}, 5, 10, nil, time.Time{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Results) != 0 {
		t.Fatalf("expected no results from empty index, got %v", out.Results)
	}
}

func TestDeleteTombstonesNodeOutOfResults(t *testing.T) {
	// Euclidean guarantees node 0 is its own unique nearest neighbor
	// (self-distance 0), unlike Dot where a larger-magnitude vector could
	// outscore it by chance.
	idx, store, vecs := buildIndex(t, 50, 8, kernel.Euclidean)
	_ = store
	query := vecs[0]

	before, _ := idx.Search(query, 5, 50, nil, time.Time{})
	if len(before.Results) == 0 || before.Results[0].ID != 0 {
		t.Fatalf("expected node 0 to be its own nearest neighbor, got %v", before.Results)
	}

	if err := idx.Delete(0); err != nil {
		t.Fatalf("delete: %v", err)
	}

	after, _ := idx.Search(query, 5, 50, nil, time.Time{})
	for _, r := range after.Results {
		if r.ID == 0 {
			t.Fatalf("tombstoned node 0 still present in results: %v", after.Results)
		}
	}
}

func TestSearchWithPredicateFiltersResults(t *testing.T) {
	idx, _, vecs := buildIndex(t, 100, 8, kernel.Dot)
	query := vecs[0]

	pred := func(id int) bool { return id%2 == 0 }
	out, err := idx.Search(query, 10, 80, pred, time.Time{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for _, r := range out.Results {
		if r.ID%2 != 0 {
			t.Fatalf("predicate leaked odd id %d into results", r.ID)
		}
	}
}

func TestDeletedEntryPointReassigned(t *testing.T) {
	idx, _, _ := buildIndex(t, 20, 4, kernel.Dot)
	ep := idx.entryPoint
	if err := idx.Delete(ep); err != nil {
		t.Fatalf("delete entry point: %v", err)
	}
	if idx.entryPoint == ep {
		t.Fatal("expected entry point to be reassigned after its deletion")
	}
	if idx.entryPoint != -1 && idx.isTombstoned(idx.entryPoint) {
		t.Fatal("new entry point must not be tombstoned")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	idx, store, _ := buildIndex(t, 40, 6, kernel.Dot)
	if err := idx.Delete(3); err != nil {
		t.Fatalf("delete: %v", err)
	}

	buf := &memBuffer{}
	if err := idx.EncodeTo(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := DecodeFrom(buf, kernel.Dot, store)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Len() != idx.Len() {
		t.Fatalf("node count mismatch: got %d want %d", decoded.Len(), idx.Len())
	}
	if !decoded.isTombstoned(3) {
		t.Fatal("expected node 3 to remain tombstoned after round trip")
	}
	if decoded.entryPoint != idx.entryPoint {
		t.Fatalf("entry point mismatch: got %d want %d", decoded.entryPoint, idx.entryPoint)
	}
}

type memBuffer struct {
	data []byte
	pos  int
}

func (b *memBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *memBuffer) Read(p []byte) (int, error) {
	n := copy(p, b.data[b.pos:])
	b.pos += n
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}
