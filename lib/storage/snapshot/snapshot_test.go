package snapshot

import (
	"bytes"
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/diffsec/vxdb/lib/core/hnsw"
	"github.com/diffsec/vxdb/lib/core/kernel"
	"github.com/diffsec/vxdb/lib/core/payload"
	"github.com/diffsec/vxdb/lib/core/vecstore"
)

func buildFixture(t *testing.T, n, dim int) (*vecstore.Store, *hnsw.Index, *payload.Store) {
	t.Helper()
	vs := vecstore.New(dim)
	idx := hnsw.New(kernel.Cosine, hnsw.Params{M: 8, EfConstruction: 32, EfSearchDefault: 16, MaxLevelCap: 6}, vs, 7)
	store, err := payload.New(0)
	if err != nil {
		t.Fatalf("payload.New: %v", err)
	}

	r := rand.New(rand.NewSource(11))
	for i := 0; i < n; i++ {
		v := make([]float32, dim)
		for j := range v {
			v[j] = r.Float32()*2 - 1
		}
		kernel.Normalize(v)
		id, err := vs.Append(v)
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if err := idx.Insert(id, v); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if err := store.Upsert(id, payload.Obj(map[string]payload.Value{
			"name": payload.String("point"),
			"n":    payload.Number(float64(i)),
		})); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	return vs, idx, store
}

// encodeIndex pre-encodes idx the way collection.TakeSnapshot does
// before handing the bytes to BuildInput.
func encodeIndex(t *testing.T, idx *hnsw.Index) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := idx.EncodeTo(&buf); err != nil {
		t.Fatalf("EncodeTo: %v", err)
	}
	return buf.Bytes()
}

func TestWriteLoadRoundTrip(t *testing.T) {
	dim := 8
	vs, idx, store := buildFixture(t, 20, dim)
	if err := idx.Delete(3); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(3); err != nil {
		t.Fatalf("store.Delete: %v", err)
	}

	dir := t.TempDir()
	in := BuildInput(42, dim, "Cosine", idx.Params(), nil, vs.Snapshot(), encodeIndex(t, idx), idx, store,
		func(nodeID int) (bool, uint64, string) { return false, uint64(nodeID), "" })

	path, err := Write(dir, in)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if filepath.Base(path) != "snap-42.bin" {
		t.Fatalf("expected snap-42.bin, got %s", path)
	}

	out, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out.SeqWatermark != 42 {
		t.Fatalf("expected watermark 42, got %d", out.SeqWatermark)
	}
	if out.Dimension != dim {
		t.Fatalf("expected dimension %d, got %d", dim, out.Dimension)
	}
	if out.PointCount != 20 {
		t.Fatalf("expected 20 points, got %d", out.PointCount)
	}
	if len(out.Points) != 20 {
		t.Fatalf("expected 20 payload entries, got %d", len(out.Points))
	}
	if !out.Points[3].Tombstoned {
		t.Fatalf("expected point 3 to be recorded as tombstoned")
	}
	if len(out.Points[3].Payload) != 0 {
		t.Fatalf("expected no payload for a deleted point, got %q", out.Points[3].Payload)
	}
	if out.Index.Len() != 20 {
		t.Fatalf("expected decoded index to have 20 nodes, got %d", out.Index.Len())
	}
	if !out.Index.IsTombstoned(3) {
		t.Fatalf("expected decoded index to preserve node 3's tombstone")
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(out.Points[0].Payload, &decoded); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if decoded["name"] != "point" {
		t.Fatalf("unexpected payload for point 0: %v", decoded)
	}
}

func TestListOrdersByWatermarkDescending(t *testing.T) {
	dim := 4
	vs, idx, store := buildFixture(t, 3, dim)
	dir := t.TempDir()

	for _, wm := range []uint64{5, 20, 10} {
		in := BuildInput(wm, dim, "Cosine", idx.Params(), nil, vs.Snapshot(), encodeIndex(t, idx), idx, store,
			func(nodeID int) (bool, uint64, string) { return false, uint64(nodeID), "" })
		if _, err := Write(dir, in); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	names, err := List(dir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"snap-20.bin", "snap-10.bin", "snap-5.bin"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i, w := range want {
		if names[i] != w {
			t.Fatalf("expected %v, got %v", want, names)
		}
	}
}

func TestLatestValidSkipsCorruptNewestSnapshot(t *testing.T) {
	dim := 4
	vs, idx, store := buildFixture(t, 5, dim)
	dir := t.TempDir()

	idOf := func(nodeID int) (bool, uint64, string) { return false, uint64(nodeID), "" }
	if _, err := Write(dir, BuildInput(1, dim, "Cosine", idx.Params(), nil, vs.Snapshot(), encodeIndex(t, idx), idx, store, idOf)); err != nil {
		t.Fatalf("Write old: %v", err)
	}
	newPath, err := Write(dir, BuildInput(2, dim, "Cosine", idx.Params(), nil, vs.Snapshot(), encodeIndex(t, idx), idx, store, idOf))
	if err != nil {
		t.Fatalf("Write new: %v", err)
	}
	// Corrupt the newest snapshot's trailing CRC.
	raw, err := os.ReadFile(newPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	raw[len(raw)-1] ^= 0xFF
	if err := os.WriteFile(newPath, raw, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	out, err := LatestValid(dir)
	if err != nil {
		t.Fatalf("LatestValid: %v", err)
	}
	if out.SeqWatermark != 1 {
		t.Fatalf("expected fallback to watermark 1, got %d", out.SeqWatermark)
	}
}

func TestLatestValidNoSnapshotsReturnsNil(t *testing.T) {
	dir := t.TempDir()
	out, err := LatestValid(dir)
	if err != nil {
		t.Fatalf("LatestValid: %v", err)
	}
	if out != nil {
		t.Fatalf("expected nil output for an empty directory, got %v", out)
	}
}

func TestStringPointIDRoundTrip(t *testing.T) {
	dim := 4
	vs, idx, store := buildFixture(t, 2, dim)
	dir := t.TempDir()

	in := BuildInput(1, dim, "Cosine", idx.Params(), nil, vs.Snapshot(), encodeIndex(t, idx), idx, store,
		func(nodeID int) (bool, uint64, string) { return true, 0, "ext-" + string(rune('a'+nodeID)) })
	path, err := Write(dir, in)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	out, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !out.Points[0].ID.IsString || out.Points[0].ID.Str != "ext-a" {
		t.Fatalf("expected string id ext-a, got %+v", out.Points[0].ID)
	}
}
