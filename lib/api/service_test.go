package api

import (
	"testing"

	"github.com/diffsec/vxdb/lib/core/collection"
	"github.com/diffsec/vxdb/lib/core/payload"
	"github.com/diffsec/vxdb/lib/storage/manager"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	mgr, err := manager.New(manager.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("manager.New: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })
	return NewService(mgr)
}

func TestServiceCreateUpsertSearch(t *testing.T) {
	svc := newTestService(t)

	info, err := svc.CreateCollection("docs", CreateCollectionRequest{
		Vectors: VectorsConfig{Size: 2, Distance: "Cosine"},
	})
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	if info.Name != "docs" || info.Config.Size != 2 || info.Config.Distance != "Cosine" {
		t.Fatalf("unexpected info: %+v", info)
	}
	if info.SegmentsCount != 1 || info.ShardsCount != 1 {
		t.Fatalf("expected single segment/shard, got %+v", info)
	}

	err = svc.Upsert("docs", UpsertRequest{Points: []PointInput{
		{ID: collection.IntID(1), Vector: []float32{1, 0}},
		{ID: collection.IntID(2), Vector: []float32{0, 1}},
	}})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	resp, err := svc.Search("docs", SearchRequest{Vector: []float32{1, 0}, Limit: 1})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Result) != 1 || resp.Result[0].ID != collection.IntID(1) {
		t.Fatalf("unexpected search result: %+v", resp.Result)
	}

	count, err := svc.Count("docs", CountRequest{})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count.Count != 2 {
		t.Fatalf("expected count 2, got %d", count.Count)
	}
}

func TestServiceCreateAlreadyExistsAndDrop(t *testing.T) {
	svc := newTestService(t)

	if _, err := svc.CreateCollection("a", CreateCollectionRequest{Vectors: VectorsConfig{Size: 2, Distance: "Cosine"}}); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	if _, err := svc.CreateCollection("a", CreateCollectionRequest{Vectors: VectorsConfig{Size: 2, Distance: "Cosine"}}); err == nil {
		t.Fatalf("expected error recreating collection a")
	}

	names, err := svc.ListCollections()
	if err != nil || len(names) != 1 {
		t.Fatalf("ListCollections: names=%v err=%v", names, err)
	}

	if err := svc.DropCollection("a"); err != nil {
		t.Fatalf("DropCollection: %v", err)
	}
	if _, err := svc.GetCollectionInfo("a"); err == nil {
		t.Fatalf("expected NotFound after drop")
	}
}

func TestServiceSchemaRoundTrip(t *testing.T) {
	svc := newTestService(t)

	if _, err := svc.CreateCollection("notes", CreateCollectionRequest{Vectors: VectorsConfig{Size: 8, Distance: "Cosine"}}); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}

	if _, ok, err := svc.GetSchema("notes"); err != nil || ok {
		t.Fatalf("expected no schema initially, ok=%v err=%v", ok, err)
	}

	want := SimilaritySchema{Fields: []SchemaField{
		{Path: "title", Type: "text", Distance: "semantic", Weight: 1},
	}}
	if err := svc.SetSchema("notes", want); err != nil {
		t.Fatalf("SetSchema: %v", err)
	}

	got, ok, err := svc.GetSchema("notes")
	if err != nil || !ok {
		t.Fatalf("GetSchema after set: ok=%v err=%v", ok, err)
	}
	if len(got.Fields) != 1 || got.Fields[0].Path != "title" {
		t.Fatalf("unexpected schema: %+v", got)
	}

	if err := svc.DeleteSchema("notes"); err != nil {
		t.Fatalf("DeleteSchema: %v", err)
	}
	if _, ok, err := svc.GetSchema("notes"); err != nil || ok {
		t.Fatalf("expected no schema after delete, ok=%v err=%v", ok, err)
	}
}

func TestServiceFilterRoundTrip(t *testing.T) {
	svc := newTestService(t)

	if _, err := svc.CreateCollection("items", CreateCollectionRequest{Vectors: VectorsConfig{Size: 2, Distance: "Cosine"}}); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}

	err := svc.Upsert("items", UpsertRequest{Points: []PointInput{
		{ID: collection.IntID(1), Vector: []float32{1, 0}, Payload: payload.Obj(map[string]payload.Value{"category": payload.String("a")})},
		{ID: collection.IntID(2), Vector: []float32{0, 1}, Payload: payload.Obj(map[string]payload.Value{"category": payload.String("b")})},
	}})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	resp, err := svc.Count("items", CountRequest{Filter: &Filter{
		Key:   "category",
		Match: &MatchCond{Value: "b"},
	}})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if resp.Count != 1 {
		t.Fatalf("expected 1 matching point, got %d", resp.Count)
	}
}

func TestServiceHealthz(t *testing.T) {
	svc := newTestService(t)
	if got := svc.Healthz(); got.Status != "ok" {
		t.Fatalf("unexpected health status: %+v", got)
	}
}
