package api

import (
	"time"

	"github.com/diffsec/vxdb/lib/core/collection"
	"github.com/diffsec/vxdb/lib/core/hnsw"
	"github.com/diffsec/vxdb/lib/core/kernel"
	"github.com/diffsec/vxdb/lib/core/vxerr"
	"github.com/diffsec/vxdb/lib/storage/manager"
)

// Service implements CollectionAPI against a *manager.Manager,
// translating between the wire DTOs above and the core's collection,
// payload, and schema types. It holds no state of its own.
type Service struct {
	mgr *manager.Manager
}

// NewService wraps mgr behind the CollectionAPI contract.
func NewService(mgr *manager.Manager) *Service {
	return &Service{mgr: mgr}
}

var _ CollectionAPI = (*Service)(nil)

func (s *Service) collection(name string) (*collection.Collection, error) {
	col, ok := s.mgr.Get(name)
	if !ok {
		return nil, vxerr.New(vxerr.NotFound, "collection %q not found", name)
	}
	return col, nil
}

func (s *Service) CreateCollection(name string, req CreateCollectionRequest) (CollectionInfo, error) {
	metric, err := kernel.ParseMetric(req.Vectors.Distance)
	if err != nil {
		return CollectionInfo{}, err
	}
	col, err := s.mgr.Create(name, req.Vectors.Size, metric, hnsw.DefaultParams())
	if err != nil {
		return CollectionInfo{}, err
	}
	if req.SimilaritySchema != nil {
		sch, err := toSchema(*req.SimilaritySchema)
		if err != nil {
			return CollectionInfo{}, err
		}
		if err := col.SetSchema(sch); err != nil {
			return CollectionInfo{}, err
		}
	}
	return s.GetCollectionInfo(name)
}

func (s *Service) DropCollection(name string) error {
	return s.mgr.Drop(name)
}

func (s *Service) ListCollections() ([]string, error) {
	return s.mgr.List(), nil
}

// GetCollectionInfo implements `GET /collections/{name}`. This is a
// single-process, unsharded engine, so SegmentsCount and ShardsCount
// are always 1 (spec §6's response shape is kept for wire
// compatibility even though there is nothing to shard or segment).
func (s *Service) GetCollectionInfo(name string) (CollectionInfo, error) {
	col, err := s.collection(name)
	if err != nil {
		return CollectionInfo{}, err
	}
	return CollectionInfo{
		Name:          col.Name(),
		PointsCount:   col.PointsCount(),
		Status:        "green",
		SegmentsCount: 1,
		ShardsCount:   1,
		Config: VectorsConfig{
			Size:     col.Dimension(),
			Distance: col.Metric().String(),
		},
	}, nil
}

func (s *Service) Upsert(name string, req UpsertRequest) error {
	col, err := s.collection(name)
	if err != nil {
		return err
	}
	points := make([]collection.Point, len(req.Points))
	for i, p := range req.Points {
		points[i] = collection.Point{ID: p.ID, Vector: p.Vector, Payload: p.Payload}
	}
	return col.Upsert(points)
}

func hitToScored(h collection.Hit, withPayload bool) ScoredPoint {
	sp := ScoredPoint{ID: h.ID, Score: h.Score}
	if withPayload {
		doc := h.Payload
		sp.Payload = &doc
	}
	return sp
}

func (s *Service) Search(name string, req SearchRequest) (SearchResponse, error) {
	col, err := s.collection(name)
	if err != nil {
		return SearchResponse{}, err
	}
	hits, partial, err := col.Search(req.Vector, req.Limit, req.EfSearch, toPredicate(req.Filter), time.Time{})
	if err != nil {
		return SearchResponse{}, err
	}
	result := make([]ScoredPoint, len(hits))
	for i, h := range hits {
		result[i] = hitToScored(h, req.WithPayload)
	}
	return SearchResponse{Result: result, Partial: partial}, nil
}

func (s *Service) Scroll(name string, req ScrollRequest) (ScrollResponse, error) {
	col, err := s.collection(name)
	if err != nil {
		return ScrollResponse{}, err
	}
	fetched, next, err := col.Scroll(toPredicate(req.Filter), req.Limit, req.Offset)
	if err != nil {
		return ScrollResponse{}, err
	}
	points := make([]PointRecord, len(fetched))
	for i, f := range fetched {
		pr := PointRecord{ID: f.ID}
		if req.WithPayload {
			doc := f.Payload
			pr.Payload = &doc
		}
		points[i] = pr
	}
	return ScrollResponse{Points: points, NextPageOffset: next}, nil
}

func (s *Service) Count(name string, req CountRequest) (CountResponse, error) {
	col, err := s.collection(name)
	if err != nil {
		return CountResponse{}, err
	}
	n, err := col.Count(toPredicate(req.Filter))
	if err != nil {
		return CountResponse{}, err
	}
	return CountResponse{Count: n}, nil
}

func (s *Service) Recommend(name string, req RecommendRequest) (SearchResponse, error) {
	col, err := s.collection(name)
	if err != nil {
		return SearchResponse{}, err
	}
	hits, partial, err := col.Recommend(req.Positive, req.Negative, req.Limit, toPredicate(req.Filter), time.Time{})
	if err != nil {
		return SearchResponse{}, err
	}
	result := make([]ScoredPoint, len(hits))
	for i, h := range hits {
		result[i] = hitToScored(h, true)
	}
	return SearchResponse{Result: result, Partial: partial}, nil
}

func (s *Service) Facet(name string, req FacetRequest) (FacetResponse, error) {
	col, err := s.collection(name)
	if err != nil {
		return FacetResponse{}, err
	}
	entries, err := col.Facet(req.Key, req.Limit)
	if err != nil {
		return FacetResponse{}, err
	}
	hits := make([]FacetHit, len(entries))
	for i, e := range entries {
		hits[i] = FacetHit{Value: e.Value, Count: e.Count}
	}
	return FacetResponse{Hits: hits}, nil
}

func (s *Service) Similar(name string, req SimilarRequest) (SimilarResponse, error) {
	col, err := s.collection(name)
	if err != nil {
		return SimilarResponse{}, err
	}
	hits, partial, err := col.Similar(req.Example, req.LikeID, req.Limit, req.Weights, toPredicate(req.Filter), time.Time{})
	if err != nil {
		return SimilarResponse{}, err
	}
	result := make([]SimilarResult, len(hits))
	for i, h := range hits {
		explain := make(map[string]float64, len(h.Explain))
		for _, c := range h.Explain {
			explain[c.Path] = c.Score
		}
		result[i] = SimilarResult{ID: h.ID, Score: h.Score, Payload: h.Payload, Explain: explain}
	}
	return SimilarResponse{Result: result, Partial: partial}, nil
}

func (s *Service) GetSchema(name string) (SimilaritySchema, bool, error) {
	col, err := s.collection(name)
	if err != nil {
		return SimilaritySchema{}, false, err
	}
	sch, ok := col.GetSchema()
	if !ok {
		return SimilaritySchema{}, false, nil
	}
	return fromSchema(sch), true, nil
}

func (s *Service) SetSchema(name string, sch SimilaritySchema) error {
	col, err := s.collection(name)
	if err != nil {
		return err
	}
	converted, err := toSchema(sch)
	if err != nil {
		return err
	}
	return col.SetSchema(converted)
}

func (s *Service) DeleteSchema(name string) error {
	col, err := s.collection(name)
	if err != nil {
		return err
	}
	return col.DeleteSchema()
}

func (s *Service) Healthz() HealthResponse {
	return HealthResponse{Status: "ok"}
}
