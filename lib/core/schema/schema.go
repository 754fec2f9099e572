// Package schema implements the similarity schema and reranker of spec
// §4.5: a field-aware, explainable score layered on top of raw ANN
// results, plus the deterministic auto-embedding derivation used when a
// point is upserted without a vector.
//
// Grounded on the teacher's distance-kernel style (internal/vectordb/
// hnsw.go's cosineDistance), generalized from whole-vector similarity to
// a weighted sum of per-field similarities, each in [0,1].
package schema

import (
	"math"
	"sort"
	"strings"

	"golang.org/x/text/cases"

	"github.com/diffsec/vxdb/lib/core/payload"
	"github.com/diffsec/vxdb/lib/core/vxerr"
)

// FieldType is the payload type a schema field is declared over.
type FieldType int

const (
	Text FieldType = iota
	Number
	Categorical
	Boolean
)

// DistanceKind selects the similarity rule within a FieldType (spec §4.5
// table).
type DistanceKind int

const (
	Semantic DistanceKind = iota
	Exact
	Overlap
	Relative
	Absolute
)

// Field is one entry of a schema: a payload path, its declared type, the
// similarity rule, and its un-normalized weight.
type Field struct {
	Path     string
	Type     FieldType
	Distance DistanceKind
	Weight   float64
}

// Schema maps a collection's fields to their similarity contracts.
type Schema struct {
	Fields []Field
}

// Contribution is one field's weighted similarity in a scored pair.
type Contribution struct {
	Path  string
	Sim   float64
	Score float64 // weight' * Sim
}

// Score evaluates the schema against an example (query) and candidate
// payload pair, applying query-time weight overrides (by path) when
// provided. Returns the aggregated [0,1] score and per-field
// contributions, following spec §4.5's aggregation rule exactly: fields
// undefined on either side are dropped before weights are renormalized.
func Score(s *Schema, example, candidate payload.Value, overrides map[string]float64) (float64, []Contribution) {
	type usable struct {
		field  Field
		sim    float64
		weight float64
	}
	var active []usable

	for _, f := range s.Fields {
		exVal, exOK := example.Path(f.Path)
		candVal, candOK := candidate.Path(f.Path)
		if !exOK || !candOK {
			continue
		}
		sim, defined := similarity(f, exVal, candVal)
		if !defined {
			continue
		}
		w := f.Weight
		if overrides != nil {
			if ow, ok := overrides[f.Path]; ok {
				w = ow
			}
		}
		if w < 0 {
			w = 0
		}
		active = append(active, usable{field: f, sim: sim, weight: w})
	}

	if len(active) == 0 {
		return 0, nil
	}

	// Renormalize. If every active weight is zero (e.g. query-time
	// overrides that zero out every active field), fall back to the
	// schema's own weights for those fields; if those are all zero too,
	// split evenly rather than divide by zero.
	var sum float64
	for _, a := range active {
		sum += a.weight
	}
	if sum <= 0 {
		for i := range active {
			w := active[i].field.Weight
			if w < 0 {
				w = 0
			}
			active[i].weight = w
			sum += w
		}
	}
	if sum <= 0 {
		for i := range active {
			active[i].weight = 1
		}
		sum = float64(len(active))
	}

	contributions := make([]Contribution, len(active))
	var total float64
	for i, a := range active {
		normW := a.weight / sum
		score := normW * a.sim
		contributions[i] = Contribution{Path: a.field.Path, Sim: a.sim, Score: score}
		total += score
	}
	return total, contributions
}

var foldCaser = cases.Fold()

func similarity(f Field, a, b payload.Value) (float64, bool) {
	switch f.Type {
	case Text:
		return textSimilarity(f.Distance, a, b)
	case Number:
		return numberSimilarity(f.Distance, a, b)
	case Categorical:
		return categoricalSimilarity(f.Distance, a, b)
	case Boolean:
		return booleanSimilarity(a, b)
	default:
		return 0, false
	}
}

func textSimilarity(kind DistanceKind, a, b payload.Value) (float64, bool) {
	if a.Kind != payload.KindString || b.Kind != payload.KindString {
		return 0, false
	}
	sa, sb := strings.TrimSpace(a.Str), strings.TrimSpace(b.Str)
	if sa == "" || sb == "" {
		return 0, true
	}
	fa, fb := foldCaser.String(sa), foldCaser.String(sb)

	switch kind {
	case Exact:
		if fa == fb {
			return 1, true
		}
		return 0, true
	case Overlap:
		return jaccard(tokenSet(fa), tokenSet(fb)), true
	default: // Semantic
		trigram := jaccard(trigramSet(fa), trigramSet(fb))
		token := jaccard(tokenSet(fa), tokenSet(fb))
		return (trigram + token) / 2, true
	}
}

func numberSimilarity(kind DistanceKind, a, b payload.Value) (float64, bool) {
	if a.Kind != payload.KindNumber || b.Kind != payload.KindNumber {
		return 0, false
	}
	const eps = 1e-9
	diff := a.Number - b.Number
	if diff < 0 {
		diff = -diff
	}
	switch kind {
	case Exact:
		if a.Number == b.Number {
			return 1, true
		}
		return 0, true
	case Absolute:
		return math.Exp(-diff), true
	default: // Relative
		denom := maxFloat(absFloat(a.Number), absFloat(b.Number), eps)
		ratio := diff / denom
		if ratio > 1 {
			ratio = 1
		}
		return 1 - ratio, true
	}
}

func categoricalSimilarity(kind DistanceKind, a, b payload.Value) (float64, bool) {
	if kind == Overlap {
		return jaccard(valueSet(a), valueSet(b)), true
	}
	if !a.IsScalar() || !b.IsScalar() {
		return 0, false
	}
	if a.ScalarString() == b.ScalarString() && a.Kind == b.Kind {
		return 1, true
	}
	return 0, true
}

func booleanSimilarity(a, b payload.Value) (float64, bool) {
	if a.Kind != payload.KindBool || b.Kind != payload.KindBool {
		return 0, false
	}
	if a.Bool == b.Bool {
		return 1, true
	}
	return 0, true
}

func tokenSet(s string) map[string]struct{} {
	fields := strings.Fields(s)
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		out[f] = struct{}{}
	}
	return out
}

func trigramSet(s string) map[string]struct{} {
	runes := []rune(s)
	out := make(map[string]struct{})
	if len(runes) < 3 {
		out[s] = struct{}{}
		return out
	}
	for i := 0; i+3 <= len(runes); i++ {
		out[string(runes[i:i+3])] = struct{}{}
	}
	return out
}

// valueSet extracts the scalar elements of an array (or a single scalar)
// into a set keyed by their folded string form, for categorical/overlap
// Jaccard comparisons.
func valueSet(v payload.Value) map[string]struct{} {
	out := make(map[string]struct{})
	switch v.Kind {
	case payload.KindArray:
		for _, elem := range v.Array {
			if elem.IsScalar() {
				out[foldCaser.String(elem.ScalarString())] = struct{}{}
			}
		}
	default:
		if v.IsScalar() {
			out[foldCaser.String(v.ScalarString())] = struct{}{}
		}
	}
	return out
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func maxFloat(a, b, c float64) float64 {
	m := a
	if b > m {
		m = b
	}
	if c > m {
		m = c
	}
	return m
}

// SortByScore orders candidates by their aggregated schema score
// descending, falling back to the original ANN score then ascending
// internal id, per spec §4.5 "Reranking protocol".
type RankedCandidate struct {
	ID       int
	ANNScore float32
	Schema   float64
}

func SortByScore(candidates []RankedCandidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Schema != candidates[j].Schema {
			return candidates[i].Schema > candidates[j].Schema
		}
		if candidates[i].ANNScore != candidates[j].ANNScore {
			return candidates[i].ANNScore > candidates[j].ANNScore
		}
		return candidates[i].ID < candidates[j].ID
	})
}

// Validate checks that every field path is non-empty and every weight is
// non-negative (spec §3's schema field contract).
func Validate(s *Schema) error {
	for _, f := range s.Fields {
		if f.Path == "" {
			return vxerr.New(vxerr.InvalidArgument, "schema: field path must not be empty")
		}
		if f.Weight < 0 {
			return vxerr.New(vxerr.InvalidArgument, "schema: field %q has negative weight", f.Path)
		}
	}
	return nil
}
