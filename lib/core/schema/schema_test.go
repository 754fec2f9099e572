package schema

import (
	"math"
	"testing"

	"github.com/diffsec/vxdb/lib/core/payload"
)

func TestScoreAggregatesWeightedFields(t *testing.T) {
	s := &Schema{Fields: []Field{
		{Path: "title", Type: Text, Distance: Exact, Weight: 2},
		{Path: "price", Type: Number, Distance: Relative, Weight: 1},
	}}
	example := payload.Obj(map[string]payload.Value{
		"title": payload.String("Widget"),
		"price": payload.Number(100),
	})
	candidate := payload.Obj(map[string]payload.Value{
		"title": payload.String("widget"),
		"price": payload.Number(110),
	})

	score, contribs := Score(s, example, candidate, nil)
	if len(contribs) != 2 {
		t.Fatalf("expected 2 contributions, got %v", contribs)
	}
	if score <= 0 || score > 1 {
		t.Fatalf("score out of range: %v", score)
	}
	var total float64
	for _, c := range contribs {
		total += c.Score
	}
	if math.Abs(total-score) > 1e-9 {
		t.Fatalf("contributions should sum to the aggregate score: %v vs %v", total, score)
	}
}

func TestScoreDropsUndefinedFields(t *testing.T) {
	s := &Schema{Fields: []Field{
		{Path: "missing", Type: Text, Distance: Exact, Weight: 1},
		{Path: "present", Type: Number, Distance: Exact, Weight: 1},
	}}
	example := payload.Obj(map[string]payload.Value{"present": payload.Number(5)})
	candidate := payload.Obj(map[string]payload.Value{"present": payload.Number(5)})

	score, contribs := Score(s, example, candidate, nil)
	if len(contribs) != 1 || contribs[0].Path != "present" {
		t.Fatalf("expected only the present field to contribute, got %v", contribs)
	}
	if math.Abs(score-1) > 1e-9 {
		t.Fatalf("expected score 1 (sole field is an exact match), got %v", score)
	}
}

func TestScoreEmptyFieldSetIsZero(t *testing.T) {
	s := &Schema{Fields: []Field{{Path: "a", Type: Text, Distance: Exact, Weight: 1}}}
	score, contribs := Score(s, payload.Obj(nil), payload.Obj(nil), nil)
	if score != 0 || contribs != nil {
		t.Fatalf("expected zero score and no contributions, got %v %v", score, contribs)
	}
}

func TestScoreQueryTimeWeightOverride(t *testing.T) {
	s := &Schema{Fields: []Field{
		{Path: "a", Type: Boolean, Distance: Exact, Weight: 1},
		{Path: "b", Type: Boolean, Distance: Exact, Weight: 1},
	}}
	example := payload.Obj(map[string]payload.Value{"a": payload.Bool(true), "b": payload.Bool(true)})
	candidate := payload.Obj(map[string]payload.Value{"a": payload.Bool(true), "b": payload.Bool(false)})

	// Overriding b's weight to dominate should pull the aggregate score
	// toward b's (mismatching) similarity of 0.
	score, _ := Score(s, example, candidate, map[string]float64{"a": 0, "b": 10})
	if score > 0.2 {
		t.Fatalf("expected overridden weights to suppress the score toward 0, got %v", score)
	}
}

func TestTextSimilarityRules(t *testing.T) {
	cases := []struct {
		kind     DistanceKind
		a, b     string
		wantZero bool
	}{
		{Exact, "Hello", "hello", false},
		{Exact, "Hello", "world", true},
		{Overlap, "red blue", "blue green", false},
		{Semantic, "kitten", "sitting", false},
	}
	for _, c := range cases {
		sim, ok := textSimilarity(c.kind, payload.String(c.a), payload.String(c.b))
		if !ok {
			t.Fatalf("%v: expected defined similarity", c)
		}
		if c.wantZero && sim != 0 {
			t.Fatalf("%v: expected 0, got %v", c, sim)
		}
		if !c.wantZero && sim == 0 {
			t.Fatalf("%v: expected nonzero similarity, got 0", c)
		}
	}
}

func TestNumberSimilarityRelativeAndAbsolute(t *testing.T) {
	sim, ok := numberSimilarity(Relative, payload.Number(100), payload.Number(100))
	if !ok || sim != 1 {
		t.Fatalf("expected relative similarity 1 for equal numbers, got %v", sim)
	}
	sim, ok = numberSimilarity(Absolute, payload.Number(0), payload.Number(0))
	if !ok || sim != 1 {
		t.Fatalf("expected absolute similarity 1 for equal numbers, got %v", sim)
	}
}

func TestSortByScoreTieBreaks(t *testing.T) {
	candidates := []RankedCandidate{
		{ID: 5, ANNScore: 0.5, Schema: 0.9},
		{ID: 2, ANNScore: 0.9, Schema: 0.9},
		{ID: 9, ANNScore: 0.1, Schema: 0.99},
	}
	SortByScore(candidates)
	if candidates[0].ID != 9 {
		t.Fatalf("expected highest schema score first, got %v", candidates)
	}
	if candidates[1].ID != 2 {
		t.Fatalf("expected ANN-score tiebreak to put id 2 before id 5, got %v", candidates)
	}
}

func TestAutoEmbedDeterministicAndNormalized(t *testing.T) {
	s := &Schema{Fields: []Field{
		{Path: "title", Type: Text, Weight: 1},
		{Path: "price", Type: Number, Weight: 1},
		{Path: "tags", Type: Categorical, Weight: 1},
		{Path: "active", Type: Boolean, Weight: 1},
	}}
	doc := payload.Obj(map[string]payload.Value{
		"title":  payload.String("a red widget"),
		"price":  payload.Number(42),
		"tags":   payload.Arr(payload.String("red"), payload.String("metal")),
		"active": payload.Bool(true),
	})
	params := DefaultEmbedParams()

	v1 := AutoEmbed(s, doc, params)
	v2 := AutoEmbed(s, doc, params)
	if len(v1) != Width(s, params) {
		t.Fatalf("expected width %d, got %d", Width(s, params), len(v1))
	}
	for i := range v1 {
		if v1[i] != v2[i] {
			t.Fatalf("auto-embedding is not deterministic at lane %d: %v vs %v", i, v1[i], v2[i])
		}
	}
	var normSq float32
	for _, x := range v1 {
		normSq += x * x
	}
	if normSq < 0.99 || normSq > 1.01 {
		t.Fatalf("expected unit-normalized vector, got squared norm %v", normSq)
	}
}

// contribFor returns the contribution for path, failing the test if absent.
func contribFor(t *testing.T, contribs []Contribution, path string) Contribution {
	t.Helper()
	for _, c := range contribs {
		if c.Path == path {
			return c
		}
	}
	t.Fatalf("expected a contribution for %q, got %v", path, contribs)
	return Contribution{}
}

func hasContrib(contribs []Contribution, path string) bool {
	for _, c := range contribs {
		if c.Path == path {
			return true
		}
	}
	return false
}

// TestScorePinsWorkedExampleContributions pins the aggregation rule
// (schema.go's Score: fields undefined on either side of the pair are
// dropped before renormalizing) against the two-candidate smartphone
// schema. A field present only in the candidate, never in the query
// example (here "brand", and in the override case "price"/"category"
// too), never becomes a contribution regardless of its configured or
// overridden weight, even when a literal worked example elsewhere
// assumes otherwise: dropping it first and renormalizing over what's
// left is the rule this module commits to.
func TestScorePinsWorkedExampleContributions(t *testing.T) {
	s := &Schema{Fields: []Field{
		{Path: "name", Type: Text, Distance: Semantic, Weight: 0.4},
		{Path: "price", Type: Number, Distance: Relative, Weight: 0.3},
		{Path: "category", Type: Categorical, Distance: Exact, Weight: 0.2},
		{Path: "brand", Type: Categorical, Distance: Exact, Weight: 0.1},
	}}
	iphone := payload.Obj(map[string]payload.Value{
		"name":     payload.String("iPhone 15 Pro"),
		"price":    payload.Number(1199),
		"category": payload.String("electronics"),
		"brand":    payload.String("Apple"),
	})
	galaxy := payload.Obj(map[string]payload.Value{
		"name":     payload.String("Galaxy S24"),
		"price":    payload.Number(999),
		"category": payload.String("electronics"),
		"brand":    payload.String("Samsung"),
	})

	example := payload.Obj(map[string]payload.Value{
		"name":     payload.String("smartphone"),
		"price":    payload.Number(1000),
		"category": payload.String("electronics"),
	})

	for _, cand := range []payload.Value{iphone, galaxy} {
		score, contribs := Score(s, example, cand, nil)
		if hasContrib(contribs, "brand") {
			t.Fatalf("brand is absent from the example and must not contribute: %v", contribs)
		}
		if len(contribs) != 3 {
			t.Fatalf("expected name, price, category to contribute, got %v", contribs)
		}
		var total float64
		for _, c := range contribs {
			total += c.Score
		}
		if math.Abs(total-score) > 1e-9 {
			t.Fatalf("contributions should sum to the aggregate score: %v vs %v", total, score)
		}
		// The active weights are 0.4/0.3/0.2 over a 0.9 sum once brand
		// drops out, so category's exact match renormalizes to 0.2/0.9,
		// not the literal 0.2 a worked example elsewhere assumes.
		cat := contribFor(t, contribs, "category")
		wantCat := 0.2 / 0.9
		if math.Abs(cat.Score-wantCat) > 1e-9 {
			t.Fatalf("expected category contribution %v (0.2/0.9, not a bare 0.2), got %v", wantCat, cat.Score)
		}
		if cat.Sim != 1 {
			t.Fatalf("expected an exact category match, got sim %v", cat.Sim)
		}
	}
}

// TestScoreQueryTimeOverrideDropsFieldsMissingFromExample exercises a
// weight override naming fields the query example never populated
// ("price", "category"): per the same undefined-on-either-side rule,
// those overrides are inert, since the field is dropped before
// renormalization ever sees its weight. Only "name" (present on the
// example) ends up contributing.
func TestScoreQueryTimeOverrideDropsFieldsMissingFromExample(t *testing.T) {
	s := &Schema{Fields: []Field{
		{Path: "name", Type: Text, Distance: Semantic, Weight: 0.4},
		{Path: "price", Type: Number, Distance: Relative, Weight: 0.3},
		{Path: "category", Type: Categorical, Distance: Exact, Weight: 0.2},
		{Path: "brand", Type: Categorical, Distance: Exact, Weight: 0.1},
	}}
	iphone := payload.Obj(map[string]payload.Value{
		"name":     payload.String("iPhone 15 Pro"),
		"price":    payload.Number(1199),
		"category": payload.String("electronics"),
		"brand":    payload.String("Apple"),
	})
	example := payload.Obj(map[string]payload.Value{"name": payload.String("iPhone 15")})
	overrides := map[string]float64{"price": 0.7, "name": 0.2, "category": 0.1}

	score, contribs := Score(s, example, iphone, overrides)
	if len(contribs) != 1 || contribs[0].Path != "name" {
		t.Fatalf("expected only name to contribute (price/category absent from the example), got %v", contribs)
	}
	if hasContrib(contribs, "price") || hasContrib(contribs, "category") || hasContrib(contribs, "brand") {
		t.Fatalf("expected price, category, and brand all absent from explain, got %v", contribs)
	}
	// name is the sole active field, so it absorbs the whole normalized
	// weight (1.0) regardless of its un-normalized override value.
	if math.Abs(score-contribs[0].Score) > 1e-9 {
		t.Fatalf("expected the lone contribution to equal the aggregate score: %v vs %v", contribs[0].Score, score)
	}
	if contribs[0].Sim <= 0 || contribs[0].Sim >= 1 {
		t.Fatalf("expected a partial (neither 0 nor 1) semantic similarity for the name field, got %v", contribs[0].Sim)
	}
}

func TestAutoEmbedMissingFieldStillOccupiesWidth(t *testing.T) {
	s := &Schema{Fields: []Field{{Path: "title", Type: Text, Weight: 1}}}
	params := DefaultEmbedParams()
	v := AutoEmbed(s, payload.Obj(map[string]payload.Value{}), params)
	if len(v) != params.TextWidth {
		t.Fatalf("expected width %d even for a missing field, got %d", params.TextWidth, len(v))
	}
}
