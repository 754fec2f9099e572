package kernel

import (
	"math/rand"
	"testing"
)

func randVec(r *rand.Rand, n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = r.Float32()*2 - 1
	}
	return v
}

func TestScalarMatchesSIMDDot(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for trial := 0; trial < 50; trial++ {
		a := randVec(r, 128)
		b := randVec(r, 128)

		simd := simdDot(a, b)
		scalar := scalarDot(a, b)

		diff := simd - scalar
		if diff < 0 {
			diff = -diff
		}
		denom := simd
		if denom < 0 {
			denom = -denom
		}
		if denom < 1e-6 {
			denom = 1e-6
		}
		if diff/denom > 1e-5 {
			t.Fatalf("trial %d: simd=%v scalar=%v relerr=%v", trial, simd, scalar, diff/denom)
		}
	}
}

func TestDimensionMismatchPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on dimension mismatch")
		}
	}()
	scalarDot([]float32{1, 2}, []float32{1, 2, 3})
}

func TestNormalizeUnitLength(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	v := randVec(r, 32)
	Normalize(v)
	norm := Norm(v)
	if norm < 1-1e-4 || norm > 1+1e-4 {
		t.Fatalf("expected unit norm, got %v", norm)
	}
}

func TestNormalizeZeroVectorUnchanged(t *testing.T) {
	v := make([]float32, 8)
	Normalize(v)
	for _, x := range v {
		if x != 0 {
			t.Fatalf("expected zero vector unchanged, got %v", v)
		}
	}
}

func TestSquaredEuclideanNonNegative(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	euclid := Select(Euclidean)
	for i := 0; i < 20; i++ {
		a := randVec(r, 16)
		b := randVec(r, 16)
		d := euclid(a, b)
		if d < 0 {
			t.Fatalf("squared euclidean distance negative: %v", d)
		}
	}
	same := randVec(r, 16)
	if d := euclid(same, same); d > 1e-4 {
		t.Fatalf("expected ~0 distance to self, got %v", d)
	}
}

func TestDimensionValidation(t *testing.T) {
	if err := Dimension([]float32{1, 2, 3}, 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Dimension([]float32{1, 2}, 3); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestParseMetric(t *testing.T) {
	cases := map[string]Metric{"Cosine": Cosine, "Dot": Dot, "Euclid": Euclidean}
	for name, want := range cases {
		got, err := ParseMetric(name)
		if err != nil || got != want {
			t.Fatalf("ParseMetric(%q) = %v, %v; want %v", name, got, err, want)
		}
	}
	if _, err := ParseMetric("bogus"); err == nil {
		t.Fatal("expected error for unknown metric")
	}
}
