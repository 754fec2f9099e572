// Package kernel implements the distance functions the HNSW index and
// collection search path use: cosine (as dot product on pre-normalized
// vectors), plain dot product, and squared Euclidean distance.
//
// vek32.Dot dispatches internally to AVX2+FMA, SSE, or NEON depending on
// the CPU vek detects at process start; kernel wraps it behind the same
// Func signature as the portable scalar fallback so callers never branch
// on CPU features (spec §4.1's "runtime dispatch ... No state").
package kernel

import (
	"fmt"
	"os"

	"github.com/chewxy/math32"
	"github.com/viterin/vek/vek32"

	"github.com/diffsec/vxdb/lib/core/vxerr"
)

// Metric selects which distance function a collection uses for ANN
// search. Cosine collections store unit-length vectors so cosine
// similarity reduces to a dot product (spec §4.1 design note).
type Metric int

const (
	Cosine Metric = iota
	Dot
	Euclidean
)

func (m Metric) String() string {
	switch m {
	case Cosine:
		return "Cosine"
	case Dot:
		return "Dot"
	case Euclidean:
		return "Euclid"
	default:
		return "Unknown"
	}
}

// ParseMetric maps a Qdrant-shaped metric name to a Metric.
func ParseMetric(s string) (Metric, error) {
	switch s {
	case "Cosine":
		return Cosine, nil
	case "Dot":
		return Dot, nil
	case "Euclid", "Euclidean":
		return Euclidean, nil
	default:
		return 0, vxerr.New(vxerr.InvalidArgument, "unknown distance metric %q", s)
	}
}

// Func computes a score between two equal-length vectors under a fixed
// metric. Higher is never implied to mean "closer" uniformly: cosine/dot
// are similarities (higher = closer), Euclidean is a distance (lower =
// closer). Callers that need a uniform "higher is more similar" score
// use Score below.
type Func func(a, b []float32) float32

// Select returns the distance function for metric, preferring vek32's
// SIMD-dispatching kernel (vek probes the running CPU for AVX2+FMA, SSE,
// or NEON at its own package init and picks the best available route)
// and falling back to the portable scalar path only when
// VXDB_FORCE_SCALAR_KERNEL is set — an escape hatch for environments
// where vek's cgo-free asm routes are unavailable (e.g. an unsupported
// GOARCH), and the same scalar path the property tests in §8.3 compare
// SIMD output against.
func Select(metric Metric) Func {
	dot := simdDot
	if os.Getenv("VXDB_FORCE_SCALAR_KERNEL") != "" {
		// Portable scalar path: unrolled by 8 per spec §4.1.
		dot = scalarDot
	}
	switch metric {
	case Cosine, Dot:
		return dot
	case Euclidean:
		return squaredEuclidean(dot)
	default:
		return dot
	}
}

func simdDot(a, b []float32) float32 {
	mustSameLen(a, b)
	return vek32.Dot(a, b)
}

// scalarDot is the portable fallback, unrolled by 8 so its rounding
// error profile is directly comparable to SIMD lane-summed results in
// the property test asserting relative error <= 1e-5 (spec §8.3).
func scalarDot(a, b []float32) float32 {
	mustSameLen(a, b)
	n := len(a)
	var sum float32
	i := 0
	for ; i+8 <= n; i += 8 {
		sum += a[i]*b[i] + a[i+1]*b[i+1] + a[i+2]*b[i+2] + a[i+3]*b[i+3] +
			a[i+4]*b[i+4] + a[i+5]*b[i+5] + a[i+6]*b[i+6] + a[i+7]*b[i+7]
	}
	for ; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// squaredEuclidean derives ||a-b||^2 = |a|^2 + |b|^2 - 2*dot(a,b) from a
// dot-product kernel, so the Euclidean path shares the same SIMD/scalar
// dispatch as cosine/dot instead of a second hand-rolled loop.
func squaredEuclidean(dot Func) Func {
	return func(a, b []float32) float32 {
		aa := dot(a, a)
		bb := dot(b, b)
		ab := dot(a, b)
		d := aa + bb - 2*ab
		if d < 0 {
			// Clamp rounding noise; squared distance is never negative.
			d = 0
		}
		return d
	}
}

func mustSameLen(a, b []float32) {
	if len(a) != len(b) {
		panic(vxerr.New(vxerr.DimensionMismatch, "kernel: length mismatch %d vs %d", len(a), len(b)))
	}
}

// Normalize scales v to unit L2 norm in place, returning v. Zero vectors
// are left unchanged (normalizing them is undefined; callers decide how
// to treat an all-zero embedding).
func Normalize(v []float32) []float32 {
	norm := Norm(v)
	if norm == 0 {
		return v
	}
	inv := 1 / norm
	for i := range v {
		v[i] *= inv
	}
	return v
}

// Norm returns the L2 norm of v using the scalar dot kernel (norm
// computation is not on the hot query path, so SIMD dispatch buys
// little here).
func Norm(v []float32) float32 {
	return math32.Sqrt(scalarDot(v, v))
}

// Score converts a raw kernel value into a "higher is more similar"
// score in a metric-appropriate way: cosine/dot pass through (already
// similarities in cosine's case, in [-1,1]); Euclidean inverts the
// squared distance into a bounded similarity via 1/(1+d).
func Score(metric Metric, raw float32) float32 {
	if metric == Euclidean {
		return 1 / (1 + raw)
	}
	return raw
}

// Dimension validates that v has exactly the expected length, returning
// a DimensionMismatch error otherwise.
func Dimension(v []float32, expected int) error {
	if len(v) != expected {
		return vxerr.New(vxerr.DimensionMismatch, "expected dimension %d, got %d", expected, len(v))
	}
	return nil
}

// String is a debug helper used by tests to describe a metric/value pair.
func String(metric Metric, v float32) string {
	return fmt.Sprintf("%s(%.6f)", metric, v)
}
