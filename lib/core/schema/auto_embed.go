package schema

import (
	"hash/fnv"
	"strings"

	"github.com/chewxy/math32"

	"github.com/diffsec/vxdb/lib/core/kernel"
	"github.com/diffsec/vxdb/lib/core/payload"
)

// Default auto-embedding widths (spec §4.5 "Auto-embedding", and the
// corresponding SPEC_FULL addition fixing FNV-1a as the concrete hash so
// two implementations agree on the same payload+schema).
const (
	DefaultTextWidth        = 64
	DefaultCategoricalWidth = 64
)

// EmbedParams controls per-field-type vector widths for AutoEmbed.
type EmbedParams struct {
	TextWidth        int
	CategoricalWidth int
}

// DefaultEmbedParams returns the spec's default widths.
func DefaultEmbedParams() EmbedParams {
	return EmbedParams{TextWidth: DefaultTextWidth, CategoricalWidth: DefaultCategoricalWidth}
}

// Width reports the total embedding dimension a schema produces under
// params: text and categorical fields each contribute their configured
// width, number and boolean fields each contribute one lane.
func Width(s *Schema, params EmbedParams) int {
	total := 0
	for _, f := range s.Fields {
		switch f.Type {
		case Text:
			total += params.TextWidth
		case Categorical:
			total += params.CategoricalWidth
		case Number, Boolean:
			total++
		}
	}
	return total
}

// AutoEmbed derives a dense vector from doc deterministically, per spec
// §4.5: concatenate each field's sub-vector scaled by sqrt(weight), in
// schema field order, then L2-normalize the whole vector. A field absent
// from doc contributes an all-zero sub-vector (it still occupies its
// lanes, so the output width only depends on the schema, not the
// document).
func AutoEmbed(s *Schema, doc payload.Value, params EmbedParams) []float32 {
	out := make([]float32, 0, Width(s, params))
	for _, f := range s.Fields {
		scale := math32.Sqrt(float32(f.Weight))
		val, ok := doc.Path(f.Path)

		switch f.Type {
		case Text:
			sub := make([]float32, params.TextWidth)
			if ok && val.Kind == payload.KindString {
				embedText(val.Str, sub)
			}
			scaleInto(sub, scale)
			out = append(out, sub...)
		case Categorical:
			sub := make([]float32, params.CategoricalWidth)
			if ok {
				embedCategorical(val, sub)
			}
			scaleInto(sub, scale)
			out = append(out, sub...)
		case Number:
			lane := float32(0)
			if ok && val.Kind == payload.KindNumber {
				lane = math32.Tanh(float32(val.Number))
			}
			out = append(out, lane*scale)
		case Boolean:
			lane := float32(0)
			if ok && val.Kind == payload.KindBool {
				if val.Bool {
					lane = 1
				} else {
					lane = -1
				}
			}
			out = append(out, lane*scale)
		}
	}
	kernel.Normalize(out)
	return out
}

func scaleInto(v []float32, scale float32) {
	for i := range v {
		v[i] *= scale
	}
}

// embedText hashes every trigram and whole token of s into buckets of
// sub, matching spec §4.5's "text → trigram + whole-word hash bucketed
// into a fixed width".
func embedText(s string, sub []float32) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return
	}
	width := len(sub)
	runes := []rune(s)
	if len(runes) < 3 {
		hashInto(sub, width, "g:"+s)
	} else {
		for i := 0; i+3 <= len(runes); i++ {
			hashInto(sub, width, "g:"+string(runes[i:i+3]))
		}
	}
	for _, tok := range strings.Fields(s) {
		hashInto(sub, width, "w:"+tok)
	}
}

// embedCategorical hashes every scalar value (or array element) into
// multiple positions of sub, per spec §4.5's "categorical → multi-
// position hash into a fixed width".
func embedCategorical(v payload.Value, sub []float32) {
	width := len(sub)
	switch v.Kind {
	case payload.KindArray:
		for _, elem := range v.Array {
			if elem.IsScalar() {
				hashMultiInto(sub, width, elem.ScalarString())
			}
		}
	default:
		if v.IsScalar() {
			hashMultiInto(sub, width, v.ScalarString())
		}
	}
}

// hashInto adds +1 at one FNV-1a-derived bucket.
func hashInto(sub []float32, width int, token string) {
	if width == 0 {
		return
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))
	idx := int(h.Sum32()) % width
	if idx < 0 {
		idx += width
	}
	sub[idx] += 1
}

// hashMultiInto adds +1 at three FNV-1a-derived buckets (seeded by
// position; two or all three may coincide), spreading a categorical value's signature across the
// width so small widths don't collapse every value onto one lane.
func hashMultiInto(sub []float32, width int, token string) {
	if width == 0 {
		return
	}
	for pos := 0; pos < 3; pos++ {
		h := fnv.New32a()
		_, _ = h.Write([]byte{byte(pos)})
		_, _ = h.Write([]byte(token))
		idx := int(h.Sum32()) % width
		if idx < 0 {
			idx += width
		}
		sub[idx] += 1
	}
}
