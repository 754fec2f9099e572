// Package payload implements the payload store described in spec §4.4:
// external id → (node id, payload document) mapping with point fetch,
// scroll, predicate match, count, and facet aggregation.
//
// Grounded on the teacher's internal/vectordb/sqlite.go (SQLiteMetaStore,
// a fixed-schema scalar index over a flat struct), generalized here to an
// arbitrary JSON-shaped document per spec §9 "Dynamic JSON payloads":
// documents are stored as a tagged variant tree rather than map[string]any
// so predicate evaluation and facet extraction walk typed nodes instead of
// repeating type assertions at every step.
package payload

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies which variant of Value is populated.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// Value is a tagged variant tree node. Exactly the field matching Kind is
// meaningful; the others are left zero.
type Value struct {
	Kind   Kind
	Bool   bool
	Number float64
	Str    string
	Array  []Value
	Object map[string]Value
}

// Null, Bool, Number, String, Arr, and Obj are convenience constructors
// for each Kind.
func Null() Value             { return Value{Kind: KindNull} }
func Bool(b bool) Value       { return Value{Kind: KindBool, Bool: b} }
func Number(n float64) Value  { return Value{Kind: KindNumber, Number: n} }
func String(s string) Value   { return Value{Kind: KindString, Str: s} }
func Arr(vs ...Value) Value   { return Value{Kind: KindArray, Array: vs} }
func Obj(m map[string]Value) Value {
	return Value{Kind: KindObject, Object: m}
}

// MarshalJSON converts the tree to its JSON form.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.Bool)
	case KindNumber:
		return json.Marshal(v.Number)
	case KindString:
		return json.Marshal(v.Str)
	case KindArray:
		return json.Marshal(v.Array)
	case KindObject:
		return json.Marshal(v.Object)
	default:
		return nil, fmt.Errorf("payload: unknown value kind %d", v.Kind)
	}
}

// UnmarshalJSON builds the tree from an arbitrary JSON document.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = fromAny(raw)
	return nil
}

func fromAny(raw interface{}) Value {
	switch t := raw.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case float64:
		return Number(t)
	case string:
		return String(t)
	case []interface{}:
		out := make([]Value, len(t))
		for i, elem := range t {
			out[i] = fromAny(elem)
		}
		return Value{Kind: KindArray, Array: out}
	case map[string]interface{}:
		out := make(map[string]Value, len(t))
		for k, elem := range t {
			out[k] = fromAny(elem)
		}
		return Value{Kind: KindObject, Object: out}
	default:
		return Null()
	}
}

// Path looks up a dotted field path ("a.b.c") inside the tree, returning
// ok=false if any segment is missing or traverses a non-object.
func (v Value) Path(path string) (Value, bool) {
	if path == "" {
		return v, true
	}
	segs := strings.Split(path, ".")
	cur := v
	for _, seg := range segs {
		if cur.Kind != KindObject {
			return Value{}, false
		}
		next, ok := cur.Object[seg]
		if !ok {
			return Value{}, false
		}
		cur = next
	}
	return cur, true
}

// IsScalar reports whether v is a leaf (not array/object).
func (v Value) IsScalar() bool {
	return v.Kind == KindNull || v.Kind == KindBool || v.Kind == KindNumber || v.Kind == KindString
}

// ScalarString renders a scalar leaf as a string for indexing/facet keys.
// Arrays and objects render as empty strings (callers index their scalar
// elements instead, see payload.scalarLeaves).
func (v Value) ScalarString() string {
	switch v.Kind {
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindNumber:
		return strconv.FormatFloat(v.Number, 'g', -1, 64)
	case KindString:
		return v.Str
	default:
		return ""
	}
}

// scalarLeaves walks the tree and emits every scalar leaf reachable from
// root, keyed by its dotted path. Array elements share their parent's
// path (spec §4.4's "any"/facet semantics treat an array as a set of
// values at that key, not indexed positions).
func scalarLeaves(root Value, prefix string, emit func(path string, v Value)) {
	switch root.Kind {
	case KindObject:
		keys := make([]string, 0, len(root.Object))
		for k := range root.Object {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			next := k
			if prefix != "" {
				next = prefix + "." + k
			}
			scalarLeaves(root.Object[k], next, emit)
		}
	case KindArray:
		for _, elem := range root.Array {
			scalarLeaves(elem, prefix, emit)
		}
	default:
		emit(prefix, root)
	}
}
