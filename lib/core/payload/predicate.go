package payload

import (
	"strings"

	"golang.org/x/text/cases"
)

var foldCaser = cases.Fold()

// Predicate is the boolean filter tree from spec §4.4: a leaf clause
// (match/range on a key) or a boolean combinator over child predicates.
type Predicate struct {
	// Leaf fields. Key is a dotted payload path. Exactly one of Match or
	// Range is set when this is a leaf (Must/Should/MustNot all empty).
	Key   string
	Match *MatchClause
	Range *RangeClause

	// Combinator fields.
	Must    []Predicate
	Should  []Predicate
	MustNot []Predicate
}

// MatchClause is one of exact value, any-of, or text substring/phrase.
type MatchClause struct {
	Value interface{} // exact match; compared via ScalarString after folding
	Any   []interface{}
	Text  string // substring/phrase, case-insensitive
}

// RangeClause bounds a numeric field. Nil pointers mean "unbounded".
type RangeClause struct {
	Gte, Lte, Gt, Lt *float64
}

func isLeaf(p Predicate) bool {
	return len(p.Must) == 0 && len(p.Should) == 0 && len(p.MustNot) == 0
}

// Eval reports whether doc satisfies the predicate tree. A nil Predicate
// (the zero value with no clauses at all) matches everything.
func Eval(p *Predicate, doc Value) bool {
	if p == nil {
		return true
	}
	return evalNode(*p, doc)
}

func evalNode(p Predicate, doc Value) bool {
	if isLeaf(p) {
		return evalLeaf(p, doc)
	}
	for _, child := range p.Must {
		if !evalNode(child, doc) {
			return false
		}
	}
	for _, child := range p.MustNot {
		if evalNode(child, doc) {
			return false
		}
	}
	if len(p.Should) > 0 {
		any := false
		for _, child := range p.Should {
			if evalNode(child, doc) {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	return true
}

func evalLeaf(p Predicate, doc Value) bool {
	field, ok := doc.Path(p.Key)
	if !ok {
		return false
	}
	switch {
	case p.Match != nil:
		return evalMatch(*p.Match, field)
	case p.Range != nil:
		return evalRange(*p.Range, field)
	default:
		return false
	}
}

func evalMatch(m MatchClause, field Value) bool {
	switch {
	case m.Text != "":
		return evalTextMatch(m.Text, field)
	case m.Any != nil:
		for _, want := range m.Any {
			if scalarEquals(field, want) {
				return true
			}
		}
		// Arrays match "any" if any element equals any candidate.
		if field.Kind == KindArray {
			for _, elem := range field.Array {
				for _, want := range m.Any {
					if scalarEquals(elem, want) {
						return true
					}
				}
			}
		}
		return false
	default:
		if field.Kind == KindArray {
			for _, elem := range field.Array {
				if scalarEquals(elem, m.Value) {
					return true
				}
			}
			return false
		}
		return scalarEquals(field, m.Value)
	}
}

func evalTextMatch(needle string, field Value) bool {
	if field.Kind != KindString {
		return false
	}
	return strings.Contains(foldCaser.String(field.Str), foldCaser.String(needle))
}

func evalRange(r RangeClause, field Value) bool {
	if field.Kind != KindNumber {
		return false
	}
	v := field.Number
	if r.Gte != nil && v < *r.Gte {
		return false
	}
	if r.Lte != nil && v > *r.Lte {
		return false
	}
	if r.Gt != nil && v <= *r.Gt {
		return false
	}
	if r.Lt != nil && v >= *r.Lt {
		return false
	}
	return true
}

// scalarEquals compares a payload leaf against a raw Go value (typically
// decoded from a JSON request body: float64/string/bool/nil).
func scalarEquals(field Value, want interface{}) bool {
	switch w := want.(type) {
	case nil:
		return field.Kind == KindNull
	case bool:
		return field.Kind == KindBool && field.Bool == w
	case float64:
		return field.Kind == KindNumber && field.Number == w
	case int:
		return field.Kind == KindNumber && field.Number == float64(w)
	case string:
		return field.Kind == KindString && foldCaser.String(field.Str) == foldCaser.String(w)
	default:
		return false
	}
}
