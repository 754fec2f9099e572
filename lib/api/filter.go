package api

import "github.com/diffsec/vxdb/lib/core/payload"

// Filter is the wire shape of a predicate tree (spec §6's `filter?`
// request field), a leaf clause or a boolean combinator over child
// filters, matching Qdrant's must/should/must_not vocabulary.
type Filter struct {
	Key   string     `json:"key,omitempty"`
	Match *MatchCond `json:"match,omitempty"`
	Range *RangeCond `json:"range,omitempty"`

	Must    []Filter `json:"must,omitempty"`
	Should  []Filter `json:"should,omitempty"`
	MustNot []Filter `json:"must_not,omitempty"`
}

// MatchCond is one of exact value, any-of, or substring/phrase text.
type MatchCond struct {
	Value interface{}   `json:"value,omitempty"`
	Any   []interface{} `json:"any,omitempty"`
	Text  string        `json:"text,omitempty"`
}

// RangeCond bounds a numeric field; nil bounds are unbounded.
type RangeCond struct {
	Gte *float64 `json:"gte,omitempty"`
	Lte *float64 `json:"lte,omitempty"`
	Gt  *float64 `json:"gt,omitempty"`
	Lt  *float64 `json:"lt,omitempty"`
}

// toPredicate converts the wire filter into the core's predicate tree,
// or nil if f is nil — an absent filter matches every point.
func toPredicate(f *Filter) *payload.Predicate {
	if f == nil {
		return nil
	}
	p := payload.Predicate{Key: f.Key}
	if f.Match != nil {
		p.Match = &payload.MatchClause{Value: f.Match.Value, Any: f.Match.Any, Text: f.Match.Text}
	}
	if f.Range != nil {
		p.Range = &payload.RangeClause{Gte: f.Range.Gte, Lte: f.Range.Lte, Gt: f.Range.Gt, Lt: f.Range.Lt}
	}
	for _, child := range f.Must {
		p.Must = append(p.Must, *toPredicate(&child))
	}
	for _, child := range f.Should {
		p.Should = append(p.Should, *toPredicate(&child))
	}
	for _, child := range f.MustNot {
		p.MustNot = append(p.MustNot, *toPredicate(&child))
	}
	return &p
}
