package api

import (
	"github.com/diffsec/vxdb/lib/core/schema"
	"github.com/diffsec/vxdb/lib/core/vxerr"
)

// SimilaritySchema is the wire shape of a collection's similarity
// schema (spec §6 `similarity_schema`, spec §4.5's field vocabulary).
type SimilaritySchema struct {
	Fields []SchemaField `json:"fields"`
}

// SchemaField mirrors one entry of spec §4.5's field table: a payload
// path, its declared type, its similarity rule, and its weight.
type SchemaField struct {
	Path     string  `json:"path"`
	Type     string  `json:"type"`     // "text" | "number" | "categorical" | "boolean"
	Distance string  `json:"distance"` // "semantic" | "exact" | "overlap" | "relative" | "absolute"
	Weight   float64 `json:"weight"`
}

var fieldTypeNames = map[schema.FieldType]string{
	schema.Text:        "text",
	schema.Number:      "number",
	schema.Categorical: "categorical",
	schema.Boolean:     "boolean",
}

var fieldTypeValues = map[string]schema.FieldType{
	"text":        schema.Text,
	"number":      schema.Number,
	"categorical": schema.Categorical,
	"boolean":     schema.Boolean,
}

var distanceKindNames = map[schema.DistanceKind]string{
	schema.Semantic: "semantic",
	schema.Exact:    "exact",
	schema.Overlap:  "overlap",
	schema.Relative: "relative",
	schema.Absolute: "absolute",
}

var distanceKindValues = map[string]schema.DistanceKind{
	"semantic": schema.Semantic,
	"exact":    schema.Exact,
	"overlap":  schema.Overlap,
	"relative": schema.Relative,
	"absolute": schema.Absolute,
}

// toSchema converts a wire schema into the core's Schema, validating
// that every field names a known type and distance rule.
func toSchema(s SimilaritySchema) (schema.Schema, error) {
	out := schema.Schema{Fields: make([]schema.Field, len(s.Fields))}
	for i, f := range s.Fields {
		ft, ok := fieldTypeValues[f.Type]
		if !ok {
			return schema.Schema{}, vxerr.New(vxerr.InvalidArgument, "api: unknown schema field type %q", f.Type)
		}
		dk, ok := distanceKindValues[f.Distance]
		if !ok {
			return schema.Schema{}, vxerr.New(vxerr.InvalidArgument, "api: unknown schema distance rule %q", f.Distance)
		}
		out.Fields[i] = schema.Field{Path: f.Path, Type: ft, Distance: dk, Weight: f.Weight}
	}
	return out, nil
}

// fromSchema converts a core Schema back into its wire shape.
func fromSchema(s schema.Schema) SimilaritySchema {
	out := SimilaritySchema{Fields: make([]SchemaField, len(s.Fields))}
	for i, f := range s.Fields {
		out.Fields[i] = SchemaField{
			Path:     f.Path,
			Type:     fieldTypeNames[f.Type],
			Distance: distanceKindNames[f.Distance],
			Weight:   f.Weight,
		}
	}
	return out
}
