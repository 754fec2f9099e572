package collection

import (
	"encoding/json"
	"strconv"
)

// PointID is an external point identifier: either a 64-bit unsigned
// integer or a string, sharing one key space per collection (spec §3
// "the two are disjoint but share a single key space ... two points
// with the same id-value regardless of form collide").
type PointID struct {
	IsString bool
	Int      uint64
	Str      string
}

// IntID builds an integer PointID.
func IntID(v uint64) PointID { return PointID{Int: v} }

// StringID builds a string PointID.
func StringID(v string) PointID { return PointID{IsString: true, Str: v} }

// key renders a PointID into the single key space spec §3 requires:
// an integer id and the string form of the same digits collide, since
// both reduce to the same key.
func (p PointID) key() string {
	if p.IsString {
		return "s:" + p.Str
	}
	return "s:" + strconv.FormatUint(p.Int, 10)
}

// MarshalJSON renders the id the way Qdrant's wire format does: a bare
// JSON number for integer ids, a bare JSON string otherwise.
func (p PointID) MarshalJSON() ([]byte, error) {
	if p.IsString {
		return json.Marshal(p.Str)
	}
	return json.Marshal(p.Int)
}

// UnmarshalJSON accepts either a JSON number or a JSON string.
func (p *PointID) UnmarshalJSON(data []byte) error {
	var asUint uint64
	if err := json.Unmarshal(data, &asUint); err == nil {
		p.IsString = false
		p.Int = asUint
		p.Str = ""
		return nil
	}
	var asStr string
	if err := json.Unmarshal(data, &asStr); err != nil {
		return err
	}
	p.IsString = true
	p.Str = asStr
	p.Int = 0
	return nil
}
