package hnsw

import (
	"encoding/binary"
	"io"
	"math/rand"

	"github.com/bits-and-blooms/bitset"

	"github.com/diffsec/vxdb/lib/core/kernel"
	"github.com/diffsec/vxdb/lib/core/vxerr"
)

// Header mirrors the snapshot binary format's hnsw_header section
// (spec §6): M, M_max0, ef_construction, max_level, entry_node.
type Header struct {
	M              uint16
	MMax0          uint16
	EfConstruction uint16
	MaxLevel       uint8
	EntryNode      int64 // -1 encoded as all-ones when the index is empty
	RNGSeed        int64
}

// EncodeTo writes the index's header, per-node adjacency, and tombstone
// bitmap in the layout spec §6 describes, for the snapshotter to embed
// verbatim in the snapshot file.
func (idx *Index) EncodeTo(w io.Writer) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	maxLevel := 0
	for _, n := range idx.nodes {
		if n != nil && n.level > maxLevel {
			maxLevel = n.level
		}
	}
	h := Header{
		M:              uint16(idx.params.M),
		MMax0:          uint16(2 * idx.params.M),
		EfConstruction: uint16(idx.params.EfConstruction),
		MaxLevel:       uint8(maxLevel),
		EntryNode:      int64(idx.entryPoint),
		RNGSeed:        idx.rngSeed,
	}
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return vxerr.Wrap(vxerr.StorageIO, err, "hnsw: write header")
	}

	if err := binary.Write(w, binary.LittleEndian, uint32(len(idx.nodes))); err != nil {
		return vxerr.Wrap(vxerr.StorageIO, err, "hnsw: write node count")
	}
	for _, n := range idx.nodes {
		if n == nil {
			if err := binary.Write(w, binary.LittleEndian, int8(-1)); err != nil {
				return vxerr.Wrap(vxerr.StorageIO, err, "hnsw: write empty node marker")
			}
			continue
		}
		if err := binary.Write(w, binary.LittleEndian, uint8(n.level)); err != nil {
			return vxerr.Wrap(vxerr.StorageIO, err, "hnsw: write node level")
		}
		for l := 0; l <= n.level; l++ {
			neighbors := n.neighborsAt(l)
			if err := binary.Write(w, binary.LittleEndian, uint32(len(neighbors))); err != nil {
				return vxerr.Wrap(vxerr.StorageIO, err, "hnsw: write neighbor count")
			}
			for _, nb := range neighbors {
				if err := binary.Write(w, binary.LittleEndian, uint64(nb)); err != nil {
					return vxerr.Wrap(vxerr.StorageIO, err, "hnsw: write neighbor id")
				}
			}
		}
	}

	tsBytes := idx.tombstones.Bytes()
	if err := binary.Write(w, binary.LittleEndian, uint32(len(tsBytes))); err != nil {
		return vxerr.Wrap(vxerr.StorageIO, err, "hnsw: write tombstone length")
	}
	for _, word := range tsBytes {
		if err := binary.Write(w, binary.LittleEndian, word); err != nil {
			return vxerr.Wrap(vxerr.StorageIO, err, "hnsw: write tombstone word")
		}
	}
	return nil
}

// DecodeFrom rebuilds an index's graph structure from a stream written
// by EncodeTo, constructing a new Index with the given metric and
// VectorSource and with params taken from the header (vectors are not
// embedded here; they live in the vector-store section of the snapshot).
func DecodeFrom(r io.Reader, metric kernel.Metric, vectors VectorSource) (*Index, error) {
	var h Header
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return nil, vxerr.Wrap(vxerr.WalCorrupt, err, "hnsw: read header")
	}
	params := Params{
		M:              int(h.M),
		EfConstruction: int(h.EfConstruction),
		EfSearchDefault: DefaultParams().EfSearchDefault,
		MaxLevelCap:    int(h.MaxLevel) + 1,
	}
	idx := New(metric, params, vectors, h.RNGSeed)
	idx.rng = rand.New(rand.NewSource(h.RNGSeed))
	idx.entryPoint = int(h.EntryNode)

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, vxerr.Wrap(vxerr.WalCorrupt, err, "hnsw: read node count")
	}
	idx.nodes = make([]*node, count)
	for i := uint32(0); i < count; i++ {
		var levelMarker int8
		if err := binary.Read(r, binary.LittleEndian, &levelMarker); err != nil {
			return nil, vxerr.Wrap(vxerr.WalCorrupt, err, "hnsw: read node level")
		}
		if levelMarker == -1 {
			continue
		}
		level := int(levelMarker)
		n := &node{level: level, neighbors: make([][]int32, level+1)}
		for l := 0; l <= level; l++ {
			var cnt uint32
			if err := binary.Read(r, binary.LittleEndian, &cnt); err != nil {
				return nil, vxerr.Wrap(vxerr.WalCorrupt, err, "hnsw: read neighbor count")
			}
			neighbors := make([]int32, cnt)
			for j := uint32(0); j < cnt; j++ {
				var nb uint64
				if err := binary.Read(r, binary.LittleEndian, &nb); err != nil {
					return nil, vxerr.Wrap(vxerr.WalCorrupt, err, "hnsw: read neighbor id")
				}
				neighbors[j] = int32(nb)
			}
			n.neighbors[l] = neighbors
		}
		idx.nodes[i] = n
	}

	var tsLen uint32
	if err := binary.Read(r, binary.LittleEndian, &tsLen); err != nil {
		return nil, vxerr.Wrap(vxerr.WalCorrupt, err, "hnsw: read tombstone length")
	}
	words := make([]uint64, tsLen)
	for i := uint32(0); i < tsLen; i++ {
		if err := binary.Read(r, binary.LittleEndian, &words[i]); err != nil {
			return nil, vxerr.Wrap(vxerr.WalCorrupt, err, "hnsw: read tombstone word")
		}
	}
	idx.tombstones = bitset.From(words)
	return idx, nil
}
