package snapshot

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/diffsec/vxdb/lib/core/hnsw"
	"github.com/diffsec/vxdb/lib/core/kernel"
	"github.com/diffsec/vxdb/lib/core/vxerr"
)

// Load deserializes the snapshot file at path, returning the collection
// config, raw vectors, and decoded HNSW index, or an error if the magic,
// trailing CRC, or any section is invalid — LatestValid below then
// falls back to the next-older snapshot, per spec
// §4.8 "Recovery: find the snapshot with the highest watermark that
// deserializes cleanly".
func Load(path string) (*Output, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, vxerr.Wrap(vxerr.StorageIO, err, "snapshot: read %s", path)
	}
	if len(raw) < 4 {
		return nil, vxerr.New(vxerr.WalCorrupt, "snapshot: %s too short to contain a magic header", filepath.Base(path))
	}
	body, trailer := raw[:len(raw)-4], raw[len(raw)-4:]
	wantCRC := binary.LittleEndian.Uint32(trailer)
	gotCRC := crc32.Checksum(body, crcTable)
	if wantCRC != gotCRC {
		return nil, vxerr.New(vxerr.WalCorrupt, "snapshot: %s trailer crc mismatch", filepath.Base(path))
	}

	r := bufio.NewReader(bytes.NewReader(body))

	magicBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, magicBuf); err != nil || string(magicBuf) != magic {
		return nil, vxerr.New(vxerr.WalCorrupt, "snapshot: %s bad magic", filepath.Base(path))
	}
	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, vxerr.Wrap(vxerr.WalCorrupt, err, "snapshot: read format version")
	}
	if version != formatVersion {
		return nil, vxerr.New(vxerr.WalCorrupt, "snapshot: %s has unsupported format version %d", filepath.Base(path), version)
	}
	var watermark uint64
	if err := binary.Read(r, binary.LittleEndian, &watermark); err != nil {
		return nil, vxerr.Wrap(vxerr.WalCorrupt, err, "snapshot: read seq watermark")
	}

	var cfgLen uint32
	if err := binary.Read(r, binary.LittleEndian, &cfgLen); err != nil {
		return nil, vxerr.Wrap(vxerr.WalCorrupt, err, "snapshot: read config length")
	}
	cfgBytes := make([]byte, cfgLen)
	if _, err := io.ReadFull(r, cfgBytes); err != nil {
		return nil, vxerr.Wrap(vxerr.WalCorrupt, err, "snapshot: read config json")
	}
	var cfg Config
	if err := json.Unmarshal(cfgBytes, &cfg); err != nil {
		return nil, vxerr.Wrap(vxerr.WalCorrupt, err, "snapshot: unmarshal config json")
	}

	var dimension uint32
	if err := binary.Read(r, binary.LittleEndian, &dimension); err != nil {
		return nil, vxerr.Wrap(vxerr.WalCorrupt, err, "snapshot: read dimension")
	}
	var pointCount uint64
	if err := binary.Read(r, binary.LittleEndian, &pointCount); err != nil {
		return nil, vxerr.Wrap(vxerr.WalCorrupt, err, "snapshot: read point count")
	}
	vectors := make([]float32, pointCount*uint64(dimension))
	if err := binary.Read(r, binary.LittleEndian, vectors); err != nil {
		return nil, vxerr.Wrap(vxerr.WalCorrupt, err, "snapshot: read vectors")
	}

	metric, err := kernel.ParseMetric(cfg.Metric)
	if err != nil {
		return nil, vxerr.Wrap(vxerr.WalCorrupt, err, "snapshot: parse metric")
	}
	idx, err := hnsw.DecodeFrom(r, metric, nilVectorSource{})
	if err != nil {
		return nil, err
	}

	points := make([]Point, 0, pointCount)
	for i := uint64(0); i < pointCount; i++ {
		p, err := readPoint(r)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}

	return &Output{
		SeqWatermark: watermark,
		Config:       cfg,
		Dimension:    int(dimension),
		Vectors:      vectors,
		PointCount:   int(pointCount),
		Index:        idx,
		Points:       points,
	}, nil
}

func readPoint(r io.Reader) (Point, error) {
	var tagBuf [1]byte
	if _, err := io.ReadFull(r, tagBuf[:]); err != nil {
		return Point{}, vxerr.Wrap(vxerr.WalCorrupt, err, "snapshot: read id tag")
	}
	id := PointID{IsString: tagBuf[0] == 1}
	if id.IsString {
		var strLen uint32
		if err := binary.Read(r, binary.LittleEndian, &strLen); err != nil {
			return Point{}, vxerr.Wrap(vxerr.WalCorrupt, err, "snapshot: read id string length")
		}
		strBytes := make([]byte, strLen)
		if _, err := io.ReadFull(r, strBytes); err != nil {
			return Point{}, vxerr.Wrap(vxerr.WalCorrupt, err, "snapshot: read id string")
		}
		id.Str = string(strBytes)
	} else {
		if err := binary.Read(r, binary.LittleEndian, &id.Int); err != nil {
			return Point{}, vxerr.Wrap(vxerr.WalCorrupt, err, "snapshot: read id int")
		}
	}

	var tombBuf [1]byte
	if _, err := io.ReadFull(r, tombBuf[:]); err != nil {
		return Point{}, vxerr.Wrap(vxerr.WalCorrupt, err, "snapshot: read tombstone flag")
	}

	var payloadLen uint32
	if err := binary.Read(r, binary.LittleEndian, &payloadLen); err != nil {
		return Point{}, vxerr.Wrap(vxerr.WalCorrupt, err, "snapshot: read payload length")
	}
	var payloadBytes []byte
	if payloadLen > 0 {
		payloadBytes = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payloadBytes); err != nil {
			return Point{}, vxerr.Wrap(vxerr.WalCorrupt, err, "snapshot: read payload bytes")
		}
	}
	return Point{ID: id, Tombstoned: tombBuf[0] == 1, Payload: payloadBytes}, nil
}

// nilVectorSource satisfies hnsw.VectorSource during decode: the graph's
// adjacency structure does not need live vectors, only the collection
// layer's rebuilt vecstore does, and that happens independently from the
// Output.Vectors flat slice.
type nilVectorSource struct{}

func (nilVectorSource) View(id int) ([]float32, error) {
	return nil, vxerr.New(vxerr.Internal, "snapshot: decoded index queried for a vector before rehydration")
}

// LatestValid scans dir's snapshots newest-first and returns the first
// one that deserializes cleanly, per spec §4.8 "find the snapshot with
// the highest watermark that deserializes cleanly". It returns (nil, nil)
// if dir has no snapshots at all.
func LatestValid(dir string) (*Output, error) {
	names, err := List(dir)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for _, name := range names {
		out, err := Load(filepath.Join(dir, name))
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return nil, vxerr.Wrap(vxerr.StorageIO, lastErr, "snapshot: no snapshot in %s deserialized cleanly", dir)
	}
	return nil, nil
}
