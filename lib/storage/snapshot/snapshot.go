// Package snapshot implements the point-in-time serializer of spec §4.8:
// a stable, versioned binary format covering a collection's config,
// vector store, HNSW graph, and payload documents, written atomically so
// readers never observe a partial file.
//
// Spec §4.8 describes a fork(2)+copy-on-write strategy for taking the
// snapshot without blocking foreground traffic. A real self-fork of a
// multi-threaded Go process is not a safe operation (only the calling
// goroutine's OS thread survives into the child until exec, and the Go
// runtime's other threads are simply gone), so this package implements
// the spec's own escape hatch instead — §4.8 "Non-fork platforms": the
// caller (collection.TakeSnapshot) holds its single-writer lock for the
// whole in-memory assembly step — vecstore.Store.Snapshot, the HNSW
// graph pre-encoded to bytes, and payload.Store.All are all taken from
// the same quiescent instant, so the vector rows, graph nodes, and
// point records built from them can never disagree in count — and
// releases it before this package's Write does the actual disk I/O
// (temp file write, fsync, rename), which is the only part that runs
// concurrently with new foreground writes.
package snapshot

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/diffsec/vxdb/lib/core/hnsw"
	"github.com/diffsec/vxdb/lib/core/payload"
	"github.com/diffsec/vxdb/lib/core/vecstore"
	"github.com/diffsec/vxdb/lib/core/vxerr"
)

const (
	magic         = "vxSN"
	formatVersion = uint32(1)
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Config is the JSON collection configuration embedded in a snapshot's
// collection_config section. The manager's per-collection config.json
// is written from its own type (manager.onDiskConfig), whose metric and
// schema keys are named differently.
type Config struct {
	Dimension int             `json:"dimension"`
	Metric    string          `json:"distance"`
	HNSW      hnsw.Params     `json:"hnsw_params"`
	Schema    json.RawMessage `json:"similarity_schema,omitempty"`
}

// Point is one payload-section entry: a point's external id, tombstone
// state, and payload JSON bytes (empty for a tombstoned or payload-less
// point).
type Point struct {
	ID         PointID
	Tombstoned bool
	Payload    []byte // raw JSON, nil/empty if no payload
}

// PointID is the tagged point identifier of spec §6 ("point-id tag byte
// distinguishes integer vs string form").
type PointID struct {
	IsString bool
	Int      uint64
	Str      string
}

// Input is everything the snapshotter needs to serialize one collection.
// IndexBytes and Points are both built by BuildInput from the same live
// structures at the same instant (see BuildInput); by the time Write
// runs, Input holds no live reference back into the collection at all.
type Input struct {
	SeqWatermark uint64
	Config       Config
	Vectors      vecstore.Snapshot
	IndexBytes   []byte
	Points       []Point // index i corresponds to internal node id i
}

// Output is a loaded snapshot, ready for a collection to rehydrate its
// in-memory structures from.
type Output struct {
	SeqWatermark uint64
	Config       Config
	Dimension    int
	Vectors      []float32 // row-major, point_count*dimension
	PointCount   int
	Index        *hnsw.Index
	Points       []Point
}

// snapshotName renders the on-disk filename for a watermark (spec §6
// `snap-<seq_watermark>.bin`).
func snapshotName(watermark uint64) string {
	return "snap-" + strconv.FormatUint(watermark, 10) + ".bin"
}

func snapshotWatermark(name string) (uint64, bool) {
	if !strings.HasPrefix(name, "snap-") || !strings.HasSuffix(name, ".bin") {
		return 0, false
	}
	body := strings.TrimSuffix(strings.TrimPrefix(name, "snap-"), ".bin")
	n, err := strconv.ParseUint(body, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// List returns every snapshot filename under dir in descending watermark
// order (newest first) — empty, not an error, if dir does not exist yet.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, vxerr.Wrap(vxerr.StorageIO, err, "snapshot: list directory %s", dir)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := snapshotWatermark(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	sort.Slice(names, func(i, j int) bool {
		a, _ := snapshotWatermark(names[i])
		b, _ := snapshotWatermark(names[j])
		return a > b
	})
	return names, nil
}

// Write serializes in into dir as a new, atomically-renamed snapshot
// file, and returns its path. It writes to a uuid-named temp file in the
// same directory first, fsyncs, then renames into place, so a reader
// never observes a partial file (spec §4.8 step 4).
func Write(dir string, in Input) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", vxerr.Wrap(vxerr.StorageIO, err, "snapshot: create directory %s", dir)
	}
	tmpPath := filepath.Join(dir, "."+uuid.NewString()+".tmp")
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", vxerr.Wrap(vxerr.StorageIO, err, "snapshot: create temp file")
	}

	if werr := writeBody(f, in); werr != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return "", werr
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return "", vxerr.Wrap(vxerr.StorageIO, err, "snapshot: fsync temp file")
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", vxerr.Wrap(vxerr.StorageIO, err, "snapshot: close temp file")
	}

	finalPath := filepath.Join(dir, snapshotName(in.SeqWatermark))
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", vxerr.Wrap(vxerr.StorageIO, err, "snapshot: rename into place")
	}
	return finalPath, nil
}

// writeBody writes the full on-disk layout of spec §6 to w, tracking a
// running CRC32C over everything written before the trailer.
func writeBody(f *os.File, in Input) error {
	crc := crc32.New(crcTable)
	w := io.MultiWriter(f, crc)
	bw := bufio.NewWriter(w)

	if _, err := bw.WriteString(magic); err != nil {
		return vxerr.Wrap(vxerr.StorageIO, err, "snapshot: write magic")
	}
	if err := binary.Write(bw, binary.LittleEndian, formatVersion); err != nil {
		return vxerr.Wrap(vxerr.StorageIO, err, "snapshot: write format version")
	}
	if err := binary.Write(bw, binary.LittleEndian, in.SeqWatermark); err != nil {
		return vxerr.Wrap(vxerr.StorageIO, err, "snapshot: write seq watermark")
	}

	cfgJSON, err := json.Marshal(in.Config)
	if err != nil {
		return vxerr.Wrap(vxerr.Internal, err, "snapshot: marshal collection config")
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(cfgJSON))); err != nil {
		return vxerr.Wrap(vxerr.StorageIO, err, "snapshot: write config length")
	}
	if _, err := bw.Write(cfgJSON); err != nil {
		return vxerr.Wrap(vxerr.StorageIO, err, "snapshot: write config json")
	}

	if err := binary.Write(bw, binary.LittleEndian, uint32(in.Vectors.Dimension)); err != nil {
		return vxerr.Wrap(vxerr.StorageIO, err, "snapshot: write dimension")
	}
	pointCount := uint64(in.Vectors.Rows)
	if err := binary.Write(bw, binary.LittleEndian, pointCount); err != nil {
		return vxerr.Wrap(vxerr.StorageIO, err, "snapshot: write point count")
	}
	for i := 0; i < in.Vectors.Rows; i++ {
		row := in.Vectors.Row(i)
		if err := binary.Write(bw, binary.LittleEndian, row); err != nil {
			return vxerr.Wrap(vxerr.StorageIO, err, "snapshot: write vector row %d", i)
		}
	}

	if err := bw.Flush(); err != nil {
		return vxerr.Wrap(vxerr.StorageIO, err, "snapshot: flush before hnsw section")
	}
	if _, err := w.Write(in.IndexBytes); err != nil {
		return vxerr.Wrap(vxerr.StorageIO, err, "snapshot: write hnsw section")
	}

	bw = bufio.NewWriter(w)
	for _, p := range in.Points {
		if err := writePoint(bw, p); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return vxerr.Wrap(vxerr.StorageIO, err, "snapshot: flush payload section")
	}

	var trailer [4]byte
	binary.LittleEndian.PutUint32(trailer[:], crc.Sum32())
	if _, err := f.Write(trailer[:]); err != nil {
		return vxerr.Wrap(vxerr.StorageIO, err, "snapshot: write trailer")
	}
	return nil
}

func writePoint(w io.Writer, p Point) error {
	var idTag byte
	if p.ID.IsString {
		idTag = 1
	}
	if _, err := w.Write([]byte{idTag}); err != nil {
		return vxerr.Wrap(vxerr.StorageIO, err, "snapshot: write id tag")
	}
	if p.ID.IsString {
		strBytes := []byte(p.ID.Str)
		if err := binary.Write(w, binary.LittleEndian, uint32(len(strBytes))); err != nil {
			return vxerr.Wrap(vxerr.StorageIO, err, "snapshot: write id string length")
		}
		if _, err := w.Write(strBytes); err != nil {
			return vxerr.Wrap(vxerr.StorageIO, err, "snapshot: write id string")
		}
	} else {
		if err := binary.Write(w, binary.LittleEndian, p.ID.Int); err != nil {
			return vxerr.Wrap(vxerr.StorageIO, err, "snapshot: write id int")
		}
	}
	var tomb byte
	if p.Tombstoned {
		tomb = 1
	}
	if _, err := w.Write([]byte{tomb}); err != nil {
		return vxerr.Wrap(vxerr.StorageIO, err, "snapshot: write tombstone flag")
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(p.Payload))); err != nil {
		return vxerr.Wrap(vxerr.StorageIO, err, "snapshot: write payload length")
	}
	if len(p.Payload) > 0 {
		if _, err := w.Write(p.Payload); err != nil {
			return vxerr.Wrap(vxerr.StorageIO, err, "snapshot: write payload bytes")
		}
	}
	return nil
}

// BuildInput assembles an Input from a collection's live structures.
// The caller MUST invoke this while still holding the collection's
// single-writer lock (the same critical section that took vectors via
// vecstore.Store.Snapshot) — idx.Len(), idx.IsTombstoned, indexBytes,
// and store.All() all observe idx/store at that one instant, which is
// what keeps the vector row count, node count, and point count from
// ever disagreeing. Everything returned here is a value or an
// independent copy; none of it aliases idx or store, so the rest of
// the snapshot pipeline (Write, disk I/O) can run after the lock is
// released. schema is embedded verbatim if non-nil.
func BuildInput(
	watermark uint64,
	dimension int,
	metricName string,
	hnswParams hnsw.Params,
	schemaJSON json.RawMessage,
	vectors vecstore.Snapshot,
	indexBytes []byte,
	idx *hnsw.Index,
	store *payload.Store,
	idOf func(nodeID int) (isString bool, intID uint64, strID string),
) Input {
	docs := store.All()
	points := make([]Point, idx.Len())
	for id := 0; id < idx.Len(); id++ {
		isStr, intID, strID := idOf(id)
		p := Point{ID: PointID{IsString: isStr, Int: intID, Str: strID}, Tombstoned: idx.IsTombstoned(id)}
		if v, ok := docs[id]; ok {
			if b, err := json.Marshal(v); err == nil {
				p.Payload = b
			}
		}
		points[id] = p
	}
	return Input{
		SeqWatermark: watermark,
		Config: Config{
			Dimension: dimension,
			Metric:    metricName,
			HNSW:      hnswParams,
			Schema:    schemaJSON,
		},
		Vectors:    vectors,
		IndexBytes: indexBytes,
		Points:     points,
	}
}
