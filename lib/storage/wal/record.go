// Package wal implements the per-collection write-ahead log of spec
// §4.7: a segmented, append-only binary log of mutating operations with
// CRC-checked records, configurable durability, and replay-with-
// truncation recovery.
//
// Grounded on the teacher's internal/vectordb/hnsw.go binary save/load
// framing (length-prefixed records via encoding/binary), generalized
// from a single whole-index blob to a segmented append log, with
// cross-process locking adopted from the pack's gofrs/flock usage
// (Aman-CERP-amanmcp/internal/embed/lock.go).
package wal

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"time"

	"github.com/diffsec/vxdb/lib/core/vxerr"
)

// OpType tags a WAL record's operation kind. The WAL package treats the
// body as opaque bytes; only the collection layer interprets it.
type OpType uint8

const (
	OpUpsertBatch OpType = iota + 1
	OpDeleteIDs
	OpDeletePredicate
	OpSetSchema
	OpDeleteSchema
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Record is one WAL entry: {seq, timestamp, op_type, op_body_len,
// op_body, crc32c(op_body)} per spec §4.7.
type Record struct {
	Seq       uint64
	Timestamp int64
	OpType    OpType
	Body      []byte
}

// encode writes a record's on-disk form: seq(8) ts(8) op(1) len(4) body
// crc(4). The CRC covers the body only, matching spec §4.7's literal
// `crc32c(op_body)`.
func encodeRecord(w io.Writer, rec Record) error {
	header := make([]byte, 8+8+1+4)
	binary.LittleEndian.PutUint64(header[0:8], rec.Seq)
	binary.LittleEndian.PutUint64(header[8:16], uint64(rec.Timestamp))
	header[16] = byte(rec.OpType)
	binary.LittleEndian.PutUint32(header[17:21], uint32(len(rec.Body)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(rec.Body) > 0 {
		if _, err := w.Write(rec.Body); err != nil {
			return err
		}
	}
	crc := crc32.Checksum(rec.Body, crcTable)
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	_, err := w.Write(crcBuf[:])
	return err
}

// recordSize is the total on-disk size of a record with the given body
// length, used to decide segment rollover.
func recordSize(bodyLen int) int64 {
	return int64(8 + 8 + 1 + 4 + bodyLen + 4)
}

// decodeRecord reads one record from r. It returns io.EOF only when r is
// exhausted exactly at a record boundary (a clean end of segment);
// io.ErrUnexpectedEOF or a CRC mismatch signal a truncated/corrupt tail,
// which the reader treats as the replay stop point per spec §4.7.
func decodeRecord(r io.Reader) (Record, error) {
	header := make([]byte, 8+8+1+4)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Record{}, err
		}
		return Record{}, err
	}
	rec := Record{
		Seq:       binary.LittleEndian.Uint64(header[0:8]),
		Timestamp: int64(binary.LittleEndian.Uint64(header[8:16])),
		OpType:    OpType(header[16]),
	}
	bodyLen := binary.LittleEndian.Uint32(header[17:21])
	rec.Body = make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(r, rec.Body); err != nil {
			return Record{}, io.ErrUnexpectedEOF
		}
	}
	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return Record{}, io.ErrUnexpectedEOF
	}
	want := binary.LittleEndian.Uint32(crcBuf[:])
	got := crc32.Checksum(rec.Body, crcTable)
	if want != got {
		return Record{}, vxerr.New(vxerr.WalCorrupt, "wal: crc mismatch at seq %d", rec.Seq)
	}
	return rec, nil
}

func nowUnixNano() int64 {
	return time.Now().UnixNano()
}
