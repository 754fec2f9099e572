package wal

import (
	"io"
	"os"

	"github.com/diffsec/vxdb/lib/core/vxerr"
	"github.com/diffsec/vxdb/lib/core/vxlog"
)

// ApplyFunc consumes one replayed record. It receives the raw record;
// the collection layer is responsible for interpreting OpType/Body.
type ApplyFunc func(Record) error

// Replay reads every segment in dir in order and invokes apply for each
// record whose Seq is greater than watermark (already-applied records
// from a prior snapshot are skipped). It returns the highest seq seen.
//
// Per spec §4.7, replay stops at the first record whose CRC is invalid
// or whose body is truncated: that segment is truncated on disk to the
// last valid record boundary, and no later segment is read, since a
// writer never begins a new segment before the previous one is
// durable. The truncation is a self-healing step so a subsequent Writer
// resumes cleanly. logger may be nil, in which case the truncation
// happens silently; callers that care about operators noticing lost
// tail records (spec §7, worked example S5) should pass one.
func Replay(dir string, watermark uint64, apply ApplyFunc, logger *vxlog.Logger) (uint64, error) {
	names, err := listSegments(dir)
	if err != nil {
		return watermark, err
	}
	maxSeq := watermark
	for _, name := range names {
		path := segmentPath(dir, name)
		seq, stoppedShort, err := replaySegment(path, watermark, apply, logger)
		if err != nil {
			return maxSeq, err
		}
		if seq > maxSeq {
			maxSeq = seq
		}
		if stoppedShort {
			break
		}
	}
	return maxSeq, nil
}

func replaySegment(path string, watermark uint64, apply ApplyFunc, logger *vxlog.Logger) (uint64, bool, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return watermark, false, vxerr.Wrap(vxerr.StorageIO, err, "wal: open segment %s", path)
	}
	defer f.Close()

	var lastGoodOffset int64
	var maxSeq uint64
	for {
		rec, err := decodeRecord(f)
		if err != nil {
			if err == io.EOF {
				return maxSeq, false, nil
			}
			// Truncated tail or CRC mismatch: truncate the segment at
			// the last valid record boundary and stop replaying
			// entirely (no subsequent segment can contain newer valid
			// data once a gap like this appears).
			if logger != nil {
				logger.Warnf("wal: segment %s corrupt or truncated tail after offset %d, dropping remainder: %v", path, lastGoodOffset, err)
			}
			if terr := f.Truncate(lastGoodOffset); terr != nil {
				return maxSeq, true, vxerr.Wrap(vxerr.StorageIO, terr, "wal: truncate corrupt tail of %s", path)
			}
			return maxSeq, true, nil
		}
		offset, serr := f.Seek(0, io.SeekCurrent)
		if serr != nil {
			return maxSeq, true, vxerr.Wrap(vxerr.StorageIO, serr, "wal: seek in %s", path)
		}
		lastGoodOffset = offset
		if rec.Seq > maxSeq {
			maxSeq = rec.Seq
		}
		if rec.Seq <= watermark {
			continue
		}
		if apply != nil {
			if err := apply(rec); err != nil {
				return maxSeq, false, vxerr.Wrap(vxerr.Internal, err, "wal: apply record seq %d", rec.Seq)
			}
		}
	}
}
