package wal

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/diffsec/vxdb/lib/core/vxlog"
)

func TestAppendReplayRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, WriterOptions{Durability: DurabilityAlways})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	bodies := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	var seqs []uint64
	for _, b := range bodies {
		seq, err := w.Append(OpUpsertBatch, b)
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		seqs = append(seqs, seq)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var got [][]byte
	maxSeq, err := Replay(dir, 0, func(rec Record) error {
		got = append(got, rec.Body)
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if maxSeq != seqs[len(seqs)-1] {
		t.Fatalf("expected max seq %d, got %d", seqs[len(seqs)-1], maxSeq)
	}
	if len(got) != len(bodies) {
		t.Fatalf("expected %d records, got %d", len(bodies), len(got))
	}
	for i, b := range bodies {
		if string(got[i]) != string(b) {
			t.Fatalf("record %d: expected %q, got %q", i, b, got[i])
		}
	}
}

func TestReplayHonorsWatermark(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, WriterOptions{Durability: DurabilityAlways})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	var last uint64
	for i := 0; i < 5; i++ {
		last, err = w.Append(OpUpsertBatch, []byte{byte(i)})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var count int
	_, err = Replay(dir, last-1, func(Record) error {
		count++
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected only the final record past watermark, got %d", count)
	}
}

func TestReplaySurvivesTruncatedTail(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, WriterOptions{Durability: DurabilityAlways})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	bodies := [][]byte{[]byte("alpha"), []byte("bravo"), []byte("charlie")}
	for _, b := range bodies {
		if _, err := w.Append(OpUpsertBatch, b); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	names, err := listSegments(dir)
	if err != nil || len(names) != 1 {
		t.Fatalf("expected one segment, got %v (%v)", names, err)
	}
	path := filepath.Join(dir, names[0])
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	// Simulate a crash mid-write by chopping the last 7 bytes off the
	// newest segment: the final record's 4-byte CRC trailer and the last
	// 3 bytes of its body.
	if err := os.Truncate(path, info.Size()-7); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	var logBuf bytes.Buffer
	logger := vxlog.New(&logBuf, vxlog.LevelWarn, "wal")

	var got [][]byte
	_, err = Replay(dir, 0, func(rec Record) error {
		got = append(got, rec.Body)
		return nil
	}, logger)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected the first 2 valid records to survive, got %d: %v", len(got), got)
	}
	for i, b := range bodies[:2] {
		if string(got[i]) != string(b) {
			t.Fatalf("record %d: expected %q, got %q", i, b, got[i])
		}
	}
	if !strings.Contains(logBuf.String(), names[0]) {
		t.Fatalf("expected truncation warning to name the segment %q, got log: %q", names[0], logBuf.String())
	}

	// The segment file itself should now be truncated at the last valid
	// record boundary, so a fresh Writer can resume cleanly on top of it.
	w2, err := NewWriter(dir, WriterOptions{Durability: DurabilityAlways})
	if err != nil {
		t.Fatalf("reopen NewWriter: %v", err)
	}
	seq, err := w2.Append(OpUpsertBatch, []byte("delta"))
	if err != nil {
		t.Fatalf("Append after recovery: %v", err)
	}
	if seq != 3 {
		t.Fatalf("expected resumed seq 3, got %d", seq)
	}
	if err := w2.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestSegmentRollover(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, WriterOptions{Durability: DurabilityAlways, SegmentSize: 64})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := w.Append(OpUpsertBatch, []byte("0123456789")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	names, err := listSegments(dir)
	if err != nil {
		t.Fatalf("listSegments: %v", err)
	}
	if len(names) < 2 {
		t.Fatalf("expected rollover to produce multiple segments, got %v", names)
	}

	var count int
	_, err = Replay(dir, 0, func(Record) error {
		count++
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if count != 10 {
		t.Fatalf("expected 10 records across segments, got %d", count)
	}
}

func TestWriterRejectsSecondLockHolder(t *testing.T) {
	dir := t.TempDir()
	w1, err := NewWriter(dir, WriterOptions{})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w1.Close()

	if _, err := NewWriter(dir, WriterOptions{}); err == nil {
		t.Fatalf("expected second writer to fail acquiring the lock")
	}
}

func TestDurabilityNoneStillReplays(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, WriterOptions{Durability: DurabilityNone})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := w.Append(OpDeleteIDs, []byte("x")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var count int
	_, err = Replay(dir, 0, func(Record) error {
		count++
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 record, got %d", count)
	}
}
