package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/diffsec/vxdb/lib/core/vxerr"
)

const segmentNameWidth = 14 // matches spec §6's "00000000000001.log"

func segmentName(startSeq uint64) string {
	return fmt.Sprintf("%0*d.log", segmentNameWidth, startSeq)
}

// segmentStartSeq parses the starting sequence number embedded in a
// segment's filename; non-matching names are ignored by listSegments.
func segmentStartSeq(name string) (uint64, bool) {
	if !strings.HasSuffix(name, ".log") {
		return 0, false
	}
	base := strings.TrimSuffix(name, ".log")
	if len(base) != segmentNameWidth {
		return 0, false
	}
	n, err := strconv.ParseUint(base, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// listSegments returns the wal directory's segment filenames in
// ascending start-sequence order.
func listSegments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, vxerr.Wrap(vxerr.StorageIO, err, "wal: list segment directory %s", dir)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := segmentStartSeq(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	sort.Slice(names, func(i, j int) bool {
		a, _ := segmentStartSeq(names[i])
		b, _ := segmentStartSeq(names[j])
		return a < b
	})
	return names, nil
}

func segmentPath(dir, name string) string {
	return filepath.Join(dir, name)
}
