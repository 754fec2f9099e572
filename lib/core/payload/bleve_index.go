package payload

import (
	"strconv"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"

	"github.com/diffsec/vxdb/lib/core/vxerr"
)

// textIndex is the bleve-backed accelerator for `match.text` predicates
// (the schema's text similarity does not use it), grounded on the teacher's
// internal/memory/index.go SearchIndex: one in-memory bleve index keyed
// by the document's internal node id (stringified), indexing every
// string leaf under its dotted path as a dynamically-mapped field.
//
// The tree-walk path (evalTextMatch, below threshold) does a
// case-folded substring search, not tokenized/stemmed word matching —
// spec §4.4 requires the indexed path to agree with it once a
// collection crosses InMemoryThreshold. A stemming analyzer (e.g. "en")
// would match "running" against an indexed "run", which the tree-walk
// never does, so fields are indexed with bleve's "keyword" analyzer
// (the whole value as one untokenized term, case-folded by us the same
// way evalTextMatch folds both sides) and searched with a wildcard
// query (`*needle*`), which is the keyword-analyzer equivalent of
// substring containment.
type textIndex struct {
	mu    sync.RWMutex
	index bleve.Index
}

type textDoc struct {
	Fields map[string]string `json:"fields"`
}

func newTextIndex() (*textIndex, error) {
	docMapping := bleve.NewDocumentMapping()
	docMapping.DefaultAnalyzer = "keyword"
	docMapping.Dynamic = true

	m := bleve.NewIndexMapping()
	m.DefaultMapping = docMapping
	m.DefaultAnalyzer = "keyword"

	idx, err := bleve.NewMemOnly(m)
	if err != nil {
		return nil, vxerr.Wrap(vxerr.StorageIO, err, "payload: create text index")
	}
	return &textIndex{index: idx}, nil
}

func (t *textIndex) indexDoc(nodeID int, doc Value) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	fields := make(map[string]string)
	scalarLeaves(doc, "", func(path string, v Value) {
		if v.Kind == KindString && path != "" {
			fields[path] = foldCaser.String(v.Str)
		}
	})
	return t.index.Index(strconv.Itoa(nodeID), textDoc{Fields: fields})
}

func (t *textIndex) remove(nodeID int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.index.Delete(strconv.Itoa(nodeID))
}

// escapeWildcard backslash-escapes the glob metacharacters a wildcard
// query would otherwise interpret, so a needle containing a literal
// "*", "?", or "\" is matched as literal text, the same as
// strings.Contains treats it on the tree-walk path.
func escapeWildcard(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\\', '*', '?':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// search runs a substring query across all indexed text fields and
// returns the matching node ids.
func (t *textIndex) search(needle string) (map[int]bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	pattern := "*" + escapeWildcard(foldCaser.String(needle)) + "*"
	q := bleve.NewWildcardQuery(pattern)
	req := bleve.NewSearchRequest(q)
	req.Size = 10000
	if n, cerr := t.index.DocCount(); cerr == nil && n > uint64(req.Size) {
		req.Size = int(n)
	}
	res, err := t.index.Search(req)
	if err != nil {
		return nil, vxerr.Wrap(vxerr.StorageIO, err, "payload: text search")
	}
	out := make(map[int]bool, len(res.Hits))
	for _, hit := range res.Hits {
		id, err := strconv.Atoi(hit.ID)
		if err != nil {
			continue
		}
		out[id] = true
	}
	return out, nil
}

func (t *textIndex) close() error {
	return t.index.Close()
}
