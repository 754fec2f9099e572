package payload

import (
	"database/sql"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/diffsec/vxdb/lib/core/vxerr"
)

// scalarIndex is the generalization of the teacher's SQLiteMetaStore: a
// single in-memory SQLite table of (node_id, path, kind, text_value,
// num_value) rows, one per scalar leaf of every stored document, so
// range/match/any/facet predicates run as SQL instead of a full tree walk
// once the collection grows past the store's inMemoryThreshold.
type scalarIndex struct {
	mu sync.Mutex
	db *sql.DB
}

func newScalarIndex() (*scalarIndex, error) {
	// file::memory: with a shared cache keeps the table alive across
	// connections drawn from the same *sql.DB pool.
	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	if err != nil {
		return nil, vxerr.Wrap(vxerr.StorageIO, err, "payload: open scalar index")
	}
	db.SetMaxOpenConns(1)
	idx := &scalarIndex{db: db}
	if err := idx.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *scalarIndex) init() error {
	const schema = `
		CREATE TABLE IF NOT EXISTS leaves (
			node_id INTEGER NOT NULL,
			path TEXT NOT NULL,
			kind INTEGER NOT NULL,
			text_value TEXT,
			num_value REAL
		);
		CREATE INDEX IF NOT EXISTS idx_leaves_path ON leaves(path);
		CREATE INDEX IF NOT EXISTS idx_leaves_node ON leaves(node_id);
	`
	if _, err := idx.db.Exec(schema); err != nil {
		return vxerr.Wrap(vxerr.StorageIO, err, "payload: create scalar index schema")
	}
	return nil
}

// index (re)indexes a document's scalar leaves under node_id, replacing
// any prior rows for that id.
func (idx *scalarIndex) index(nodeID int, doc Value) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	tx, err := idx.db.Begin()
	if err != nil {
		return vxerr.Wrap(vxerr.StorageIO, err, "payload: begin scalar index tx")
	}
	if _, err := tx.Exec("DELETE FROM leaves WHERE node_id = ?", nodeID); err != nil {
		_ = tx.Rollback()
		return vxerr.Wrap(vxerr.StorageIO, err, "payload: clear scalar index rows")
	}
	stmt, err := tx.Prepare("INSERT INTO leaves (node_id, path, kind, text_value, num_value) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		_ = tx.Rollback()
		return vxerr.Wrap(vxerr.StorageIO, err, "payload: prepare scalar index insert")
	}
	var insertErr error
	scalarLeaves(doc, "", func(path string, v Value) {
		if insertErr != nil || path == "" {
			return
		}
		switch v.Kind {
		case KindString:
			_, insertErr = stmt.Exec(nodeID, path, int(KindString), v.Str, nil)
		case KindNumber:
			_, insertErr = stmt.Exec(nodeID, path, int(KindNumber), nil, v.Number)
		case KindBool:
			_, insertErr = stmt.Exec(nodeID, path, int(KindBool), boolText(v.Bool), boolNum(v.Bool))
		case KindNull:
			_, insertErr = stmt.Exec(nodeID, path, int(KindNull), nil, nil)
		}
	})
	_ = stmt.Close()
	if insertErr != nil {
		_ = tx.Rollback()
		return vxerr.Wrap(vxerr.StorageIO, insertErr, "payload: insert scalar index row")
	}
	if err := tx.Commit(); err != nil {
		return vxerr.Wrap(vxerr.StorageIO, err, "payload: commit scalar index tx")
	}
	return nil
}

func boolText(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func boolNum(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (idx *scalarIndex) remove(nodeID int) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, err := idx.db.Exec("DELETE FROM leaves WHERE node_id = ?", nodeID); err != nil {
		return vxerr.Wrap(vxerr.StorageIO, err, "payload: remove scalar index rows")
	}
	return nil
}

// queryIDs returns the distinct node ids of the leaf rows satisfying the
// given SQL WHERE fragment (built by the leaf predicate evaluators
// below). It searches the whole table; must/should/must_not are combined
// by the caller.
func (idx *scalarIndex) queryIDs(whereSQL string, args []interface{}) (map[int]bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	query := "SELECT DISTINCT node_id FROM leaves WHERE " + whereSQL
	rows, err := idx.db.Query(query, args...)
	if err != nil {
		return nil, vxerr.Wrap(vxerr.StorageIO, err, "payload: query scalar index")
	}
	defer func() { _ = rows.Close() }()
	out := make(map[int]bool)
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, vxerr.Wrap(vxerr.StorageIO, err, "payload: scan scalar index row")
		}
		out[id] = true
	}
	return out, rows.Err()
}

// rangeIDs answers a numeric range predicate at path.
func (idx *scalarIndex) rangeIDs(path string, r RangeClause) (map[int]bool, error) {
	clauses := []string{"path = ?", "kind = ?"}
	args := []interface{}{path, int(KindNumber)}
	if r.Gte != nil {
		clauses = append(clauses, "num_value >= ?")
		args = append(args, *r.Gte)
	}
	if r.Lte != nil {
		clauses = append(clauses, "num_value <= ?")
		args = append(args, *r.Lte)
	}
	if r.Gt != nil {
		clauses = append(clauses, "num_value > ?")
		args = append(args, *r.Gt)
	}
	if r.Lt != nil {
		clauses = append(clauses, "num_value < ?")
		args = append(args, *r.Lt)
	}
	return idx.queryIDs(strings.Join(clauses, " AND "), args)
}

// exactIDs answers an exact-match predicate at path against a decoded
// JSON scalar (string/float64/int/bool/nil).
func (idx *scalarIndex) exactIDs(path string, want interface{}) (map[int]bool, error) {
	switch w := want.(type) {
	case nil:
		return idx.queryIDs("path = ? AND kind = ?", []interface{}{path, int(KindNull)})
	case bool:
		return idx.queryIDs("path = ? AND kind = ? AND num_value = ?", []interface{}{path, int(KindBool), boolNum(w)})
	case float64:
		return idx.queryIDs("path = ? AND kind = ? AND num_value = ?", []interface{}{path, int(KindNumber), w})
	case int:
		return idx.queryIDs("path = ? AND kind = ? AND num_value = ?", []interface{}{path, int(KindNumber), float64(w)})
	case string:
		return idx.queryIDs("path = ? AND kind = ? AND LOWER(text_value) = LOWER(?)", []interface{}{path, int(KindString), w})
	default:
		return map[int]bool{}, nil
	}
}

// facet returns (value, count) pairs for path, sorted by count descending.
func (idx *scalarIndex) facet(path string, limit int) ([]FacetEntry, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	rows, err := idx.db.Query(`
		SELECT COALESCE(text_value, CAST(num_value AS TEXT)) AS val, COUNT(*) AS cnt
		FROM leaves WHERE path = ? AND kind != ?
		GROUP BY val
		ORDER BY cnt DESC, val ASC
		LIMIT ?`, path, int(KindNull), limit)
	if err != nil {
		return nil, vxerr.Wrap(vxerr.StorageIO, err, "payload: facet query")
	}
	defer func() { _ = rows.Close() }()
	var out []FacetEntry
	for rows.Next() {
		var val string
		var cnt int
		if err := rows.Scan(&val, &cnt); err != nil {
			return nil, vxerr.Wrap(vxerr.StorageIO, err, "payload: scan facet row")
		}
		out = append(out, FacetEntry{Value: val, Count: cnt})
	}
	return out, rows.Err()
}

func (idx *scalarIndex) close() error {
	return idx.db.Close()
}
