// Package manager implements the process-wide collection registry of
// spec §4.9: create/drop/list, per-collection on-disk config.json,
// concurrent startup recovery, a periodic background snapshotter, and
// graceful shutdown.
//
// Grounded on cmd/root.go's persistent-flag/Execute() shape for how a
// single long-lived object gets wired into the process, generalized
// from a one-shot CLI command dispatcher into a registry that outlives
// the whole process and owns every collection's lifecycle.
package manager

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/diffsec/vxdb/lib/core/collection"
	"github.com/diffsec/vxdb/lib/core/hnsw"
	"github.com/diffsec/vxdb/lib/core/kernel"
	"github.com/diffsec/vxdb/lib/core/schema"
	"github.com/diffsec/vxdb/lib/core/vxerr"
	"github.com/diffsec/vxdb/lib/core/vxlog"
	"github.com/diffsec/vxdb/lib/storage/wal"
)

const configFileName = "config.json"

// Default tuning values (spec §4.9 "every 5 minutes per collection").
const (
	DefaultSnapshotInterval       = 5 * time.Minute
	DefaultMaxConcurrentRecovery  = int64(8)
	DefaultMaxConcurrentSnapshots = int64(4)
)

// Config configures a Manager's process-wide behavior. Per-collection
// overrides (dimension, metric, hnsw params) are supplied at Create
// time instead, since those are immutable per collection (spec §3).
type Config struct {
	DataDir string

	Durability        wal.Durability
	InMemoryThreshold int
	EmbedParams       schema.EmbedParams

	SnapshotInterval       time.Duration
	MaxConcurrentRecovery  int64
	MaxConcurrentSnapshots int64
}

func (c Config) withDefaults() Config {
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = DefaultSnapshotInterval
	}
	if c.MaxConcurrentRecovery <= 0 {
		c.MaxConcurrentRecovery = DefaultMaxConcurrentRecovery
	}
	if c.MaxConcurrentSnapshots <= 0 {
		c.MaxConcurrentSnapshots = DefaultMaxConcurrentSnapshots
	}
	return c
}

// onDiskConfig is the literal `config.json` contract of spec §6:
// `{dimension, metric, hnsw_params, schema?}`. This package never fills
// in schema: Create writes the file without one and nothing rewrites it
// later — the authoritative schema for a collection lives in its WAL
// and snapshots, not here.
type onDiskConfig struct {
	Dimension int             `json:"dimension"`
	Metric    string          `json:"metric"`
	HNSW      hnsw.Params     `json:"hnsw_params"`
	Schema    json.RawMessage `json:"schema,omitempty"`
}

// Manager is the process-wide collection registry (spec §4.9). The
// registry mapping is read-mostly: create/drop serialize under mu's
// exclusive mode, lookups take it shared.
type Manager struct {
	mu  sync.RWMutex
	cfg Config

	logger      *vxlog.Logger
	collections map[string]*collection.Collection

	stopSnapshots chan struct{}
	snapshotDone  chan struct{}
}

func (m *Manager) collectionDir(name string) string {
	return filepath.Join(m.cfg.DataDir, name)
}

func (m *Manager) configPath(name string) string {
	return filepath.Join(m.collectionDir(name), configFileName)
}

// Create registers a brand-new collection: writes its config.json,
// then builds the empty collection on disk. It fails with AlreadyExists
// if the name is already registered or its directory already holds a
// config.json from a previous run.
func (m *Manager) Create(name string, dimension int, metric kernel.Metric, hnswParams hnsw.Params) (*collection.Collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.collections[name]; ok {
		return nil, vxerr.New(vxerr.AlreadyExists, "manager: collection %q already open", name)
	}
	if _, err := os.Stat(m.configPath(name)); err == nil {
		return nil, vxerr.New(vxerr.AlreadyExists, "manager: collection %q already has a config.json", name)
	}

	dir := m.collectionDir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, vxerr.Wrap(vxerr.StorageIO, err, "manager: create directory for %q", name)
	}
	onDisk := onDiskConfig{Dimension: dimension, Metric: metric.String(), HNSW: hnswParams}
	if err := writeConfigFile(m.configPath(name), onDisk); err != nil {
		return nil, err
	}

	col, err := collection.Create(m.collectionConfig(name, dimension, metric, hnswParams))
	if err != nil {
		_ = os.Remove(m.configPath(name))
		return nil, err
	}

	m.collections[name] = col
	m.logger.Infof("created collection %q (dim=%d metric=%s)", name, dimension, metric)
	return col, nil
}

// Open loads a collection that already exists on disk but is not
// currently registered — the explicit counterpart to Watch's
// discovery-only logging (spec §4.9's "[COLLECTION MANAGER] — data-root
// watch" addition: directory appearance alone never triggers this).
func (m *Manager) Open(name string) (*collection.Collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if col, ok := m.collections[name]; ok {
		return col, nil
	}

	onDisk, err := readConfigFile(m.configPath(name))
	if err != nil {
		return nil, err
	}
	metric, err := kernel.ParseMetric(onDisk.Metric)
	if err != nil {
		return nil, vxerr.Wrap(vxerr.InvalidArgument, err, "manager: collection %q has an unparseable metric", name)
	}

	col, err := collection.Open(m.collectionConfig(name, onDisk.Dimension, metric, onDisk.HNSW))
	if err != nil {
		return nil, err
	}
	m.collections[name] = col
	m.logger.Infof("opened collection %q", name)
	return col, nil
}

// Get returns the collection registered under name, if any.
func (m *Manager) Get(name string) (*collection.Collection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	col, ok := m.collections[name]
	return col, ok
}

// List returns the names of every currently registered collection, in
// sorted order.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.collections))
	for name := range m.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Drop closes and permanently deletes a collection's entire on-disk
// state (spec §4.6 lifecycle: "destroyed by explicit drop").
func (m *Manager) Drop(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	col, ok := m.collections[name]
	if !ok {
		return vxerr.New(vxerr.NotFound, "manager: collection %q is not open", name)
	}
	if err := col.Close(); err != nil {
		return err
	}
	delete(m.collections, name)
	if err := os.RemoveAll(m.collectionDir(name)); err != nil {
		return vxerr.Wrap(vxerr.StorageIO, err, "manager: remove directory for %q", name)
	}
	m.logger.Infof("dropped collection %q", name)
	return nil
}

func (m *Manager) collectionConfig(name string, dimension int, metric kernel.Metric, hnswParams hnsw.Params) collection.Config {
	return collection.Config{
		Name:              name,
		Dimension:         dimension,
		Metric:            metric,
		HNSW:              hnswParams,
		Durability:        m.cfg.Durability,
		DataDir:           m.collectionDir(name),
		InMemoryThreshold: m.cfg.InMemoryThreshold,
		EmbedParams:       m.cfg.EmbedParams,
	}
}

func writeConfigFile(path string, cfg onDiskConfig) error {
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return vxerr.Wrap(vxerr.Internal, err, "manager: marshal config.json")
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return vxerr.Wrap(vxerr.StorageIO, err, "manager: write %s", path)
	}
	return nil
}

func readConfigFile(path string) (onDiskConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return onDiskConfig{}, vxerr.Wrap(vxerr.NotFound, err, "manager: no config.json at %s", path)
		}
		return onDiskConfig{}, vxerr.Wrap(vxerr.StorageIO, err, "manager: read %s", path)
	}
	var cfg onDiskConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return onDiskConfig{}, vxerr.Wrap(vxerr.WalCorrupt, err, "manager: unmarshal %s", path)
	}
	return cfg, nil
}
