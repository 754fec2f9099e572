package manager

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/diffsec/vxdb/lib/core/collection"
	"github.com/diffsec/vxdb/lib/core/kernel"
	"github.com/diffsec/vxdb/lib/core/vxerr"
	"github.com/diffsec/vxdb/lib/core/vxlog"
)

// New creates a Manager rooted at cfg.DataDir, recovering every
// collection subdirectory that holds a config.json concurrently (spec
// §4.9 "for every subdirectory under the data root, load snapshot +
// replay WAL"), then starts its periodic background snapshotter.
func New(cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()
	if cfg.DataDir == "" {
		return nil, vxerr.New(vxerr.InvalidArgument, "manager: data dir must not be empty")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, vxerr.Wrap(vxerr.StorageIO, err, "manager: create data dir %s", cfg.DataDir)
	}

	m := &Manager{
		cfg:           cfg,
		logger:        vxlog.Default("manager"),
		collections:   make(map[string]*collection.Collection),
		stopSnapshots: make(chan struct{}),
		snapshotDone:  make(chan struct{}),
	}

	names, err := discoverCollectionNames(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err := m.recoverAll(names); err != nil {
		return nil, err
	}

	go m.snapshotLoop()
	return m, nil
}

// discoverCollectionNames lists every immediate subdirectory of root
// that holds a config.json.
func discoverCollectionNames(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, vxerr.Wrap(vxerr.StorageIO, err, "manager: list data dir %s", root)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, e.Name(), configFileName)); err == nil {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// recoverAll opens every named collection concurrently, bounded by
// cfg.MaxConcurrentRecovery, then installs them all into the registry
// under a single lock. A failure in any one collection fails the whole
// startup — a partially recovered registry is not a state this manager
// hands back to a caller.
func (m *Manager) recoverAll(names []string) error {
	if len(names) == 0 {
		m.collections = make(map[string]*collection.Collection)
		return nil
	}

	sem := semaphore.NewWeighted(m.cfg.MaxConcurrentRecovery)
	var g errgroup.Group
	var mu sync.Mutex
	recovered := make(map[string]*collection.Collection, len(names))

	for _, name := range names {
		name := name
		g.Go(func() error {
			ctx := context.Background()
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			onDisk, err := readConfigFile(m.configPath(name))
			if err != nil {
				return err
			}
			metric, err := kernel.ParseMetric(onDisk.Metric)
			if err != nil {
				return vxerr.Wrap(vxerr.InvalidArgument, err, "manager: collection %q has an unparseable metric", name)
			}
			col, err := collection.Open(m.collectionConfig(name, onDisk.Dimension, metric, onDisk.HNSW))
			if err != nil {
				return vxerr.Wrap(vxerr.Internal, err, "manager: recover collection %q", name)
			}

			mu.Lock()
			recovered[name] = col
			mu.Unlock()
			m.logger.Infof("recovered collection %q", name)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, col := range recovered {
			_ = col.Close()
		}
		return err
	}

	m.collections = recovered
	return nil
}
