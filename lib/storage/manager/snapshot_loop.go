package manager

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/diffsec/vxdb/lib/core/collection"
)

// snapshotLoop ticks every cfg.SnapshotInterval and snapshots every
// collection with pending writes, bounded by MaxConcurrentSnapshots
// (spec §4.9 "periodic background snapshots ... only if the collection
// has unsnapshotted writes").
func (m *Manager) snapshotLoop() {
	defer close(m.snapshotDone)

	ticker := time.NewTicker(m.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopSnapshots:
			return
		case <-ticker.C:
			m.snapshotAllPending()
		}
	}
}

func (m *Manager) snapshotAllPending() {
	m.mu.RLock()
	cols := make(map[string]*collection.Collection, len(m.collections))
	for name, col := range m.collections {
		cols[name] = col
	}
	m.mu.RUnlock()

	sem := semaphore.NewWeighted(m.cfg.MaxConcurrentSnapshots)
	ctx := context.Background()
	var wg sync.WaitGroup
	for name, col := range cols {
		if !col.PendingSinceSnapshot() {
			continue
		}
		name, col := name, col
		if err := sem.Acquire(ctx, 1); err != nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			if _, err := col.TakeSnapshot(); err != nil {
				m.logger.Errorf("background snapshot of %q failed: %v", name, err)
			}
		}()
	}
	wg.Wait()
}

// Close stops the background snapshotter and closes every registered
// collection, which fsyncs each one's WAL whatever its durability mode
// (spec §4.9 "graceful shutdown: flush WALs ... optionally trigger
// a final snapshot"). A final snapshot is taken for every collection
// that still has pending writes, so a clean shutdown never leaves an
// avoidable WAL-only replay for the next startup.
func (m *Manager) Close() error {
	close(m.stopSnapshots)
	<-m.snapshotDone

	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for name, col := range m.collections {
		if col.PendingSinceSnapshot() {
			if _, err := col.TakeSnapshot(); err != nil {
				m.logger.Errorf("final snapshot of %q failed: %v", name, err)
			}
		}
		if err := col.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.collections = make(map[string]*collection.Collection)
	return firstErr
}
