package manager

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/diffsec/vxdb/lib/core/vxerr"
)

// Watch observes the data root for new collection subdirectories
// created by another process sharing it, logging discovery only — it
// never auto-opens them (spec.md §4.9's "[COLLECTION MANAGER] — data-
// root watch" addition). Auto-opening on mere directory appearance
// would race a concurrent create still writing config.json; a caller
// that wants the collection attached must call Open(name) itself.
// Watch blocks until ctx is done or the underlying watcher fails.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return vxerr.Wrap(vxerr.Internal, err, "manager: create fsnotify watcher")
	}
	defer watcher.Close()

	if err := watcher.Add(m.cfg.DataDir); err != nil {
		return vxerr.Wrap(vxerr.StorageIO, err, "manager: watch data dir %s", m.cfg.DataDir)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create == 0 {
				continue
			}
			info, err := os.Stat(ev.Name)
			if err != nil || !info.IsDir() {
				continue
			}
			name := filepath.Base(ev.Name)
			if _, ok := m.Get(name); ok {
				continue
			}
			m.logger.Infof("discovered collection directory %q on data root watch (not opened; call Open to attach it)", name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warnf("data root watch error: %v", err)
		}
	}
}
