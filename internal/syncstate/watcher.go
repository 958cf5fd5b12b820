package syncstate

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/embranch/embranch/internal/debug"
	"github.com/embranch/embranch/internal/manifest"
)

// Watch invalidates the checker whenever another process rewrites the
// manifest. Watches the .dmms directory (not the file) because atomic
// writers replace the file by rename. Blocks until ctx is done.
func (c *Checker) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := filepath.Dir(manifest.Path(c.root))
	if err := w.Add(dir); err != nil {
		return err
	}
	debug.Infof("syncstate: watching %s", dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) == manifest.FileName {
				debug.Logf("syncstate: manifest changed externally (%s)", ev.Op)
				c.Invalidate()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			debug.Warnf("syncstate: watcher error: %v", err)
		}
	}
}
