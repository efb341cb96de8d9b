package pool

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// reloadDebounce coalesces the burst of fsnotify events an editor or a
// deploy emits for one logical change.
const reloadDebounce = 500 * time.Millisecond

// reloader watches the runtime script and recycles the pool when it
// changes, so workers pick up the new code without a restart.
type reloader struct {
	watcher *fsnotify.Watcher
	logger  *zap.Logger
	target  string
	recycle func()
	quit    chan struct{}
}

func newReloader(scriptPath string, logger *zap.Logger, recycle func()) (*reloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files by rename, which
	// drops a watch on the file itself.
	dir := filepath.Dir(scriptPath)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	r := &reloader{
		watcher: watcher,
		logger:  logger,
		target:  filepath.Clean(scriptPath),
		recycle: recycle,
		quit:    make(chan struct{}),
	}
	go r.loop()
	return r, nil
}

func (r *reloader) loop() {
	var pending *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-r.quit:
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if !r.relevant(ev) {
				continue
			}
			r.logger.Info("runtime script changed",
				zap.String("path", ev.Name), zap.String("op", ev.Op.String()))
			if pending == nil {
				pending = time.AfterFunc(reloadDebounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			} else {
				pending.Reset(reloadDebounce)
			}
		case <-fire:
			pending = nil
			r.recycle()
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("script watcher error", zap.Error(err))
		}
	}
}

func (r *reloader) relevant(ev fsnotify.Event) bool {
	if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
		return false
	}
	return filepath.Clean(ev.Name) == r.target
}

func (r *reloader) Close() error {
	close(r.quit)
	return r.watcher.Close()
}
