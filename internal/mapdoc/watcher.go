package mapdoc

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Editors typically replace files via rename, so the watch is on the
// containing directory, filtered to the document's base name.
const watchDebounce = 250 * time.Millisecond

type watcher struct {
	src *Source
	fsw *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// Watch starts monitoring the document for changes. Each settled burst
// of filesystem events triggers one Reload.
func (s *Source) Watch() error {
	if s.watch != nil {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return err
	}
	w := &watcher{
		src:    s,
		fsw:    fsw,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	s.watch = w
	s.log.Debug("watching map document",
		zap.String("source", s.id),
		zap.String("dir", dir))
	go w.run()
	return nil
}

func (w *watcher) run() {
	defer close(w.doneCh)
	base := filepath.Base(w.src.path)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.bump()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.src.log.Warn("map document watch error", zap.Error(err))
		case <-w.stopCh:
			return
		}
	}
}

// bump (re)arms the debounce timer; the reload fires only after events
// stop arriving for the debounce window.
func (w *watcher) bump() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(watchDebounce, func() {
		select {
		case <-w.stopCh:
			return
		default:
		}
		if err := w.src.Reload(); err != nil {
			w.src.log.Warn("map document reload failed", zap.Error(err))
		}
	})
}

func (w *watcher) stop() error {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
	})
	err := w.fsw.Close()
	<-w.doneCh
	return err
}
