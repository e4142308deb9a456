package provider

import (
	"context"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// watchDebounce coalesces bursts of filesystem events into one sync run.
const watchDebounce = 500 * time.Millisecond

// Watcher triggers a callback when provider definition files change in the
// externally-managed directory.
type Watcher struct {
	dir      string
	onChange func()
	cancel   context.CancelFunc
}

// NewWatcher creates a directory watcher. onChange runs after the debounce
// window on any relevant change.
func NewWatcher(dir string, onChange func()) *Watcher {
	return &Watcher{dir: dir, onChange: onChange}
}

// Start begins watching. It is a no-op when the directory does not exist yet.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err = fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		log.Debugf("provider watcher: not watching %s: %v", w.dir, err)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	go func() {
		defer func() {
			if errClose := fsw.Close(); errClose != nil {
				log.Errorf("provider watcher: close error: %v", errClose)
			}
		}()

		var timer *time.Timer
		fire := make(chan struct{}, 1)
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(ev.Name, ".json") {
					continue
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(watchDebounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			case <-fire:
				log.Debugf("provider watcher: change detected in %s", w.dir)
				w.onChange()
			case errWatch, ok := <-fsw.Errors:
				if !ok {
					return
				}
				log.Warnf("provider watcher: %v", errWatch)
			}
		}
	}()
	return nil
}

// Stop halts the watcher. Safe to call when never started.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
}
