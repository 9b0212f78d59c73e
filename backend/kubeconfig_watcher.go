/*
 * backend/kubeconfig_watcher.go
 *
 * Watches the configured kubeconfig file and fires a debounced callback
 * when it changes, so the service can rebuild its cluster clients and
 * restart the sampler without a process restart.
 */

package backend

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/luxury-yacht/pulse/backend/internal/config"
)

type kubeconfigWatcher struct {
	watcher   *fsnotify.Watcher
	logger    *Logger
	path      string
	onChange  func()
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// newKubeconfigWatcher watches the directory containing path and invokes
// onChange after events for that file settle. Watching the directory
// instead of the file survives the rename-and-replace writes most tools
// use for kubeconfigs.
func newKubeconfigWatcher(path string, logger *Logger, onChange func()) (*kubeconfigWatcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	cleaned := filepath.Clean(path)
	if err := fsWatcher.Add(filepath.Dir(cleaned)); err != nil {
		_ = fsWatcher.Close()
		return nil, err
	}

	w := &kubeconfigWatcher{
		watcher:   fsWatcher,
		logger:    logger,
		path:      cleaned,
		onChange:  onChange,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}

	go w.eventLoop()
	return w, nil
}

func (w *kubeconfigWatcher) eventLoop() {
	defer close(w.stoppedCh)

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time
	pending := false

	for {
		select {
		case <-w.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isRelevantFSEvent(event) {
				continue
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}

			pending = true
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(config.KubeconfigWatcherDebounce)
			debounceCh = debounceTimer.C

		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("kubeconfig watcher error", "KubeconfigWatcher")

		case <-debounceCh:
			debounceCh = nil
			if pending && w.onChange != nil {
				pending = false
				w.onChange()
			}
		}
	}
}

func isRelevantFSEvent(event fsnotify.Event) bool {
	return event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) != 0
}

func (w *kubeconfigWatcher) stop() {
	select {
	case <-w.stopCh:
		return
	default:
		close(w.stopCh)
	}
	_ = w.watcher.Close()
	<-w.stoppedCh
}
