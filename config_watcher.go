package modkernel

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ConfigWatcher watches a kernel configuration file and applies it to a
// running kernel on change. Editors commonly replace files via rename, so
// the watch covers the containing directory and filters for the target
// file on write and create events.
type ConfigWatcher struct {
	kernel  *Kernel
	path    string
	logger  Logger
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	done    chan struct{}
	stopped bool
}

// NewConfigWatcher starts watching the given config file. The file must
// load successfully at least once before a watcher is worth starting, but
// this is not enforced here; a broken edit simply logs and keeps the
// previous configuration.
func NewConfigWatcher(kernel *Kernel, path string, logger Logger) (*ConfigWatcher, error) {
	if kernel == nil {
		return nil, ErrKernelNil
	}
	if logger == nil {
		logger = NopLogger{}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching config directory: %w", err)
	}

	w := &ConfigWatcher{
		kernel:  kernel,
		path:    abs,
		logger:  logger,
		watcher: watcher,
		done:    make(chan struct{}),
	}
	go w.run()
	logger.Info("Watching configuration file", "path", abs)
	return w, nil
}

func (w *ConfigWatcher) run() {
	defer close(w.done)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.matches(event) {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Config watcher error", "path", w.path, "error", err)
		}
	}
}

// matches reports whether the event refers to the watched file and is a
// content-changing operation.
func (w *ConfigWatcher) matches(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create)
}

func (w *ConfigWatcher) reload() {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		w.logger.Error("Ignoring invalid configuration update", "path", w.path, "error", err)
		return
	}
	if err := w.kernel.ApplyConfig(cfg); err != nil {
		w.logger.Error("Failed to apply configuration update", "path", w.path, "error", err)
		return
	}
	w.logger.Info("Configuration reloaded", "path", w.path)
}

// Stop closes the watcher and waits for the watch loop to exit. Safe to
// call more than once.
func (w *ConfigWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	w.stopped = true
	w.watcher.Close()
	<-w.done
}
