package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadSettle is how long the file must stay quiet before it is re-read.
const reloadSettle = 300 * time.Millisecond

// ChangeHandler receives a freshly loaded and validated config.
type ChangeHandler func(cfg *Config)

// Watcher re-reads the config file when it changes on disk and hands the
// result to its handlers. Polling, push and pairing limits take effect for
// sessions started after the reload; running sessions keep the limits they
// were started with. Sections bound at startup (backend, server, store,
// registry, telemetry) are reported but need a restart.
type Watcher struct {
	file string
	fsw  *fsnotify.Watcher

	mu       sync.Mutex
	handlers []ChangeHandler
	current  *Config

	done     chan struct{}
	stopOnce sync.Once
}

// NewWatcher prepares a watcher for the config at path. The file is loaded
// once so later reloads can tell which sections changed.
func NewWatcher(path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	w := &Watcher{
		file: filepath.Clean(path),
		fsw:  fsw,
		done: make(chan struct{}),
	}
	if cfg, err := Load(path); err == nil {
		w.current = cfg
	}
	return w, nil
}

// OnChange adds fn to the handlers run after each successful reload.
func (w *Watcher) OnChange(fn ChangeHandler) {
	w.mu.Lock()
	w.handlers = append(w.handlers, fn)
	w.mu.Unlock()
}

// Start watches the parent directory, so editors that save by replacing the
// file keep triggering reloads.
func (w *Watcher) Start() error {
	if err := w.fsw.Add(filepath.Dir(w.file)); err != nil {
		return fmt.Errorf("watch %s: %w", w.file, err)
	}
	go w.loop()
	slog.Info("config: watching for limit changes", "path", w.file)
	return nil
}

// Stop ends the watch. Calling it again is a no-op.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.fsw.Close()
	})
}

func (w *Watcher) loop() {
	var settle *time.Timer
	defer func() {
		if settle != nil {
			settle.Stop()
		}
	}()

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.file {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if settle != nil {
				settle.Stop()
			}
			settle = time.AfterFunc(reloadSettle, w.reload)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("config: watch error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	next, err := Load(w.file)
	if err != nil {
		// Keep running on the previous limits.
		slog.Error("config: reload rejected", "path", w.file, "error", err)
		return
	}

	w.mu.Lock()
	prev := w.current
	w.current = next
	handlers := append([]ChangeHandler(nil), w.handlers...)
	w.mu.Unlock()

	if stale := RestartRequired(prev, next); len(stale) > 0 {
		slog.Warn("config: changes need a restart", "sections", stale)
	}
	for _, fn := range handlers {
		fn(next)
	}
	slog.Info("config: limits reloaded", "path", w.file)
}

// RestartRequired lists the sections that differ between prev and next but
// are only read at startup. A nil prev reports nothing.
func RestartRequired(prev, next *Config) []string {
	if prev == nil || next == nil {
		return nil
	}
	var out []string
	check := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			out = append(out, name)
		}
	}
	check("backend", prev.Backend, next.Backend)
	check("server", prev.Server, next.Server)
	check("store", prev.Store, next.Store)
	check("registry", prev.Registry, next.Registry)
	check("telemetry", prev.Telemetry, next.Telemetry)
	return out
}
