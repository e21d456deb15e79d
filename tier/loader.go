package tier

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Source provides the tier configuration currently in force.
type Source interface {
	Current() *Configuration
}

// Static is a Source that never changes.
type Static struct {
	cfg *Configuration
}

func NewStatic(cfg *Configuration) *Static { return &Static{cfg: cfg} }

func (s *Static) Current() *Configuration { return s.cfg }

// Loader reads a YAML tier table and hot-reloads it when the file changes.
// A reload that fails validation is logged and the previous configuration
// stays in force.
type Loader struct {
	path     string
	logger   *slog.Logger
	mu       sync.RWMutex
	current  *Configuration
	onChange []func(*Configuration)
}

// NewLoader creates a Loader and performs the initial load, which must
// succeed.
func NewLoader(path string, logger *slog.Logger) (*Loader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{path: path, logger: logger}
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Current returns the configuration currently in force.
func (l *Loader) Current() *Configuration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked after every successful reload.
func (l *Loader) OnChange(fn func(*Configuration)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts hot-reloading on file changes. Call stop to end it.
func (l *Loader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("tier watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("tier watcher add %s: %w", l.path, err)
	}

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				// Editors that replace the file drop the watch; re-add it.
				if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
					_ = w.Add(l.path) //nolint:errcheck // file may not be back yet
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					if _, err := l.Reload(); err != nil {
						l.logger.Warn("tier config reload rejected, keeping current",
							"path", l.path,
							"version", l.Current().Version,
							"error", err,
						)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Warn("tier watcher error", "path", l.path, "error", err)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}

// Reload forces an immediate re-read of the file.
func (l *Loader) Reload() (*Configuration, error) {
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	prev := l.current
	l.current = cfg
	callbacks := make([]func(*Configuration), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()

	l.logger.Info("tier config loaded",
		"path", l.path,
		"version", cfg.Version,
		"previous_version", prev.Version,
		"tiers", len(cfg.Tiers),
	)
	for _, fn := range callbacks {
		fn(cfg)
	}
	return cfg, nil
}

func (l *Loader) load() (*Configuration, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("tier: read %s: %w", l.path, err)
	}
	return Parse(data)
}
