package config

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Reloadable watches the config file and atomically swaps in new
// configuration. Policy changes (residency, compliance rules, server list)
// apply to subsequent evaluations without dropping the live session;
// changes that would need process surgery are rejected until restart.
type Reloadable struct {
	path      string
	current   atomic.Pointer[Config]
	mu        sync.RWMutex
	watchers  []func(old, new *Config)
	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
	reloading atomic.Bool
	log       *zap.SugaredLogger
}

// NewReloadable loads the config and starts watching the file.
func NewReloadable(path string, log *zap.SugaredLogger) (*Reloadable, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("initial config load: %w", err)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	r := &Reloadable{
		path:   path,
		stopCh: make(chan struct{}),
		log:    log.Named("config"),
	}
	r.current.Store(cfg)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config file: %w", err)
	}
	r.watcher = watcher
	go r.watchLoop()

	return r, nil
}

// Get returns the current configuration.
func (r *Reloadable) Get() *Config {
	return r.current.Load()
}

// Watch registers a callback invoked after each successful reload. The
// callback runs synchronously before the reload completes and must not
// block.
func (r *Reloadable) Watch(fn func(old, new *Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers = append(r.watchers, fn)
}

// Reload forces a reload from disk.
func (r *Reloadable) Reload() error {
	if !r.reloading.CompareAndSwap(false, true) {
		return fmt.Errorf("reload already in progress")
	}
	defer r.reloading.Store(false)

	newCfg, err := Load(r.path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	oldCfg := r.Get()
	if err := validateTransition(oldCfg, newCfg); err != nil {
		return fmt.Errorf("validate transition: %w", err)
	}

	r.current.Store(newCfg)

	// Callbacks run on the reloading goroutine so the new policy is fully
	// applied by the time Reload returns.
	r.mu.RLock()
	watchers := slices.Clone(r.watchers)
	r.mu.RUnlock()
	for _, fn := range watchers {
		fn(oldCfg, newCfg)
	}
	return nil
}

// validateTransition rejects changes that cannot take effect in-process.
func validateTransition(old, new *Config) error {
	if old.Metrics.Listen != new.Metrics.Listen || old.Metrics.Enabled != new.Metrics.Enabled {
		return fmt.Errorf("metrics listener change requires restart")
	}
	if old.Logging != new.Logging {
		return fmt.Errorf("logging change requires restart")
	}
	if !slices.Equal(old.Scheduler.Command, new.Scheduler.Command) {
		return fmt.Errorf("scheduler command change requires restart")
	}
	return nil
}

func (r *Reloadable) watchLoop() {
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Write == fsnotify.Write {
				if err := r.Reload(); err != nil {
					r.log.Warnw("config reload failed", "error", err)
				} else {
					r.log.Infow("config reloaded")
				}
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Warnw("config watcher error", "error", err)
		case <-r.stopCh:
			return
		}
	}
}

// Close stops the file watcher.
func (r *Reloadable) Close() error {
	close(r.stopCh)
	return r.watcher.Close()
}
