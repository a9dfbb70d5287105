package am

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teranos/metronome/errors"
	"github.com/teranos/metronome/logger"
)

// ConfigWatcher watches a config file and hands the reloaded Config to
// registered callbacks. Only settings that components re-read at runtime
// (rate limit, log retention, log level) take effect without a restart;
// callbacks fire only when one of those changed.
type ConfigWatcher struct {
	configPath     string
	watcher        *fsnotify.Watcher
	callbacks      []ReloadCallback
	mu             sync.RWMutex
	debounceTimer  *time.Timer
	debouncePeriod time.Duration
	loader         func() (*Config, error)
	current        *Config // last config handed to callbacks
	log            *zap.SugaredLogger
	started        bool
	done           chan struct{}
}

// ReloadCallback is called with the freshly loaded config
type ReloadCallback func(*Config) error

// NewConfigWatcher creates a watcher for configPath. The directory is
// watched rather than the file so editors that replace files atomically
// still trigger a reload.
func NewConfigWatcher(configPath string) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}

	if err := watcher.Add(filepath.Dir(configPath)); err != nil {
		watcher.Close()
		return nil, errors.Wrapf(err, "failed to watch config file %s", configPath)
	}

	cw := &ConfigWatcher{
		configPath:     configPath,
		watcher:        watcher,
		debouncePeriod: 500 * time.Millisecond,
		loader: func() (*Config, error) {
			Reset()
			return Load()
		},
		log:  logger.AddAMSymbol(logger.ComponentLogger("am.watcher")),
		done: make(chan struct{}),
	}

	return cw, nil
}

// OnReload registers a callback to be called when config is reloaded
func (cw *ConfigWatcher) OnReload(callback ReloadCallback) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

// Start begins watching for config file changes
func (cw *ConfigWatcher) Start() {
	cw.mu.Lock()
	cw.started = true
	cw.mu.Unlock()
	go cw.watchLoop()
}

func (cw *ConfigWatcher) watchLoop() {
	defer close(cw.done)
	target := filepath.Clean(cw.configPath)

	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cw.log.Infow("Config watcher detected change",
				"file", event.Name,
				"op", event.Op.String())
			cw.scheduleReload()

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.log.Warnw("Config watcher error", logger.FieldError, err)
		}
	}
}

// scheduleReload debounces rapid file changes and triggers reload
func (cw *ConfigWatcher) scheduleReload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}

	cw.debounceTimer = time.AfterFunc(cw.debouncePeriod, func() {
		if err := cw.reload(); err != nil {
			cw.log.Errorw("Config reload failed", logger.FieldError, err)
		}
	})
}

// reload loads and validates the configuration, then calls every callback.
// An invalid file leaves the running config in place. A failing callback
// does not stop the others.
func (cw *ConfigWatcher) reload() error {
	newConfig, err := cw.loader()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := newConfig.Validate(); err != nil {
		return errors.Wrap(err, "reloaded config is invalid, keeping the running one")
	}

	cw.mu.Lock()
	previous := cw.current
	changes := LiveChanges(previous, newConfig)
	if previous != nil && len(changes) == 0 {
		cw.mu.Unlock()
		cw.log.Debugw("Config reloaded, no live settings changed", "path", cw.configPath)
		return nil
	}
	cw.current = newConfig
	callbacks := make([]ReloadCallback, len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mu.Unlock()

	cw.log.Infow("Config reloaded", "path", cw.configPath, "changes", strings.Join(changes, "; "))

	for _, callback := range callbacks {
		if err := callback(newConfig); err != nil {
			cw.log.Warnw("Config reload callback error", logger.FieldError, err)
		}
	}

	return nil
}

// SetCurrent records the config already in effect, so the first reload only
// fires callbacks when something live actually differs from it.
func (cw *ConfigWatcher) SetCurrent(cfg *Config) {
	cw.mu.Lock()
	cw.current = cfg
	cw.mu.Unlock()
}

// LiveChanges describes the runtime-tunable settings that differ between two
// configs, e.g. "pulse.max_starts_per_minute: 10 -> 42". A nil old config
// reports every live setting of new.
func LiveChanges(old, new *Config) []string {
	var changes []string
	all := old == nil
	if all {
		old = &Config{}
	}
	diff := func(key string, a, b interface{}) {
		if all || a != b {
			changes = append(changes, fmt.Sprintf("%s: %v -> %v", key, a, b))
		}
	}
	diff("pulse.max_starts_per_minute", old.Pulse.MaxStartsPerMinute, new.Pulse.MaxStartsPerMinute)
	diff("pulse.max_logs_per_job", old.Pulse.MaxLogsPerJob, new.Pulse.MaxLogsPerJob)
	diff("log.level", old.Log.Level, new.Log.Level)
	return changes
}

// Stop stops watching for config changes
func (cw *ConfigWatcher) Stop() error {
	cw.mu.Lock()
	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}
	started := cw.started
	cw.mu.Unlock()
	err := cw.watcher.Close()
	if started {
		<-cw.done
	}
	return err
}
