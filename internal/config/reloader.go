package config

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// LiveOverrides is the subset of configuration safe to change without a
// restart: queue/shedding thresholds and timeouts. Pool sizes and
// persistence directories are read once at startup and never hot-reloaded.
// Grounded on pkg/config/reloader.go's file-watch pattern, narrowed from
// "every field" to this safe subset.
type LiveOverrides struct {
	QueueTimeout          *time.Duration `yaml:"queue_timeout"`
	MaxQueueSize          *int           `yaml:"max_queue_size"`
	LoadSheddingThreshold *float64       `yaml:"load_shedding_threshold"`
	EnableLoadShedding    *bool          `yaml:"enable_load_shedding"`
	NavigationTimeoutRegular *time.Duration `yaml:"navigation_timeout_regular"`
	ScreenshotTimeout     *time.Duration `yaml:"screenshot_timeout"`
	CircuitBreakerResetTime *time.Duration `yaml:"circuit_breaker_reset_time"`
}

// Apply overlays any set field onto base, returning the merged config.
func (o LiveOverrides) Apply(base Config) Config {
	c := base
	if o.QueueTimeout != nil {
		c.QueueTimeout = *o.QueueTimeout
	}
	if o.MaxQueueSize != nil {
		c.MaxQueueSize = *o.MaxQueueSize
	}
	if o.LoadSheddingThreshold != nil {
		c.LoadSheddingThreshold = *o.LoadSheddingThreshold
	}
	if o.EnableLoadShedding != nil {
		c.EnableLoadShedding = *o.EnableLoadShedding
	}
	if o.NavigationTimeoutRegular != nil {
		c.NavigationTimeoutRegular = *o.NavigationTimeoutRegular
	}
	if o.ScreenshotTimeout != nil {
		c.ScreenshotTimeout = *o.ScreenshotTimeout
	}
	if o.CircuitBreakerResetTime != nil {
		c.CircuitBreakerResetTime = *o.CircuitBreakerResetTime
	}
	return c
}

// ChangeCallback is invoked with the newly merged config after a reload.
type ChangeCallback func(Config)

// Reloader watches ConfigOverridePath for changes and republishes a merged
// Config through an atomic pointer, debounced so rapid successive writes
// (editors that write-then-rename) only trigger one reload.
type Reloader struct {
	path     string
	base     Config
	debounce time.Duration
	log      *zap.Logger

	current  atomic.Pointer[Config]
	watcher  *fsnotify.Watcher
	onChange []ChangeCallback

	stop chan struct{}
	done chan struct{}
}

func NewReloader(base Config, log *zap.Logger) *Reloader {
	r := &Reloader{base: base, debounce: 500 * time.Millisecond, log: log, stop: make(chan struct{}), done: make(chan struct{})}
	r.current.Store(&base)
	r.path = base.ConfigOverridePath
	return r
}

func (r *Reloader) OnChange(cb ChangeCallback) { r.onChange = append(r.onChange, cb) }

func (r *Reloader) Current() Config { return *r.current.Load() }

// Start loads the override file once (if present) and begins watching it.
// A missing path disables hot-reload entirely; it is not an error.
func (r *Reloader) Start() error {
	if r.path == "" {
		close(r.done)
		return nil
	}
	if err := r.reload(); err != nil {
		r.log.Warn("config: initial override load failed, using defaults", zap.Error(err))
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		close(r.done)
		return err
	}
	r.watcher = watcher
	if err := watcher.Add(r.path); err != nil {
		watcher.Close()
		close(r.done)
		return err
	}
	go r.watch()
	return nil
}

func (r *Reloader) watch() {
	defer close(r.done)
	var pending *time.Timer
	for {
		select {
		case <-r.stop:
			if pending != nil {
				pending.Stop()
			}
			r.watcher.Close()
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(r.debounce, func() {
				if err := r.reload(); err != nil {
					r.log.Warn("config: reload failed, keeping previous config", zap.Error(err))
				}
			})
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Warn("config: watcher error", zap.Error(err))
		}
	}
}

func (r *Reloader) reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return err
	}
	var overrides LiveOverrides
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return err
	}
	merged := overrides.Apply(r.base)
	r.current.Store(&merged)
	for _, cb := range r.onChange {
		cb(merged)
	}
	return nil
}

func (r *Reloader) Stop() {
	select {
	case <-r.done:
		return
	default:
	}
	close(r.stop)
	<-r.done
}
