// Package watchdog implements a periodic sweep that force-releases browsers
// stuck in_use past force_release_after, and force-recycles ones stuck past
// hard_stuck_after. Tab-record scanning (idle/age-based tab closure) already
// lives in internal/tabpool's own background sweeper; this component only
// drives the browser-pool side, using the ForceRelease/ForceRecycle/
// LastUsed/Indices hooks pkg/browserpool.Pool exposes for exactly this
// purpose.
package watchdog

import (
	"time"

	"go.uber.org/zap"

	"shotengine/pkg/browserpool"
)

type Config struct {
	Interval          time.Duration
	ForceReleaseAfter time.Duration
	HardStuckAfter    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:          30 * time.Second,
		ForceReleaseAfter: 120 * time.Second,
		HardStuckAfter:    300 * time.Second,
	}
}

type Watchdog struct {
	cfg  Config
	pool *browserpool.Pool
	log  *zap.Logger

	stop chan struct{}
	done chan struct{}
}

func New(cfg Config, pool *browserpool.Pool, log *zap.Logger) *Watchdog {
	return &Watchdog{cfg: cfg, pool: pool, log: log, stop: make(chan struct{}), done: make(chan struct{})}
}

func (w *Watchdog) Start() { go w.loop() }

func (w *Watchdog) loop() {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

func (w *Watchdog) sweep() {
	var forceReleased, forceRecycled int
	for _, idx := range w.pool.Indices() {
		lastUsed, inUse, ok := w.pool.LastUsed(idx)
		if !ok || !inUse {
			continue
		}
		idle := time.Since(lastUsed)
		switch {
		case idle > w.cfg.HardStuckAfter:
			w.pool.ForceRecycle(idx)
			forceRecycled++
		case idle > w.cfg.ForceReleaseAfter:
			w.pool.ForceRelease(idx)
			forceReleased++
		}
	}
	if forceReleased > 0 || forceRecycled > 0 {
		w.log.Info("watchdog: swept stuck browsers",
			zap.Int("force_released", forceReleased), zap.Int("force_recycled", forceRecycled))
	}
}

func (w *Watchdog) Close() {
	close(w.stop)
	<-w.done
}
