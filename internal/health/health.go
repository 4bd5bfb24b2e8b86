// Package health implements the Health Prober (C10): a background task that
// periodically runs a synthetic capture against a configured probe URL and
// records outcome/duration/consecutive-failure state, without itself
// altering admission state. Grounded on pkg/scheduler's ticker-driven
// background loop shape.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"shotengine/internal/capture"
	"shotengine/internal/driver"
)

type Config struct {
	Enabled  bool
	ProbeURL string
	Interval time.Duration
	Timeout  time.Duration
}

func DefaultConfig() Config {
	return Config{Enabled: true, Interval: 300 * time.Second, Timeout: 15 * time.Second}
}

// Snapshot is the probe's current observable state.
type Snapshot struct {
	LastRunAt           time.Time
	LastDuration        time.Duration
	LastError           string
	ConsecutiveFailures int
	TotalRuns           int64
	TotalFailures       int64
}

// Prober runs the probe loop.
type Prober struct {
	cfg      Config
	pipeline *capture.Pipeline
	log      *zap.Logger

	mu   sync.Mutex
	snap Snapshot

	stop chan struct{}
	done chan struct{}
}

func New(cfg Config, pipeline *capture.Pipeline, log *zap.Logger) *Prober {
	return &Prober{cfg: cfg, pipeline: pipeline, log: log, stop: make(chan struct{}), done: make(chan struct{})}
}

func (p *Prober) Start() {
	if !p.cfg.Enabled || p.cfg.ProbeURL == "" {
		close(p.done)
		return
	}
	go p.loop()
}

func (p *Prober) loop() {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	p.runOnce()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.runOnce()
		}
	}
}

func (p *Prober) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
	defer cancel()

	start := time.Now()
	_, err := p.pipeline.Capture(ctx, capture.Request{
		URL:    p.cfg.ProbeURL,
		Width:  1280,
		Height: 720,
		Format: driver.FormatPNG,
	})
	duration := time.Since(start)

	p.mu.Lock()
	p.snap.LastRunAt = start
	p.snap.LastDuration = duration
	p.snap.TotalRuns++
	if err != nil {
		p.snap.LastError = err.Error()
		p.snap.ConsecutiveFailures++
		p.snap.TotalFailures++
	} else {
		p.snap.LastError = ""
		p.snap.ConsecutiveFailures = 0
	}
	p.mu.Unlock()

	if err != nil {
		p.log.Warn("health: probe failed", zap.Error(err), zap.Duration("duration", duration))
	}
}

func (p *Prober) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

func (p *Prober) Close() {
	select {
	case <-p.done:
		return
	default:
	}
	close(p.stop)
	<-p.done
}
