// Package admission implements the circuit breaker, load-shedding check,
// bounded queue, and the screenshot/context semaphore pair that gate every
// call into the capture pipeline. The bounded-queue shape generalizes the
// browser pool's acquire-wait loop from a single semaphore to a
// screenshot-then-context pair; circuit timing follows the same now-based
// comparison style as the browser pool's health checks.
package admission

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"shotengine/internal/apierr"
	"shotengine/pkg/browserpool"
)

// Config mirrors the admission-related configuration keys.
type Config struct {
	MaxConcurrentScreenshots int
	MaxConcurrentContexts    int
	EnableQueueing           bool
	MaxQueueSize             int
	QueueTimeout             time.Duration
	LoadSheddingThreshold    float64
	CircuitThreshold         int
	CircuitResetTime         time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrentScreenshots: 10,
		MaxConcurrentContexts:    20,
		EnableQueueing:           true,
		MaxQueueSize:             100,
		QueueTimeout:             30 * time.Second,
		LoadSheddingThreshold:    0.85,
		CircuitThreshold:         5,
		CircuitResetTime:         30 * time.Second,
	}
}

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// Recorder is the metrics hook surface the controller drives.
type Recorder interface {
	RecordAdmissionDrop(reason string)
}

// Controller is the C7 implementation. One Controller guards one capture
// pipeline.
type Controller struct {
	cfg  Config
	pool *browserpool.Pool
	rec  Recorder
	log  *zap.Logger

	screenshotSem chan struct{}
	contextSem    chan struct{}

	queueMu  sync.Mutex
	queueLen int

	mu                sync.Mutex
	state             circuitState
	openUntil         time.Time
	consecutiveErrors int
}

func New(cfg Config, pool *browserpool.Pool, rec Recorder, log *zap.Logger) *Controller {
	if cfg.MaxConcurrentScreenshots <= 0 {
		cfg.MaxConcurrentScreenshots = 10
	}
	if cfg.MaxConcurrentContexts <= 0 {
		cfg.MaxConcurrentContexts = 20
	}
	return &Controller{
		cfg:           cfg,
		pool:          pool,
		rec:           rec,
		log:           log,
		screenshotSem: make(chan struct{}, cfg.MaxConcurrentScreenshots),
		contextSem:    make(chan struct{}, cfg.MaxConcurrentContexts),
	}
}

// Run gates fn behind the full C7 pipeline: circuit breaker, load shedding,
// optional queueing, then the semaphore pair. fn is invoked with the
// semaphores held and its outcome feeds the circuit breaker.
func (c *Controller) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, err := c.checkCircuit()
	if err != nil {
		c.rec.RecordAdmissionDrop("circuit_open")
		return err
	}

	if c.utilization() >= c.cfg.LoadSheddingThreshold {
		c.rec.RecordAdmissionDrop("overloaded")
		return apierr.New(apierr.KindOverloaded, "browser pool utilization above load_shedding_threshold")
	}

	acquireCtx := ctx
	if c.cfg.EnableQueueing && c.screenshotSlotsFull() {
		queued, err := c.enterQueue()
		if err != nil {
			c.rec.RecordAdmissionDrop(string(kindOf(err)))
			return err
		}
		defer c.leaveQueue()
		timeoutCtx, cancel := context.WithTimeout(ctx, c.cfg.QueueTimeout)
		defer cancel()
		acquireCtx = timeoutCtx
		_ = queued
	}

	select {
	case c.screenshotSem <- struct{}{}:
	case <-acquireCtx.Done():
		if ctx.Err() != nil {
			return apierr.Wrap(apierr.KindDeadlineExceeded, ctx.Err(), "cancelled waiting for screenshot slot")
		}
		return apierr.New(apierr.KindQueueTimeout, "exceeded queue_timeout waiting for a slot")
	}
	select {
	case c.contextSem <- struct{}{}:
	case <-ctx.Done():
		<-c.screenshotSem
		return apierr.Wrap(apierr.KindDeadlineExceeded, ctx.Err(), "cancelled waiting for context slot")
	}
	defer func() {
		<-c.contextSem
		<-c.screenshotSem
	}()

	runErr := fn(ctx)
	c.recordOutcome(runErr == nil, probe)
	return runErr
}

func kindOf(err error) apierr.Kind {
	if e, ok := apierr.Of(err); ok {
		return e.Kind
	}
	return apierr.KindInternal
}

func (c *Controller) screenshotSlotsFull() bool {
	return len(c.screenshotSem) >= cap(c.screenshotSem)
}

// enterQueue admits the caller into the bounded wait queue. The actual FIFO
// ordering comes from the blocking channel send on screenshotSem in Run;
// queueLen only enforces max_queue_size.
func (c *Controller) enterQueue() (bool, error) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if c.queueLen >= c.cfg.MaxQueueSize {
		return false, apierr.New(apierr.KindOverloaded, "queue full")
	}
	c.queueLen++
	return true, nil
}

func (c *Controller) leaveQueue() {
	c.queueMu.Lock()
	if c.queueLen > 0 {
		c.queueLen--
	}
	c.queueMu.Unlock()
}

func (c *Controller) utilization() float64 {
	stats := c.pool.Stats()
	if stats.Size == 0 {
		return 0
	}
	return float64(stats.InUse) / float64(stats.Size)
}

// checkCircuit reports whether a capture may proceed, and whether this call
// is the single half-open probe.
func (c *Controller) checkCircuit() (probe bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case circuitClosed:
		return false, nil
	case circuitOpen:
		if time.Now().Before(c.openUntil) {
			return false, apierr.New(apierr.KindCircuitOpen, "circuit breaker open")
		}
		c.state = circuitHalfOpen
		return true, nil
	case circuitHalfOpen:
		// a probe is already in flight; treat concurrent arrivals as open
		return false, apierr.New(apierr.KindCircuitOpen, "circuit breaker half-open, probe in flight")
	}
	return false, nil
}

func (c *Controller) recordOutcome(success bool, wasProbe bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if success {
		c.consecutiveErrors = 0
		if wasProbe || c.state == circuitHalfOpen {
			c.state = circuitClosed
		}
		return
	}

	c.consecutiveErrors++
	if wasProbe || c.state == circuitHalfOpen {
		c.state = circuitOpen
		c.openUntil = time.Now().Add(c.cfg.CircuitResetTime)
		return
	}
	if c.consecutiveErrors >= c.cfg.CircuitThreshold {
		c.state = circuitOpen
		c.openUntil = time.Now().Add(c.cfg.CircuitResetTime)
	}
}
