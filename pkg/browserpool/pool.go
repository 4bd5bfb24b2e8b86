// Package browserpool implements a fixed-capacity browser pool: a bounded
// set of browser processes with health/age/idle-based recycling. Two
// invariants are preserved by construction rather than by comment: release
// must never be gated on recycle, and the pool lock must never be held
// across a sleep.
package browserpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"shotengine/internal/apierr"
	"shotengine/internal/driver"
	"shotengine/pkg/backoff"
)

// Config mirrors the browser_pool_* configuration keys.
type Config struct {
	MinSize         int
	MaxSize         int
	AcquireTimeout  time.Duration
	MaxWaitAttempts int
	IdleTimeout     time.Duration
	MaxAge          time.Duration
	HealthThreshold int // error_count ceiling before a browser is considered unhealthy
	CleanupInterval time.Duration
	ScaleThreshold  float64 // utilization ratio that triggers preemptive scaling
	ScaleFactor     int     // extra browsers launched when ScaleThreshold is crossed
	Headless        bool

	// maxContextOpens caps the age counter (page/context opens since spawn).
	// There is no dedicated environment key for it, so it is a fixed
	// internal safety cap rather than a tunable; see DESIGN.md.
	maxContextOpens int
}

func DefaultConfig() Config {
	return Config{
		MinSize:         2,
		MaxSize:         10,
		AcquireTimeout:  30 * time.Second,
		MaxWaitAttempts: 40,
		IdleTimeout:     5 * time.Minute,
		MaxAge:          30 * time.Minute,
		HealthThreshold: 5,
		CleanupInterval: time.Minute,
		ScaleThreshold:  0.80,
		ScaleFactor:     1,
		Headless:        true,
		maxContextOpens: 10000,
	}
}

// Record tracks one pooled browser: a stable index, the owned process
// handle, and the counters that drive recycling decisions.
type Record struct {
	Index      int
	browser    driver.Browser
	createdAt  time.Time
	lastUsedAt time.Time
	inUse      bool
	ageCount   int
	errorCount int
	contexts   map[int]struct{}
	nextCtxID  int
}

// Stats is the pool's {size, in_use, available, errors, created_total,
// recycled_total} snapshot.
type Stats struct {
	Size          int
	InUse         int
	Available     int
	Errors        int64
	CreatedTotal  int64
	RecycledTotal int64
	AcquireWaits  int64
}

// Pool is the fixed-capacity pool. A single mutex guards records/available;
// it is never held across a sleep or across driver I/O.
type Pool struct {
	cfg    Config
	driver driver.Driver
	log    *zap.Logger

	mu        sync.Mutex
	records   map[int]*Record
	available []int
	nextIndex int
	closed    bool

	backoff backoff.Policy

	createdTotal     int64
	recycledTotal    int64
	errorsTotal      int64
	acquireWaitsTotal int64

	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

func New(cfg Config, d driver.Driver, log *zap.Logger) *Pool {
	if cfg.MinSize <= 0 {
		cfg.MinSize = 2
	}
	if cfg.MaxSize < cfg.MinSize {
		cfg.MaxSize = cfg.MinSize
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	if cfg.MaxWaitAttempts <= 0 {
		cfg.MaxWaitAttempts = 40
	}
	if cfg.maxContextOpens <= 0 {
		cfg.maxContextOpens = 10000
	}
	p := &Pool{
		cfg:         cfg,
		driver:      d,
		log:         log,
		records:     make(map[int]*Record),
		backoff:     backoff.Default(),
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}

	for i := 0; i < cfg.MinSize; i++ {
		if _, err := p.spawn(context.Background()); err != nil {
			log.Warn("browserpool: pre-warm spawn failed", zap.Error(err))
		}
	}

	go p.cleanupLoop()
	return p
}

// spawn launches a new browser and registers it as available. It performs
// driver I/O without holding p.mu.
func (p *Pool) spawn(ctx context.Context) (*Record, error) {
	b, err := p.driver.LaunchBrowser(ctx)
	if err != nil {
		return nil, fmt.Errorf("browserpool: launch: %w", err)
	}

	p.mu.Lock()
	idx := p.nextIndex
	p.nextIndex++
	rec := &Record{
		Index:      idx,
		browser:    b,
		createdAt:  time.Now(),
		lastUsedAt: time.Now(),
		contexts:   make(map[int]struct{}),
	}
	p.records[idx] = rec
	p.available = append(p.available, idx)
	p.mu.Unlock()

	atomic.AddInt64(&p.createdTotal, 1)
	return rec, nil
}

// Handle is returned by Acquire; it is the capsule the caller releases
// exactly once.
type Handle struct {
	Index   int
	Browser driver.Browser
}

// Acquire returns an idle, healthy browser, scaling up on demand and waiting
// with bounded exponential backoff when the pool is saturated. The lock is
// taken only for the in-memory check on each loop iteration; sleeps and
// driver I/O always happen outside it.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	deadline := time.Now().Add(p.cfg.AcquireTimeout)

	for attempt := 0; ; attempt++ {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, apierr.New(apierr.KindAcquireFailed, "pool closed")
		}

		if idx, ok := p.popAvailableLocked(); ok {
			rec := p.records[idx]
			rec.inUse = true
			rec.lastUsedAt = time.Now()
			p.mu.Unlock()
			if !rec.browser.Alive() {
				p.recycle(idx)
				continue
			}
			return &Handle{Index: idx, Browser: rec.browser}, nil
		}

		canGrow := len(p.records) < p.cfg.MaxSize
		utilization := p.utilizationLocked()
		p.mu.Unlock()

		if canGrow {
			rec, err := p.spawn(ctx)
			if err == nil {
				p.mu.Lock()
				rec.inUse = true
				rec.lastUsedAt = time.Now()
				// remove from available since spawn() added it there
				p.removeAvailableLocked(rec.Index)
				p.mu.Unlock()
				return &Handle{Index: rec.Index, Browser: rec.browser}, nil
			}
			p.log.Warn("browserpool: spawn-on-demand failed", zap.Error(err))
		}

		if utilization >= p.cfg.ScaleThreshold && len(p.records) < p.cfg.MaxSize {
			for i := 0; i < p.cfg.ScaleFactor && len(p.records) < p.cfg.MaxSize; i++ {
				go func() { _, _ = p.spawn(context.Background()) }()
			}
		}

		atomic.AddInt64(&p.acquireWaitsTotal, 1)

		if attempt >= p.cfg.MaxWaitAttempts || time.Now().After(deadline) {
			return nil, apierr.New(apierr.KindAcquireFailed, "pool exhausted beyond wait budget")
		}

		select {
		case <-time.After(p.backoff.Delay(attempt)):
		case <-ctx.Done():
			return nil, apierr.Wrap(apierr.KindAcquireFailed, ctx.Err(), "acquire cancelled")
		}
	}
}

// popAvailableLocked removes and returns the head of the free list. Caller
// must hold p.mu.
func (p *Pool) popAvailableLocked() (int, bool) {
	if len(p.available) == 0 {
		return 0, false
	}
	idx := p.available[0]
	p.available = p.available[1:]
	return idx, true
}

func (p *Pool) removeAvailableLocked(idx int) {
	for i, v := range p.available {
		if v == idx {
			p.available = append(p.available[:i], p.available[i+1:]...)
			return
		}
	}
}

func (p *Pool) utilizationLocked() float64 {
	if len(p.records) == 0 {
		return 0
	}
	inUse := 0
	for _, r := range p.records {
		if r.inUse {
			inUse++
		}
	}
	return float64(inUse) / float64(p.cfg.MaxSize)
}

// Release marks the browser idle unconditionally. If it now looks unhealthy,
// a recycle is scheduled asynchronously — recycling never blocks or gates
// the release itself.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	rec, ok := p.records[h.Index]
	if !ok {
		p.mu.Unlock()
		return
	}
	rec.inUse = false
	rec.lastUsedAt = time.Now()
	p.available = append(p.available, h.Index)
	unhealthy := !p.isHealthyLocked(rec)
	p.mu.Unlock()

	if unhealthy {
		go p.recycle(h.Index)
	}
}

// RecordError increments a browser's error counter; callers use this when a
// capture through this browser fails so repeated faults drive recycling.
func (p *Pool) RecordError(index int) {
	p.mu.Lock()
	if rec, ok := p.records[index]; ok {
		rec.errorCount++
	}
	atomic.AddInt64(&p.errorsTotal, 1)
	p.mu.Unlock()
}

// OpenContext records one more page/context open against the browser's age
// counter, per the data model.
func (p *Pool) OpenContext(index int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[index]
	if !ok {
		return -1
	}
	rec.ageCount++
	id := rec.nextCtxID
	rec.nextCtxID++
	rec.contexts[id] = struct{}{}
	return id
}

func (p *Pool) CloseContext(index, ctxID int) {
	p.mu.Lock()
	if rec, ok := p.records[index]; ok {
		delete(rec.contexts, ctxID)
	}
	p.mu.Unlock()
}

func (p *Pool) isHealthyLocked(rec *Record) bool {
	if rec.errorCount >= p.cfg.HealthThreshold {
		return false
	}
	if rec.ageCount >= p.cfg.maxContextOpens {
		return false
	}
	if time.Since(rec.createdAt) >= p.cfg.MaxAge {
		return false
	}
	return rec.browser.Alive()
}

// recycle tears down a browser process and removes it from the pool,
// allowing a future Acquire to relaunch on demand.
func (p *Pool) recycle(index int) {
	p.mu.Lock()
	rec, ok := p.records[index]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.records, index)
	p.removeAvailableLocked(index)
	p.mu.Unlock()

	if err := rec.browser.Close(); err != nil {
		p.log.Warn("browserpool: close during recycle", zap.Int("index", index), zap.Error(err))
	}
	atomic.AddInt64(&p.recycledTotal, 1)
}

// ForceRelease is invoked by the watchdog (C11) to reclaim a browser whose
// holder has stopped making progress. It behaves exactly like Release.
func (p *Pool) ForceRelease(index int) { p.Release(&Handle{Index: index}) }

// ForceRecycle is invoked by the watchdog for a hard-stuck browser: recycle
// immediately regardless of in_use.
func (p *Pool) ForceRecycle(index int) { p.recycle(index) }

// LastUsed reports how long ago the given browser was last handed out, used
// by the watchdog's force_release_after / hard_stuck_after scans.
func (p *Pool) LastUsed(index int) (time.Time, bool, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[index]
	if !ok {
		return time.Time{}, false, false
	}
	return rec.lastUsedAt, rec.inUse, true
}

// Indices returns a snapshot of all tracked browser indices, for the
// watchdog's periodic scan.
func (p *Pool) Indices() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, 0, len(p.records))
	for idx := range p.records {
		out = append(out, idx)
	}
	return out
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	inUse := 0
	for _, r := range p.records {
		if r.inUse {
			inUse++
		}
	}
	return Stats{
		Size:          len(p.records),
		InUse:         inUse,
		Available:     len(p.available),
		Errors:        atomic.LoadInt64(&p.errorsTotal),
		CreatedTotal:  atomic.LoadInt64(&p.createdTotal),
		RecycledTotal: atomic.LoadInt64(&p.recycledTotal),
		AcquireWaits:  atomic.LoadInt64(&p.acquireWaitsTotal),
	}
}

func (p *Pool) cleanupLoop() {
	defer close(p.cleanupDone)
	interval := p.cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCleanup:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep recycles idle browsers that have crossed idle_timeout or max_age,
// then tops the pool back up to min_size. Recycling and relaunching both
// happen without holding p.mu for the duration of any I/O.
func (p *Pool) sweep() {
	p.mu.Lock()
	var stale []int
	for idx, rec := range p.records {
		if rec.inUse {
			continue
		}
		if time.Since(rec.lastUsedAt) > p.cfg.IdleTimeout || !p.isHealthyLocked(rec) {
			stale = append(stale, idx)
		}
	}
	remaining := len(p.records) - len(stale)
	p.mu.Unlock()

	for _, idx := range stale {
		p.recycle(idx)
	}

	need := p.cfg.MinSize - remaining
	for i := 0; i < need; i++ {
		if _, err := p.spawn(context.Background()); err != nil {
			p.log.Warn("browserpool: top-up spawn failed", zap.Error(err))
			break
		}
	}
}

// Close shuts the pool down, terminating every browser process.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	indices := make([]int, 0, len(p.records))
	for idx := range p.records {
		indices = append(indices, idx)
	}
	p.mu.Unlock()

	close(p.stopCleanup)
	<-p.cleanupDone

	for _, idx := range indices {
		p.recycle(idx)
	}
	return nil
}
