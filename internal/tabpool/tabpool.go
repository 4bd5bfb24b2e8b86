// Package tabpool implements scoped acquisition of a usable page bound to a
// browser, in either tab-pool mode (pages reused across captures, bounded
// per browser) or context mode (one fresh page per capture). Every
// acquisition is released exactly once on every exit path.
package tabpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"shotengine/internal/apierr"
	"shotengine/internal/driver"
	"shotengine/pkg/browserpool"
)

// Config mirrors the tab_* configuration keys.
type Config struct {
	EnableTabReuse     bool // false => fall back to context mode entirely
	MaxTabsPerBrowser  int
	TabIdleTimeout     time.Duration
	TabMaxAge          time.Duration
	TabAcquireTimeout  time.Duration
	TabCleanupInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		EnableTabReuse:     true,
		MaxTabsPerBrowser:  20,
		TabIdleTimeout:     5 * time.Minute,
		TabMaxAge:          30 * time.Minute,
		TabAcquireTimeout:  5 * time.Second,
		TabCleanupInterval: time.Minute,
	}
}

type tabRecord struct {
	page       driver.Page
	ctxID      int
	createdAt  time.Time
	lastUsedAt time.Time
	uses       int
	inUse      bool
}

type host struct {
	handle *browserpool.Handle
	tabs   []*tabRecord
}

// Acquirer is the C5 implementation sitting on top of the browser pool.
type Acquirer struct {
	cfg Config
	bp  *browserpool.Pool
	log *zap.Logger

	mu    sync.Mutex
	hosts map[int]*host

	stop chan struct{}
	done chan struct{}
}

func New(cfg Config, bp *browserpool.Pool, log *zap.Logger) *Acquirer {
	if cfg.MaxTabsPerBrowser <= 0 {
		cfg.MaxTabsPerBrowser = 20
	}
	if cfg.TabAcquireTimeout <= 0 {
		cfg.TabAcquireTimeout = 5 * time.Second
	}
	if cfg.TabCleanupInterval <= 0 {
		cfg.TabCleanupInterval = time.Minute
	}
	a := &Acquirer{
		cfg:   cfg,
		bp:    bp,
		log:   log,
		hosts: make(map[int]*host),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go a.sweepLoop()
	return a
}

// Scope is a scoped page acquisition: exactly one Release call per
// successful Acquire, on every exit path including cancellation.
type Scope struct {
	Page         driver.Page
	BrowserIndex int

	a        *Acquirer
	tabMode  bool
	handle   *browserpool.Handle // set only for context-mode scopes
	released bool
	mu       sync.Mutex
}

// Acquire returns a Scope. It tries tab-pool mode first (when enabled),
// bounded by tab_acquire_timeout; on timeout or failure it falls back to
// context mode.
func (a *Acquirer) Acquire(ctx context.Context) (*Scope, error) {
	if a.cfg.EnableTabReuse {
		tabCtx, cancel := context.WithTimeout(ctx, a.cfg.TabAcquireTimeout)
		scope, err := a.acquireFromTabPool(tabCtx)
		cancel()
		if err == nil {
			return scope, nil
		}
		a.log.Debug("tabpool: tab-pool acquire failed, falling back to context mode", zap.Error(err))
	}
	return a.acquireContext(ctx)
}

func (a *Acquirer) acquireFromTabPool(ctx context.Context) (*Scope, error) {
	a.mu.Lock()
	for bIdx, h := range a.hosts {
		for _, t := range h.tabs {
			if !t.inUse {
				t.inUse = true
				t.lastUsedAt = time.Now()
				t.uses++
				a.mu.Unlock()
				return &Scope{Page: t.page, BrowserIndex: bIdx, a: a, tabMode: true}, nil
			}
		}
	}
	// no idle tab; find a host with spare capacity
	for bIdx, h := range a.hosts {
		if len(h.tabs) < a.cfg.MaxTabsPerBrowser {
			handle := h.handle
			a.mu.Unlock()
			page, err := handle.Browser.NewPage(ctx)
			if err != nil {
				return nil, fmt.Errorf("tabpool: new page on existing host: %w", err)
			}
			ctxID := a.bp.OpenContext(bIdx)
			rec := &tabRecord{page: page, ctxID: ctxID, createdAt: time.Now(), lastUsedAt: time.Now(), inUse: true, uses: 1}
			a.mu.Lock()
			h2, ok := a.hosts[bIdx]
			if ok {
				h2.tabs = append(h2.tabs, rec)
			}
			a.mu.Unlock()
			return &Scope{Page: page, BrowserIndex: bIdx, a: a, tabMode: true}, nil
		}
	}
	a.mu.Unlock()

	// no existing host has room; acquire a new persistent host from the
	// browser pool. This handle is held by the tab pool, not released per
	// capture — it backs many tab acquisitions until recycled.
	handle, err := a.bp.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	page, err := handle.Browser.NewPage(ctx)
	if err != nil {
		a.bp.Release(handle)
		return nil, fmt.Errorf("tabpool: new page on fresh host: %w", err)
	}
	ctxID := a.bp.OpenContext(handle.Index)
	rec := &tabRecord{page: page, ctxID: ctxID, createdAt: time.Now(), lastUsedAt: time.Now(), inUse: true, uses: 1}

	a.mu.Lock()
	a.hosts[handle.Index] = &host{handle: handle, tabs: []*tabRecord{rec}}
	a.mu.Unlock()

	return &Scope{Page: page, BrowserIndex: handle.Index, a: a, tabMode: true}, nil
}

func (a *Acquirer) acquireContext(ctx context.Context) (*Scope, error) {
	handle, err := a.bp.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	page, err := handle.Browser.NewPage(ctx)
	if err != nil {
		a.bp.Release(handle)
		return nil, apierr.Wrap(apierr.KindAcquireFailed, err, "context-mode page creation failed")
	}
	return &Scope{Page: page, BrowserIndex: handle.Index, a: a, tabMode: false, handle: handle}, nil
}

// Release returns the page to the tab pool (after reset) or closes it and
// releases the browser (context mode). Only the first call releases; any
// later call is a no-op rather than a double-release panic, since
// cancellation paths may race with a normal return.
func (s *Scope) Release(ctx context.Context) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	s.mu.Unlock()

	if s.tabMode {
		s.a.releaseTab(ctx, s)
		return
	}
	s.a.releaseContext(ctx, s)
}

func (a *Acquirer) releaseTab(ctx context.Context, s *Scope) {
	resetCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.Page.Reset(resetCtx); err != nil {
		a.log.Debug("tabpool: tab reset failed, closing instead of reusing", zap.Error(err))
		a.closeTab(s.BrowserIndex, s.Page)
		return
	}

	a.mu.Lock()
	if h, ok := a.hosts[s.BrowserIndex]; ok {
		for _, t := range h.tabs {
			if t.page == s.Page {
				t.inUse = false
				t.lastUsedAt = time.Now()
				break
			}
		}
	}
	a.mu.Unlock()
}

func (a *Acquirer) closeTab(browserIndex int, page driver.Page) {
	a.mu.Lock()
	h, ok := a.hosts[browserIndex]
	var ctxID int
	if ok {
		for i, t := range h.tabs {
			if t.page == page {
				ctxID = t.ctxID
				h.tabs = append(h.tabs[:i], h.tabs[i+1:]...)
				break
			}
		}
	}
	a.mu.Unlock()
	page.Close()
	if ok {
		a.bp.CloseContext(browserIndex, ctxID)
	}
}

func (a *Acquirer) releaseContext(ctx context.Context, s *Scope) {
	s.Page.Close()
	if s.handle != nil {
		a.bp.Release(s.handle)
	}
}

// sweepLoop closes idle/aged tabs in the background.
func (a *Acquirer) sweepLoop() {
	defer close(a.done)
	ticker := time.NewTicker(a.cfg.TabCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.sweep()
		}
	}
}

func (a *Acquirer) sweep() {
	type victim struct {
		browserIndex int
		page         driver.Page
	}
	var victims []victim

	a.mu.Lock()
	for bIdx, h := range a.hosts {
		for _, t := range h.tabs {
			if t.inUse {
				continue
			}
			if time.Since(t.lastUsedAt) > a.cfg.TabIdleTimeout || time.Since(t.createdAt) > a.cfg.TabMaxAge {
				victims = append(victims, victim{bIdx, t.page})
			}
		}
	}
	a.mu.Unlock()

	for _, v := range victims {
		a.closeTab(v.browserIndex, v.page)
	}
}

func (a *Acquirer) Close() {
	close(a.stop)
	<-a.done
}
