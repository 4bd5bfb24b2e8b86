// Package capture implements the Capture Pipeline (C6): navigate + screenshot
// with strategy fallback and bounded fresh-browser retry. This is where C3
// (interceptor) and C2 (resource cache, via the interceptor) are exercised on
// every navigation, and where C1 (URL rewriter) substitutes the navigation
// target while the caller's original URL keeps driving cache keys.
package capture

import (
	"context"
	"time"

	"go.uber.org/zap"

	"shotengine/internal/apierr"
	"shotengine/internal/driver"
	"shotengine/internal/interceptor"
	"shotengine/internal/rescache"
	"shotengine/internal/rewriter"
	"shotengine/internal/tabpool"
	"shotengine/pkg/browserpool"
	"shotengine/pkg/metrics"
)

// Config mirrors the navigation/screenshot configuration keys.
type Config struct {
	NavigationTimeoutRegular time.Duration
	NavigationTimeoutComplex time.Duration
	ScreenshotTimeout        time.Duration
	PageCreationTimeout      time.Duration
	ContextCreationTimeout   time.Duration
	RouteSetupTimeout        time.Duration
	SettleTimeout            time.Duration
	MaxFreshRetries          int
}

func DefaultConfig() Config {
	return Config{
		NavigationTimeoutRegular: 15 * time.Second,
		NavigationTimeoutComplex: 30 * time.Second,
		ScreenshotTimeout:        10 * time.Second,
		PageCreationTimeout:      5 * time.Second,
		ContextCreationTimeout:   5 * time.Second,
		RouteSetupTimeout:        2 * time.Second,
		SettleTimeout:            500 * time.Millisecond,
		MaxFreshRetries:          3,
	}
}

// strategyStep is one entry of the fixed navigation-strategy fallback order.
type strategyStep struct {
	strategy driver.WaitStrategy
	fraction float64
}

var strategyOrder = []strategyStep{
	{driver.WaitCommit, 0.40},
	{driver.WaitDOMContentLoaded, 0.70},
	{driver.WaitNetworkIdle, 0.50},
	{driver.WaitLoad, 0.90},
}

// Request is the capture input.
type Request struct {
	URL      string
	Width    int64
	Height   int64
	Format   driver.Format
	Deadline time.Time
}

// Result is a successful capture's output.
type Result struct {
	Bytes []byte
}

// Pipeline wires C5 (tab acquisition), C1 (rewrite), C3 (interceptor), and
// the driver together.
type Pipeline struct {
	tabs        *tabpool.Acquirer
	pool        *browserpool.Pool
	rewriter    *rewriter.Rewriter
	blockList   *interceptor.BlockList
	resCache    *rescache.Cache
	metrics     *metrics.Collector
	cfg         Config
	log         *zap.Logger
}

func New(cfg Config, tabs *tabpool.Acquirer, pool *browserpool.Pool, rw *rewriter.Rewriter,
	blockList *interceptor.BlockList, resCache *rescache.Cache, m *metrics.Collector, log *zap.Logger) *Pipeline {
	return &Pipeline{tabs: tabs, pool: pool, rewriter: rw, blockList: blockList, resCache: resCache, metrics: m, cfg: cfg, log: log}
}

// Capture runs the full pipeline for one request. It is always called from
// inside the admission controller's semaphores; this function does not
// itself gate concurrency.
func (p *Pipeline) Capture(ctx context.Context, req Request) (*Result, error) {
	navURL := p.rewriter.Rewrite(req.URL)
	adaptiveScale := p.adaptiveTimeoutScale()

	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxFreshRetries; attempt++ {
		result, escalate, err := p.captureOnce(ctx, req, navURL, adaptiveScale, attempt > 0)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !escalate {
			return nil, err
		}
		p.log.Debug("capture: fresh-browser retry", zap.Int("attempt", attempt), zap.Error(err))
	}
	return nil, lastErr
}

// captureOnce performs one full page-acquire-navigate-screenshot attempt.
// escalate=true tells the caller this failure class (target-closed) warrants
// a fresh-browser retry rather than surfacing immediately. useComplexTimeout
// is set once a prior attempt on this request has already forced a
// fresh-browser retry, signaling the page is slower than the regular base.
func (p *Pipeline) captureOnce(ctx context.Context, req Request, navURL string, scale float64, useComplexTimeout bool) (*Result, bool, error) {
	scope, err := p.tabs.Acquire(ctx)
	if err != nil {
		return nil, false, apierr.Wrap(apierr.KindAcquireFailed, err, "tab acquisition failed")
	}
	defer scope.Release(ctx)

	if err := scope.Page.SetViewport(ctx, req.Width, req.Height); err != nil {
		return nil, false, apierr.Wrap(apierr.KindInternal, err, "set viewport failed")
	}

	p.installInterceptor(ctx, scope.Page)

	if err := p.navigateWithFallback(ctx, scope.Page, navURL, scale, useComplexTimeout); err != nil {
		if cerr, ok := err.(driver.ClassifiableError); ok && cerr.Class() == driver.FailureTargetClosed {
			p.pool.RecordError(scope.BrowserIndex)
			return nil, true, apierr.New(apierr.KindTargetClosed, "page closed mid-navigation")
		}
		if cerr, ok := err.(driver.ClassifiableError); ok && cerr.Class() == driver.FailureUnreachable {
			return nil, false, apierr.Wrap(apierr.KindNavigateUnreachable, err, "navigation unreachable")
		}
		return nil, false, apierr.Wrap(apierr.KindNavigateTimeout, err, "all navigation strategies exhausted")
	}

	settle := time.Duration(float64(p.cfg.SettleTimeout) * scale)
	select {
	case <-time.After(settle):
	case <-ctx.Done():
	}

	shotTimeout := time.Duration(float64(p.cfg.ScreenshotTimeout) * scale)
	bytes, err := scope.Page.Screenshot(ctx, req.Format, true, shotTimeout)
	if err != nil {
		if cerr, ok := err.(driver.ClassifiableError); ok && cerr.Class() == driver.FailureTargetClosed {
			p.pool.RecordError(scope.BrowserIndex)
			return nil, true, apierr.New(apierr.KindTargetClosed, "page closed mid-screenshot")
		}
		// one retry before giving up
		bytes, err = scope.Page.Screenshot(ctx, req.Format, true, shotTimeout)
		if err != nil {
			return nil, false, apierr.Wrap(apierr.KindScreenshotFailed, err, "screenshot failed")
		}
	}
	return &Result{Bytes: bytes}, false, nil
}

func (p *Pipeline) installInterceptor(ctx context.Context, page driver.Page) {
	setupCtx, cancel := context.WithTimeout(ctx, p.cfg.RouteSetupTimeout)
	defer cancel()
	handler := interceptor.NewHandler(p.blockList, p.resCache, p.metrics)
	if err := page.InstallInterceptor(setupCtx, handler); err != nil {
		p.log.Debug("capture: interceptor install timed out, continuing uninstalled", zap.Error(err))
	}
}

// navigateWithFallback tries each strategy in order. Target-closed breaks
// immediately (escalation is decided by the caller); timeout and unreachable
// both advance to the next strategy, with the last error observed returned
// only once every strategy has been exhausted.
func (p *Pipeline) navigateWithFallback(ctx context.Context, page driver.Page, url string, scale float64, useComplexTimeout bool) error {
	base := p.cfg.NavigationTimeoutRegular
	if useComplexTimeout {
		base = p.cfg.NavigationTimeoutComplex
	}
	var lastErr error
	for _, step := range strategyOrder {
		timeout := time.Duration(float64(base) * step.fraction * scale)
		err := page.Navigate(ctx, url, step.strategy, timeout)
		if err == nil {
			return nil
		}
		lastErr = err
		if cerr, ok := err.(driver.ClassifiableError); ok && cerr.Class() == driver.FailureTargetClosed {
			return err
		}
	}
	return lastErr
}

// adaptiveTimeoutScale shrinks every timeout once pool utilization exceeds
// 0.70, so failures are detected faster under load.
func (p *Pipeline) adaptiveTimeoutScale() float64 {
	stats := p.pool.Stats()
	if stats.Size == 0 {
		return 1.0
	}
	util := float64(stats.InUse) / float64(stats.Size)
	if util <= 0.70 {
		return 1.0
	}
	scale := 1 - (util-0.70)*1.67
	if scale < 0.5 {
		scale = 0.5
	}
	return scale
}
