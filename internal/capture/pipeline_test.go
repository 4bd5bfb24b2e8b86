package capture

import (
	"context"
	"errors"
	"testing"
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

type classifiedErr struct {
	class driver.FailureClass
}

func (e *classifiedErr) Error() string             { return "classified error" }
func (e *classifiedErr) Class() driver.FailureClass { return e.class }

type scriptedPage struct {
	navCalls       int
	navResults     []error // consumed in order, one per Navigate call; nil (success) after exhausted
	screenshotErrs []error // consumed in order; nil after exhausted means success
	shotCalls      int
}

func (p *scriptedPage) SetViewport(ctx context.Context, w, h int64) error { return nil }
func (p *scriptedPage) InstallInterceptor(ctx context.Context, h driver.RouteHandler) error {
	return nil
}
func (p *scriptedPage) Navigate(ctx context.Context, url string, s driver.WaitStrategy, t time.Duration) error {
	idx := p.navCalls
	p.navCalls++
	if idx < len(p.navResults) {
		return p.navResults[idx]
	}
	return nil
}
func (p *scriptedPage) Screenshot(ctx context.Context, f driver.Format, full bool, t time.Duration) ([]byte, error) {
	idx := p.shotCalls
	p.shotCalls++
	if idx < len(p.screenshotErrs) && p.screenshotErrs[idx] != nil {
		return nil, p.screenshotErrs[idx]
	}
	return []byte("fake-png-bytes"), nil
}
func (p *scriptedPage) Reset(ctx context.Context) error { return nil }
func (p *scriptedPage) Close() error                    { return nil }

type scriptedBrowser struct {
	pages []driver.Page
	next  int
}

func (b *scriptedBrowser) NewPage(ctx context.Context) (driver.Page, error) {
	if b.next >= len(b.pages) {
		return &scriptedPage{}, nil
	}
	p := b.pages[b.next]
	b.next++
	return p, nil
}
func (b *scriptedBrowser) Alive() bool { return true }
func (b *scriptedBrowser) Close() error { return nil }

type scriptedDriver struct {
	browsers []*scriptedBrowser
	next     int
}

func (d *scriptedDriver) LaunchBrowser(ctx context.Context) (driver.Browser, error) {
	if d.next >= len(d.browsers) {
		b := &scriptedBrowser{}
		d.browsers = append(d.browsers, b)
	}
	b := d.browsers[d.next]
	d.next++
	return b, nil
}

func newTestPipeline(t *testing.T, drv driver.Driver) *Pipeline {
	t.Helper()
	poolCfg := browserpool.DefaultConfig()
	poolCfg.MinSize = 1
	poolCfg.MaxSize = 2
	poolCfg.CleanupInterval = time.Hour
	pool := browserpool.New(poolCfg, drv, zap.NewNop())
	t.Cleanup(func() { pool.Close() })

	tabCfg := tabpool.DefaultConfig()
	tabCfg.EnableTabReuse = false
	tabs := tabpool.New(tabCfg, pool, zap.NewNop())
	t.Cleanup(tabs.Close)

	rw := rewriter.New()
	bl := interceptor.NewBlockList(interceptor.BlockConfig{})
	resCache := rescache.New(rescache.DefaultConfig(t.TempDir()))
	t.Cleanup(resCache.Close)
	m := metrics.New()

	cfg := DefaultConfig()
	cfg.SettleTimeout = time.Millisecond
	cfg.MaxFreshRetries = 2
	return New(cfg, tabs, pool, rw, bl, resCache, m, zap.NewNop())
}

func TestCaptureSucceedsOnFirstStrategy(t *testing.T) {
	page := &scriptedPage{}
	browser := &scriptedBrowser{pages: []driver.Page{page}}
	drv := &scriptedDriver{browsers: []*scriptedBrowser{browser}}
	p := newTestPipeline(t, drv)

	result, err := p.Capture(context.Background(), Request{URL: "https://example.com", Width: 800, Height: 600, Format: driver.FormatPNG})
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if string(result.Bytes) != "fake-png-bytes" {
		t.Fatalf("unexpected result bytes: %q", result.Bytes)
	}
}

func TestCaptureFallsBackThroughStrategiesOnTimeout(t *testing.T) {
	page := &scriptedPage{
		navResults: []error{errors.New("commit timed out"), errors.New("dcl timed out"), nil},
	}
	browser := &scriptedBrowser{pages: []driver.Page{page}}
	drv := &scriptedDriver{browsers: []*scriptedBrowser{browser}}
	p := newTestPipeline(t, drv)

	result, err := p.Capture(context.Background(), Request{URL: "https://example.com", Format: driver.FormatPNG})
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if result == nil {
		t.Fatal("expected a result once a later strategy succeeds")
	}
	if page.navCalls != 3 {
		t.Fatalf("expected 3 navigate attempts before success, got %d", page.navCalls)
	}
}

func TestCaptureNavigateUnreachableExhaustsAllStrategies(t *testing.T) {
	unreachable := &classifiedErr{class: driver.FailureUnreachable}
	page := &scriptedPage{
		navResults: []error{unreachable, unreachable, unreachable, unreachable},
	}
	browser := &scriptedBrowser{pages: []driver.Page{page}}
	drv := &scriptedDriver{browsers: []*scriptedBrowser{browser}}
	p := newTestPipeline(t, drv)

	_, err := p.Capture(context.Background(), Request{URL: "https://example.com", Format: driver.FormatPNG})
	if err == nil {
		t.Fatal("expected an error")
	}
	ae, ok := apierr.Of(err)
	if !ok || ae.Kind != apierr.KindNavigateUnreachable {
		t.Fatalf("expected KindNavigateUnreachable, got %+v", err)
	}
	if page.navCalls != len(strategyOrder) {
		t.Fatalf("expected unreachable to advance through every strategy before surfacing, got %d calls", page.navCalls)
	}
}

func TestCaptureTargetClosedDuringNavigationEscalatesToFreshBrowser(t *testing.T) {
	failingPage := &scriptedPage{
		navResults: []error{&classifiedErr{class: driver.FailureTargetClosed}},
	}
	succeedingPage := &scriptedPage{}
	browser1 := &scriptedBrowser{pages: []driver.Page{failingPage}}
	browser2 := &scriptedBrowser{pages: []driver.Page{succeedingPage}}
	drv := &scriptedDriver{browsers: []*scriptedBrowser{browser1, browser2}}
	p := newTestPipeline(t, drv)

	result, err := p.Capture(context.Background(), Request{URL: "https://example.com", Format: driver.FormatPNG})
	if err != nil {
		t.Fatalf("expected the fresh-browser retry to succeed, got %v", err)
	}
	if string(result.Bytes) != "fake-png-bytes" {
		t.Fatalf("unexpected result: %q", result.Bytes)
	}
}

func TestCaptureScreenshotRetriesOnceBeforeFailing(t *testing.T) {
	page := &scriptedPage{
		screenshotErrs: []error{errors.New("transient"), errors.New("still failing")},
	}
	browser := &scriptedBrowser{pages: []driver.Page{page}}
	drv := &scriptedDriver{browsers: []*scriptedBrowser{browser}}
	p := newTestPipeline(t, drv)

	_, err := p.Capture(context.Background(), Request{URL: "https://example.com", Format: driver.FormatPNG})
	if err == nil {
		t.Fatal("expected an error after both screenshot attempts fail")
	}
	ae, ok := apierr.Of(err)
	if !ok || ae.Kind != apierr.KindScreenshotFailed {
		t.Fatalf("expected KindScreenshotFailed, got %+v", err)
	}
	if page.shotCalls != 2 {
		t.Fatalf("expected exactly one retry (2 calls total), got %d", page.shotCalls)
	}
}

func TestAdaptiveTimeoutScaleShrinksUnderLoad(t *testing.T) {
	drv := &scriptedDriver{}
	p := newTestPipeline(t, drv)

	if scale := p.adaptiveTimeoutScale(); scale != 1.0 {
		t.Fatalf("expected scale 1.0 at zero utilization, got %v", scale)
	}

	h1, _ := p.pool.Acquire(context.Background())
	h2, _ := p.pool.Acquire(context.Background())
	defer p.pool.Release(h1)
	defer p.pool.Release(h2)

	if scale := p.adaptiveTimeoutScale(); scale >= 1.0 {
		t.Fatalf("expected scale below 1.0 at full utilization, got %v", scale)
	}
}
