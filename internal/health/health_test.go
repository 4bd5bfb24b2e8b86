package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"shotengine/internal/driver"
	"shotengine/internal/interceptor"
	"shotengine/internal/rescache"
	"shotengine/internal/rewriter"
	"shotengine/internal/tabpool"
	"shotengine/pkg/browserpool"
	"shotengine/pkg/metrics"

	"shotengine/internal/capture"
)

type fakePage struct{ fail bool }

func (p *fakePage) SetViewport(ctx context.Context, w, h int64) error { return nil }
func (p *fakePage) InstallInterceptor(ctx context.Context, h driver.RouteHandler) error {
	return nil
}
func (p *fakePage) Navigate(ctx context.Context, url string, s driver.WaitStrategy, t time.Duration) error {
	if p.fail {
		return errors.New("navigate failed")
	}
	return nil
}
func (p *fakePage) Screenshot(ctx context.Context, f driver.Format, full bool, t time.Duration) ([]byte, error) {
	if p.fail {
		return nil, errors.New("screenshot failed")
	}
	return []byte("x"), nil
}
func (p *fakePage) Reset(ctx context.Context) error { return nil }
func (p *fakePage) Close() error                    { return nil }

type fakeBrowser struct{ fail bool }

func (b *fakeBrowser) NewPage(ctx context.Context) (driver.Page, error) {
	return &fakePage{fail: b.fail}, nil
}
func (b *fakeBrowser) Alive() bool  { return true }
func (b *fakeBrowser) Close() error { return nil }

type fakeDriver struct{ fail bool }

func (d *fakeDriver) LaunchBrowser(ctx context.Context) (driver.Browser, error) {
	return &fakeBrowser{fail: d.fail}, nil
}

func newTestPipeline(t *testing.T, fail bool) *capture.Pipeline {
	t.Helper()
	poolCfg := browserpool.DefaultConfig()
	poolCfg.MinSize = 1
	poolCfg.MaxSize = 1
	poolCfg.CleanupInterval = time.Hour
	pool := browserpool.New(poolCfg, &fakeDriver{fail: fail}, zap.NewNop())
	t.Cleanup(func() { pool.Close() })

	tabCfg := tabpool.DefaultConfig()
	tabCfg.EnableTabReuse = false
	tabs := tabpool.New(tabCfg, pool, zap.NewNop())
	t.Cleanup(tabs.Close)

	rw := rewriter.New()
	bl := interceptor.NewBlockList(interceptor.BlockConfig{})
	resCache := rescache.New(rescache.DefaultConfig(t.TempDir()))
	t.Cleanup(resCache.Close)

	cfg := capture.DefaultConfig()
	cfg.SettleTimeout = time.Millisecond
	cfg.MaxFreshRetries = 0
	return capture.New(cfg, tabs, pool, rw, bl, resCache, metrics.New(), zap.NewNop())
}

func TestRunOnceRecordsSuccess(t *testing.T) {
	pipeline := newTestPipeline(t, false)
	cfg := DefaultConfig()
	cfg.ProbeURL = "https://example.com"
	p := New(cfg, pipeline, zap.NewNop())

	p.runOnce()

	snap := p.Snapshot()
	if snap.TotalRuns != 1 || snap.ConsecutiveFailures != 0 {
		t.Fatalf("expected a clean successful run, got %+v", snap)
	}
}

func TestRunOnceRecordsFailureAndIncrementsConsecutive(t *testing.T) {
	pipeline := newTestPipeline(t, true)
	cfg := DefaultConfig()
	cfg.ProbeURL = "https://example.com"
	p := New(cfg, pipeline, zap.NewNop())

	p.runOnce()
	p.runOnce()

	snap := p.Snapshot()
	if snap.ConsecutiveFailures != 2 || snap.TotalFailures != 2 {
		t.Fatalf("expected 2 consecutive failures, got %+v", snap)
	}
	if snap.LastError == "" {
		t.Fatal("expected a non-empty last error message")
	}
}

func TestStartDisabledNeverRunsLoop(t *testing.T) {
	pipeline := newTestPipeline(t, false)
	cfg := DefaultConfig()
	cfg.Enabled = false
	p := New(cfg, pipeline, zap.NewNop())

	p.Start()
	p.Close() // must return promptly since Start closed done immediately

	if p.Snapshot().TotalRuns != 0 {
		t.Fatal("expected no probe runs when disabled")
	}
}
