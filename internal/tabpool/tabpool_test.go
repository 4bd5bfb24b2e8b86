package tabpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"shotengine/internal/driver"
	"shotengine/pkg/browserpool"
)

// fakePage/fakeBrowser/fakeDriver are minimal stand-ins exercising the
// acquirer's bookkeeping without any real CDP connection.
type fakePage struct {
	closed int64
	reset  int64
}

func (p *fakePage) SetViewport(ctx context.Context, w, h int64) error { return nil }
func (p *fakePage) InstallInterceptor(ctx context.Context, h driver.RouteHandler) error {
	return nil
}
func (p *fakePage) Navigate(ctx context.Context, url string, s driver.WaitStrategy, t time.Duration) error {
	return nil
}
func (p *fakePage) Screenshot(ctx context.Context, f driver.Format, full bool, t time.Duration) ([]byte, error) {
	return nil, nil
}
func (p *fakePage) Reset(ctx context.Context) error {
	atomic.AddInt64(&p.reset, 1)
	return nil
}
func (p *fakePage) Close() error {
	atomic.AddInt64(&p.closed, 1)
	return nil
}

type fakeBrowser struct{}

func (b *fakeBrowser) NewPage(ctx context.Context) (driver.Page, error) { return &fakePage{}, nil }
func (b *fakeBrowser) Alive() bool                                      { return true }
func (b *fakeBrowser) Close() error                                     { return nil }

type fakeDriver struct{}

func (d *fakeDriver) LaunchBrowser(ctx context.Context) (driver.Browser, error) {
	return &fakeBrowser{}, nil
}

func newTestPool(t *testing.T) *browserpool.Pool {
	t.Helper()
	cfg := browserpool.DefaultConfig()
	cfg.MinSize = 1
	cfg.MaxSize = 2
	cfg.CleanupInterval = time.Hour
	p := browserpool.New(cfg, &fakeDriver{}, zap.NewNop())
	t.Cleanup(func() { p.Close() })
	return p
}

func TestAcquireContextModeReleasesBrowser(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableTabReuse = false
	bp := newTestPool(t)
	a := New(cfg, bp, zap.NewNop())
	defer a.Close()

	scope, err := a.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if bp.Stats().InUse != 1 {
		t.Fatalf("expected browser in use during context-mode scope, got %+v", bp.Stats())
	}

	scope.Release(context.Background())
	if bp.Stats().InUse != 0 {
		t.Fatalf("expected browser released after scope release, got %+v", bp.Stats())
	}
}

func TestAcquireTabModeReusesTabAfterRelease(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableTabReuse = true
	cfg.TabAcquireTimeout = time.Second
	cfg.TabCleanupInterval = time.Hour
	bp := newTestPool(t)
	a := New(cfg, bp, zap.NewNop())
	defer a.Close()

	scope1, err := a.Acquire(context.Background())
	if err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	page1 := scope1.Page
	scope1.Release(context.Background())

	scope2, err := a.Acquire(context.Background())
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	if scope2.Page != page1 {
		t.Fatal("expected the idle tab to be reused rather than a new page opened")
	}
	scope2.Release(context.Background())
}

func TestReleaseIsIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableTabReuse = false
	bp := newTestPool(t)
	a := New(cfg, bp, zap.NewNop())
	defer a.Close()

	scope, err := a.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	scope.Release(context.Background())
	scope.Release(context.Background()) // must not double-release or panic

	if bp.Stats().InUse != 0 {
		t.Fatalf("expected InUse=0 after idempotent release, got %+v", bp.Stats())
	}
}

func TestTabReuseDisabledNeverUsesTabPoolPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableTabReuse = false
	bp := newTestPool(t)
	a := New(cfg, bp, zap.NewNop())
	defer a.Close()

	scope, err := a.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if len(a.hosts) != 0 {
		t.Fatalf("expected no tab-pool host bookkeeping when tab reuse is disabled, got %d hosts", len(a.hosts))
	}
	scope.Release(context.Background())
}
