package browserpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"shotengine/internal/driver"
)

// fakeDriver launches fakeBrowsers that never touch a real process, for
// exercising pool bookkeeping (acquire/release/recycle/scale) in isolation.
type fakeDriver struct {
	launched int64
	alive    bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{alive: true}
}

func (d *fakeDriver) LaunchBrowser(ctx context.Context) (driver.Browser, error) {
	atomic.AddInt64(&d.launched, 1)
	return &fakeBrowser{alive: &d.alive}, nil
}

type fakeBrowser struct {
	alive  *bool
	closed bool
	mu     sync.Mutex
}

func (b *fakeBrowser) NewPage(ctx context.Context) (driver.Page, error) { return nil, nil }
func (b *fakeBrowser) Alive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return *b.alive && !b.closed
}
func (b *fakeBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinSize = 1
	cfg.MaxSize = 2
	cfg.AcquireTimeout = time.Second
	cfg.MaxWaitAttempts = 10
	cfg.CleanupInterval = time.Hour // disable background sweep during tests
	return cfg
}

func TestNewPreWarmsToMinSize(t *testing.T) {
	d := newFakeDriver()
	p := New(testConfig(), d, zap.NewNop())
	defer p.Close()

	if got := p.Stats().Size; got != 1 {
		t.Fatalf("expected pool size 1 after pre-warm, got %d", got)
	}
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	d := newFakeDriver()
	p := New(testConfig(), d, zap.NewNop())
	defer p.Close()

	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if stats := p.Stats(); stats.InUse != 1 {
		t.Fatalf("expected InUse=1 after acquire, got %d", stats.InUse)
	}

	p.Release(h)
	if stats := p.Stats(); stats.InUse != 0 {
		t.Fatalf("expected InUse=0 after release, got %d", stats.InUse)
	}
}

func TestAcquireScalesUpToMaxSize(t *testing.T) {
	d := newFakeDriver()
	p := New(testConfig(), d, zap.NewNop())
	defer p.Close()

	h1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	h2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	if stats := p.Stats(); stats.Size != 2 || stats.InUse != 2 {
		t.Fatalf("expected pool to scale to size=2 in_use=2, got %+v", stats)
	}
	p.Release(h1)
	p.Release(h2)
}

func TestAcquireReturnsErrorWhenExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.AcquireTimeout = 200 * time.Millisecond
	cfg.MaxWaitAttempts = 3
	d := newFakeDriver()
	p := New(cfg, d, zap.NewNop())
	defer p.Close()

	h1, _ := p.Acquire(context.Background())
	h2, _ := p.Acquire(context.Background())

	_, err := p.Acquire(context.Background())
	if err == nil {
		t.Fatal("expected an error acquiring beyond max_size with no slots free")
	}

	p.Release(h1)
	p.Release(h2)
}

func TestRecordErrorTriggersRecycleOnRelease(t *testing.T) {
	cfg := testConfig()
	cfg.HealthThreshold = 1
	d := newFakeDriver()
	p := New(cfg, d, zap.NewNop())
	defer p.Close()

	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	p.RecordError(h.Index)
	p.Release(h)

	// recycle runs asynchronously; poll briefly for the record to disappear.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, inUse, ok := p.LastUsed(h.Index); !ok && !inUse {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, _, ok := p.LastUsed(h.Index); ok {
		t.Fatal("expected unhealthy browser to be recycled out of the pool")
	}
}

func TestCloseTerminatesAllBrowsers(t *testing.T) {
	d := newFakeDriver()
	p := New(testConfig(), d, zap.NewNop())
	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if stats := p.Stats(); stats.Size != 0 {
		t.Fatalf("expected pool size 0 after Close, got %d", stats.Size)
	}
}

func TestAcquireAfterCloseFails(t *testing.T) {
	d := newFakeDriver()
	p := New(testConfig(), d, zap.NewNop())
	p.Close()

	if _, err := p.Acquire(context.Background()); err == nil {
		t.Fatal("expected Acquire to fail after Close")
	}
}
