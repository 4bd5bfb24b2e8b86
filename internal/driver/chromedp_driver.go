package driver

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// chromedpDriver launches headless Chrome processes via chromedp, the
// teacher's own browser-automation dependency. Flag set is carried from the
// teacher's browser-pool launch options, trimmed of proxy/anti-detection
// options that have no place in a screenshot service.
type chromedpDriver struct {
	headless bool
}

func NewChromedpDriver(headless bool) Driver {
	return &chromedpDriver{headless: headless}
}

func (d *chromedpDriver) LaunchBrowser(ctx context.Context) (Browser, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", d.headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("disable-backgrounding-occluded-windows", true),
		chromedp.Flag("disable-renderer-backgrounding", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.Flag("disable-hang-monitor", true),
		chromedp.Flag("disable-prompt-on-repost", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-extensions", true),
	)

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	// A browser needs one always-alive background page so the process does
	// not exit when the last capture page closes.
	bgCtx, bgCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(bgCtx); err != nil {
		bgCancel()
		allocCancel()
		return nil, fmt.Errorf("driver: launch browser: %w", err)
	}

	return &chromedpBrowser{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		bgCtx:       bgCtx,
		bgCancel:    bgCancel,
	}, nil
}

type chromedpBrowser struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	bgCtx       context.Context
	bgCancel    context.CancelFunc
}

func (b *chromedpBrowser) NewPage(ctx context.Context) (Page, error) {
	tabCtx, tabCancel := chromedp.NewContext(b.allocCtx)
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		return nil, &driverErr{class: classify(err), msg: "new page", cause: err}
	}
	return &chromedpPage{tabCtx: tabCtx, tabCancel: tabCancel}, nil
}

func (b *chromedpBrowser) Alive() bool {
	select {
	case <-b.allocCtx.Done():
		return false
	default:
		return true
	}
}

func (b *chromedpBrowser) Close() error {
	b.bgCancel()
	b.allocCancel()
	return nil
}

type chromedpPage struct {
	tabCtx    context.Context
	tabCancel context.CancelFunc

	mu          sync.Mutex
	listening   bool
	unlistenFns []func()
}

func (p *chromedpPage) SetViewport(ctx context.Context, width, height int64) error {
	if err := chromedp.Run(p.tabCtx, chromedp.EmulateViewport(width, height)); err != nil {
		return &driverErr{class: classify(err), msg: "set viewport", cause: err}
	}
	return nil
}

// InstallInterceptor wires a fetch.EventRequestPaused listener, the same
// pattern used by EdgeComet-jsbug's renderer: enable Fetch+Network domains,
// then dispatch every paused request to the RouteHandler on its own
// goroutine (CDP event callbacks must not block the dispatch loop).
func (p *chromedpPage) InstallInterceptor(ctx context.Context, handler RouteHandler) error {
	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(p.tabCtx,
			fetch.Enable(),
			network.Enable(),
		)
	}()

	select {
	case err := <-done:
		if err != nil {
			return &driverErr{class: classify(err), msg: "install interceptor", cause: err}
		}
	case <-ctx.Done():
		return &driverErr{class: FailureTimeout, msg: "install interceptor", cause: ctx.Err()}
	}

	chromedp.ListenTarget(p.tabCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *fetch.EventRequestPaused:
			go p.dispatchRequest(handler, e)
		case *network.EventLoadingFinished:
			// response bodies are fetched lazily in dispatchRequest via
			// fetch.GetResponseBody when a request is a pass-through.
		}
	})

	p.mu.Lock()
	p.listening = true
	p.mu.Unlock()
	return nil
}

func (p *chromedpPage) dispatchRequest(handler RouteHandler, e *fetch.EventRequestPaused) {
	rt := ResourceType(strings.ToLower(string(e.ResourceType)))
	ev := RequestEvent{RequestID: string(e.RequestID), URL: e.Request.URL, ResourceType: rt}

	decision, fulfillment := handler.HandleRequest(p.tabCtx, ev)
	switch decision {
	case DecisionAbort:
		_ = chromedp.Run(p.tabCtx, fetch.FailRequest(e.RequestID, network.ErrorReasonBlockedByClient))
	case DecisionFulfill:
		if fulfillment == nil {
			_ = chromedp.Run(p.tabCtx, fetch.ContinueRequest(e.RequestID))
			return
		}
		headers := []*fetch.HeaderEntry{{Name: "content-type", Value: fulfillment.ContentType}}
		_ = chromedp.Run(p.tabCtx, fetch.FulfillRequest(e.RequestID, int64(fulfillment.StatusCode)).
			WithResponseHeaders(headers).
			WithBody(encodeBody(fulfillment.Body)))
	default:
		_ = chromedp.Run(p.tabCtx, fetch.ContinueRequest(e.RequestID))
		if handler != nil {
			go func() {
				var body []byte
				_ = chromedp.Run(p.tabCtx, chromedp.ActionFunc(func(ctx context.Context) error {
					b, err := fetch.GetResponseBody(e.RequestID).Do(ctx)
					if err != nil {
						return err
					}
					body = b
					return nil
				}))
				if body != nil {
					handler.HandleResponse(p.tabCtx, ResponseEvent{
						RequestID: string(e.RequestID),
						URL:       e.Request.URL,
						Body:      body,
					})
				}
			}()
		}
	}
}

// encodeBody returns the base64 encoding CDP's Fetch.fulfillRequest requires
// for its body parameter.
func encodeBody(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func (p *chromedpPage) Navigate(ctx context.Context, url string, strategy WaitStrategy, timeout time.Duration) error {
	navCtx, cancel := context.WithTimeout(p.tabCtx, timeout)
	defer cancel()

	// Hard-cancel the tab on caller cancellation, even if chromedp.Run itself
	// is blocked deep in a CDP round-trip; grounded on EdgeComet-jsbug's use
	// of context.AfterFunc for the same purpose.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var action chromedp.Action
	switch strategy {
	case WaitCommit:
		action = chromedp.Navigate(url)
	case WaitNetworkIdle:
		action = chromedp.ActionFunc(func(ctx context.Context) error {
			_, _, _, err := page.Navigate(url).Do(ctx)
			if err != nil {
				return err
			}
			return chromedp.WaitReady("body", chromedp.ByQuery).Do(ctx)
		})
	default:
		action = chromedp.Navigate(url)
	}

	if err := chromedp.Run(navCtx, action); err != nil {
		if navCtx.Err() != nil {
			return &driverErr{class: FailureTimeout, msg: "navigate timeout", cause: err}
		}
		return &driverErr{class: classify(err), msg: "navigate", cause: err}
	}
	return nil
}

func (p *chromedpPage) Screenshot(ctx context.Context, format Format, fullPage bool, timeout time.Duration) ([]byte, error) {
	shotCtx, cancel := context.WithTimeout(p.tabCtx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var buf []byte
	var action chromedp.Action
	if fullPage {
		action = chromedp.FullScreenshot(&buf, 90)
	} else {
		action = chromedp.CaptureScreenshot(&buf)
	}

	if err := chromedp.Run(shotCtx, action); err != nil {
		if shotCtx.Err() != nil {
			return nil, &driverErr{class: FailureTimeout, msg: "screenshot timeout", cause: err}
		}
		return nil, &driverErr{class: classify(err), msg: "screenshot", cause: err}
	}
	return buf, nil
}

// Reset returns the page to a blank, route-free state: navigate to
// about:blank and disable Fetch so a future InstallInterceptor starts clean.
func (p *chromedpPage) Reset(ctx context.Context) error {
	resetCtx, cancel := context.WithTimeout(p.tabCtx, 5*time.Second)
	defer cancel()
	err := chromedp.Run(resetCtx,
		fetch.Disable(),
		chromedp.Navigate("about:blank"),
	)
	if err != nil {
		return &driverErr{class: classify(err), msg: "reset page", cause: err}
	}
	return nil
}

func (p *chromedpPage) Close() error {
	p.tabCancel()
	return nil
}

type driverErr struct {
	class FailureClass
	msg   string
	cause error
}

func (e *driverErr) Error() string      { return fmt.Sprintf("driver: %s: %v", e.msg, e.cause) }
func (e *driverErr) Unwrap() error      { return e.cause }
func (e *driverErr) Class() FailureClass { return e.class }

func classify(err error) FailureClass {
	if err == nil {
		return FailureUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "context canceled"):
		return FailureTimeout
	case strings.Contains(msg, "target closed"), strings.Contains(msg, "no target"),
		strings.Contains(msg, "session closed"), strings.Contains(msg, "detached"):
		return FailureTargetClosed
	case strings.Contains(msg, "net::ERR"), strings.Contains(msg, "ERR_NAME_NOT_RESOLVED"),
		strings.Contains(msg, "ERR_CONNECTION"):
		return FailureUnreachable
	default:
		return FailureUnknown
	}
}
