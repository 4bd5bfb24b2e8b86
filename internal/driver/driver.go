// Package driver defines the Go-level contract for the underlying browser
// process, plus a chromedp-backed implementation of it. Every other
// component depends only on these interfaces, never on chromedp directly, so
// the capture pipeline, browser pool, and interceptor are all testable
// against a fake.
package driver

import (
	"context"
	"time"
)

// Format is an output image format.
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
	FormatWebP Format = "webp"
)

// WaitStrategy is the page-load completion signal used for one navigation
// attempt, in increasing cost/latency order.
type WaitStrategy string

const (
	WaitCommit            WaitStrategy = "commit"
	WaitDOMContentLoaded  WaitStrategy = "domcontentloaded"
	WaitNetworkIdle       WaitStrategy = "networkidle"
	WaitLoad              WaitStrategy = "load"
)

// ResourceType classifies a sub-resource request the way the browser reports
// it (document, script, image, stylesheet, font, media, xhr, fetch, other).
type ResourceType string

// RequestEvent is the information the Request Interceptor (C3) needs about a
// sub-resource request to decide whether to block, serve-from-cache, or pass
// it through to the network.
type RequestEvent struct {
	RequestID    string
	URL          string
	ResourceType ResourceType
}

// Decision is what the interceptor tells the driver to do with a paused
// request.
type Decision int

const (
	DecisionContinue Decision = iota
	DecisionAbort
	DecisionFulfill
)

// Fulfillment is the response body/metadata used when Decision is
// DecisionFulfill (a resource-cache hit served without hitting the network).
type Fulfillment struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// ResponseEvent is delivered after a passed-through request completes, so the
// interceptor can offer the body to the resource cache.
type ResponseEvent struct {
	RequestID   string
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
}

// RouteHandler is installed on a Page before navigation. It is invoked once
// per intercepted request and once per completed response for requests that
// were passed through.
type RouteHandler interface {
	HandleRequest(ctx context.Context, ev RequestEvent) (Decision, *Fulfillment)
	HandleResponse(ctx context.Context, ev ResponseEvent)
}

// Driver launches browser processes.
type Driver interface {
	LaunchBrowser(ctx context.Context) (Browser, error)
}

// Browser owns a single browser process and can open pages within it.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	// Alive reports whether the underlying process/connection is still
	// responsive without performing any I/O beyond a context liveness check.
	Alive() bool
	Close() error
}

// Page is a single tab/page within a Browser.
type Page interface {
	SetViewport(ctx context.Context, width, height int64) error
	// InstallInterceptor wires route interception for every subsequent
	// sub-resource request on this page. It must return within the caller's
	// deadline; timing out disables interception for this page only.
	InstallInterceptor(ctx context.Context, handler RouteHandler) error
	Navigate(ctx context.Context, url string, strategy WaitStrategy, timeout time.Duration) error
	// Screenshot captures the current page. fullPage requests whole-document
	// capture rather than the visible viewport.
	Screenshot(ctx context.Context, format Format, fullPage bool, timeout time.Duration) ([]byte, error)
	// Reset returns the page to a blank, route-free state for reuse by the
	// tab pool. It must not be called on a page about to be closed.
	Reset(ctx context.Context) error
	Close() error
}

// FailureClass is the taxonomy's "who caused this" bucket for a driver-level
// failure, used by the capture pipeline's strategy-fallback loop. Drivers
// report it through ClassifiableError by inspecting their own error types;
// callers never pattern match on driver-specific errors directly.
type FailureClass int

const (
	FailureUnknown FailureClass = iota
	FailureTimeout
	FailureTargetClosed
	FailureUnreachable
)

// ClassifiableError is implemented by errors the driver returns from
// Navigate/Screenshot so the capture pipeline can branch without importing
// chromedp error types.
type ClassifiableError interface {
	error
	Class() FailureClass
}
