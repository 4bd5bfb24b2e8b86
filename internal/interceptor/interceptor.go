// Package interceptor implements the Request Interceptor (C3): the per-page
// route handler installed before navigation that blocks, serves-from-cache,
// or fetches-and-stores every sub-resource request. Grounded on
// EdgeComet-jsbug's RendererV2, which drives the same fetch.EventRequestPaused
// dispatch loop this package's driver.RouteHandler implementation sits
// behind (see internal/driver.chromedpPage.dispatchRequest).
package interceptor

import (
	"context"
	"strings"
	"sync/atomic"

	"shotengine/internal/driver"
	"shotengine/internal/rescache"
)

// BlockConfig mirrors the disable_* configuration keys. The static
// analytics/ad/social-widget host lists below are blocked only when their
// corresponding Disable* flag is set.
type BlockConfig struct {
	DisableFonts              bool
	DisableMedia              bool
	DisableAnalytics          bool
	DisableThirdPartyScripts  bool
	DisableAds                bool
	DisableSocialWidgets      bool
}

var analyticsHosts = []string{
	"google-analytics.com", "googletagmanager.com", "segment.io", "mixpanel.com",
	"hotjar.com", "amplitude.com", "fullstory.com",
}
var adHosts = []string{
	"doubleclick.net", "googlesyndication.com", "adservice.google.com",
	"taboola.com", "outbrain.com", "criteo.com",
}
var socialWidgetHosts = []string{
	"platform.twitter.com", "connect.facebook.net", "platform.linkedin.com",
	"assets.pinterest.com",
}

// BlockList is the hard-block pattern table, held as an atomically-swapped
// immutable snapshot so pattern lookups never take a lock, matching the
// rewriter's rule-table design.
type BlockList struct {
	current atomic.Pointer[[]string]
	cfg     atomic.Pointer[BlockConfig]
}

func NewBlockList(cfg BlockConfig) *BlockList {
	bl := &BlockList{}
	bl.cfg.Store(&cfg)
	patterns := buildPatterns(cfg)
	bl.current.Store(&patterns)
	return bl
}

func (bl *BlockList) SetConfig(cfg BlockConfig) {
	bl.cfg.Store(&cfg)
	patterns := buildPatterns(cfg)
	bl.current.Store(&patterns)
}

func buildPatterns(cfg BlockConfig) []string {
	var out []string
	if cfg.DisableAnalytics {
		out = append(out, analyticsHosts...)
	}
	if cfg.DisableAds {
		out = append(out, adHosts...)
	}
	if cfg.DisableSocialWidgets {
		out = append(out, socialWidgetHosts...)
	}
	return out
}

func (bl *BlockList) Blocked(url string, resourceType driver.ResourceType) bool {
	cfg := *bl.cfg.Load()
	lower := strings.ToLower(url)

	switch resourceType {
	case "font":
		if cfg.DisableFonts {
			return true
		}
	case "media":
		if cfg.DisableMedia {
			return true
		}
	case "script":
		if cfg.DisableThirdPartyScripts && isThirdPartyScript(lower) {
			return true
		}
	}

	patterns := *bl.current.Load()
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func isThirdPartyScript(lowerURL string) bool {
	for _, h := range append(append(append([]string{}, analyticsHosts...), adHosts...), socialWidgetHosts...) {
		if strings.Contains(lowerURL, h) {
			return true
		}
	}
	return false
}

// Recorder is the metrics hook surface the interceptor drives; implemented
// by pkg/metrics.Collector. Kept as a local interface so interceptor never
// imports pkg/metrics directly.
type Recorder interface {
	IncInterceptBlocked()
	IncInterceptCacheHit()
	IncInterceptCacheMiss()
	IncInterceptStored()
}

// Handler is the per-page driver.RouteHandler. One Handler is installed per
// capture; it is not reused across pages.
type Handler struct {
	blockList *BlockList
	cache     *rescache.Cache
	recorder  Recorder
	installed atomic.Bool
}

func NewHandler(blockList *BlockList, cache *rescache.Cache, recorder Recorder) *Handler {
	return &Handler{blockList: blockList, cache: cache, recorder: recorder}
}

// HandleRequest applies the decision order: hard block, then cache lookup,
// then pass-through.
func (h *Handler) HandleRequest(ctx context.Context, ev driver.RequestEvent) (driver.Decision, *driver.Fulfillment) {
	if h.blockList.Blocked(ev.URL, ev.ResourceType) {
		h.recorder.IncInterceptBlocked()
		return driver.DecisionAbort, nil
	}

	if h.cache != nil {
		if body, meta, ok := h.cache.Lookup(ev.URL); ok {
			h.recorder.IncInterceptCacheHit()
			return driver.DecisionFulfill, &driver.Fulfillment{
				StatusCode:  meta.StatusCode,
				ContentType: meta.ContentType,
				Body:        body,
			}
		}
		h.recorder.IncInterceptCacheMiss()
	}

	return driver.DecisionContinue, nil
}

// HandleResponse offers a pass-through response's body to the resource
// cache for future hits.
func (h *Handler) HandleResponse(ctx context.Context, ev driver.ResponseEvent) {
	if h.cache == nil {
		return
	}
	if err := h.cache.Store(ev.URL, ev.Body, rescache.Meta{
		ContentType: ev.ContentType,
		StatusCode:  ev.StatusCode,
	}); err == nil {
		h.recorder.IncInterceptStored()
	}
}
