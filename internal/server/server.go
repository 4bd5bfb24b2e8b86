// Package server exposes the HTTP/WebSocket surface: synchronous and batch
// screenshot capture, health, Prometheus metrics plus a streaming dashboard
// feed, and admin endpoints for the result cache, resource cache, and URL
// rewriter. Grounded on internal/server/server.go's net/http.ServeMux +
// golang.org/x/time/rate rate-limiting middleware and its Hub broadcast
// pattern (adapted here from bot hit/session events to metrics snapshots).
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"shotengine/internal/admission"
	"shotengine/internal/apierr"
	"shotengine/internal/batch"
	"shotengine/internal/capture"
	"shotengine/internal/config"
	"shotengine/internal/driver"
	"shotengine/internal/health"
	"shotengine/internal/interceptor"
	"shotengine/internal/rescache"
	"shotengine/internal/resultcache"
	"shotengine/internal/rewriter"
	"shotengine/internal/storage"
	"shotengine/internal/watchdog"
	"shotengine/pkg/browserpool"
	"shotengine/pkg/bufpool"
	"shotengine/pkg/metrics"
)

// Hub fans out metrics snapshots to /metrics/ws subscribers. Grounded on
// internal/server/server.go's Hub, narrowed to a single event type since the
// dashboard feed here is one snapshot shape rather than several bot events.
type Hub struct {
	mu    sync.RWMutex
	conns map[*websocket.Conn]chan []byte
}

func NewHub() *Hub {
	return &Hub{conns: make(map[*websocket.Conn]chan []byte)}
}

func (h *Hub) Register(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 32)
	h.mu.Lock()
	h.conns[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.conns[conn]; ok {
		close(ch)
		delete(h.conns, conn)
	}
	h.mu.Unlock()
}

func (h *Hub) Broadcast(payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.conns {
		select {
		case ch <- payload:
		default:
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server wires every component behind the HTTP surface.
type Server struct {
	cfg       config.Config
	reloader  *config.Reloader
	log       *zap.Logger
	pipeline  *capture.Pipeline
	admission *admission.Controller
	batchSt   *batch.Store
	scheduler *batch.Scheduler
	results   *resultcache.Cache
	rescache  *rescache.Cache
	blockList *interceptor.BlockList
	rewriter  *rewriter.Rewriter
	artifacts storage.Store
	prober    *health.Prober
	watchdog  *watchdog.Watchdog
	pool      *browserpool.Pool
	metrics   *metrics.Collector

	hub     *Hub
	limiter *rate.Limiter

	mux *http.ServeMux
}

type Deps struct {
	Config    config.Config
	Reloader  *config.Reloader
	Log       *zap.Logger
	Pipeline  *capture.Pipeline
	Admission *admission.Controller
	BatchSt   *batch.Store
	Scheduler *batch.Scheduler
	Results   *resultcache.Cache
	Rescache  *rescache.Cache
	BlockList *interceptor.BlockList
	Rewriter  *rewriter.Rewriter
	Artifacts storage.Store
	Prober    *health.Prober
	Watchdog  *watchdog.Watchdog
	Pool      *browserpool.Pool
	Metrics   *metrics.Collector
}

func New(d Deps) *Server {
	s := &Server{
		cfg:       d.Config,
		reloader:  d.Reloader,
		log:       d.Log,
		pipeline:  d.Pipeline,
		admission: d.Admission,
		batchSt:   d.BatchSt,
		scheduler: d.Scheduler,
		results:   d.Results,
		rescache:  d.Rescache,
		blockList: d.BlockList,
		rewriter:  d.Rewriter,
		artifacts: d.Artifacts,
		prober:    d.Prober,
		watchdog:  d.Watchdog,
		pool:      d.Pool,
		metrics:   d.Metrics,
		hub:       NewHub(),
		limiter:   rate.NewLimiter(rate.Limit(100), 200),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.withAccessLog(s.mux) }

// statusRecorder wraps http.ResponseWriter to capture the status code for
// access logging. Grounded on the retrieval pack's middleware.responseWriter.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withAccessLog logs method, path, status, and duration for every request.
func (s *Server) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.log == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) routes() {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /screenshot", s.rateLimited(s.handleScreenshot))
	mux.HandleFunc("POST /batch/screenshots", s.rateLimited(s.handleBatchCreate))
	mux.HandleFunc("GET /batch/screenshots/{job_id}", s.handleBatchStatus)
	mux.HandleFunc("GET /batch/screenshots/{job_id}/results", s.handleBatchResults)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /metrics/ws", s.handleMetricsWS)

	mux.HandleFunc("GET /cache/stats", s.handleResultCacheStats)
	mux.HandleFunc("DELETE /cache", s.handleResultCacheClear)
	mux.HandleFunc("DELETE /cache/url", s.handleResultCacheInvalidate)

	mux.HandleFunc("GET /browser-cache/stats", s.handleResourceCacheStats)
	mux.HandleFunc("GET /browser-cache/info", s.handleResourceCacheInfo)
	mux.HandleFunc("GET /browser-cache/performance", s.handleResourceCachePerformance)
	mux.HandleFunc("GET /browser-cache/test", s.handleResourceCacheTest)
	mux.HandleFunc("POST /browser-cache/cleanup", s.handleResourceCacheCleanup)
	mux.HandleFunc("DELETE /browser-cache/clear", s.handleResourceCacheClear)

	mux.HandleFunc("GET /url-transformer/rules", s.handleRulesList)
	mux.HandleFunc("POST /url-transformer/rules", s.handleRuleSet)
	mux.HandleFunc("DELETE /url-transformer/rules/{host}", s.handleRuleDelete)
	mux.HandleFunc("POST /url-transformer/transform", s.handleTransform)
	mux.HandleFunc("GET /url-transformer/check", s.handleTransformCheck)

	s.mux = mux
}

// rateLimited wraps the heavy-path handlers (capture, batch submission) in
// a token-bucket middleware, kept as an instance field so tests can
// construct independent limiters.
func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeAPIErr(w, apierr.New(apierr.KindOverloaded, "rate limit exceeded"))
			return
		}
		next(w, r)
	}
}

func writeAPIErr(w http.ResponseWriter, err error) {
	var ae *apierr.Error
	if !errors.As(err, &ae) {
		ae = apierr.New(apierr.KindInternal, err.Error())
	}
	w.Header().Set("Content-Type", "application/json")
	if ae.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(ae.RetryAfter.Seconds())))
	}
	w.WriteHeader(apierr.HTTPStatus(ae.Kind))
	_ = json.NewEncoder(w).Encode(ae.Body())
}

// jsonBufPool holds reusable encode buffers so admin/status responses (hit
// on every request, not just captures) don't allocate one bytes.Buffer per
// call. Grounded on pkg/bufpool's sync.Pool-backed buffer reuse.
var jsonBufPool = bufpool.NewBufferPool()

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	buf := jsonBufPool.Get()
	defer jsonBufPool.Put(buf)

	if err := json.NewEncoder(buf).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// screenshotRequest is the POST /screenshot body.
type screenshotRequest struct {
	URL    string `json:"url"`
	Width  int64  `json:"width"`
	Height int64  `json:"height"`
	Format string `json:"format"`
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	var req screenshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErr(w, apierr.New(apierr.KindValidation, "malformed request body"))
		return
	}
	if req.URL == "" {
		writeAPIErr(w, apierr.New(apierr.KindValidation, "url is required"))
		return
	}
	if req.Width <= 0 {
		req.Width = 1280
	}
	if req.Height <= 0 {
		req.Height = 800
	}
	format := driver.Format(req.Format)
	if format == "" {
		format = driver.FormatPNG
	}

	useCache := r.URL.Query().Get("cache") != "false"
	key := resultcache.Key(req.URL, req.Width, req.Height, string(format))
	if useCache {
		if body, ok := s.results.Get(key); ok {
			s.metrics.ResultCacheHit.Inc()
			s.respondImage(w, body, format)
			return
		}
		s.metrics.ResultCacheMiss.Inc()
	}

	ctx := r.Context()
	var result *capture.Result
	runErr := s.admission.Run(ctx, func(ctx context.Context) error {
		res, err := s.pipeline.Capture(ctx, capture.Request{
			URL: req.URL, Width: req.Width, Height: req.Height, Format: format,
		})
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if runErr != nil {
		writeAPIErr(w, runErr)
		return
	}

	if useCache {
		s.results.Put(key, req.URL, result.Bytes)
	}
	s.respondImage(w, result.Bytes, format)
}

func (s *Server) respondImage(w http.ResponseWriter, body []byte, format driver.Format) {
	_, url, err := s.artifacts.Put(context.Background(), string(format), body)
	if err != nil {
		writeAPIErr(w, apierr.Wrap(apierr.KindInternal, err, "failed to persist artifact"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"url": url,
	})
}

// batchCreateRequest is the POST /batch/screenshots body.
// batchItemRequest is one entry of the POST /batch/screenshots items array,
// optionally overriding the job-level width/height/format.
type batchItemRequest struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Width  int64  `json:"width"`
	Height int64  `json:"height"`
	Format string `json:"format"`
}

// batchCreateRequest is the POST /batch/screenshots body.
type batchCreateRequest struct {
	Items  []batchItemRequest `json:"items"`
	Config struct {
		Width       int64  `json:"width"`
		Height      int64  `json:"height"`
		Format      string `json:"format"`
		Cache       bool   `json:"cache"`
		Parallel    int    `json:"parallel"`
		FailFast    bool   `json:"fail_fast"`
		Webhook     string `json:"webhook"`
		WebhookAuth string `json:"webhook_auth"`
	} `json:"config"`
}

func (s *Server) handleBatchCreate(w http.ResponseWriter, r *http.Request) {
	var req batchCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErr(w, apierr.New(apierr.KindValidation, "malformed request body"))
		return
	}
	if len(req.Items) == 0 {
		writeAPIErr(w, apierr.New(apierr.KindValidation, "items must not be empty"))
		return
	}
	format := req.Config.Format
	if format == "" {
		format = string(driver.FormatPNG)
	}
	width, height := req.Config.Width, req.Config.Height
	if width <= 0 {
		width = 1280
	}
	if height <= 0 {
		height = 800
	}

	inputs := make([]batch.ItemInput, len(req.Items))
	for i, it := range req.Items {
		if it.URL == "" {
			writeAPIErr(w, apierr.New(apierr.KindValidation, "each item requires a url"))
			return
		}
		inputs[i] = batch.ItemInput{ID: it.ID, URL: it.URL, Width: it.Width, Height: it.Height, Format: it.Format}
	}

	job, err := s.batchSt.CreateItems(inputs, batch.ItemConfig{
		Width: width, Height: height, Format: format, Cache: req.Config.Cache,
		FailFast: req.Config.FailFast, Parallel: req.Config.Parallel,
		Webhook: req.Config.Webhook, WebhookAuth: req.Config.WebhookAuth,
	})
	if err != nil {
		writeAPIErr(w, apierr.Wrap(apierr.KindInternal, err, "failed to create job"))
		return
	}

	go s.scheduler.Run(context.Background(), job)

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id": job.ID,
		"status": job.Status,
	})
}

func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	job, err := s.batchSt.Get(jobID)
	if err != nil {
		writeAPIErr(w, apierr.New(apierr.KindValidation, "job not found"))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleBatchResults(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	job, err := s.batchSt.Get(jobID)
	if err != nil {
		if os.IsNotExist(err) {
			writeAPIErr(w, apierr.New(apierr.KindNotFound, "job not found"))
			return
		}
		writeAPIErr(w, apierr.Wrap(apierr.KindInternal, err, "failed to load job"))
		return
	}
	if !isTerminalJobStatus(job.Status) {
		writeAPIErr(w, apierr.New(apierr.KindNotReady, "job has not finished processing"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id": job.ID,
		"status": job.Status,
		"items":  job.Items,
	})
}

func isTerminalJobStatus(s batch.JobStatus) bool {
	switch s {
	case batch.JobCompleted, batch.JobPartial, batch.JobFailed:
		return true
	default:
		return false
	}
}

type healthResponse struct {
	Status      string            `json:"status"`
	Uptime      string            `json:"uptime"`
	BrowserPool browserpool.Stats `json:"browser_pool"`
	Probe       health.Snapshot   `json:"probe"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	probe := s.prober.Snapshot()
	if probe.ConsecutiveFailures >= 3 {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      status,
		Uptime:      s.metrics.Uptime().String(),
		BrowserPool: s.pool.Stats(),
		Probe:       probe,
	})
}

// dashboardSnapshot is pushed to every /metrics/ws subscriber at least once
// per second.
type dashboardSnapshot struct {
	Timestamp    time.Time         `json:"timestamp"`
	BrowserPool  browserpool.Stats `json:"browser_pool"`
	P50Ms        float64           `json:"p50_ms"`
	P95Ms        float64           `json:"p95_ms"`
	P99Ms        float64           `json:"p99_ms"`
	RecentErrors []string          `json:"recent_errors"`
}

func (s *Server) handleMetricsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ch := s.hub.Register(conn)
	defer s.hub.Unregister(conn)
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			p50, p95, p99 := s.metrics.Percentiles()
			snap := dashboardSnapshot{
				Timestamp: time.Now(), BrowserPool: s.pool.Stats(),
				P50Ms: p50, P95Ms: p95, P99Ms: p99, RecentErrors: s.metrics.RecentErrors(),
			}
			payload, _ := json.Marshal(snap)
			s.hub.Broadcast(payload)
		}
	}
}

func (s *Server) handleResultCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.results.Stats())
}

func (s *Server) handleResultCacheClear(w http.ResponseWriter, r *http.Request) {
	s.results.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResultCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeAPIErr(w, apierr.New(apierr.KindValidation, "url query parameter is required"))
		return
	}
	n := s.results.InvalidateByURL(url)
	writeJSON(w, http.StatusOK, map[string]int{"invalidated": n})
}

func (s *Server) handleResourceCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rescache.Stats())
}

// handleResourceCacheInfo reports the static policy the cache is running
// under: limits, TTL, and which cacheability mode is active.
func (s *Server) handleResourceCacheInfo(w http.ResponseWriter, r *http.Request) {
	cfg := s.rescache.Config()
	mode := "selective"
	if cfg.AllContent {
		mode = "all-content"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mode":                mode,
		"max_total_bytes":     cfg.MaxTotalBytes,
		"max_entry_bytes":     cfg.MaxEntryBytes,
		"ttl_seconds":         cfg.TTL.Seconds(),
		"cleanup_interval_s":  cfg.CleanupInterval.Seconds(),
		"priority_cdn_count":  len(cfg.PriorityCDNs),
		"dir":                 cfg.Dir,
	})
}

// handleResourceCachePerformance derives a hit ratio and fill ratio from the
// raw counters in Stats, the numbers an operator actually wants on a
// dashboard rather than the raw cumulative counts alone.
func (s *Server) handleResourceCachePerformance(w http.ResponseWriter, r *http.Request) {
	stats := s.rescache.Stats()
	cfg := s.rescache.Config()
	total := stats.Hits + stats.Misses
	var hitRatio float64
	if total > 0 {
		hitRatio = float64(stats.Hits) / float64(total)
	}
	var fillRatio float64
	if cfg.MaxTotalBytes > 0 {
		fillRatio = float64(stats.TotalSize) / float64(cfg.MaxTotalBytes)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"hit_ratio":    hitRatio,
		"fill_ratio":   fillRatio,
		"reject_ratio": safeDiv(stats.Rejects, stats.Stores+stats.Rejects),
		"stats":        stats,
	})
}

func safeDiv(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// handleResourceCacheTest evaluates the cacheability policy for a single URL
// without performing any fetch, so an operator can check a rule before it
// matters in production traffic.
func (s *Server) handleResourceCacheTest(w http.ResponseWriter, r *http.Request) {
	u := r.URL.Query().Get("url")
	if u == "" {
		writeAPIErr(w, apierr.New(apierr.KindValidation, "url query parameter is required"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"url":       u,
		"cacheable": s.rescache.Cacheable(u),
	})
}

func (s *Server) handleResourceCacheCleanup(w http.ResponseWriter, r *http.Request) {
	s.rescache.PurgeExpired()
	writeJSON(w, http.StatusOK, s.rescache.Stats())
}

func (s *Server) handleResourceCacheClear(w http.ResponseWriter, r *http.Request) {
	s.rescache.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRulesList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rewriter.Rules())
}

type ruleSetRequest struct {
	Host       string `json:"host"`
	TargetHost string `json:"target_host"`
	Scheme     string `json:"scheme"`
}

func (s *Server) handleRuleSet(w http.ResponseWriter, r *http.Request) {
	var req ruleSetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErr(w, apierr.New(apierr.KindValidation, "malformed request body"))
		return
	}
	if req.Host == "" || req.TargetHost == "" {
		writeAPIErr(w, apierr.New(apierr.KindValidation, "host and target_host are required"))
		return
	}
	s.rewriter.SetRule(req.Host, rewriter.Rule{
		TargetHost: req.TargetHost, Scheme: req.Scheme,
	})
	writeJSON(w, http.StatusOK, s.rewriter.Rules())
}

func (s *Server) handleRuleDelete(w http.ResponseWriter, r *http.Request) {
	s.rewriter.DeleteRule(r.PathValue("host"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTransform(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErr(w, apierr.New(apierr.KindValidation, "malformed request body"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": s.rewriter.Rewrite(req.URL)})
}

func (s *Server) handleTransformCheck(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	rewritten, matched := s.rewriter.Check(url)
	writeJSON(w, http.StatusOK, map[string]interface{}{"matched": matched, "url": rewritten})
}
