package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"shotengine/internal/admission"
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
	"shotengine/internal/tabpool"
	"shotengine/internal/watchdog"
	"shotengine/pkg/browserpool"
	"shotengine/pkg/metrics"
)

type stubPage struct{ shot []byte }

func (p *stubPage) SetViewport(ctx context.Context, w, h int64) error { return nil }
func (p *stubPage) InstallInterceptor(ctx context.Context, h driver.RouteHandler) error {
	return nil
}
func (p *stubPage) Navigate(ctx context.Context, url string, s driver.WaitStrategy, t time.Duration) error {
	return nil
}
func (p *stubPage) Screenshot(ctx context.Context, f driver.Format, full bool, t time.Duration) ([]byte, error) {
	return p.shot, nil
}
func (p *stubPage) Reset(ctx context.Context) error { return nil }
func (p *stubPage) Close() error                    { return nil }

type stubBrowser struct{}

func (b *stubBrowser) NewPage(ctx context.Context) (driver.Page, error) {
	return &stubPage{shot: []byte("png-bytes")}, nil
}
func (b *stubBrowser) Alive() bool  { return true }
func (b *stubBrowser) Close() error { return nil }

type stubDriver struct{}

func (d *stubDriver) LaunchBrowser(ctx context.Context) (driver.Browser, error) {
	return &stubBrowser{}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	poolCfg := browserpool.DefaultConfig()
	poolCfg.MinSize = 1
	poolCfg.MaxSize = 2
	poolCfg.CleanupInterval = time.Hour
	pool := browserpool.New(poolCfg, &stubDriver{}, zap.NewNop())
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

	capCfg := capture.DefaultConfig()
	capCfg.SettleTimeout = time.Millisecond
	pipeline := capture.New(capCfg, tabs, pool, rw, bl, resCache, m, zap.NewNop())

	admCfg := admission.DefaultConfig()
	adm := admission.New(admCfg, pool, m, zap.NewNop())

	results := resultcache.New(resultcache.DefaultConfig())
	t.Cleanup(results.Clear)

	batchSt := batch.NewStore(t.TempDir())
	scheduler := batch.NewScheduler(batchSt, adm, pipeline, results, nil, zap.NewNop())

	artifactDir := t.TempDir()
	artifacts := storage.NewLocalDisk(artifactDir, "http://localhost")

	healthCfg := health.DefaultConfig()
	healthCfg.Enabled = false
	prober := health.New(healthCfg, pipeline, zap.NewNop())
	prober.Start()
	t.Cleanup(prober.Close)

	wd := watchdog.New(watchdog.DefaultConfig(), pool, zap.NewNop())
	wd.Start()
	t.Cleanup(wd.Close)

	srv := New(Deps{
		Config:    config.Config{},
		Log:       zap.NewNop(),
		Pipeline:  pipeline,
		Admission: adm,
		BatchSt:   batchSt,
		Scheduler: scheduler,
		Results:   results,
		Rescache:  resCache,
		BlockList: bl,
		Rewriter:  rw,
		Artifacts: artifacts,
		Prober:    prober,
		Watchdog:  wd,
		Pool:      pool,
		Metrics:   m,
	})
	return srv
}

func TestHandleScreenshotSuccess(t *testing.T) {
	srv := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"url": "https://example.com", "width": 800, "height": 600})
	req := httptest.NewRequest(http.MethodPost, "/screenshot", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if resp["url"] == "" || resp["url"] == nil {
		t.Fatalf("expected a url in response, got %+v", resp)
	}
}

func TestHandleScreenshotValidationError(t *testing.T) {
	srv := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"url": ""})
	req := httptest.NewRequest(http.MethodPost, "/screenshot", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for missing url, got %d", w.Code)
	}
}

func TestHandleScreenshotServesFromResultCacheOnSecondCall(t *testing.T) {
	srv := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"url": "https://example.com", "width": 800, "height": 600})

	req1 := httptest.NewRequest(http.MethodPost, "/screenshot", bytes.NewReader(body))
	w1 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w1, req1)
	if w1.Code != http.StatusOK {
		t.Fatalf("first request failed: %d %s", w1.Code, w1.Body.String())
	}

	req2 := httptest.NewRequest(http.MethodPost, "/screenshot", bytes.NewReader(body))
	w2 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Fatalf("second request failed: %d %s", w2.Code, w2.Body.String())
	}

	if srv.results.Stats().Hits == 0 {
		t.Fatal("expected the second identical request to hit the result cache")
	}
}

func TestHandleBatchCreateAndStatus(t *testing.T) {
	srv := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"items": []map[string]any{{"url": "https://a.com"}, {"url": "https://b.com"}}})
	req := httptest.NewRequest(http.MethodPost, "/batch/screenshots", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var created map[string]any
	json.Unmarshal(w.Body.Bytes(), &created)
	jobID, _ := created["job_id"].(string)
	if jobID == "" {
		t.Fatal("expected a job_id in the create response")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		statusReq := httptest.NewRequest(http.MethodGet, "/batch/screenshots/"+jobID, nil)
		sw := httptest.NewRecorder()
		srv.Handler().ServeHTTP(sw, statusReq)
		if sw.Code != http.StatusOK {
			t.Fatalf("status check failed: %d %s", sw.Code, sw.Body.String())
		}
		var job map[string]any
		json.Unmarshal(sw.Body.Bytes(), &job)
		if job["status"] == "completed" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("batch job did not reach completed status in time")
}

func TestHandleBatchStatusUnknownJob(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/batch/screenshots/does-not-exist", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code == http.StatusOK {
		t.Fatal("expected a non-200 status for an unknown job id")
	}
}

func TestHandleBatchResultsUnknownJobIs404(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/batch/screenshots/does-not-exist/results", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown job id, got %d", w.Code)
	}
}

func TestHandleBatchResultsNotYetTerminalIs409(t *testing.T) {
	srv := newTestServer(t)
	job, err := srv.batchSt.Create([]string{"https://a.com"}, batch.ItemConfig{Width: 800, Height: 600, Format: "png"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/batch/screenshots/"+job.ID+"/results", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a non-terminal job, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleBatchResultsTerminalIs200(t *testing.T) {
	srv := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"items": []map[string]any{{"url": "https://a.com"}}})
	req := httptest.NewRequest(http.MethodPost, "/batch/screenshots", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	var created map[string]any
	json.Unmarshal(w.Body.Bytes(), &created)
	jobID := created["job_id"].(string)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rw := httptest.NewRecorder()
		rreq := httptest.NewRequest(http.MethodGet, "/batch/screenshots/"+jobID+"/results", nil)
		srv.Handler().ServeHTTP(rw, rreq)
		if rw.Code == http.StatusOK {
			return
		}
		if rw.Code != http.StatusConflict {
			t.Fatalf("unexpected status while waiting for completion: %d", rw.Code)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("batch job results never became available")
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "ok" {
		t.Fatalf("expected status ok, got %+v", resp["status"])
	}
}

func TestResultCacheAdminEndpoints(t *testing.T) {
	srv := newTestServer(t)
	key := resultcache.Key("https://example.com", 800, 600, "png")
	srv.results.Put(key, "https://example.com", []byte("x"))

	statsReq := httptest.NewRequest(http.MethodGet, "/cache/stats", nil)
	sw := httptest.NewRecorder()
	srv.Handler().ServeHTTP(sw, statsReq)
	if sw.Code != http.StatusOK {
		t.Fatalf("expected 200 from cache stats, got %d", sw.Code)
	}

	invalidateReq := httptest.NewRequest(http.MethodDelete, "/cache/url?url=https://example.com", nil)
	iw := httptest.NewRecorder()
	srv.Handler().ServeHTTP(iw, invalidateReq)
	if iw.Code != http.StatusOK {
		t.Fatalf("expected 200 from invalidate, got %d", iw.Code)
	}

	clearReq := httptest.NewRequest(http.MethodDelete, "/cache", nil)
	cw := httptest.NewRecorder()
	srv.Handler().ServeHTTP(cw, clearReq)
	if cw.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from clear, got %d", cw.Code)
	}
}

func TestResourceCacheAdminEndpoints(t *testing.T) {
	srv := newTestServer(t)

	infoReq := httptest.NewRequest(http.MethodGet, "/browser-cache/info", nil)
	iw := httptest.NewRecorder()
	srv.Handler().ServeHTTP(iw, infoReq)
	if iw.Code != http.StatusOK {
		t.Fatalf("expected 200 from browser-cache info, got %d: %s", iw.Code, iw.Body.String())
	}

	testReq := httptest.NewRequest(http.MethodGet, "/browser-cache/test?url=https://example.com/app.js", nil)
	tw := httptest.NewRecorder()
	srv.Handler().ServeHTTP(tw, testReq)
	if tw.Code != http.StatusOK {
		t.Fatalf("expected 200 from browser-cache test, got %d", tw.Code)
	}

	perfReq := httptest.NewRequest(http.MethodGet, "/browser-cache/performance", nil)
	pw := httptest.NewRecorder()
	srv.Handler().ServeHTTP(pw, perfReq)
	if pw.Code != http.StatusOK {
		t.Fatalf("expected 200 from browser-cache performance, got %d", pw.Code)
	}
}

func TestURLRewriterAdminEndpoints(t *testing.T) {
	srv := newTestServer(t)

	setBody, _ := json.Marshal(map[string]string{"host": "old.example.com", "target_host": "new.example.com", "scheme": "https"})
	setReq := httptest.NewRequest(http.MethodPost, "/url-transformer/rules", bytes.NewReader(setBody))
	sw := httptest.NewRecorder()
	srv.Handler().ServeHTTP(sw, setReq)
	if sw.Code != http.StatusOK {
		t.Fatalf("expected 200 from rule set, got %d: %s", sw.Code, sw.Body.String())
	}

	checkReq := httptest.NewRequest(http.MethodGet, "/url-transformer/check?url=https://old.example.com/a", nil)
	cw := httptest.NewRecorder()
	srv.Handler().ServeHTTP(cw, checkReq)
	if cw.Code != http.StatusOK {
		t.Fatalf("expected 200 from check, got %d", cw.Code)
	}
	var resp map[string]any
	json.Unmarshal(cw.Body.Bytes(), &resp)
	if resp["matched"] != true {
		t.Fatalf("expected matched=true after setting a rule, got %+v", resp)
	}

	deleteReq := httptest.NewRequest(http.MethodDelete, "/url-transformer/rules/old.example.com", nil)
	dw := httptest.NewRecorder()
	srv.Handler().ServeHTTP(dw, deleteReq)
	if dw.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from rule delete, got %d", dw.Code)
	}
}
