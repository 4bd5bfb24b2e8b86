// Package metrics implements the Metrics & Observability component (C12):
// Prometheus counters/gauges/histograms for every component plus a bounded
// in-memory rolling window (pkg/ring) for the admin dashboard's response-time
// percentiles and recent-error feed, which Prometheus itself does not serve
// cheaply. No proxy layer exists in this system, so every proxy-specific
// metric is dropped; the capture/admission/cache surfaces get their own
// counters instead.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"shotengine/pkg/ring"
)

const namespace = "shotengine"

// Collector holds every Prometheus metric plus the rolling windows used by
// the admin dashboard.
type Collector struct {
	CapturesTotal   prometheus.Counter
	CaptureSuccess  prometheus.Counter
	CaptureFailure  *prometheus.CounterVec // label: kind
	CaptureDuration prometheus.Histogram

	QueueDepth    prometheus.Gauge
	AdmissionDrop *prometheus.CounterVec // label: reason
	CircuitState  prometheus.Gauge       // 0 closed, 1 open, 2 half-open

	BrowserPoolSize      prometheus.Gauge
	BrowserPoolInUse     prometheus.Gauge
	BrowserPoolAvailable prometheus.Gauge
	BrowserPoolRecycled  prometheus.Counter
	BrowserPoolErrors    prometheus.Counter

	InterceptBlocked   prometheus.Counter
	InterceptCacheHit  prometheus.Counter
	InterceptCacheMiss prometheus.Counter
	InterceptStored    prometheus.Counter

	ResultCacheHit  prometheus.Counter
	ResultCacheMiss prometheus.Counter

	BatchJobsActive  prometheus.Gauge
	BatchItemsQueued prometheus.Gauge

	startTime   time.Time
	durationsNs *ring.Durations
	recentErrs  *ring.Errors[string]
}

func New() *Collector {
	c := &Collector{
		startTime:   time.Now(),
		durationsNs: ring.NewDurations(2048),
		recentErrs:  ring.NewErrors[string](256),
	}

	c.CapturesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "captures_total", Help: "Total capture requests processed.",
	})
	c.CaptureSuccess = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "captures_succeeded_total", Help: "Captures that produced an image.",
	})
	c.CaptureFailure = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "captures_failed_total", Help: "Captures that failed, by error kind.",
	}, []string{"kind"})
	c.CaptureDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "capture_duration_seconds", Help: "End-to-end capture latency.",
		Buckets: []float64{.1, .25, .5, 1, 2, 3, 5, 8, 13, 21, 34},
	})

	c.QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "admission_queue_depth", Help: "Requests currently queued for a browser slot.",
	})
	c.AdmissionDrop = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "admission_rejected_total", Help: "Requests rejected before capture, by reason.",
	}, []string{"reason"})
	c.CircuitState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "circuit_breaker_state", Help: "0=closed 1=open 2=half_open.",
	})

	c.BrowserPoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "browser_pool_size", Help: "Configured browser pool capacity.",
	})
	c.BrowserPoolInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "browser_pool_in_use", Help: "Browsers currently checked out.",
	})
	c.BrowserPoolAvailable = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "browser_pool_available", Help: "Browsers idle and ready.",
	})
	c.BrowserPoolRecycled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "browser_pool_recycled_total", Help: "Browsers recycled for health reasons.",
	})
	c.BrowserPoolErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "browser_pool_errors_total", Help: "Errors recorded against pooled browsers.",
	})

	c.InterceptBlocked = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "intercept_blocked_total", Help: "Sub-resource requests hard-blocked.",
	})
	c.InterceptCacheHit = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "intercept_cache_hit_total", Help: "Sub-resource requests served from the resource cache.",
	})
	c.InterceptCacheMiss = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "intercept_cache_miss_total", Help: "Sub-resource requests passed through to network.",
	})
	c.InterceptStored = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "intercept_stored_total", Help: "Sub-resource responses stored in the resource cache.",
	})

	c.ResultCacheHit = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "result_cache_hit_total", Help: "Capture requests served from the result cache.",
	})
	c.ResultCacheMiss = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "result_cache_miss_total", Help: "Capture requests that missed the result cache.",
	})

	c.BatchJobsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "batch_jobs_active", Help: "Batch jobs currently running.",
	})
	c.BatchItemsQueued = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "batch_items_queued", Help: "Batch items waiting for a worker slot.",
	})

	c.register()
	return c
}

// register adds every metric to the default Prometheus registry. If a metric
// of the same name is already registered (an earlier Collector in the same
// process), the earlier registration stays and this Collector's copy is not
// exported; any other registration error panics.
func (c *Collector) register() {
	for _, m := range []prometheus.Collector{
		c.CapturesTotal, c.CaptureSuccess, c.CaptureFailure, c.CaptureDuration,
		c.QueueDepth, c.AdmissionDrop, c.CircuitState,
		c.BrowserPoolSize, c.BrowserPoolInUse, c.BrowserPoolAvailable, c.BrowserPoolRecycled, c.BrowserPoolErrors,
		c.InterceptBlocked, c.InterceptCacheHit, c.InterceptCacheMiss, c.InterceptStored,
		c.ResultCacheHit, c.ResultCacheMiss,
		c.BatchJobsActive, c.BatchItemsQueued,
	} {
		if err := prometheus.Register(m); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}
}

// RecordCapture reports a finished capture attempt. kind is empty on success.
func (c *Collector) RecordCapture(d time.Duration, kind string) {
	c.CapturesTotal.Inc()
	c.CaptureDuration.Observe(d.Seconds())
	c.durationsNs.Add(d.Nanoseconds())
	if kind == "" {
		c.CaptureSuccess.Inc()
		return
	}
	c.CaptureFailure.WithLabelValues(kind).Inc()
	c.recentErrs.Add(kind)
}

func (c *Collector) RecordAdmissionDrop(reason string) { c.AdmissionDrop.WithLabelValues(reason).Inc() }

// IncInterceptBlocked etc. satisfy internal/interceptor.Recorder.
func (c *Collector) IncInterceptBlocked()   { c.InterceptBlocked.Inc() }
func (c *Collector) IncInterceptCacheHit()  { c.InterceptCacheHit.Inc() }
func (c *Collector) IncInterceptCacheMiss() { c.InterceptCacheMiss.Inc() }
func (c *Collector) IncInterceptStored()    { c.InterceptStored.Inc() }

// Percentiles returns p50/p95/p99 capture latency over the rolling window,
// in milliseconds, for the dashboard snapshot.
func (c *Collector) Percentiles() (p50, p95, p99 float64) {
	samples := c.durationsNs.Snapshot()
	if len(samples) == 0 {
		return 0, 0, 0
	}
	sorted := append([]int64(nil), samples...)
	insertionSort(sorted)
	pick := func(p float64) float64 {
		idx := int(p * float64(len(sorted)-1))
		return float64(sorted[idx]) / float64(time.Millisecond)
	}
	return pick(0.50), pick(0.95), pick(0.99)
}

// RecentErrors returns the most recent error kinds, newest first, for the
// dashboard's recent-errors panel.
func (c *Collector) RecentErrors() []string {
	return c.recentErrs.Snapshot()
}

func (c *Collector) Uptime() time.Duration { return time.Since(c.startTime) }

func insertionSort(s []int64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
