// Package config is the Config component: every tuning parameter is read
// from the environment on startup, with defaults applied for anything unset
// and a handful of derived fields computed once.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"shotengine/internal/admission"
	"shotengine/internal/capture"
	"shotengine/internal/health"
	"shotengine/internal/interceptor"
	"shotengine/internal/rescache"
	"shotengine/internal/resultcache"
	"shotengine/internal/tabpool"
	"shotengine/internal/watchdog"
	"shotengine/pkg/backoff"
	"shotengine/pkg/browserpool"
)

// Config is the full set of environment-sourced tuning parameters.
type Config struct {
	BrowserPoolMin             int           `env:"browser_pool_min"`
	BrowserPoolMax             int           `env:"browser_pool_max"`
	BrowserPoolIdleTimeout     time.Duration `env:"browser_pool_idle_timeout"`
	BrowserPoolMaxAge          time.Duration `env:"browser_pool_max_age"`
	BrowserPoolCleanupInterval time.Duration `env:"browser_pool_cleanup_interval"`
	BrowserPoolScaleThreshold  float64       `env:"browser_pool_scale_threshold"`
	BrowserPoolScaleFactor     float64       `env:"browser_pool_scale_factor"`
	MaxWaitAttempts            int           `env:"max_wait_attempts"`

	MaxTabsPerBrowser  int           `env:"max_tabs_per_browser"`
	TabIdleTimeout     time.Duration `env:"tab_idle_timeout"`
	TabMaxAge          time.Duration `env:"tab_max_age"`
	TabCleanupInterval time.Duration `env:"tab_cleanup_interval"`
	EnableTabReuse     bool          `env:"enable_tab_reuse"`

	NavigationTimeoutRegular time.Duration `env:"navigation_timeout_regular"`
	NavigationTimeoutComplex time.Duration `env:"navigation_timeout_complex"`
	ScreenshotTimeout        time.Duration `env:"screenshot_timeout"`
	PageCreationTimeout      time.Duration `env:"page_creation_timeout"`
	ContextCreationTimeout   time.Duration `env:"context_creation_timeout"`
	MaxRetriesRegular        int           `env:"max_retries_regular"`
	RetryBaseDelay           time.Duration `env:"retry_base_delay"`
	RetryMaxDelay            time.Duration `env:"retry_max_delay"`
	RetryJitter              float64       `env:"retry_jitter"`

	CircuitBreakerThreshold  int           `env:"circuit_breaker_threshold"`
	CircuitBreakerResetTime  time.Duration `env:"circuit_breaker_reset_time"`
	MaxConcurrentScreenshots int           `env:"max_concurrent_screenshots"`
	MaxConcurrentContexts    int           `env:"max_concurrent_contexts"`
	EnableRequestQueue       bool          `env:"enable_request_queue"`
	MaxQueueSize             int           `env:"max_queue_size"`
	QueueTimeout             time.Duration `env:"queue_timeout"`
	EnableLoadShedding       bool          `env:"enable_load_shedding"`
	LoadSheddingThreshold    float64       `env:"load_shedding_threshold"`

	ResultCacheEnabled  bool          `env:"result_cache_enabled"`
	ResultCacheTTL      time.Duration `env:"result_cache_ttl"`
	ResultCacheMaxItems int           `env:"result_cache_max_items"`

	ResourceCacheEnabled         bool          `env:"resource_cache_enabled"`
	ResourceCacheAllContent      bool          `env:"resource_cache_all_content"`
	ResourceCacheMaxTotalBytes   int64         `env:"resource_cache_max_total_bytes"`
	ResourceCacheMaxEntryBytes   int64         `env:"resource_cache_max_entry_bytes"`
	ResourceCacheTTL             time.Duration `env:"resource_cache_ttl"`
	ResourceCacheCleanupInterval time.Duration `env:"resource_cache_cleanup_interval"`

	DisableFonts             bool `env:"disable_fonts"`
	DisableMedia             bool `env:"disable_media"`
	DisableAnalytics         bool `env:"disable_analytics"`
	DisableThirdPartyScripts bool `env:"disable_third_party_scripts"`
	DisableAds               bool `env:"disable_ads"`
	DisableSocialWidgets     bool `env:"disable_social_widgets"`

	TrustProxyHeaders bool     `env:"trust_proxy_headers"`
	TrustedProxyIPs   []string `env:"trusted_proxy_ips"`

	Workers int `env:"workers"`

	HealthCheckEnabled  bool          `env:"health_check_enabled"`
	HealthCheckInterval time.Duration `env:"health_check_interval"`
	HealthCheckURL      string        `env:"health_check_url"`
	HealthCheckTimeout  time.Duration `env:"health_check_timeout"`

	BatchJobPersistenceEnabled bool   `env:"batch_job_persistence_enabled"`
	BatchJobPersistenceDir     string `env:"batch_job_persistence_dir"`

	EmergencyCleanupInterval    time.Duration `env:"emergency_cleanup_interval"`
	MemoryCleanupThreshold      float64       `env:"memory_cleanup_threshold"`
	ForceBrowserRestartInterval time.Duration `env:"force_browser_restart_interval"`
	WatchdogForceReleaseAfter   time.Duration `env:"watchdog_force_release_after"`
	WatchdogHardStuckAfter      time.Duration `env:"watchdog_hard_stuck_after"`

	// Required to serve artifacts and resource-cache files somewhere on disk.
	ArtifactDir        string `env:"artifact_dir"`
	ArtifactBaseURL     string `env:"artifact_base_url"`
	ResourceCacheDir    string `env:"resource_cache_dir"`
	ListenAddr          string `env:"listen_addr"`
	ConfigOverridePath  string `env:"config_override_path"`
}

// Load reads every key from the environment, applying defaults for unset
// values and computing derived fields.
func Load() Config {
	var c Config
	c.BrowserPoolMin = envInt("BROWSER_POOL_MIN", 2)
	c.BrowserPoolMax = envInt("BROWSER_POOL_MAX", 10)
	c.BrowserPoolIdleTimeout = envDuration("BROWSER_POOL_IDLE_TIMEOUT", 5*time.Minute)
	c.BrowserPoolMaxAge = envDuration("BROWSER_POOL_MAX_AGE", 30*time.Minute)
	c.BrowserPoolCleanupInterval = envDuration("BROWSER_POOL_CLEANUP_INTERVAL", time.Minute)
	c.BrowserPoolScaleThreshold = envFloat("BROWSER_POOL_SCALE_THRESHOLD", 0.80)
	c.BrowserPoolScaleFactor = envFloat("BROWSER_POOL_SCALE_FACTOR", 1.5)
	c.MaxWaitAttempts = envInt("MAX_WAIT_ATTEMPTS", 20)

	c.MaxTabsPerBrowser = envInt("MAX_TABS_PER_BROWSER", 20)
	c.TabIdleTimeout = envDuration("TAB_IDLE_TIMEOUT", 5*time.Minute)
	c.TabMaxAge = envDuration("TAB_MAX_AGE", 30*time.Minute)
	c.TabCleanupInterval = envDuration("TAB_CLEANUP_INTERVAL", time.Minute)
	c.EnableTabReuse = envBool("ENABLE_TAB_REUSE", true)

	c.NavigationTimeoutRegular = envDuration("NAVIGATION_TIMEOUT_REGULAR", 15*time.Second)
	c.NavigationTimeoutComplex = envDuration("NAVIGATION_TIMEOUT_COMPLEX", 30*time.Second)
	c.ScreenshotTimeout = envDuration("SCREENSHOT_TIMEOUT", 10*time.Second)
	c.PageCreationTimeout = envDuration("PAGE_CREATION_TIMEOUT", 5*time.Second)
	c.ContextCreationTimeout = envDuration("CONTEXT_CREATION_TIMEOUT", 5*time.Second)
	c.MaxRetriesRegular = envInt("MAX_RETRIES_REGULAR", 3)
	c.RetryBaseDelay = envDuration("RETRY_BASE_DELAY", 50*time.Millisecond)
	c.RetryMaxDelay = envDuration("RETRY_MAX_DELAY", 2*time.Second)
	c.RetryJitter = envFloat("RETRY_JITTER", 0.2)

	c.CircuitBreakerThreshold = envInt("CIRCUIT_BREAKER_THRESHOLD", 5)
	c.CircuitBreakerResetTime = envDuration("CIRCUIT_BREAKER_RESET_TIME", 30*time.Second)
	c.MaxConcurrentScreenshots = envInt("MAX_CONCURRENT_SCREENSHOTS", 10)
	c.MaxConcurrentContexts = envInt("MAX_CONCURRENT_CONTEXTS", 0) // derived below if unset
	c.EnableRequestQueue = envBool("ENABLE_REQUEST_QUEUE", true)
	c.MaxQueueSize = envInt("MAX_QUEUE_SIZE", 100)
	c.QueueTimeout = envDuration("QUEUE_TIMEOUT", 30*time.Second)
	c.EnableLoadShedding = envBool("ENABLE_LOAD_SHEDDING", true)
	c.LoadSheddingThreshold = envFloat("LOAD_SHEDDING_THRESHOLD", 0.85)

	c.ResultCacheEnabled = envBool("RESULT_CACHE_ENABLED", true)
	c.ResultCacheTTL = envDuration("RESULT_CACHE_TTL", time.Hour)
	c.ResultCacheMaxItems = envInt("RESULT_CACHE_MAX_ITEMS", 10000)

	c.ResourceCacheEnabled = envBool("RESOURCE_CACHE_ENABLED", true)
	c.ResourceCacheAllContent = envBool("RESOURCE_CACHE_ALL_CONTENT", false)
	c.ResourceCacheMaxTotalBytes = envInt64("RESOURCE_CACHE_MAX_TOTAL_BYTES", 512*1024*1024)
	c.ResourceCacheMaxEntryBytes = envInt64("RESOURCE_CACHE_MAX_ENTRY_BYTES", 10*1024*1024)
	c.ResourceCacheTTL = envDuration("RESOURCE_CACHE_TTL", 24*time.Hour)
	c.ResourceCacheCleanupInterval = envDuration("RESOURCE_CACHE_CLEANUP_INTERVAL", 10*time.Minute)

	c.DisableFonts = envBool("DISABLE_FONTS", false)
	c.DisableMedia = envBool("DISABLE_MEDIA", false)
	c.DisableAnalytics = envBool("DISABLE_ANALYTICS", true)
	c.DisableThirdPartyScripts = envBool("DISABLE_THIRD_PARTY_SCRIPTS", false)
	c.DisableAds = envBool("DISABLE_ADS", true)
	c.DisableSocialWidgets = envBool("DISABLE_SOCIAL_WIDGETS", false)

	c.TrustProxyHeaders = envBool("TRUST_PROXY_HEADERS", false)
	c.TrustedProxyIPs = envStringList("TRUSTED_PROXY_IPS", nil)

	c.Workers = envInt("WORKERS", 4)

	c.HealthCheckEnabled = envBool("HEALTH_CHECK_ENABLED", true)
	c.HealthCheckInterval = envDuration("HEALTH_CHECK_INTERVAL", 300*time.Second)
	c.HealthCheckURL = envString("HEALTH_CHECK_URL", "")
	c.HealthCheckTimeout = envDuration("HEALTH_CHECK_TIMEOUT", 15*time.Second)

	c.BatchJobPersistenceEnabled = envBool("BATCH_JOB_PERSISTENCE_ENABLED", true)
	c.BatchJobPersistenceDir = envString("BATCH_JOB_PERSISTENCE_DIR", "./data")

	c.EmergencyCleanupInterval = envDuration("EMERGENCY_CLEANUP_INTERVAL", 5*time.Minute)
	c.MemoryCleanupThreshold = envFloat("MEMORY_CLEANUP_THRESHOLD", 0.90)
	c.ForceBrowserRestartInterval = envDuration("FORCE_BROWSER_RESTART_INTERVAL", 6*time.Hour)
	c.WatchdogForceReleaseAfter = envDuration("WATCHDOG_FORCE_RELEASE_AFTER", 120*time.Second)
	c.WatchdogHardStuckAfter = envDuration("WATCHDOG_HARD_STUCK_AFTER", 300*time.Second)

	c.ArtifactDir = envString("ARTIFACT_DIR", "./data/artifacts")
	c.ArtifactBaseURL = envString("ARTIFACT_BASE_URL", "http://localhost:8080")
	c.ResourceCacheDir = envString("RESOURCE_CACHE_DIR", "./data/cache")
	c.ListenAddr = envString("LISTEN_ADDR", ":8080")
	c.ConfigOverridePath = envString("CONFIG_OVERRIDE_PATH", "")

	c.ComputeDerived()
	return c
}

// ComputeDerived fills in fields whose default depends on another field.
func (c *Config) ComputeDerived() {
	if c.MaxConcurrentContexts <= 0 {
		c.MaxConcurrentContexts = c.MaxConcurrentScreenshots * 2
	}
}

// --- sub-config projections, one per component ---

func (c Config) BrowserPool() browserpool.Config {
	cfg := browserpool.DefaultConfig()
	cfg.MinSize = c.BrowserPoolMin
	cfg.MaxSize = c.BrowserPoolMax
	cfg.IdleTimeout = c.BrowserPoolIdleTimeout
	cfg.MaxAge = c.BrowserPoolMaxAge
	cfg.CleanupInterval = c.BrowserPoolCleanupInterval
	cfg.MaxWaitAttempts = c.MaxWaitAttempts
	cfg.ScaleThreshold = c.BrowserPoolScaleThreshold
	cfg.ScaleFactor = int(c.BrowserPoolScaleFactor)
	return cfg
}

func (c Config) TabPool() tabpool.Config {
	return tabpool.Config{
		EnableTabReuse:     c.EnableTabReuse,
		MaxTabsPerBrowser:  c.MaxTabsPerBrowser,
		TabIdleTimeout:     c.TabIdleTimeout,
		TabMaxAge:          c.TabMaxAge,
		TabAcquireTimeout:  5 * time.Second,
		TabCleanupInterval: c.TabCleanupInterval,
	}
}

func (c Config) Capture() capture.Config {
	return capture.Config{
		NavigationTimeoutRegular: c.NavigationTimeoutRegular,
		NavigationTimeoutComplex: c.NavigationTimeoutComplex,
		ScreenshotTimeout:        c.ScreenshotTimeout,
		PageCreationTimeout:      c.PageCreationTimeout,
		ContextCreationTimeout:   c.ContextCreationTimeout,
		RouteSetupTimeout:        2 * time.Second,
		SettleTimeout:            500 * time.Millisecond,
		MaxFreshRetries:          c.MaxRetriesRegular,
	}
}

func (c Config) Retry() backoff.Policy {
	return backoff.Policy{Base: c.RetryBaseDelay, Cap: c.RetryMaxDelay, Jitter: c.RetryJitter}
}

func (c Config) Admission() admission.Config {
	return admission.Config{
		MaxConcurrentScreenshots: c.MaxConcurrentScreenshots,
		MaxConcurrentContexts:    c.MaxConcurrentContexts,
		EnableQueueing:           c.EnableRequestQueue,
		MaxQueueSize:             c.MaxQueueSize,
		QueueTimeout:             c.QueueTimeout,
		LoadSheddingThreshold:    c.LoadSheddingThreshold,
		CircuitThreshold:         c.CircuitBreakerThreshold,
		CircuitResetTime:         c.CircuitBreakerResetTime,
	}
}

func (c Config) ResultCache() resultcache.Config {
	return resultcache.Config{MaxItems: c.ResultCacheMaxItems, TTL: c.ResultCacheTTL}
}

func (c Config) ResourceCache() rescache.Config {
	return rescache.Config{
		Enabled:         c.ResourceCacheEnabled,
		Dir:             c.ResourceCacheDir,
		MaxTotalBytes:   c.ResourceCacheMaxTotalBytes,
		MaxEntryBytes:   c.ResourceCacheMaxEntryBytes,
		TTL:             c.ResourceCacheTTL,
		CleanupInterval: c.ResourceCacheCleanupInterval,
		AllContent:      c.ResourceCacheAllContent,
		PriorityCDNs:    map[string]bool{},
	}
}

func (c Config) BlockConfig() interceptor.BlockConfig {
	return interceptor.BlockConfig{
		DisableFonts:             c.DisableFonts,
		DisableMedia:             c.DisableMedia,
		DisableAnalytics:         c.DisableAnalytics,
		DisableThirdPartyScripts: c.DisableThirdPartyScripts,
		DisableAds:               c.DisableAds,
		DisableSocialWidgets:     c.DisableSocialWidgets,
	}
}

func (c Config) Health() health.Config {
	return health.Config{
		Enabled:  c.HealthCheckEnabled,
		ProbeURL: c.HealthCheckURL,
		Interval: c.HealthCheckInterval,
		Timeout:  c.HealthCheckTimeout,
	}
}

func (c Config) Watchdog() watchdog.Config {
	return watchdog.Config{
		Interval:          30 * time.Second,
		ForceReleaseAfter: c.WatchdogForceReleaseAfter,
		HardStuckAfter:    c.WatchdogHardStuckAfter,
	}
}

// --- env helpers ---

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envStringList(key string, def []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
