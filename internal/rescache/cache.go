// Package rescache implements the Resource Cache (C2): a content-addressed,
// file-backed store of fetched sub-resources with LRU+TTL eviction. Body
// bytes live on disk under Config.Dir/<fingerprint>; metadata lives in an
// in-memory index. Structurally grounded on AbhyudayPatel-Webshot's
// map-based screenshot cache with a background TTL sweep, rewritten onto
// shotengine's atomic-write-to-disk discipline (pkg/fsutil) instead of an
// in-process-only cache.
package rescache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"shotengine/pkg/fsutil"
)

// Config mirrors the resource_cache_* configuration keys.
type Config struct {
	Enabled         bool
	Dir             string
	MaxTotalBytes   int64
	MaxEntryBytes   int64
	TTL             time.Duration
	CleanupInterval time.Duration
	AllContent      bool // selective (false) vs all-content (true) cacheability policy
	PriorityCDNs    map[string]bool
}

func DefaultConfig(dir string) Config {
	return Config{
		Enabled:         true,
		Dir:             dir,
		MaxTotalBytes:   512 * 1024 * 1024,
		MaxEntryBytes:   10 * 1024 * 1024,
		TTL:             24 * time.Hour,
		CleanupInterval: 10 * time.Minute,
		AllContent:      false,
		PriorityCDNs:    map[string]bool{},
	}
}

// Meta describes a cached body.
type Meta struct {
	ContentType string
	StatusCode  int
}

type entry struct {
	fingerprint string
	path        string
	size        int64
	meta        Meta
	createdAt   time.Time
	lastAccess  int64 // unix nanos, atomic
}

// Cache is the resource cache. The index is guarded by mu; a lookup holds mu
// only for the map read, and its disk read and last-access bump (an atomic
// store on the entry itself) happen outside the lock.
type Cache struct {
	cfg Config

	mu        sync.Mutex
	index     map[string]*entry
	totalSize int64

	hits, misses, stores, rejects int64

	stop chan struct{}
	done chan struct{}
}

var selectiveExtensions = map[string]bool{
	".css": true, ".js": true, ".mjs": true, ".woff": true, ".woff2": true,
	".ttf": true, ".otf": true, ".eot": true, ".png": true, ".jpg": true,
	".jpeg": true, ".gif": true, ".webp": true, ".svg": true, ".ico": true,
	".mp4": true, ".webm": true, ".ogg": true, ".mp3": true, ".wav": true,
}

var allContentBlockedPaths = []string{
	"/api/", "/graphql", "/webhook", "/callback", "/auth/", "/login", "/logout",
	"/session", "/ws/", "/websocket", "/sse/", "/stream", "/analytics", "/track",
	"/pixel", "/beacon", "/admin/", "/manage/", "/dashboard",
}

var allContentBlockedQueryTerms = []string{
	"timestamp", "time", "rand", "random", "nonce", "token", "session",
}

func New(cfg Config) *Cache {
	if cfg.MaxTotalBytes <= 0 {
		cfg.MaxTotalBytes = 512 * 1024 * 1024
	}
	if cfg.MaxEntryBytes <= 0 {
		cfg.MaxEntryBytes = 10 * 1024 * 1024
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 10 * time.Minute
	}
	c := &Cache{
		cfg:   cfg,
		index: make(map[string]*entry),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Fingerprint computes SHA-256 of rawURL exactly as given, as lowercase hex.
// The URL is not canonicalized first, so spellings of the same resource that
// differ in any byte (host case, default port, query order) get different
// fingerprints.
func Fingerprint(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return hex.EncodeToString(sum[:])
}

// Cacheable evaluates the configured selective/all-content policy.
func (c *Cache) Cacheable(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	path := strings.ToLower(u.Path)

	if c.cfg.AllContent {
		for _, blocked := range allContentBlockedPaths {
			if strings.Contains(path, blocked) {
				return false
			}
		}
		q := strings.ToLower(u.RawQuery)
		for _, term := range allContentBlockedQueryTerms {
			if strings.Contains(q, term) {
				return false
			}
		}
		return true
	}

	ext := strings.ToLower(filepath.Ext(path))
	if selectiveExtensions[ext] {
		return true
	}
	return c.cfg.PriorityCDNs[strings.ToLower(u.Hostname())]
}

// Lookup returns the cached body and metadata for rawURL, bumping its
// last-access time on a hit.
func (c *Cache) Lookup(rawURL string) ([]byte, Meta, bool) {
	fp := Fingerprint(rawURL)

	c.mu.Lock()
	e, ok := c.index[fp]
	c.mu.Unlock()
	if !ok {
		atomic.AddInt64(&c.misses, 1)
		return nil, Meta{}, false
	}
	if time.Since(e.createdAt) > c.cfg.TTL {
		c.remove(fp)
		atomic.AddInt64(&c.misses, 1)
		return nil, Meta{}, false
	}

	body, err := os.ReadFile(e.path)
	if err != nil {
		c.remove(fp)
		atomic.AddInt64(&c.misses, 1)
		return nil, Meta{}, false
	}
	atomic.StoreInt64(&e.lastAccess, time.Now().UnixNano())
	atomic.AddInt64(&c.hits, 1)
	return body, e.meta, true
}

// Store writes body to disk and indexes it under rawURL's fingerprint.
// Rejects oversized bodies or URLs excluded by policy, then evicts to fit.
func (c *Cache) Store(rawURL string, body []byte, meta Meta) error {
	if !c.Cacheable(rawURL) {
		atomic.AddInt64(&c.rejects, 1)
		return fmt.Errorf("rescache: url excluded by cacheability policy")
	}
	if int64(len(body)) > c.cfg.MaxEntryBytes {
		atomic.AddInt64(&c.rejects, 1)
		return fmt.Errorf("rescache: entry exceeds max_entry_bytes")
	}

	fp := Fingerprint(rawURL)
	path := filepath.Join(c.cfg.Dir, fp)
	if err := fsutil.WriteFileAtomic(path, body, 0o644); err != nil {
		return fmt.Errorf("rescache: store: %w", err)
	}

	e := &entry{
		fingerprint: fp,
		path:        path,
		size:        int64(len(body)),
		meta:        meta,
		createdAt:   time.Now(),
		lastAccess:  time.Now().UnixNano(),
	}

	c.mu.Lock()
	if old, exists := c.index[fp]; exists {
		c.totalSize -= old.size
	}
	c.index[fp] = e
	c.totalSize += e.size
	c.mu.Unlock()

	atomic.AddInt64(&c.stores, 1)
	c.evictToFit()
	return nil
}

// evictToFit removes least-recently-accessed entries until total size is
// within max_total_bytes.
func (c *Cache) evictToFit() {
	c.mu.Lock()
	if c.totalSize <= c.cfg.MaxTotalBytes {
		c.mu.Unlock()
		return
	}
	entries := make([]*entry, 0, len(c.index))
	for _, e := range c.index {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	sortByLastAccessAsc(entries)
	for _, e := range entries {
		c.mu.Lock()
		if c.totalSize <= c.cfg.MaxTotalBytes {
			c.mu.Unlock()
			break
		}
		c.mu.Unlock()
		c.remove(e.fingerprint)
	}
}

func sortByLastAccessAsc(entries []*entry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && atomic.LoadInt64(&entries[j-1].lastAccess) > atomic.LoadInt64(&entries[j].lastAccess); j-- {
			entries[j-1], entries[j] = entries[j], entries[j-1]
		}
	}
}

// PurgeExpired removes entries older than ttl.
func (c *Cache) PurgeExpired() {
	c.mu.Lock()
	var expired []string
	now := time.Now()
	for fp, e := range c.index {
		if now.Sub(e.createdAt) > c.cfg.TTL {
			expired = append(expired, fp)
		}
	}
	c.mu.Unlock()

	for _, fp := range expired {
		c.remove(fp)
	}
}

func (c *Cache) remove(fp string) {
	c.mu.Lock()
	e, ok := c.index[fp]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.index, fp)
	c.totalSize -= e.size
	c.mu.Unlock()
	os.Remove(e.path)
}

// Clear deletes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	all := make([]string, 0, len(c.index))
	for fp := range c.index {
		all = append(all, fp)
	}
	c.mu.Unlock()
	for _, fp := range all {
		c.remove(fp)
	}
}

// Stats is the admin /browser-cache/stats snapshot.
type Stats struct {
	Entries   int
	TotalSize int64
	Hits      int64
	Misses    int64
	Stores    int64
	Rejects   int64
}

// Config returns the cache's static configuration, for admin introspection.
func (c *Cache) Config() Config { return c.cfg }

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	n := len(c.index)
	size := c.totalSize
	c.mu.Unlock()
	return Stats{
		Entries:   n,
		TotalSize: size,
		Hits:      atomic.LoadInt64(&c.hits),
		Misses:    atomic.LoadInt64(&c.misses),
		Stores:    atomic.LoadInt64(&c.stores),
		Rejects:   atomic.LoadInt64(&c.rejects),
	}
}

func (c *Cache) cleanupLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.PurgeExpired()
			c.evictToFit()
		}
	}
}

func (c *Cache) Close() {
	close(c.stop)
	<-c.done
}
