// Package rewriter implements a pure function over a static
// {source-host -> target-host, scheme} table. The table is an immutable
// snapshot behind an atomic pointer swap, so lookups on the request hot path
// never take a lock.
package rewriter

import (
	"net/url"
	"strings"
	"sync/atomic"
)

// Rule is one source-host -> target substitution.
type Rule struct {
	TargetHost string
	Scheme     string // "http" or "https"
}

// table is the immutable snapshot swapped atomically on update.
type table map[string]Rule

// Rewriter holds the current rule snapshot and the original table mutations
// are built from, for the administrative read surface.
type Rewriter struct {
	current atomic.Pointer[table]
}

func New() *Rewriter {
	r := &Rewriter{}
	empty := make(table)
	r.current.Store(&empty)
	return r
}

// SetRules atomically replaces the whole rule table, publishing a new
// snapshot for every concurrent lookup to see on its next read.
func (r *Rewriter) SetRules(rules map[string]Rule) {
	normalized := make(table, len(rules))
	for host, rule := range rules {
		normalized[normalizeHost(host)] = rule
	}
	r.current.Store(&normalized)
}

// SetRule publishes a new snapshot with a single rule added or replaced.
func (r *Rewriter) SetRule(sourceHost string, rule Rule) {
	cur := *r.current.Load()
	next := make(table, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[normalizeHost(sourceHost)] = rule
	r.current.Store(&next)
}

// DeleteRule publishes a new snapshot with the given source host removed.
func (r *Rewriter) DeleteRule(sourceHost string) {
	cur := *r.current.Load()
	next := make(table, len(cur))
	for k, v := range cur {
		if k != normalizeHost(sourceHost) {
			next[k] = v
		}
	}
	r.current.Store(&next)
}

// Rules returns a copy of the current snapshot for the administrative
// GET /url-transformer/rules endpoint.
func (r *Rewriter) Rules() map[string]Rule {
	cur := *r.current.Load()
	out := make(map[string]Rule, len(cur))
	for k, v := range cur {
		out[k] = v
	}
	return out
}

func normalizeHost(h string) string {
	return strings.ToLower(strings.TrimPrefix(strings.ToLower(h), "www."))
}

// Rewrite applies the current rule table to rawURL. Malformed input is
// returned unchanged. Path, query, and fragment are preserved byte-for-byte;
// only host and scheme are substituted.
func (r *Rewriter) Rewrite(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}

	cur := *r.current.Load()
	host := normalizeHost(u.Hostname())
	rule, ok := cur[host]
	if !ok {
		return rawURL
	}

	out := *u
	out.Scheme = rule.Scheme
	if u.Port() != "" {
		out.Host = rule.TargetHost + ":" + u.Port()
	} else {
		out.Host = rule.TargetHost
	}
	return out.String()
}

// Check reports whether rawURL would be rewritten and, if so, the result —
// used by GET /url-transformer/check.
func (r *Rewriter) Check(rawURL string) (rewritten string, matched bool) {
	result := r.Rewrite(rawURL)
	return result, result != rawURL
}
