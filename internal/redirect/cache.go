// Package redirect caches endpoint redirects observed during signaling
// so that reconnects skip the redirect round-trip.
package redirect

import (
	"net/url"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// placeholder stands in for the trailing path segment (the playback or
// session id) in both cache keys and cached templates.
const placeholder = "{id}"

// defaultCapacity bounds the cache; a client talks to a handful of
// logical endpoints at most.
const defaultCapacity = 16

// Cache maps a canonical endpoint URL (trailing id masked) to the
// endpoint template the server actually resolved it to. It is safe for
// use from concurrent sessions; one instance is constructed at startup
// and injected into every transport client.
type Cache struct {
	entries *lru.Cache[string, string]
}

// NewCache returns a cache bounded to capacity entries. A capacity of
// zero or less uses the default.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	// Only errors on non-positive size, which is excluded above.
	entries, _ := lru.New[string, string](capacity)
	return &Cache{entries: entries}
}

// Observe records that a request for requested ended up at final. URLs
// that resolved to themselves are not cached.
func (c *Cache) Observe(requested, final string) {
	if requested == final {
		return
	}
	key, ok := templatize(requested)
	if !ok {
		return
	}
	tmpl, ok := templatize(final)
	if !ok {
		return
	}
	c.entries.Add(key, tmpl)
}

// Resolve returns the URL a handshake for requested should actually
// target. A hit substitutes requested's own trailing path segment into
// the cached template, so the same logical endpoint is rewritten for
// any stream id. The second return reports whether a cached redirect
// applied.
func (c *Cache) Resolve(requested string) (string, bool) {
	key, ok := templatize(requested)
	if !ok {
		return requested, false
	}
	tmpl, ok := c.entries.Get(key)
	if !ok {
		return requested, false
	}
	id, ok := trailingSegment(requested)
	if !ok {
		return requested, false
	}
	return strings.Replace(tmpl, placeholder, id, 1), true
}

// Len reports the number of cached endpoints.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// templatize masks the final path segment of raw with the id
// placeholder.
func templatize(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return "", false
	}
	idx := strings.LastIndex(u.Path, "/")
	if idx < 0 || idx == len(u.Path)-1 {
		return "", false
	}
	u.Path = u.Path[:idx+1] + placeholder
	return u.String(), true
}

// trailingSegment extracts the final path segment of raw.
func trailingSegment(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	idx := strings.LastIndex(u.Path, "/")
	if idx < 0 || idx == len(u.Path)-1 {
		return "", false
	}
	return u.Path[idx+1:], true
}
