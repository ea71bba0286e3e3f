// Package cache keeps raw response bodies keyed by URL until the next scheduled clear.
package cache

import (
	"sync/atomic"

	"github.com/alphadose/haxmap"

	"github.com/JakeFAU/equity-ingest/internal/metrics"
)

// Cache is a process-wide, unbounded URL to body map. It is safe for concurrent use.
// Entries only leave through Clear.
type Cache struct {
	entries atomic.Pointer[haxmap.Map[string, []byte]]
}

// New returns an empty cache.
func New() *Cache {
	c := &Cache{}
	c.entries.Store(haxmap.New[string, []byte]())
	return c
}

// Get returns the cached body for url.
func (c *Cache) Get(url string) ([]byte, bool) {
	body, ok := c.entries.Load().Get(url)
	metrics.ObserveCacheLookup(ok)
	return body, ok
}

// Put stores body under url, replacing any previous entry.
func (c *Cache) Put(url string, body []byte) {
	c.entries.Load().Set(url, body)
}

// Clear drops every entry. Readers holding the previous map finish against it.
func (c *Cache) Clear() {
	c.entries.Store(haxmap.New[string, []byte]())
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	return int(c.entries.Load().Len())
}
