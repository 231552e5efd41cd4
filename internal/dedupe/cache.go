// ABOUTME: TTL and size bounded cache for rejecting duplicate inbound envelopes.
// ABOUTME: Keys are content fingerprints; the router consults it before queueing.

package dedupe

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Defaults applied when New is given zero values.
const (
	DefaultTTL     = 30 * time.Second
	DefaultMaxSize = 1000
)

// Fingerprint hashes the given parts into a stable key. Parts are joined with
// a separator so ("ab","c") and ("a","bc") differ.
func Fingerprint(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Cache tracks recently seen keys. Entries expire after the TTL and the
// oldest-marked entry is evicted once the cache is full.
type Cache struct {
	// mu makes CheckAndMark atomic; the LRU is itself safe for single calls.
	mu     sync.Mutex
	lru    *expirable.LRU[string, time.Time]
	ttl    time.Duration
	closed bool
}

// New creates a dedupe cache with the given TTL and maximum size.
func New(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Cache{
		lru: expirable.NewLRU[string, time.Time](maxSize, nil, ttl),
		ttl: ttl,
	}
}

// Check returns true if the key has been seen and is not expired.
func (c *Cache) Check(key string) bool {
	_, ok := c.lru.Peek(key)
	return ok
}

// CheckAndMark reports whether key was already seen; if not, it marks it.
// Concurrent callers for one key see exactly one false.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.lru.Peek(key); ok {
		return true
	}
	c.lru.Add(key, time.Now())
	return false
}

// Mark records key as seen, refreshing its TTL if present.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, time.Now())
}

// Forget removes key so an identical envelope is accepted again.
func (c *Cache) Forget(key string) {
	c.lru.Remove(key)
}

// Len returns the number of tracked keys, which may include expired keys not
// yet purged.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// TTL returns the dedupe window.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Close purges the cache. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.lru.Purge()
		c.closed = true
	}
}
