package model

import (
	"sync"

	"github.com/ricesearch/zeroshot-eval/internal/pkg/hash"
)

// CacheMetrics is the interface for recording cache metrics.
// This allows the cache to be decoupled from the metrics package.
type CacheMetrics interface {
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
	UpdateCacheSize(cacheType string, size int)
}

const cacheType = "text"

// TextCache is an LRU of text embeddings keyed by the SHA-256 of the text.
// The class descriptions of a run are fixed, so after the first batch every
// lookup is a hit.
type TextCache struct {
	mu      sync.Mutex
	cache   map[string][]float64
	maxSize int
	order   []string // LRU order, oldest first
	metrics CacheMetrics
}

// NewTextCache creates a cache holding at most maxSize embeddings.
func NewTextCache(maxSize int) *TextCache {
	if maxSize <= 0 {
		maxSize = 1024
	}

	return &TextCache{
		cache:   make(map[string][]float64),
		maxSize: maxSize,
		order:   make([]string, 0, maxSize),
	}
}

// SetMetrics sets the metrics recorder for this cache.
func (c *TextCache) SetMetrics(metrics CacheMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = metrics
}

// Get retrieves a copy of the embedding for text.
func (c *TextCache) Get(text string) ([]float64, bool) {
	key := hash.SHA256String(text)

	c.mu.Lock()
	defer c.mu.Unlock()

	emb, ok := c.cache[key]
	if !ok {
		if c.metrics != nil {
			c.metrics.RecordCacheMiss(cacheType)
		}
		return nil, false
	}

	if c.metrics != nil {
		c.metrics.RecordCacheHit(cacheType)
	}
	c.moveToEnd(key)

	return append([]float64(nil), emb...), true
}

// Set stores a copy of embedding for text.
func (c *TextCache) Set(text string, embedding []float64) {
	key := hash.SHA256String(text)
	embCopy := append([]float64(nil), embedding...)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.cache[key]; exists {
		c.cache[key] = embCopy
		c.moveToEnd(key)
		return
	}

	for len(c.cache) >= c.maxSize && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.cache, oldest)
	}

	c.cache[key] = embCopy
	c.order = append(c.order, key)

	if c.metrics != nil {
		c.metrics.UpdateCacheSize(cacheType, len(c.cache))
	}
}

// moveToEnd marks key as most recently used (must hold lock).
func (c *TextCache) moveToEnd(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			c.order = append(c.order, key)
			return
		}
	}
}

// Size returns the current cache size.
func (c *TextCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

// Clear empties the cache.
func (c *TextCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string][]float64)
	c.order = make([]string, 0, c.maxSize)

	if c.metrics != nil {
		c.metrics.UpdateCacheSize(cacheType, 0)
	}
}

// CacheStats holds cache statistics.
type CacheStats struct {
	Size    int `json:"size"`
	MaxSize int `json:"max_size"`
}

// Stats returns cache statistics.
func (c *TextCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return CacheStats{
		Size:    len(c.cache),
		MaxSize: c.maxSize,
	}
}
