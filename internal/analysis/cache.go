package analysis

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/scrypster/castlist/pkg/types"
)

// DefaultCacheCapacity is the number of analysed batches kept per pipeline.
const DefaultCacheCapacity = 50

// CacheStats is a snapshot of cache usage.
type CacheStats struct {
	Size     int    `json:"size"`
	Capacity int    `json:"capacity"`
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
}

type cacheEntry struct {
	extractions []types.Extraction
}

// Cache maps a batch content hash to the extractions parsed for it.
//
// Eviction is by insertion order: once the cache is full, adding a new key
// drops the oldest inserted key. Reads never refresh an entry and overwriting
// an existing key keeps its original position.
type Cache struct {
	mu       sync.Mutex
	entries  *simplelru.LRU[string, *cacheEntry]
	capacity int
	hits     uint64
	misses   uint64
}

// NewCache creates a cache holding at most capacity entries. A non-positive
// capacity selects DefaultCacheCapacity.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	entries, err := simplelru.NewLRU[string, *cacheEntry](capacity, nil)
	if err != nil {
		// Only returned for a non-positive size, which is ruled out above.
		panic(err)
	}
	return &Cache{entries: entries, capacity: capacity}
}

// CacheKey derives the cache key for a joined batch analysed by the backend
// identified by identity ("backend:model").
func CacheKey(batchText, identity string) string {
	h := sha256.New()
	h.Write([]byte(batchText))
	h.Write([]byte{0})
	h.Write([]byte(identity))
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns a copy of the extractions stored under key.
func (c *Cache) Get(key string) ([]types.Extraction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries.Peek(key)
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	return cloneExtractions(entry.extractions), true
}

// Put stores a copy of extractions under key, evicting the oldest entry if
// the cache is full.
func (c *Cache) Put(key string, extractions []types.Extraction) {
	c.mu.Lock()
	defer c.mu.Unlock()

	value := cloneExtractions(extractions)
	if entry, ok := c.entries.Peek(key); ok {
		entry.extractions = value
		return
	}
	c.entries.Add(key, &cacheEntry{extractions: value})
}

// Contains reports whether key is cached without counting a hit or miss.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Contains(key)
}

// Clear removes every entry. Hit and miss counters are kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Stats returns current usage counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Size:     c.entries.Len(),
		Capacity: c.capacity,
		Hits:     c.hits,
		Misses:   c.misses,
	}
}

func cloneExtractions(in []types.Extraction) []types.Extraction {
	if in == nil {
		return []types.Extraction{}
	}
	out := make([]types.Extraction, len(in))
	for i, e := range in {
		out[i] = e.Clone()
	}
	return out
}
