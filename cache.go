package odata

import (
	"bytes"
	"context"
	"hash/fnv"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// InMemoryCache is a sharded, TTL-based response cache.
type InMemoryCache struct {
	shards    []*cacheShard
	numShards int
}

type cacheShard struct {
	mu    sync.RWMutex
	store map[string]*CacheEntry
}

func NewInMemoryCache() *InMemoryCache {
	numShards := 16
	shards := make([]*cacheShard, numShards)
	for i := range shards {
		shards[i] = &cacheShard{
			store: make(map[string]*CacheEntry),
		}
	}
	return &InMemoryCache{
		shards:    shards,
		numShards: numShards,
	}
}

func (c *InMemoryCache) getShard(key string) *cacheShard {
	hash := fnv.New32a()
	hash.Write([]byte(key))
	return c.shards[hash.Sum32()%uint32(c.numShards)]
}

func (c *InMemoryCache) Get(key string) (*CacheEntry, bool) {
	shard := c.getShard(key)
	shard.mu.RLock()
	entry, exists := shard.store[key]
	shard.mu.RUnlock()
	if !exists {
		return nil, false
	}

	if time.Now().After(entry.ExpiresAt) {
		shard.mu.Lock()
		if current, ok := shard.store[key]; ok && current == entry {
			delete(shard.store, key)
		}
		shard.mu.Unlock()
		return nil, false
	}

	return entry, true
}

func (c *InMemoryCache) Set(key string, entry *CacheEntry, ttl time.Duration) {
	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry.ExpiresAt = time.Now().Add(ttl)
	shard.store[key] = entry
}

func (c *InMemoryCache) Delete(key string) {
	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	delete(shard.store, key)
}

// DeleteFunc removes every entry whose key satisfies match.
func (c *InMemoryCache) DeleteFunc(match func(key string) bool) {
	for _, shard := range c.shards {
		shard.mu.Lock()
		for key := range shard.store {
			if match(key) {
				delete(shard.store, key)
			}
		}
		shard.mu.Unlock()
	}
}

func (c *InMemoryCache) Clear() {
	for _, shard := range c.shards {
		shard.mu.Lock()
		shard.store = make(map[string]*CacheEntry)
		shard.mu.Unlock()
	}
}

// Len returns the number of stored entries, expired ones included.
func (c *InMemoryCache) Len() int {
	n := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		n += len(shard.store)
		shard.mu.RUnlock()
	}
	return n
}

// matchDeleter is implemented by caches that can drop every key a
// predicate selects.
type matchDeleter interface {
	DeleteFunc(match func(key string) bool)
}

func (e *CacheEntry) rawResponse(requestID string) *RawResponse {
	header := make(http.Header)
	if e.Header != nil {
		header = e.Header.Clone()
	}
	header.Set("X-Cache", "HIT")
	return &RawResponse{
		StatusCode: e.StatusCode,
		Header:     header,
		Body:       bytes.Clone(e.Body),
		RequestID:  requestID,
	}
}

func newCacheEntry(raw *RawResponse) *CacheEntry {
	return &CacheEntry{
		Body:       bytes.Clone(raw.Body),
		StatusCode: raw.StatusCode,
		Header:     raw.Header.Clone(),
	}
}

// DefaultCacheKeyFunc keys a response by method, URL and a digest of the
// request headers: "GET:<url> <digest>". Requests sent with different
// credentials or preferences never share an entry.
func DefaultCacheKeyFunc(req *http.Request) string {
	var buf []byte
	buf = append(buf, req.Method...)
	buf = append(buf, ':')
	if req.URL != nil {
		buf = append(buf, req.URL.String()...)
	}
	buf = append(buf, ' ')
	buf = strconv.AppendUint(buf, headerDigest(req.Header), 16)

	return string(buf)
}

// headerDigest hashes h independently of map order.
func headerDigest(h http.Header) uint64 {
	keys := make([]string, 0, len(h))
	for key := range h {
		keys = append(keys, http.CanonicalHeaderKey(key))
	}
	sort.Strings(keys)

	digest := fnv.New64a()
	for _, key := range keys {
		digest.Write([]byte(key))
		digest.Write([]byte{':'})
		for _, value := range h.Values(key) {
			digest.Write([]byte(value))
			digest.Write([]byte{0})
		}
		digest.Write([]byte{'\n'})
	}
	return digest.Sum64()
}

func DefaultCacheCondition(req *http.Request) bool {
	return req.Method == http.MethodGet
}

func (c *Client) shouldCacheRequest(req *http.Request) bool {
	if c.cache == nil {
		return false
	}

	if cacheControl, ok := req.Context().Value(CacheControlKey).(*CacheControl); ok {
		return cacheControl.Enabled
	}

	return c.cacheCondition(req)
}

func (c *Client) getCacheTTLForRequest(req *http.Request) time.Duration {
	if cacheControl, ok := req.Context().Value(CacheControlKey).(*CacheControl); ok && cacheControl.TTL > 0 {
		return cacheControl.TTL
	}

	return c.cacheTTL
}

func (c *Client) storeInCache(key string, req *http.Request, raw *RawResponse, requestID string) {
	var entry *CacheEntry
	ttl := c.getCacheTTLForRequest(req)

	if c.httpCacheSemantic {
		var ok bool
		entry, ttl, ok = createHTTPCacheEntry(raw, ttl)
		if !ok {
			if c.debugEnabled(logCache) {
				c.logger.Debug("Response not cacheable", "requestID", requestID, "cacheKey", key)
			}
			return
		}
	} else {
		entry = newCacheEntry(raw)
	}

	c.cache.Set(key, entry, ttl)
	if sized, ok := c.cache.(interface{ Len() int }); ok {
		c.metrics.RecordCacheEntries("default", sized.Len())
	}
	if c.debugEnabled(logCache) {
		c.logger.Debug("Cached response", "requestID", requestID, "cacheKey", key, "ttl", ttl)
	}
}

// invalidateCache drops cached reads of the entity set a successful write
// touched, when the cache supports prefix deletion.
func (c *Client) invalidateCache(d *Descriptor) {
	if c.cache == nil {
		return
	}
	deleter, ok := c.cache.(matchDeleter)
	if !ok {
		return
	}
	entitySet := d.URL
	if i := strings.IndexAny(entitySet, "(/"); i >= 0 {
		entitySet = entitySet[:i]
	}
	if entitySet == "" {
		return
	}
	prefix := http.MethodGet + ":" + c.resolve(d, entitySet)
	deleter.DeleteFunc(func(key string) bool {
		return underResource(key, prefix)
	})
}

// underResource reports whether the cache key addresses the resource at
// prefix or something beneath it. "Products" matches "Products(1)" and
// "Products?$top=1" but not "ProductsArchive".
func underResource(key, prefix string) bool {
	if !strings.HasPrefix(key, prefix) {
		return false
	}
	if len(key) == len(prefix) {
		return true
	}
	switch key[len(prefix)] {
	case '(', '/', '?', ' ':
		return true
	}
	return false
}

func WithContextCacheEnabled(ctx context.Context) context.Context {
	return context.WithValue(ctx, CacheControlKey, &CacheControl{Enabled: true})
}

func WithContextCacheDisabled(ctx context.Context) context.Context {
	return context.WithValue(ctx, CacheControlKey, &CacheControl{Enabled: false})
}

func WithContextCacheTTL(ctx context.Context, ttl time.Duration) context.Context {
	cacheControl := &CacheControl{Enabled: true, TTL: ttl}
	return context.WithValue(ctx, CacheControlKey, cacheControl)
}
