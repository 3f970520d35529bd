package selection

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
)

// ErrEmbeddingService marks a failure of the underlying embedding service.
// Callers decide the fallback; there is no internal retry.
var ErrEmbeddingService = errors.New("embedding service failure")

// Embedder produces fixed-length vectors for query text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)
	Dimension() int
	Available() bool
}

// CacheStats reports exact-text cache effectiveness.
type CacheStats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Size    int     `json:"size"`
	MaxSize int     `json:"max_size"`
	HitRate float64 `json:"hit_rate"`
}

type embedCacheEntry struct {
	vector    []float64
	timestamp time.Time
}

// CachedEmbedder wraps an Embedder with an exact-text TTL cache.
type CachedEmbedder struct {
	inner   Embedder
	cache   map[string]*embedCacheEntry
	order   []string
	maxSize int
	ttl     time.Duration
	hits    int64
	misses  int64
	mu      sync.Mutex
}

// NewCachedEmbedder creates a caching wrapper around inner.
func NewCachedEmbedder(inner Embedder, maxSize int, ttl time.Duration) *CachedEmbedder {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &CachedEmbedder{
		inner:   inner,
		cache:   make(map[string]*embedCacheEntry),
		order:   make([]string, 0, maxSize),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

func normalizeKey(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// Embed returns the cached vector or calls the underlying service on a miss.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	key := normalizeKey(text)

	c.mu.Lock()
	if entry, ok := c.cache[key]; ok {
		if time.Since(entry.timestamp) <= c.ttl {
			c.hits++
			vec := entry.vector
			c.mu.Unlock()
			return vec, nil
		}
		delete(c.cache, key)
		c.removeFromOrder(key)
	}
	c.misses++
	c.mu.Unlock()

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingService, err)
	}

	c.mu.Lock()
	c.set(key, vec)
	c.mu.Unlock()
	return vec, nil
}

// EmbedBatch embeds each text, serving cached entries and batching the rest.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	var missing []string
	var missingIdx []int

	c.mu.Lock()
	for i, text := range texts {
		key := normalizeKey(text)
		if entry, ok := c.cache[key]; ok && time.Since(entry.timestamp) <= c.ttl {
			c.hits++
			out[i] = entry.vector
			continue
		}
		c.misses++
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	c.mu.Unlock()

	if len(missing) == 0 {
		return out, nil
	}

	vecs, err := c.inner.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingService, err)
	}
	if len(vecs) != len(missing) {
		return nil, fmt.Errorf("%w: batch returned %d vectors for %d texts", ErrEmbeddingService, len(vecs), len(missing))
	}

	c.mu.Lock()
	for j, idx := range missingIdx {
		out[idx] = vecs[j]
		c.set(normalizeKey(missing[j]), vecs[j])
	}
	c.mu.Unlock()
	return out, nil
}

func (c *CachedEmbedder) Dimension() int  { return c.inner.Dimension() }
func (c *CachedEmbedder) Available() bool { return c.inner.Available() }

// Stats returns a snapshot of cache counters.
func (c *CachedEmbedder) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return CacheStats{
		Hits:    c.hits,
		Misses:  c.misses,
		Size:    len(c.cache),
		MaxSize: c.maxSize,
		HitRate: rate,
	}
}

// set assumes the lock is held.
func (c *CachedEmbedder) set(key string, vec []float64) {
	if entry, ok := c.cache[key]; ok {
		entry.vector = vec
		entry.timestamp = time.Now()
		return
	}
	c.cache[key] = &embedCacheEntry{vector: vec, timestamp: time.Now()}
	c.order = append(c.order, key)
	if len(c.cache) > c.maxSize {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.cache, oldest)
	}
}

// removeFromOrder assumes the lock is held.
func (c *CachedEmbedder) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

var _ Embedder = (*CachedEmbedder)(nil)

// StaticEmbedder produces deterministic hash-projection vectors without any
// external service. Used as the in-process fallback and in tests.
type StaticEmbedder struct {
	dims int
}

// NewStaticEmbedder creates a static embedder with the given dimensionality.
func NewStaticEmbedder(dims int) *StaticEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &StaticEmbedder{dims: dims}
}

func (e *StaticEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	vec := make([]float64, e.dims)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New64a()
		h.Write([]byte(token))
		seed := h.Sum64()
		// Spread each token over a handful of positions with signed weights.
		for k := 0; k < 4; k++ {
			pos := int((seed >> (k * 16)) % uint64(e.dims))
			sign := 1.0
			if (seed>>(k*16+7))&1 == 1 {
				sign = -1.0
			}
			vec[pos] += sign
		}
	}
	if norm := floats.Norm(vec, 2); norm > 0 {
		floats.Scale(1/norm, vec)
	}
	return vec, nil
}

func (e *StaticEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (e *StaticEmbedder) Dimension() int  { return e.dims }
func (e *StaticEmbedder) Available() bool { return true }

var _ Embedder = (*StaticEmbedder)(nil)

// cosineSimilarity returns the cosine of the angle between a and b, or 0 for
// mismatched or zero vectors.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	na := floats.Norm(a, 2)
	nb := floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	cos := floats.Dot(a, b) / (na * nb)
	if math.IsNaN(cos) {
		return 0
	}
	return cos
}
