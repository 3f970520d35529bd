package harness

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	ports "github.com/askfolio/agentd/agentd/harness/ports"
)

// DedupStatus classifies a request against the deduplication cache.
type DedupStatus int

const (
	// DedupMiss means the request is fresh and has been marked in flight.
	DedupMiss DedupStatus = iota
	// DedupInFlight means an identical request is currently executing.
	DedupInFlight
	// DedupCompleted means a cached response is available.
	DedupCompleted
)

// DedupCache detects duplicate requests. Completed responses live in a
// short-TTL cache; concurrent duplicates are tracked through a separate
// in-flight marker map with its own staleness bound. Detection only: the
// caller decides whether to await, reuse, or proceed.
type DedupCache struct {
	cache          ports.Cache
	ttl            time.Duration
	inflightExpiry time.Duration

	mu       sync.Mutex
	inflight map[string]time.Time
}

// NewDedupCache creates a dedup cache over the given response cache.
func NewDedupCache(cache ports.Cache, ttl, inflightExpiry time.Duration) *DedupCache {
	return &DedupCache{
		cache:          cache,
		ttl:            ttl,
		inflightExpiry: inflightExpiry,
		inflight:       make(map[string]time.Time),
	}
}

// DedupKey fingerprints a request by query, model, and system prompt.
func DedupKey(query, model, system string) string {
	h := sha256.New()
	h.Write([]byte(query))
	h.Write([]byte{0})
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(system))
	return hex.EncodeToString(h.Sum(nil))
}

// Begin classifies the request. On a miss the key is marked in flight and
// the caller must follow up with Complete or Abort.
func (d *DedupCache) Begin(ctx context.Context, key string) (DedupStatus, []byte) {
	if cached, ok := d.cache.Get(ctx, key); ok {
		return DedupCompleted, cached
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if started, ok := d.inflight[key]; ok && time.Since(started) < d.inflightExpiry {
		return DedupInFlight, nil
	}
	d.inflight[key] = time.Now()
	return DedupMiss, nil
}

// Complete stores the finished response and clears the in-flight marker.
func (d *DedupCache) Complete(ctx context.Context, key string, response []byte) {
	d.cache.Set(ctx, key, response, int(d.ttl.Seconds()))
	d.mu.Lock()
	delete(d.inflight, key)
	d.mu.Unlock()
}

// Abort clears the in-flight marker without caching anything.
func (d *DedupCache) Abort(key string) {
	d.mu.Lock()
	delete(d.inflight, key)
	d.mu.Unlock()
}
