// Package registry holds process-scoped singletons that are expensive to
// build and safe to share: the selection classifier, the document similarity
// selector, the cached embedder, and the response dedup cache. Each slot is
// initialized lazily on first access and reused afterwards.
package registry

import (
	"sync"

	"github.com/askfolio/agentd/agentd/config"
	"github.com/askfolio/agentd/agentd/harness"
	"github.com/askfolio/agentd/agentd/harness/adapters"
	"github.com/askfolio/agentd/agentd/selection"
)

var (
	classifierOnce sync.Once
	classifier     *selection.Classifier

	embedderOnce sync.Once
	embedder     selection.Embedder

	docSelectorOnce sync.Once
	docSelector     *selection.DocSimSelector

	dedupOnce sync.Once
	dedup     *harness.DedupCache

	mu  sync.RWMutex
	cfg *config.Config
)

// Init stores the configuration used by subsequent accessor calls. Safe to
// call once at startup before any accessor.
func Init(c *config.Config) {
	mu.Lock()
	defer mu.Unlock()
	cfg = c
}

func activeConfig() *config.Config {
	mu.RLock()
	defer mu.RUnlock()
	if cfg != nil {
		return cfg
	}
	return &config.AppConfig
}

// Classifier returns the shared tool-selection classifier, loading its
// artifact on first access. Load failures leave an unloaded classifier that
// callers detect with Loaded().
func Classifier() *selection.Classifier {
	classifierOnce.Do(func() {
		c := activeConfig()
		classifier = selection.NewClassifier(c.Selection.ArtifactPath)
		_ = classifier.Load()
	})
	return classifier
}

// Embedder returns the shared cached embedder over the configured backend.
func Embedder() selection.Embedder {
	embedderOnce.Do(func() {
		c := activeConfig()
		inner := selection.NewStaticEmbedder(c.Embedding.Dims)
		embedder = selection.NewCachedEmbedder(inner, c.Embedding.CacheCapacity, c.Embedding.CacheTTL)
	})
	return embedder
}

// DocSelector returns the shared document similarity selector bound to the
// given source and catalog. The first caller's source and catalog win.
func DocSelector(source selection.DocSource, catalog *selection.Catalog) *selection.DocSimSelector {
	docSelectorOnce.Do(func() {
		c := activeConfig()
		docSelector = selection.NewDocSimSelector(
			source,
			Embedder(),
			catalog,
			c.Selection.DocSimThreshold,
			c.Selection.MaxTools,
			c.Selection.ResultCacheCapacity,
			c.Selection.ResultCacheTTL,
		)
	})
	return docSelector
}

// Dedup returns the shared response deduplication cache.
func Dedup() *harness.DedupCache {
	dedupOnce.Do(func() {
		c := activeConfig()
		dedup = harness.NewDedupCache(
			adapters.NewLRUCache(c.Dedup.Capacity),
			c.Dedup.TTL,
			c.Dedup.InFlightExpiry,
		)
	})
	return dedup
}

// Reset clears all singletons. Intended for tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	classifierOnce = sync.Once{}
	classifier = nil
	embedderOnce = sync.Once{}
	embedder = nil
	docSelectorOnce = sync.Once{}
	docSelector = nil
	dedupOnce = sync.Once{}
	dedup = nil
	cfg = nil
}
