package selection

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// DocSource supplies the tool-documentation corpus, name -> free text.
// Consumed once at lazy initialization.
type DocSource interface {
	Load(ctx context.Context) (map[string]string, error)
}

// DocSourceFunc adapts a function to the DocSource interface.
type DocSourceFunc func(ctx context.Context) (map[string]string, error)

func (f DocSourceFunc) Load(ctx context.Context) (map[string]string, error) { return f(ctx) }

type docSimResult struct {
	tools     []ScoredTool
	timestamp time.Time
}

// DocSimSelector matches queries against tool documentation by embedding
// similarity. Doc embeddings are computed once; per-query results are cached.
type DocSimSelector struct {
	source   DocSource
	embedder Embedder
	catalog  *Catalog

	threshold float64
	maxTools  int

	initOnce sync.Once
	initErr  error
	docVecs  map[string][]float64

	mu       sync.Mutex
	results  map[string]*docSimResult
	order    []string
	capacity int
	ttl      time.Duration
}

// NewDocSimSelector creates a doc-similarity selector. The corpus is not
// touched until the first Select call.
func NewDocSimSelector(source DocSource, embedder Embedder, catalog *Catalog, threshold float64, maxTools, cacheCapacity int, cacheTTL time.Duration) *DocSimSelector {
	if cacheCapacity <= 0 {
		cacheCapacity = 500
	}
	return &DocSimSelector{
		source:    source,
		embedder:  embedder,
		catalog:   catalog,
		threshold: threshold,
		maxTools:  maxTools,
		results:   make(map[string]*docSimResult),
		capacity:  cacheCapacity,
		ttl:       cacheTTL,
	}
}

// init parses the corpus and embeds each tool description exactly once.
func (s *DocSimSelector) init(ctx context.Context) error {
	s.initOnce.Do(func() {
		corpus, err := s.source.Load(ctx)
		if err != nil {
			s.initErr = fmt.Errorf("doc corpus load failed: %w", err)
			return
		}

		names := make([]string, 0, len(corpus))
		texts := make([]string, 0, len(corpus))
		for name, text := range corpus {
			if !s.catalog.Has(name) {
				continue // stale doc for a tool not in the catalog
			}
			names = append(names, name)
			texts = append(texts, text)
		}

		vecs, err := s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			s.initErr = fmt.Errorf("doc embedding failed: %w", err)
			return
		}

		s.docVecs = make(map[string][]float64, len(names))
		for i, name := range names {
			s.docVecs[name] = vecs[i]
		}
	})
	return s.initErr
}

// Select returns tools whose documentation is similar to the query, above
// the similarity threshold, sorted descending, capped at maxTools. The
// optional capability filter restricts candidates.
func (s *DocSimSelector) Select(ctx context.Context, query string, capabilities []string) ([]ScoredTool, error) {
	if err := s.init(ctx); err != nil {
		return nil, err
	}

	key := cacheKey(query, capabilities)
	s.mu.Lock()
	if cached, ok := s.results[key]; ok && time.Since(cached.timestamp) <= s.ttl {
		tools := cached.tools
		s.mu.Unlock()
		return tools, nil
	}
	s.mu.Unlock()

	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	allowed := s.allowedSet(capabilities)
	var scored []ScoredTool
	for name, docVec := range s.docVecs {
		if allowed != nil && !allowed[name] {
			continue
		}
		sim := cosineSimilarity(queryVec, docVec)
		if sim >= s.threshold {
			scored = append(scored, ScoredTool{Name: name, Score: sim})
		}
	}
	sortScored(scored)
	if s.maxTools > 0 && len(scored) > s.maxTools {
		scored = scored[:s.maxTools]
	}

	s.mu.Lock()
	s.storeResult(key, scored)
	s.mu.Unlock()
	return scored, nil
}

// allowedSet resolves a capability filter to a name set, or nil for no filter.
func (s *DocSimSelector) allowedSet(capabilities []string) map[string]bool {
	if len(capabilities) == 0 {
		return nil
	}
	allowed := make(map[string]bool)
	for _, cap := range capabilities {
		for _, name := range s.catalog.ByCapability(cap) {
			allowed[name] = true
		}
	}
	return allowed
}

// storeResult assumes the lock is held.
func (s *DocSimSelector) storeResult(key string, tools []ScoredTool) {
	if _, exists := s.results[key]; !exists {
		s.order = append(s.order, key)
	}
	s.results[key] = &docSimResult{tools: tools, timestamp: time.Now()}
	if len(s.results) > s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.results, oldest)
	}
}

func cacheKey(query string, capabilities []string) string {
	caps := make([]string, len(capabilities))
	copy(caps, capabilities)
	sort.Strings(caps)
	return normalizeKey(query) + "|" + strings.Join(caps, ",")
}
