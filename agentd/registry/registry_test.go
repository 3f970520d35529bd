package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/askfolio/agentd/agentd/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Embedding: config.EmbeddingConfig{
			Dims:          64,
			CacheCapacity: 32,
			CacheTTL:      time.Minute,
		},
		Selection: config.SelectionConfig{
			ArtifactPath:        "testdata/does-not-exist.json",
			DocSimThreshold:     0.5,
			MaxTools:            5,
			ResultCacheCapacity: 16,
			ResultCacheTTL:      time.Minute,
		},
		Dedup: config.DedupConfig{
			TTL:            time.Minute,
			InFlightExpiry: 30 * time.Second,
			Capacity:       16,
		},
	}
}

func TestRegistry_SingletonsReused(t *testing.T) {
	Reset()
	t.Cleanup(Reset)
	Init(testConfig())

	assert.Same(t, Dedup(), Dedup())
	assert.Same(t, Classifier(), Classifier())

	e1 := Embedder()
	e2 := Embedder()
	assert.NotNil(t, e1)
	assert.True(t, e1 == e2)
}

func TestRegistry_ClassifierLoadFailureLeavesUnloaded(t *testing.T) {
	Reset()
	t.Cleanup(Reset)
	Init(testConfig())

	c := Classifier()
	require.NotNil(t, c)
	assert.False(t, c.Loaded())
}

func TestRegistry_ResetClearsSlots(t *testing.T) {
	Reset()
	t.Cleanup(Reset)
	Init(testConfig())

	first := Dedup()
	Reset()
	Init(testConfig())

	assert.NotSame(t, first, Dedup())
}
