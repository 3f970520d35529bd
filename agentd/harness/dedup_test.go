package harness

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/askfolio/agentd/agentd/harness/adapters"
)

func newTestDedup(t *testing.T) *DedupCache {
	t.Helper()
	return NewDedupCache(adapters.NewLRUCache(16), time.Minute, 30*time.Second)
}

func TestDedupKey_Deterministic(t *testing.T) {
	k1 := DedupKey("what is AAPL at", "local", "you are a financial assistant")
	k2 := DedupKey("what is AAPL at", "local", "you are a financial assistant")
	assert.Equal(t, k1, k2)

	assert.NotEqual(t, k1, DedupKey("what is MSFT at", "local", "you are a financial assistant"))
	assert.NotEqual(t, k1, DedupKey("what is AAPL at", "other", "you are a financial assistant"))
	assert.NotEqual(t, k1, DedupKey("what is AAPL at", "local", "different system"))
}

func TestDedupKey_FieldBoundaries(t *testing.T) {
	// Concatenation across field boundaries must not collide.
	assert.NotEqual(t, DedupKey("ab", "c", ""), DedupKey("a", "bc", ""))
}

func TestDedup_MissThenCompleted(t *testing.T) {
	d := newTestDedup(t)
	ctx := context.Background()
	key := DedupKey("query", "model", "system")

	status, _ := d.Begin(ctx, key)
	require.Equal(t, DedupMiss, status)

	d.Complete(ctx, key, []byte(`{"text": "answer"}`))

	status, cached := d.Begin(ctx, key)
	assert.Equal(t, DedupCompleted, status)
	assert.Equal(t, []byte(`{"text": "answer"}`), cached)
}

func TestDedup_InFlightDetected(t *testing.T) {
	d := newTestDedup(t)
	ctx := context.Background()
	key := DedupKey("query", "model", "system")

	status, _ := d.Begin(ctx, key)
	require.Equal(t, DedupMiss, status)

	status, _ = d.Begin(ctx, key)
	assert.Equal(t, DedupInFlight, status)
}

func TestDedup_AbortClearsMarker(t *testing.T) {
	d := newTestDedup(t)
	ctx := context.Background()
	key := DedupKey("query", "model", "system")

	status, _ := d.Begin(ctx, key)
	require.Equal(t, DedupMiss, status)

	d.Abort(key)

	status, _ = d.Begin(ctx, key)
	assert.Equal(t, DedupMiss, status)
}

func TestDedup_StaleMarkerReclaimed(t *testing.T) {
	d := NewDedupCache(adapters.NewLRUCache(16), time.Minute, 10*time.Millisecond)
	ctx := context.Background()
	key := DedupKey("query", "model", "system")

	status, _ := d.Begin(ctx, key)
	require.Equal(t, DedupMiss, status)

	time.Sleep(20 * time.Millisecond)

	status, _ = d.Begin(ctx, key)
	assert.Equal(t, DedupMiss, status)
}

func TestDedup_DistinctKeysIndependent(t *testing.T) {
	d := newTestDedup(t)
	ctx := context.Background()

	status, _ := d.Begin(ctx, DedupKey("q1", "m", "s"))
	require.Equal(t, DedupMiss, status)

	status, _ = d.Begin(ctx, DedupKey("q2", "m", "s"))
	assert.Equal(t, DedupMiss, status)
}
