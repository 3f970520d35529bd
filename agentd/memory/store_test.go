package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/askfolio/agentd/agentd/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubExtractor struct {
	mu      sync.Mutex
	calls   int
	extract func(ctx context.Context, text string) ([]Entity, error)
}

var _ LearnedExtractor = (*stubExtractor)(nil)

func (s *stubExtractor) Extract(ctx context.Context, text string) ([]Entity, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.extract != nil {
		return s.extract(ctx, text)
	}
	return nil, nil
}

func (s *stubExtractor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type memorySink struct {
	mu      sync.Mutex
	entries []LongTermEntry
}

var _ LongTermSink = (*memorySink)(nil)

func (m *memorySink) Save(ctx context.Context, entry LongTermEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memorySink) saved() []LongTermEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LongTermEntry(nil), m.entries...)
}

func testMemoryConfig() config.MemoryConfig {
	return config.MemoryConfig{
		ShortTermTTL:    time.Hour,
		MediumTermTTL:   2 * time.Hour,
		LongTermTTL:     3 * time.Hour,
		EntityTTL:       4 * time.Hour,
		ShortTermTurns:  6,
		SummaryMinTurns: 4,
		SummaryEveryK:   2,
		SummaryMaxAge:   time.Minute,
		LongTermMinTurn: 6,
		MaxLongTermHits: 2,
		MaxEntityHits:   3,
		MinEntities:     2,
		ContextBudget:   2000,
	}
}

func newTestStore(t *testing.T, params StoreParams) *Store {
	t.Helper()
	params.Logger = zerolog.Nop()
	s := NewStore(testMemoryConfig(), params)
	t.Cleanup(s.Close)
	return s
}

func appendExchange(s *Store, convID, userID string, n int, question, answer string) {
	ctx := context.Background()
	for i := 0; i < n; i++ {
		s.AppendTurn(ctx, Turn{ConversationID: convID, UserID: userID, Role: "user", Content: question})
		s.AppendTurn(ctx, Turn{ConversationID: convID, UserID: userID, Role: "assistant", Content: answer})
	}
}

func TestStore_ShortTermRingCapped(t *testing.T) {
	s := newTestStore(t, StoreParams{})
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		s.AppendTurn(ctx, Turn{ConversationID: "c1", UserID: "u1", Role: "user",
			Content: fmt.Sprintf("message %d", i)})
	}
	s.Close()

	s.mu.RLock()
	defer s.mu.RUnlock()
	turns := s.convs["c1"].turns
	require.Len(t, turns, 6)
	assert.Equal(t, "message 4", turns[0].Content)
	assert.Equal(t, "message 9", turns[5].Content)
}

func TestStore_SummaryAppearsAfterThreshold(t *testing.T) {
	s := newTestStore(t, StoreParams{})
	ctx := context.Background()

	s.AppendTurn(ctx, Turn{ConversationID: "c1", UserID: "u1", Role: "user", Content: "early question"})
	s.bg.Wait()
	s.mu.RLock()
	assert.Nil(t, s.convs["c1"].summary, "no summary below the turn threshold")
	s.mu.RUnlock()

	appendExchange(s, "c1", "u1", 3, "What is the AAPL dividend yield?", "AAPL yields 0.55%")
	s.Close()

	s.mu.RLock()
	defer s.mu.RUnlock()
	require.NotNil(t, s.convs["c1"].summary)
	assert.Contains(t, s.convs["c1"].summary.Content, "AAPL")
}

func TestStore_AssembleContextIncludesSummary(t *testing.T) {
	s := newTestStore(t, StoreParams{})
	appendExchange(s, "c1", "u1", 4, "Tell me about MSFT cloud revenue", "MSFT cloud grew 20%")
	s.Close()

	got := s.AssembleContext(context.Background(), "cloud", "c1", "u1", 2000)
	assert.Contains(t, got, "user: Tell me about MSFT cloud revenue")
	assert.Contains(t, got, "Conversation summary:")
}

func TestStore_AssembleContextStopsAtBudget(t *testing.T) {
	s := newTestStore(t, StoreParams{})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		s.AppendTurn(ctx, Turn{ConversationID: "c1", UserID: "u1", Role: "user",
			Content: fmt.Sprintf("question number %d about markets", i)})
	}
	s.Close()

	tight := s.AssembleContext(ctx, "markets", "c1", "u1", 15)
	assert.NotEmpty(t, tight, "partial context is still returned")
	assert.Less(t, estimateTokens(tight), 20)

	full := s.AssembleContext(ctx, "markets", "c1", "u1", 2000)
	assert.Greater(t, len(full), len(tight))
}

func TestStore_LongTermCrossConversationRecall(t *testing.T) {
	sink := &memorySink{}
	s := newTestStore(t, StoreParams{Sink: sink})
	appendExchange(s, "conv-old", "u1", 4, "Are dividend aristocrats overvalued?", "Several aristocrats trade above historic multiples")
	s.Close()

	got := s.AssembleContext(context.Background(), "dividend aristocrats", "conv-new", "u1", 2000)
	assert.Contains(t, got, "Earlier conversation:")
	assert.Contains(t, got, "aristocrats")

	entries := sink.saved()
	require.NotEmpty(t, entries)
	assert.Equal(t, "conv-old", entries[0].ID)
	assert.Equal(t, "u1", entries[0].UserID)
	assert.Contains(t, entries[0].Keywords, "aristocrats")
}

func TestStore_LongTermExcludesActiveConversation(t *testing.T) {
	s := newTestStore(t, StoreParams{})
	appendExchange(s, "c1", "u1", 4, "Are dividend aristocrats overvalued?", "Several trade rich")
	s.Close()

	got := s.AssembleContext(context.Background(), "dividend aristocrats", "c1", "u1", 2000)
	assert.NotContains(t, got, "Earlier conversation:")
}

func TestStore_EntityFactsRecalled(t *testing.T) {
	s := newTestStore(t, StoreParams{})
	ctx := context.Background()
	s.AppendTurn(ctx, Turn{ConversationID: "c1", UserID: "u1", Role: "user",
		Content: "I hold NVDA and it is up 12% this year"})
	s.AppendTurn(ctx, Turn{ConversationID: "c1", UserID: "u1", Role: "user",
		Content: "Is NVDA still a buy at 3.2% of my portfolio?"})
	s.Close()

	got := s.AssembleContext(ctx, "What do you know about NVDA?", "c2", "u1", 2000)
	assert.Contains(t, got, "Known fact: NVDA (ticker, mentioned 2 times)")
}

func TestStore_LearnedExtractorOnlyBelowMinimum(t *testing.T) {
	extractor := &stubExtractor{
		extract: func(ctx context.Context, text string) ([]Entity, error) {
			return []Entity{{Text: "Berkshire", Kind: KindName}}, nil
		},
	}
	s := newTestStore(t, StoreParams{Extractor: extractor})
	ctx := context.Background()

	// Two fast-pass entities meet the minimum; the learned pass is skipped.
	s.AppendTurn(ctx, Turn{ConversationID: "c1", UserID: "u1", Role: "user",
		Content: "AAPL is up 5% today"})
	s.bg.Wait()
	assert.Equal(t, 0, extractor.callCount())

	// Pattern-free text falls below the minimum and invokes the learned pass.
	s.AppendTurn(ctx, Turn{ConversationID: "c1", UserID: "u1", Role: "user",
		Content: "tell me about the omaha conglomerate"})
	s.Close()
	assert.Equal(t, 1, extractor.callCount())

	got := s.AssembleContext(ctx, "berkshire outlook", "c2", "u1", 2000)
	assert.Contains(t, got, "Berkshire")
}

func TestStore_LearnedExtractorFailureSwallowed(t *testing.T) {
	extractor := &stubExtractor{
		extract: func(ctx context.Context, text string) ([]Entity, error) {
			return nil, fmt.Errorf("model offline")
		},
	}
	s := newTestStore(t, StoreParams{Extractor: extractor})
	s.AppendTurn(context.Background(), Turn{ConversationID: "c1", UserID: "u1", Role: "user",
		Content: "plain text with no patterns"})
	s.Close()

	got := s.AssembleContext(context.Background(), "anything", "c1", "u1", 2000)
	assert.Contains(t, got, "plain text with no patterns")
}

func TestStore_RestoreLongTerm(t *testing.T) {
	s := newTestStore(t, StoreParams{})
	s.RestoreLongTerm("u1", []LongTermEntry{
		{ID: "conv-archived", UserID: "u1", Summary: "User tracks semiconductor supply chains", CreatedAt: time.Now()},
	})

	got := s.AssembleContext(context.Background(), "semiconductor supply", "conv-new", "u1", 2000)
	assert.Contains(t, got, "semiconductor supply chains")
}

func TestStore_ExpireDropsAgedTiers(t *testing.T) {
	s := newTestStore(t, StoreParams{})
	appendExchange(s, "c1", "u1", 4, "Are dividend aristocrats overvalued?", "Several trade rich")
	s.Close()

	s.expire(time.Now().Add(5 * time.Hour))

	s.mu.RLock()
	assert.Empty(t, s.convs, "turns and summaries past TTL are dropped")
	assert.Empty(t, s.users, "long-term entries and entities past TTL are dropped")
	s.mu.RUnlock()

	got := s.AssembleContext(context.Background(), "dividend aristocrats", "c2", "u1", 2000)
	assert.Empty(t, got)
}

func TestStore_UnknownConversationAndUser(t *testing.T) {
	s := newTestStore(t, StoreParams{})
	got := s.AssembleContext(context.Background(), "anything", "nope", "nobody", 2000)
	assert.Empty(t, got)
}

func BenchmarkStore_AssembleContext(b *testing.B) {
	s := NewStore(testMemoryConfig(), StoreParams{Logger: zerolog.Nop()})
	defer s.Close()
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		s.AppendTurn(ctx, Turn{ConversationID: "c1", UserID: "u1", Role: "user",
			Content: fmt.Sprintf("question %d about AAPL earnings", i)})
	}
	s.bg.Wait()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.AssembleContext(ctx, "AAPL earnings", "c1", "u1", 2000)
	}
}
