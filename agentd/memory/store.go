package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/askfolio/agentd/agentd/config"
	"github.com/askfolio/agentd/agentd/selection"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

// Turn is one conversation message as seen by the memory tiers.
type Turn struct {
	ID             string
	ConversationID string
	UserID         string
	Role           string
	Content        string
	CreatedAt      time.Time
}

// LongTermEntry is a promoted cross-conversation summary for one user.
type LongTermEntry struct {
	ID        string
	UserID    string
	Summary   string
	Keywords  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// LongTermSink persists promoted long-term entries. Failures are logged and
// swallowed by the store; the sink must never block the response path.
type LongTermSink interface {
	Save(ctx context.Context, entry LongTermEntry) error
}

type convState struct {
	userID     string
	turns      []Turn
	turnCount  int
	summary    *Summary
	summaryAt  int // turnCount at last summary refresh
	promotedAt int // turnCount at last long-term promotion
}

type ltEntry struct {
	idx       uint32
	convID    string
	content   string
	createdAt time.Time
}

type userState struct {
	entries  map[uint32]*ltEntry
	byConv   map[string]uint32
	index    *KeywordIndex
	nextIdx  uint32
	entities map[string]*Entity // keyed kind|text
}

func newUserState() *userState {
	return &userState{
		entries:  make(map[uint32]*ltEntry),
		byConv:   make(map[string]uint32),
		index:    NewKeywordIndex(),
		entities: make(map[string]*Entity),
	}
}

// StoreParams configures optional Store collaborators.
type StoreParams struct {
	Extractor LearnedExtractor // nil disables the second entity pass
	Sink      LongTermSink     // nil disables long-term persistence
	Logger    zerolog.Logger
}

// Store holds the conversation memory tiers: recent raw turns per
// conversation, a rolling per-conversation summary, promoted per-user
// cross-conversation summaries behind a keyword index, and extracted entity
// facts per user. All writes happen off the response path.
type Store struct {
	cfg        config.MemoryConfig
	logger     zerolog.Logger
	summarizer *Summarizer
	extractor  LearnedExtractor
	sink       LongTermSink

	mu    sync.RWMutex
	convs map[string]*convState
	users map[string]*userState

	bg        conc.WaitGroup
	stop      chan struct{}
	closeOnce sync.Once
}

// NewStore creates the memory store and starts its janitor goroutine when a
// janitor interval is configured.
func NewStore(cfg config.MemoryConfig, params StoreParams) *Store {
	s := &Store{
		cfg:        cfg,
		logger:     params.Logger.With().Str("component", "memory").Logger(),
		summarizer: NewSummarizer(4),
		extractor:  params.Extractor,
		sink:       params.Sink,
		convs:      make(map[string]*convState),
		users:      make(map[string]*userState),
		stop:       make(chan struct{}),
	}
	if cfg.JanitorInterval > 0 {
		s.bg.Go(s.janitor)
	}
	return s
}

// AppendTurn records a turn in short-term memory and schedules entity
// extraction, summary refresh, and long-term promotion in the background.
func (s *Store) AppendTurn(ctx context.Context, turn Turn) {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}

	s.mu.Lock()
	cs, ok := s.convs[turn.ConversationID]
	if !ok {
		cs = &convState{userID: turn.UserID}
		s.convs[turn.ConversationID] = cs
	}
	if turn.UserID != "" {
		cs.userID = turn.UserID
	}
	cs.turns = append(cs.turns, turn)
	if max := s.cfg.ShortTermTurns; max > 0 && len(cs.turns) > max {
		cs.turns = cs.turns[len(cs.turns)-max:]
	}
	cs.turnCount++
	s.mu.Unlock()

	s.bg.Go(func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Warn().Interface("panic", r).Msg("memory ingest panicked")
			}
		}()
		s.ingest(turn)
	})
}

func (s *Store) ingest(turn Turn) {
	if turn.Role == "user" && turn.UserID != "" {
		s.recordEntities(turn)
	}
	s.maybeSummarize(turn.ConversationID)
	s.maybePromote(turn.ConversationID)
}

func (s *Store) recordEntities(turn Turn) {
	entities := ExtractEntities(turn.Content)
	if len(entities) < s.cfg.MinEntities && s.extractor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		learned, err := s.extractor.Extract(ctx, turn.Content)
		cancel()
		if err != nil {
			s.logger.Warn().Err(err).Msg("learned entity extraction failed")
		} else {
			entities = append(entities, learned...)
		}
	}
	if len(entities) == 0 {
		return
	}

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	us, ok := s.users[turn.UserID]
	if !ok {
		us = newUserState()
		s.users[turn.UserID] = us
	}
	for _, e := range entities {
		key := e.Kind + "|" + e.Text
		if existing, ok := us.entities[key]; ok {
			existing.Mentions++
			existing.LastSeen = now
			continue
		}
		stored := e
		stored.LastSeen = now
		if stored.Mentions == 0 {
			stored.Mentions = 1
		}
		us.entities[key] = &stored
	}
}

func (s *Store) maybeSummarize(convID string) {
	s.mu.RLock()
	cs, ok := s.convs[convID]
	if !ok {
		s.mu.RUnlock()
		return
	}
	total := cs.turnCount
	summaryAt := cs.summaryAt
	var summaryAge time.Duration
	hasSummary := cs.summary != nil
	if hasSummary {
		summaryAge = time.Since(cs.summary.UpdatedAt)
	}
	turns := append([]Turn(nil), cs.turns...)
	s.mu.RUnlock()

	if total < s.cfg.SummaryMinTurns {
		return
	}
	if hasSummary && total-summaryAt < s.cfg.SummaryEveryK && summaryAge < s.cfg.SummaryMaxAge {
		return
	}

	sum, err := s.summarizer.Summarize(turns)
	if err != nil {
		s.logger.Warn().Err(err).Str("conversation", convID).Msg("summary refresh failed")
		return
	}

	s.mu.Lock()
	if cs, ok := s.convs[convID]; ok {
		cs.summary = &sum
		cs.summaryAt = total
	}
	s.mu.Unlock()
}

func (s *Store) maybePromote(convID string) {
	s.mu.RLock()
	cs, ok := s.convs[convID]
	if !ok || cs.summary == nil {
		s.mu.RUnlock()
		return
	}
	total := cs.turnCount
	promotedAt := cs.promotedAt
	userID := cs.userID
	content := cs.summary.Content
	s.mu.RUnlock()

	if userID == "" || total < s.cfg.LongTermMinTurn {
		return
	}
	if promotedAt > 0 && total-promotedAt < s.cfg.SummaryEveryK {
		return
	}

	now := time.Now()
	s.mu.Lock()
	us, ok := s.users[userID]
	if !ok {
		us = newUserState()
		s.users[userID] = us
	}
	if idx, exists := us.byConv[convID]; exists {
		// Overwrite: drop stale terms before reindexing the new content.
		old := us.entries[idx]
		us.index.Remove(idx, old.content)
		old.content = content
		old.createdAt = now
		us.index.Add(idx, content)
	} else {
		idx := us.nextIdx
		us.nextIdx++
		us.entries[idx] = &ltEntry{idx: idx, convID: convID, content: content, createdAt: now}
		us.byConv[convID] = idx
		us.index.Add(idx, content)
	}
	if cs, ok := s.convs[convID]; ok {
		cs.promotedAt = total
	}
	s.mu.Unlock()

	if s.sink != nil {
		entry := LongTermEntry{
			ID:        convID,
			UserID:    userID,
			Summary:   content,
			Keywords:  strings.Join(Tokenize(content), " "),
			CreatedAt: now,
			ExpiresAt: now.Add(s.cfg.LongTermTTL),
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.sink.Save(ctx, entry); err != nil {
			s.logger.Warn().Err(err).Str("user", userID).Msg("long-term persist failed")
		}
	}
}

// RestoreLongTerm rebuilds a user's in-memory long-term tier from persisted
// entries, typically at startup.
func (s *Store) RestoreLongTerm(userID string, entries []LongTermEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	us, ok := s.users[userID]
	if !ok {
		us = newUserState()
		s.users[userID] = us
	}
	for _, e := range entries {
		if _, exists := us.byConv[e.ID]; exists {
			continue
		}
		idx := us.nextIdx
		us.nextIdx++
		us.entries[idx] = &ltEntry{idx: idx, convID: e.ID, content: e.Summary, createdAt: e.CreatedAt}
		us.byConv[e.ID] = idx
		us.index.Add(idx, e.Summary)
	}
}

// AssembleContext builds a bounded context block for a query: recent turns,
// then the rolling summary, then keyword-matched long-term summaries, then
// matched entity facts. Assembly stops once the token budget is reached and
// always returns whatever was assembled so far.
func (s *Store) AssembleContext(ctx context.Context, query, convID, userID string, tokenBudget int) string {
	if tokenBudget <= 0 {
		tokenBudget = s.cfg.ContextBudget
	}

	var parts []string
	used := 0
	add := func(block string) bool {
		cost := estimateTokens(block)
		if used+cost > tokenBudget {
			return false
		}
		parts = append(parts, block)
		used += cost
		return true
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn().Interface("panic", r).Msg("context assembly aborted, returning partial")
		}
	}()

	// Short-term: recent raw turns, chronological.
	s.mu.RLock()
	var turns []Turn
	var summary string
	if cs, ok := s.convs[convID]; ok {
		turns = append([]Turn(nil), cs.turns...)
		if cs.summary != nil {
			summary = cs.summary.Content
		}
	}
	s.mu.RUnlock()

	for _, t := range turns {
		if !add(fmt.Sprintf("%s: %s", t.Role, t.Content)) {
			return strings.Join(parts, "\n")
		}
	}

	if summary != "" {
		if !add(summary) {
			return strings.Join(parts, "\n")
		}
	}

	for _, hit := range s.longTermHits(query, convID, userID) {
		if !add("Earlier conversation: " + hit) {
			return strings.Join(parts, "\n")
		}
	}

	for _, fact := range s.entityHits(query, userID) {
		if !add(fact) {
			return strings.Join(parts, "\n")
		}
	}

	return strings.Join(parts, "\n")
}

// longTermHits returns keyword-matched long-term summaries for the user,
// excluding the active conversation, capped at MaxLongTermHits.
func (s *Store) longTermHits(query, convID, userID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	us, ok := s.users[userID]
	if !ok {
		return nil
	}

	// Over-fetch one so excluding the active conversation still fills the cap.
	ids := us.index.Query(query, s.cfg.MaxLongTermHits+1)
	var hits []string
	for _, id := range ids {
		entry, ok := us.entries[id]
		if !ok || entry.convID == convID {
			continue
		}
		hits = append(hits, entry.content)
		if len(hits) == s.cfg.MaxLongTermHits {
			break
		}
	}
	return hits
}

// entityHits returns remembered facts whose text overlaps the query, ranked
// by mention count, capped at MaxEntityHits.
func (s *Store) entityHits(query, userID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	us, ok := s.users[userID]
	if !ok {
		return nil
	}

	queryTerms := make(map[string]struct{})
	for _, t := range Tokenize(query) {
		queryTerms[t] = struct{}{}
	}
	for _, t := range selection.DetectTickers(query) {
		queryTerms[strings.ToLower(t)] = struct{}{}
	}

	var matched []*Entity
	for _, e := range us.entities {
		lower := strings.ToLower(e.Text)
		for term := range queryTerms {
			if strings.Contains(lower, term) {
				matched = append(matched, e)
				break
			}
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Mentions != matched[j].Mentions {
			return matched[i].Mentions > matched[j].Mentions
		}
		return matched[i].Text < matched[j].Text
	})
	if max := s.cfg.MaxEntityHits; max > 0 && len(matched) > max {
		matched = matched[:max]
	}

	facts := make([]string, len(matched))
	for i, e := range matched {
		facts[i] = fmt.Sprintf("Known fact: %s (%s, mentioned %d times)", e.Text, e.Kind, e.Mentions)
	}
	return facts
}

// janitor expires entries past their tier TTLs until the store is closed.
func (s *Store) janitor() {
	ticker := time.NewTicker(s.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.expire(time.Now())
		}
	}
}

func (s *Store) expire(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for convID, cs := range s.convs {
		kept := cs.turns[:0]
		for _, t := range cs.turns {
			if now.Sub(t.CreatedAt) < s.cfg.ShortTermTTL {
				kept = append(kept, t)
			}
		}
		cs.turns = kept
		if cs.summary != nil && now.Sub(cs.summary.UpdatedAt) >= s.cfg.MediumTermTTL {
			cs.summary = nil
			cs.summaryAt = 0
		}
		if len(cs.turns) == 0 && cs.summary == nil {
			delete(s.convs, convID)
		}
	}

	for userID, us := range s.users {
		for idx, entry := range us.entries {
			if now.Sub(entry.createdAt) >= s.cfg.LongTermTTL {
				us.index.Remove(idx, entry.content)
				delete(us.byConv, entry.convID)
				delete(us.entries, idx)
			}
		}
		for key, e := range us.entities {
			if now.Sub(e.LastSeen) >= s.cfg.EntityTTL {
				delete(us.entities, key)
			}
		}
		if len(us.entries) == 0 && len(us.entities) == 0 {
			delete(s.users, userID)
		}
	}
}

// Close stops the janitor and waits for in-flight background writes.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.bg.Wait()
	})
}

func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}
