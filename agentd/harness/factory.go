package harness

import (
	"context"
	"database/sql"
	"time"

	"github.com/askfolio/agentd/agentd/budget"
	"github.com/askfolio/agentd/agentd/config"
	"github.com/askfolio/agentd/agentd/harness/adapters"
	ports "github.com/askfolio/agentd/agentd/harness/ports"
	"github.com/rs/zerolog"
)

// Factory creates and wires harness components from configuration.
type Factory struct {
	cfg    *config.Config
	db     *sql.DB // optional, enables persistence adapters
	logger zerolog.Logger
}

// NewFactory creates a harness factory.
func NewFactory(cfg *config.Config, db *sql.DB, logger zerolog.Logger) *Factory {
	return &Factory{cfg: cfg, db: db, logger: logger}
}

// CreateOrchestrator wires a full orchestrator around the given provider and
// tool registry.
func (f *Factory) CreateOrchestrator(provider ports.Provider, registry *ToolRegistry) *Orchestrator {
	return NewOrchestrator(OrchestratorParams{
		Provider:   provider,
		Registry:   registry,
		Guardrails: f.createGuardrails(),
		Budget: budget.NewManager(
			f.cfg.Budget.MaxTokens,
			f.cfg.Budget.PreserveUserTurns,
			f.cfg.Budget.EstimateCacheSize,
			f.logger,
		),
		Results: NewResultProcessor(f.cfg.Budget.ToolResultCeiling, f.cfg.Budget.ToolResultTopItems),
		Dedup:   f.createDedup(),
		Store:   f.createStore(),
		Audit:   f.createAudit(),
		Limiter: f.createRateLimiter(),
		Tracer:  f.createTracer(),
		Logger:  f.logger,
		Assembler: NewContextAssembler(ContextBudget{
			MaxContextTokens: f.cfg.Memory.ContextBudget,
			MaxSnippets:      10,
		}, nil),
	})
}

func (f *Factory) createDedup() *DedupCache {
	if !f.cfg.Harness.CacheEnabled {
		return nil
	}
	return NewDedupCache(
		adapters.NewLRUCache(f.cfg.Dedup.Capacity),
		f.cfg.Dedup.TTL,
		f.cfg.Dedup.InFlightExpiry,
	)
}

func (f *Factory) createRateLimiter() ports.RateLimiter {
	if !f.cfg.Harness.RateLimitEnabled {
		return &noOpRateLimiter{}
	}
	return adapters.NewTokenBucket(f.cfg.Harness.RateLimitCapacity, f.cfg.Harness.RateLimitRefillRate)
}

func (f *Factory) createTracer() ports.Tracer {
	if !f.cfg.Harness.EnableTracing {
		return &noOpTracer{}
	}
	return adapters.NewZerologTracer(f.logger)
}

func (f *Factory) createStore() ports.ConversationStore {
	if f.db == nil {
		return &noOpStore{}
	}
	return adapters.NewLibSQLConversationStore(f.db)
}

func (f *Factory) createAudit() ports.AuditSink {
	if f.db == nil {
		return &noOpAudit{}
	}
	return adapters.NewLibSQLAuditSink(f.db)
}

func (f *Factory) createGuardrails() *Guardrails {
	if !f.cfg.Harness.EnableGuardrails {
		return nil
	}
	return NewGuardrails(f.cfg.Harness.AllowedTools)
}

// CreatePolicy builds a loop policy from config, clamping out-of-range
// values with a warning rather than failing startup.
func (f *Factory) CreatePolicy() *Policy {
	hc := &f.cfg.Harness
	policy := DefaultPolicy()
	policy.MaxIterations = hc.MaxIterations
	policy.ToolTimeout = hc.ToolTimeout
	policy.ToolConcurrency = hc.ToolConcurrency
	policy.MaxStreamChunks = hc.MaxStreamChunks

	if policy.MaxIterations < 1 {
		policy.MaxIterations = 1
		f.logger.Warn().Int("max_iterations", hc.MaxIterations).Msg("MaxIterations clamped to minimum of 1")
	}
	if policy.MaxIterations > 10 {
		policy.MaxIterations = 10
		f.logger.Warn().Int("max_iterations", hc.MaxIterations).Msg("MaxIterations clamped to maximum of 10")
	}
	if policy.ToolTimeout < time.Second {
		policy.ToolTimeout = time.Second
		f.logger.Warn().Dur("tool_timeout", hc.ToolTimeout).Msg("ToolTimeout clamped to minimum of 1s")
	}
	if policy.ToolConcurrency < 1 {
		policy.ToolConcurrency = 1
		f.logger.Warn().Int("tool_concurrency", hc.ToolConcurrency).Msg("ToolConcurrency clamped to minimum of 1")
	}
	if policy.MaxStreamChunks < 1 {
		policy.MaxStreamChunks = 1
		f.logger.Warn().Int("max_stream_chunks", hc.MaxStreamChunks).Msg("MaxStreamChunks clamped to minimum of 1")
	}

	return policy
}

// noOpRateLimiter admits everything when rate limiting is disabled.
type noOpRateLimiter struct{}

func (r *noOpRateLimiter) Acquire(ctx context.Context, key string) (release func(), err error) {
	return func() {}, nil
}

// noOpTracer drops spans and events when tracing is disabled.
type noOpTracer struct{}

func (t *noOpTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	return ctx, func(err error) {}
}

func (t *noOpTracer) Event(ctx context.Context, name string, attrs map[string]any) {}

// noOpStore keeps conversations in memory only.
type noOpStore struct{}

func (s *noOpStore) SaveTurn(ctx context.Context, conversationID string, turn ports.Turn) error {
	return nil
}

func (s *noOpStore) LoadContext(ctx context.Context, conversationID string, k int) ([]ports.Turn, error) {
	return nil, nil
}

func (s *noOpStore) AppendToolArtifact(ctx context.Context, conversationID, name string, payload []byte) error {
	return nil
}

// noOpAudit discards audit records when no database is wired.
type noOpAudit struct{}

func (a *noOpAudit) Write(ctx context.Context, record ports.AuditRecord) error { return nil }

var (
	_ ports.RateLimiter       = (*noOpRateLimiter)(nil)
	_ ports.Tracer            = (*noOpTracer)(nil)
	_ ports.ConversationStore = (*noOpStore)(nil)
	_ ports.AuditSink         = (*noOpAudit)(nil)
)
