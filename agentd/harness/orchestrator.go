package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/askfolio/agentd/agentd/budget"
	ports "github.com/askfolio/agentd/agentd/harness/ports"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
)

// loopState is the explicit state of the tool-execution machine.
type loopState int

const (
	stateAwaitingModel loopState = iota
	stateExecutingTools
	stateDone
)

func (s loopState) String() string {
	switch s {
	case stateAwaitingModel:
		return "awaiting_model"
	case stateExecutingTools:
		return "executing_tools"
	case stateDone:
		return "done"
	}
	return "unknown"
}

// Conversation is the mutable state of one conversation.
type Conversation struct {
	ID       string
	UserID   string
	Messages []ports.PromptMessage
}

// Request configures one orchestration run.
type Request struct {
	Conversation *Conversation
	System       string
	Query        string            // current user query; derived from the last user message if empty
	Snippets     []Snippet         // retrieved context to pack into the prompt
	Tools        []ports.ToolSpec  // selected tool subset; nil exposes every registered tool
	Policy       *Policy
}

// Policy controls loop bounds and sampling.
type Policy struct {
	Model           string
	MaxIterations   int
	ToolTimeout     time.Duration
	ToolConcurrency int
	MaxStreamChunks int
	MaxNewTokens    int
	Temperature     float32
	TopP            float32
	Deterministic   bool
}

// DefaultPolicy returns production defaults.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxIterations:   3,
		ToolTimeout:     30 * time.Second,
		ToolConcurrency: 5,
		MaxStreamChunks: 1000,
		MaxNewTokens:    1024,
		Temperature:     0.7,
		TopP:            0.9,
	}
}

// Response is the final output of a run.
type Response struct {
	Text       string
	ToolCalls  []ports.ToolCall // every call executed across the run
	Usage      *ports.Usage
	Iterations int
	Cached     bool
}

// Orchestrator drives the model/tool loop: call the provider, execute any
// proposed tools, feed results back, and stop on a plain text answer.
type Orchestrator struct {
	provider   ports.Provider
	registry   *ToolRegistry
	guardrails *Guardrails
	parser     *OutputParser
	builder    *PromptBuilder
	assembler  *ContextAssembler
	budget     *budget.Manager
	results    *ResultProcessor
	dedup      *DedupCache
	store      ports.ConversationStore
	audit      ports.AuditSink
	limiter    ports.RateLimiter
	tracer     ports.Tracer
	logger     zerolog.Logger

	bg conc.WaitGroup
}

// OrchestratorParams bundles the orchestrator's collaborators.
type OrchestratorParams struct {
	Provider   ports.Provider
	Registry   *ToolRegistry
	Guardrails *Guardrails
	Assembler  *ContextAssembler
	Budget     *budget.Manager
	Results    *ResultProcessor
	Dedup      *DedupCache // nil disables request deduplication
	Store      ports.ConversationStore
	Audit      ports.AuditSink
	Limiter    ports.RateLimiter
	Tracer     ports.Tracer
	Logger     zerolog.Logger
}

// NewOrchestrator wires an orchestrator from its collaborators.
func NewOrchestrator(p OrchestratorParams) *Orchestrator {
	if p.Results == nil {
		p.Results = NewResultProcessor(0, 0)
	}
	if p.Assembler == nil {
		p.Assembler = NewContextAssembler(ContextBudget{MaxContextTokens: 2000, MaxSnippets: 10}, nil)
	}
	return &Orchestrator{
		provider:   p.Provider,
		registry:   p.Registry,
		guardrails: p.Guardrails,
		parser:     NewOutputParser(),
		builder:    NewPromptBuilder(),
		assembler:  p.Assembler,
		budget:     p.Budget,
		results:    p.Results,
		dedup:      p.Dedup,
		store:      p.Store,
		audit:      p.Audit,
		limiter:    p.Limiter,
		tracer:     p.Tracer,
		logger:     p.Logger.With().Str("component", "harness").Logger(),
	}
}

// Run executes the full loop to completion.
func (o *Orchestrator) Run(ctx context.Context, req *Request) (*Response, error) {
	if req.Policy == nil {
		req.Policy = DefaultPolicy()
	}

	if o.limiter != nil {
		release, err := o.limiter.Acquire(ctx, "orchestrate")
		if err != nil {
			return nil, fmt.Errorf("rate limit exceeded: %w", err)
		}
		defer release()
	}

	if o.tracer != nil {
		var finish func(error)
		ctx, finish = o.tracer.StartSpan(ctx, "orchestrate", map[string]any{
			"conversation_id": req.Conversation.ID,
			"tool_count":      len(req.Tools),
		})
		defer finish(nil)
	}

	query := o.queryOf(req)
	dedupKey := DedupKey(query, req.Policy.Model, req.System)
	ownsMarker := false
	if o.dedup != nil {
		switch status, cached := o.dedup.Begin(ctx, dedupKey); status {
		case DedupCompleted:
			var resp Response
			if err := json.Unmarshal(cached, &resp); err == nil {
				resp.Cached = true
				o.event(ctx, "dedup_hit", map[string]any{"key": dedupKey})
				return &resp, nil
			}
			// Unreadable cache entries are treated as misses.
			o.dedup.Abort(dedupKey)
		case DedupInFlight:
			o.event(ctx, "dedup_inflight", map[string]any{"key": dedupKey})
		case DedupMiss:
			ownsMarker = true
		}
	}

	resp, err := o.runLoop(ctx, req)
	if err != nil {
		if ownsMarker {
			o.dedup.Abort(dedupKey)
		}
		return nil, err
	}

	if o.dedup != nil && ownsMarker {
		if payload, merr := json.Marshal(resp); merr == nil {
			o.dedup.Complete(ctx, dedupKey, payload)
		} else {
			o.dedup.Abort(dedupKey)
		}
	}

	o.finishTurn(req, query, resp)
	return resp, nil
}

// runLoop is the non-streaming state machine.
func (o *Orchestrator) runLoop(ctx context.Context, req *Request) (*Response, error) {
	policy := req.Policy
	specs := req.Tools
	if specs == nil && o.registry != nil {
		specs = o.registry.Specs()
	}

	state := stateAwaitingModel
	var executed []ports.ToolCall
	var usage *ports.Usage

	for iteration := 1; iteration <= policy.MaxIterations; iteration++ {
		o.event(ctx, "loop_state", map[string]any{"state": state.String(), "iteration": iteration})

		completion, err := o.provider.Complete(ctx, o.buildPrompt(req, specs), o.options(policy))
		if err != nil {
			return nil, fmt.Errorf("provider call failed: %w", err)
		}
		if completion.Usage != nil {
			usage = completion.Usage
		}

		calls, text := o.extractCalls(completion)
		if len(calls) == 0 {
			if strings.TrimSpace(text) == "" {
				break
			}
			state = stateDone
			o.event(ctx, "loop_state", map[string]any{"state": state.String(), "iteration": iteration})
			return &Response{Text: text, ToolCalls: executed, Usage: usage, Iterations: iteration}, nil
		}

		state = stateExecutingTools
		o.event(ctx, "loop_state", map[string]any{"state": state.String(), "iteration": iteration})
		results := o.executeTools(ctx, calls, policy)
		executed = append(executed, calls...)
		o.appendStep(req.Conversation, text, calls, results)
		state = stateAwaitingModel
	}

	return o.finalAttempt(ctx, req, executed, usage)
}

// finalAttempt makes one tool-less completion after exhaustion or an empty
// turn; without text it surfaces ErrNoContent.
func (o *Orchestrator) finalAttempt(ctx context.Context, req *Request, executed []ports.ToolCall, usage *ports.Usage) (*Response, error) {
	o.event(ctx, "final_attempt", nil)

	opts := o.options(req.Policy)
	opts.ToolChoice = "none"
	completion, err := o.provider.Complete(ctx, o.buildPrompt(req, nil), opts)
	if err != nil {
		return nil, fmt.Errorf("final completion failed: %w", err)
	}
	if completion.Usage != nil {
		usage = completion.Usage
	}

	text := o.parser.StripToolMarkup(completion.Text)
	if strings.TrimSpace(text) == "" {
		return nil, ErrNoContent
	}
	return &Response{Text: text, ToolCalls: executed, Usage: usage, Iterations: req.Policy.MaxIterations + 1}, nil
}

// extractCalls prefers provider-native structured calls and falls back to
// pseudo markup parsed out of the text. Markup is stripped before the text
// can reach the user.
func (o *Orchestrator) extractCalls(completion ports.Completion) ([]ports.ToolCall, string) {
	if len(completion.ToolCalls) > 0 {
		return completion.ToolCalls, completion.Text
	}
	if calls := o.parser.ParseToolCalls(completion.Text); len(calls) > 0 {
		return calls, o.parser.StripToolMarkup(completion.Text)
	}
	return nil, completion.Text
}

// executeTools dispatches all calls with bounded concurrency and returns
// results in call order, never completion order.
func (o *Orchestrator) executeTools(ctx context.Context, calls []ports.ToolCall, policy *Policy) []ports.ToolResult {
	results := make([]ports.ToolResult, len(calls))

	p := pool.New().WithMaxGoroutines(policy.ToolConcurrency)
	for i, call := range calls {
		p.Go(func() {
			results[i] = o.executeOne(ctx, call, policy.ToolTimeout)
		})
	}
	p.Wait()

	return results
}

// executeOne runs a single call. Every failure mode, including panics, ends
// up as a structured error payload.
func (o *Orchestrator) executeOne(ctx context.Context, call ports.ToolCall, timeout time.Duration) (res ports.ToolResult) {
	start := time.Now()
	res = ports.ToolResult{ToolCallID: call.ID}
	defer func() {
		if r := recover(); r != nil {
			res.Content = errorPayload(fmt.Sprintf("tool %s panicked: %v", call.Name, r))
			res.IsError = true
			o.logger.Warn().Str("tool", call.Name).Interface("panic", r).Msg("tool panicked")
		}
		res.Duration = time.Since(start)
	}()

	tool, ok := o.registry.Resolve(call.Name)
	if !ok {
		res.Content = errorPayload("unknown tool: " + call.Name)
		res.IsError = true
		return res
	}

	if o.guardrails != nil {
		if err := o.guardrails.ValidateToolCall(call, tool.Schema()); err != nil {
			res.Content = errorPayload(err.Error())
			res.IsError = true
			return res
		}
	}

	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := tool.Invoke(toolCtx, call.Args)
	if err != nil {
		if toolCtx.Err() != nil {
			err = fmt.Errorf("%w: %v", ErrTransientService, err)
		}
		res.Content = errorPayload(fmt.Sprintf("tool %s failed: %v", call.Name, err))
		res.IsError = true
		return res
	}

	content, truncated := o.results.Process(stringify(out))
	res.Content = content
	res.Truncated = truncated
	return res
}

// appendStep records one assistant tool step and its results in the
// conversation, keeping calls and responses paired by id.
func (o *Orchestrator) appendStep(conv *Conversation, text string, calls []ports.ToolCall, results []ports.ToolResult) {
	conv.Messages = append(conv.Messages, ports.PromptMessage{
		Role:      "assistant",
		Content:   text,
		ToolCalls: calls,
	})
	for _, r := range results {
		conv.Messages = append(conv.Messages, ports.PromptMessage{
			Role:       "tool",
			Content:    r.Content,
			ToolCallID: r.ToolCallID,
			Truncated:  r.Truncated,
		})
	}
}

func (o *Orchestrator) buildPrompt(req *Request, specs []ports.ToolSpec) ports.PromptInput {
	messages := req.Conversation.Messages
	if o.budget != nil {
		optimized, report := o.budget.Optimize(messages)
		if report.Dropped > 0 || report.Truncated > 0 || report.Degraded {
			o.logger.Debug().
				Int("dropped", report.Dropped).
				Int("truncated", report.Truncated).
				Bool("degraded", report.Degraded).
				Msg("conversation trimmed to budget")
		}
		messages = optimized
	}

	contextSnippets := o.assembler.Pack(req.Snippets, nil)
	return o.builder.Build(req.System, messages, contextSnippets, specs, map[string]string{
		"conversation_id": req.Conversation.ID,
	})
}

func (o *Orchestrator) options(policy *Policy) ports.Options {
	opts := ports.Options{
		MaxNewTokens: policy.MaxNewTokens,
		Temperature:  policy.Temperature,
		TopP:         policy.TopP,
	}
	if policy.Deterministic {
		opts.Seed = 42
	}
	return opts
}

// queryOf returns the request query, falling back to the last user message.
func (o *Orchestrator) queryOf(req *Request) string {
	if req.Query != "" {
		return req.Query
	}
	for i := len(req.Conversation.Messages) - 1; i >= 0; i-- {
		if req.Conversation.Messages[i].Role == "user" {
			return req.Conversation.Messages[i].Content
		}
	}
	return ""
}

// finishTurn persists the assistant turn and feeds the audit sink, both off
// the response path with failures logged and swallowed.
func (o *Orchestrator) finishTurn(req *Request, query string, resp *Response) {
	convID := req.Conversation.ID
	userID := req.Conversation.UserID
	toolSummary := summarizeCalls(resp.ToolCalls)
	text := resp.Text

	o.bg.Go(func() {
		defer func() {
			if r := recover(); r != nil {
				o.logger.Warn().Interface("panic", r).Msg("turn persistence panicked")
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if o.store != nil {
			err := o.store.SaveTurn(ctx, convID, ports.Turn{
				Role:      "assistant",
				Content:   text,
				CreatedAt: time.Now(),
			})
			if err != nil {
				o.logger.Warn().Err(err).Str("conversation", convID).Msg("turn persist failed")
			}
		}
		if o.audit != nil {
			err := o.audit.Write(ctx, ports.AuditRecord{
				ConversationID: convID,
				UserID:         userID,
				Prompt:         query,
				Response:       text,
				ToolSummary:    toolSummary,
				CreatedAt:      time.Now(),
			})
			if err != nil {
				o.logger.Warn().Err(err).Str("conversation", convID).Msg("audit write failed")
			}
		}
	})
}

// Close drains background persistence work.
func (o *Orchestrator) Close() {
	o.bg.Wait()
}

func (o *Orchestrator) event(ctx context.Context, name string, attrs map[string]any) {
	if o.tracer != nil {
		o.tracer.Event(ctx, name, attrs)
	}
}

func summarizeCalls(calls []ports.ToolCall) string {
	if len(calls) == 0 {
		return "none"
	}
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	return strings.Join(names, ",")
}

// stringify renders a tool's output for prompt inclusion.
func stringify(out any) string {
	if s, ok := out.(string); ok {
		return s
	}
	b, err := json.Marshal(out)
	if err != nil {
		return fmt.Sprintf("unserializable tool output: %v", err)
	}
	return string(b)
}
