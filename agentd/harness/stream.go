package harness

import (
	"context"
	"fmt"
	"sort"
	"strings"

	ports "github.com/askfolio/agentd/agentd/harness/ports"
	"github.com/google/uuid"
)

// StreamEvent is one increment of a streaming run.
type StreamEvent struct {
	DeltaText string
	ToolCalls []ports.ToolCall // set when a tool step begins
	Response  *Response        // set on the final event
	Err       error
	Done      bool
}

// RunStream executes the same state machine as Run, forwarding text as it is
// produced. Tool-call deltas accumulate by index until a step completes. A
// stream-read failure triggers one non-streaming retry for that step; the
// chunk ceiling aborts the run. A cancelled context stops forwarding and
// closes the channel instead of blocking on an absent reader.
func (o *Orchestrator) RunStream(ctx context.Context, req *Request) <-chan StreamEvent {
	events := make(chan StreamEvent, 16)

	go func() {
		defer close(events)

		if req.Policy == nil {
			req.Policy = DefaultPolicy()
		}

		if o.limiter != nil {
			release, err := o.limiter.Acquire(ctx, "orchestrate_stream")
			if err != nil {
				o.emit(ctx, events, StreamEvent{Err: fmt.Errorf("rate limit exceeded: %w", err), Done: true})
				return
			}
			defer release()
		}

		resp, err := o.streamLoop(ctx, req, events)
		if err != nil {
			o.emit(ctx, events, StreamEvent{Err: err, Done: true})
			return
		}

		o.finishTurn(req, o.queryOf(req), resp)
		o.emit(ctx, events, StreamEvent{Response: resp, Done: true})
	}()

	return events
}

// emit forwards one event unless the consumer is gone. A false return means
// the context was cancelled and the run must stop producing.
func (o *Orchestrator) emit(ctx context.Context, events chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) streamLoop(ctx context.Context, req *Request, events chan<- StreamEvent) (*Response, error) {
	policy := req.Policy
	specs := req.Tools
	if specs == nil && o.registry != nil {
		specs = o.registry.Specs()
	}

	var executed []ports.ToolCall
	var usage *ports.Usage

	for iteration := 1; iteration <= policy.MaxIterations; iteration++ {
		completion, err := o.streamStep(ctx, o.buildPrompt(req, specs), policy, events)
		if err != nil {
			return nil, err
		}
		if completion.Usage != nil {
			usage = completion.Usage
		}

		calls, text := o.extractCalls(completion)
		if len(calls) == 0 {
			if strings.TrimSpace(text) == "" {
				break
			}
			return &Response{Text: text, ToolCalls: executed, Usage: usage, Iterations: iteration}, nil
		}

		if !o.emit(ctx, events, StreamEvent{ToolCalls: calls}) {
			return nil, ctx.Err()
		}
		results := o.executeTools(ctx, calls, policy)
		executed = append(executed, calls...)
		o.appendStep(req.Conversation, text, calls, results)
	}

	resp, err := o.finalAttempt(ctx, req, executed, usage)
	if err != nil {
		return nil, err
	}
	// The final attempt ran non-streaming, so its text was never forwarded.
	if !o.emit(ctx, events, StreamEvent{DeltaText: resp.Text}) {
		return nil, ctx.Err()
	}
	return resp, nil
}

// streamStep consumes one provider stream into a completion, forwarding text
// deltas as they arrive.
func (o *Orchestrator) streamStep(ctx context.Context, prompt ports.PromptInput, policy *Policy, events chan<- StreamEvent) (ports.Completion, error) {
	ch, err := o.provider.Stream(ctx, prompt, o.options(policy))
	if err != nil {
		return o.retryNonStreaming(ctx, prompt, policy, err)
	}

	acc := newStreamAccumulator()
	chunks := 0
	sawDone := false
	for chunk := range ch {
		chunks++
		if chunks > policy.MaxStreamChunks {
			o.logger.Warn().
				Int("ceiling", policy.MaxStreamChunks).
				Msg("stream chunk ceiling reached, aborting")
			return ports.Completion{}, fmt.Errorf("stream exceeded %d chunks: %w", policy.MaxStreamChunks, ErrStreamIntegrity)
		}

		acc.add(chunk)
		if chunk.DeltaText != "" {
			if !o.emit(ctx, events, StreamEvent{DeltaText: chunk.DeltaText}) {
				return ports.Completion{}, fmt.Errorf("stream consumer gone: %w", ctx.Err())
			}
		}
		if chunk.Done {
			sawDone = true
		}
	}

	if !sawDone {
		return o.retryNonStreaming(ctx, prompt, policy, fmt.Errorf("stream ended without done marker"))
	}
	return acc.completion(o.parser), nil
}

// retryNonStreaming is the single fallback after a stream-read failure.
func (o *Orchestrator) retryNonStreaming(ctx context.Context, prompt ports.PromptInput, policy *Policy, cause error) (ports.Completion, error) {
	o.logger.Warn().Err(cause).Msg("stream failed, retrying non-streaming")
	completion, err := o.provider.Complete(ctx, prompt, o.options(policy))
	if err != nil {
		return ports.Completion{}, fmt.Errorf("%w: %v (retry failed: %v)", ErrStreamIntegrity, cause, err)
	}
	return completion, nil
}

// streamAccumulator folds chunks into a completion. Tool-call fragments for
// the same index accumulate across chunks regardless of arrival order.
type streamAccumulator struct {
	text    strings.Builder
	pending map[int]*pendingCall
	usage   *ports.Usage
}

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

func newStreamAccumulator() *streamAccumulator {
	return &streamAccumulator{pending: make(map[int]*pendingCall)}
}

func (a *streamAccumulator) add(chunk ports.CompletionChunk) {
	a.text.WriteString(chunk.DeltaText)
	for _, d := range chunk.ToolCallDeltas {
		p, ok := a.pending[d.Index]
		if !ok {
			p = &pendingCall{}
			a.pending[d.Index] = p
		}
		if d.ID != "" {
			p.id = d.ID
		}
		if d.Name != "" {
			p.name += d.Name
		}
		p.args.WriteString(d.ArgsDelta)
	}
	if chunk.Usage != nil {
		a.usage = chunk.Usage
	}
}

func (a *streamAccumulator) completion(parser *OutputParser) ports.Completion {
	indices := make([]int, 0, len(a.pending))
	for idx := range a.pending {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	var calls []ports.ToolCall
	for _, idx := range indices {
		p := a.pending[idx]
		args := p.args.String()
		if args == "" {
			args = "{}"
		}
		call := ports.ToolCall{ID: p.id, Name: p.name, Args: []byte(args)}
		if call.ID == "" {
			call.ID = uuid.NewString()
		}
		if err := parser.ValidateToolCall(call); err != nil {
			// A malformed fragment set is dropped, not dispatched.
			continue
		}
		call.Args = parser.remapArgs(call.Args)
		calls = append(calls, call)
	}

	return ports.Completion{
		Text:      a.text.String(),
		ToolCalls: calls,
		Usage:     a.usage,
	}
}
