//go:build llama

package adapters

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	llama "github.com/go-skynet/go-llama.cpp"
	"github.com/rs/zerolog"

	ports "github.com/askfolio/agentd/agentd/harness/ports"
)

// GGUFProvider serves completions from a pool of local llama.cpp model
// instances. Tool calls are emitted as text markup and extracted downstream
// by the output parser.
type GGUFProvider struct {
	config *GGUFConfig
	pool   chan *llama.LLama
	logger zerolog.Logger

	failureCount    int64
	lastFailureTime time.Time
	breakerMu       sync.Mutex
}

var _ ports.Provider = (*GGUFProvider)(nil)

// NewGGUFProvider loads PoolSize model instances and returns a ready provider.
func NewGGUFProvider(config *GGUFConfig, logger zerolog.Logger) (*GGUFProvider, error) {
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	p := &GGUFProvider{
		config: config,
		pool:   make(chan *llama.LLama, config.PoolSize),
		logger: logger.With().Str("component", "gguf_provider").Str("model_path", config.ModelPath).Logger(),
	}

	for i := 0; i < config.PoolSize; i++ {
		model, err := llama.New(config.ModelPath,
			llama.SetContext(config.ContextSize),
			llama.SetGPULayers(config.GPULayers),
		)
		if err != nil {
			p.drainPool()
			return nil, fmt.Errorf("failed to load model instance %d: %w", i, err)
		}
		p.pool <- model
	}

	p.logger.Info().Int("pool_size", config.PoolSize).Msg("gguf provider initialized")
	return p, nil
}

// Complete renders the prompt and runs a single blocking prediction.
func (p *GGUFProvider) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	reqCtx, cancel := context.WithTimeout(ctx, p.requestTimeout(opts))
	defer cancel()

	model, err := p.borrow(reqCtx)
	if err != nil {
		p.recordFailure()
		return ports.Completion{}, fmt.Errorf("failed to borrow model: %w", err)
	}
	defer p.giveBack(model)

	prompt := renderPrompt(in)
	start := time.Now()

	text, err := model.Predict(prompt, p.predictOptions(opts)...)
	if err != nil {
		p.recordFailure()
		return ports.Completion{}, fmt.Errorf("prediction failed: %w", err)
	}

	p.recordSuccess()
	p.logger.Debug().
		Dur("duration", time.Since(start)).
		Int("prompt_len", len(prompt)).
		Int("output_len", len(text)).
		Msg("prediction completed")

	return ports.Completion{
		Text: text,
		Usage: &ports.Usage{
			PromptTokens:     estimatePromptTokens(prompt),
			CompletionTokens: estimatePromptTokens(text),
			TotalTokens:      estimatePromptTokens(prompt) + estimatePromptTokens(text),
		},
	}, nil
}

// Stream runs a prediction with a per-token callback, forwarding each token
// as a chunk. The channel closes after a final Done chunk.
func (p *GGUFProvider) Stream(ctx context.Context, in ports.PromptInput, opts ports.Options) (<-chan ports.CompletionChunk, error) {
	reqCtx, cancel := context.WithTimeout(ctx, p.requestTimeout(opts))

	model, err := p.borrow(reqCtx)
	if err != nil {
		cancel()
		p.recordFailure()
		return nil, fmt.Errorf("failed to borrow model: %w", err)
	}

	out := make(chan ports.CompletionChunk, 16)
	prompt := renderPrompt(in)

	go func() {
		defer close(out)
		defer cancel()
		defer p.giveBack(model)

		var produced int
		model.SetTokenCallback(func(token string) bool {
			select {
			case <-reqCtx.Done():
				return false
			case out <- ports.CompletionChunk{DeltaText: token}:
				produced += estimatePromptTokens(token)
				return true
			}
		})
		defer model.SetTokenCallback(nil)

		text, err := model.Predict(prompt, p.predictOptions(opts)...)
		if err != nil {
			p.recordFailure()
			p.logger.Warn().Err(err).Msg("streaming prediction failed")
			return
		}

		p.recordSuccess()
		out <- ports.CompletionChunk{
			Done: true,
			Usage: &ports.Usage{
				PromptTokens:     estimatePromptTokens(prompt),
				CompletionTokens: estimatePromptTokens(text),
				TotalTokens:      estimatePromptTokens(prompt) + estimatePromptTokens(text),
			},
		}
	}()

	return out, nil
}

// Close frees all pooled model instances.
func (p *GGUFProvider) Close() {
	p.drainPool()
}

func (p *GGUFProvider) predictOptions(opts ports.Options) []llama.PredictOption {
	temperature := p.config.Temperature
	if opts.Temperature > 0 {
		temperature = opts.Temperature
	}
	topP := p.config.TopP
	if opts.TopP > 0 {
		topP = opts.TopP
	}
	maxTokens := p.config.MaxTokens
	if opts.MaxNewTokens > 0 {
		maxTokens = opts.MaxNewTokens
	}

	predictOpts := []llama.PredictOption{
		llama.SetTemperature(temperature),
		llama.SetTopP(topP),
		llama.SetTokens(maxTokens),
		llama.SetRepeat(1),
	}
	if opts.Seed > 0 {
		predictOpts = append(predictOpts, llama.SetSeed(opts.Seed))
	}
	if len(opts.Stop) > 0 {
		predictOpts = append(predictOpts, llama.SetStopWords(opts.Stop...))
	}
	return predictOpts
}

func (p *GGUFProvider) requestTimeout(opts ports.Options) time.Duration {
	if opts.TimeoutMs > 0 {
		return time.Duration(opts.TimeoutMs) * time.Millisecond
	}
	return p.config.RequestTimeout
}

func (p *GGUFProvider) borrow(ctx context.Context) (*llama.LLama, error) {
	if p.isBreakerOpen() {
		return nil, fmt.Errorf("%w: circuit breaker open", ErrModelUnavailable)
	}

	borrowCtx, cancel := context.WithTimeout(ctx, p.config.BorrowTimeout)
	defer cancel()

	select {
	case model := <-p.pool:
		return model, nil
	case <-borrowCtx.Done():
		return nil, fmt.Errorf("%w: borrow timeout after %v", ErrModelUnavailable, p.config.BorrowTimeout)
	}
}

func (p *GGUFProvider) giveBack(model *llama.LLama) {
	select {
	case p.pool <- model:
	default:
		p.logger.Warn().Msg("pool full, freeing model instance")
		model.Free()
	}
}

func (p *GGUFProvider) drainPool() {
	for {
		select {
		case model := <-p.pool:
			model.Free()
		default:
			return
		}
	}
}

func (p *GGUFProvider) isBreakerOpen() bool {
	p.breakerMu.Lock()
	defer p.breakerMu.Unlock()

	failures := atomic.LoadInt64(&p.failureCount)
	if failures >= int64(p.config.BreakerThreshold) {
		if time.Since(p.lastFailureTime) <= p.config.BreakerCooldown {
			return true
		}
		atomic.StoreInt64(&p.failureCount, 0)
		p.logger.Info().Msg("circuit breaker reset after cooldown")
	}
	return false
}

func (p *GGUFProvider) recordFailure() {
	p.breakerMu.Lock()
	p.lastFailureTime = time.Now()
	p.breakerMu.Unlock()
	atomic.AddInt64(&p.failureCount, 1)
}

func (p *GGUFProvider) recordSuccess() {
	atomic.StoreInt64(&p.failureCount, 0)
}

func estimatePromptTokens(text string) int {
	return (len(text) + 3) / 4
}
