//go:build !llama

package adapters

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	ports "github.com/askfolio/agentd/agentd/harness/ports"
)

// GGUFProvider is a stub when llama.cpp support is not compiled in.
// Build with -tags llama to enable the local model backend.
type GGUFProvider struct{}

var _ ports.Provider = (*GGUFProvider)(nil)

// NewGGUFProvider always fails without llama support.
func NewGGUFProvider(config *GGUFConfig, logger zerolog.Logger) (*GGUFProvider, error) {
	logger.Warn().Msg("built without llama support, local models disabled")
	return nil, fmt.Errorf("%w: built without llama support", ErrModelUnavailable)
}

func (p *GGUFProvider) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	return ports.Completion{}, fmt.Errorf("%w: built without llama support", ErrModelUnavailable)
}

func (p *GGUFProvider) Stream(ctx context.Context, in ports.PromptInput, opts ports.Options) (<-chan ports.CompletionChunk, error) {
	return nil, fmt.Errorf("%w: built without llama support", ErrModelUnavailable)
}

func (p *GGUFProvider) Close() {}
