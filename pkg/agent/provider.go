package agent

import (
	"context"
	"fmt"

	"github.com/rifqi/dexa/pkg/toolexec"
)

// Kind selects the wire protocol used to talk to a provider.
type Kind string

const (
	KindAnthropic  Kind = "anthropic"
	KindOpenAI     Kind = "openai"
	KindOpenRouter Kind = "openrouter"
)

// Default models per provider, used when the caller supplies none and as the
// fallback after a failed model override.
const (
	DefaultAnthropicModel  = "claude-3-5-sonnet-20241022"
	DefaultOpenAIModel     = "gpt-4o"
	DefaultOpenRouterModel = "anthropic/claude-3.5-sonnet"

	openRouterBaseURL = "https://openrouter.ai/api/v1"
)

// Request contains the provider-neutral parameters for one chat round.
type Request struct {
	Model      string
	System     string
	Messages   []ChatMessage
	Tools      []toolexec.Spec
	ForcedTool string
	MaxTokens  int
}

// Provider is one remote chat/tool-calling protocol.
type Provider interface {
	// Chat performs a single request/response round.
	Chat(ctx context.Context, request Request) (*Response, error)

	// Name returns the provider tag.
	Name() string
}

// DefaultModel returns the documented default model for a provider kind.
func DefaultModel(kind Kind) string {
	switch kind {
	case KindAnthropic:
		return DefaultAnthropicModel
	case KindOpenAI:
		return DefaultOpenAIModel
	default:
		return DefaultOpenRouterModel
	}
}

// NewProvider creates a provider for the given kind. OpenRouter reuses the
// OpenAI-compatible wire shape with a different base URL.
func NewProvider(kind Kind, apiKey string) (Provider, error) {
	switch kind {
	case KindAnthropic:
		return NewAnthropicProvider(apiKey), nil
	case KindOpenAI:
		return NewOpenAIProvider(apiKey), nil
	case KindOpenRouter:
		return NewOpenRouterProvider(apiKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", kind)
	}
}
