package ai

import (
	"context"
	"fmt"

	"docuchat/internal/config"
)

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatProvider generates an answer from a prompt plus dialogue history.
type ChatProvider interface {
	Complete(ctx context.Context, messages []ChatMessage) (string, error)
}

// EmbeddingProvider turns text into fixed-dimension vectors. Used at ingestion
// and at query time.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Fixed provider variants. There is no runtime string dispatch beyond this
// resolution step.
const (
	ProviderLocal   = "local"
	ProviderHosted  = "hosted"
	ProviderGateway = "gateway"
)

// ResolveEndpoint maps the configured provider kind to its endpoint settings.
func ResolveEndpoint(cfg config.LLMConfig) (config.ProviderEndpoint, error) {
	switch cfg.Provider {
	case ProviderLocal:
		return cfg.Local, nil
	case ProviderHosted:
		return cfg.Hosted, nil
	case ProviderGateway:
		return cfg.Gateway, nil
	default:
		return config.ProviderEndpoint{}, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
