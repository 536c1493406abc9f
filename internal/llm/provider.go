// Package llm adapts completion backends to a pull-based streaming contract.
package llm

import (
	"context"
	"log/slog"

	"github.com/raphaelgruber/openchat/internal/config"
	"github.com/raphaelgruber/openchat/internal/metrics"
)

// Provider generates chat completions, streamed or in one piece.
type Provider interface {
	StreamCompletion(ctx context.Context, model string, msgs []ChatMessage) (Stream, error)
	CompleteOnce(ctx context.Context, model string, msgs []ChatMessage) (string, error)
}

// New builds the provider selected by cfg.LLMProvider.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, mc *metrics.Collector) (Provider, error) {
	if cfg.LLMProvider == config.ProviderSSE {
		return NewSSEClient(cfg.SSEURL, cfg.SSEAPIKey, cfg.LLMModel, logger, mc), nil
	}
	return NewModel(ctx, cfg, logger, mc)
}
