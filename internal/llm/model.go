package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/raphaelgruber/openchat/internal/config"
	"github.com/raphaelgruber/openchat/internal/metrics"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/bedrock"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// Model wraps a langchaingo LLM as a streaming completion provider.
type Model struct {
	llm       llms.Model
	modelName string
	logger    *slog.Logger
	metrics   *metrics.Collector
}

// NewModel creates an LLM model based on configuration.
func NewModel(ctx context.Context, cfg config.Config, logger *slog.Logger, mc *metrics.Collector) (*Model, error) {
	var model llms.Model
	var err error

	switch cfg.LLMProvider {
	case config.ProviderOllama:
		model, err = ollama.New(
			ollama.WithModel(cfg.LLMModel),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}

	case config.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		model, err = openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}

	case config.ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("Anthropic API key required")
		}
		model, err = anthropic.New(
			anthropic.WithToken(cfg.AnthropicAPIKey),
			anthropic.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}

	case config.ProviderBedrock:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		model, err = bedrock.New(
			bedrock.WithClient(bedrockruntime.NewFromConfig(awsCfg)),
			bedrock.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create bedrock model: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.LLMProvider)
	}

	return NewModelFromLLM(model, cfg.LLMModel, logger, mc), nil
}

// NewModelFromLLM wraps an already constructed langchaingo model.
func NewModelFromLLM(model llms.Model, modelName string, logger *slog.Logger, mc *metrics.Collector) *Model {
	if logger == nil {
		logger = slog.Default()
	}
	return &Model{
		llm:       model,
		modelName: modelName,
		logger:    logger,
		metrics:   mc,
	}
}

// Model returns the default model name.
func (m *Model) Model() string {
	return m.modelName
}

// StreamCompletion starts a streaming completion over msgs.
// An empty model selects the configured default.
func (m *Model) StreamCompletion(ctx context.Context, model string, msgs []ChatMessage) (Stream, error) {
	start := time.Now()
	content := toMessageContent(msgs)
	opts := m.callOptions(model)

	var out strings.Builder
	var resp *llms.ContentResponse

	produce := func(ctx context.Context, emit func(context.Context, []byte) error) error {
		emitted := false
		var err error
		resp, err = m.llm.GenerateContent(ctx, content, append(opts,
			llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
				if len(chunk) > 0 {
					emitted = true
					out.Write(chunk)
				}
				return emit(ctx, chunk)
			}),
		)...)
		if err != nil {
			return err
		}
		// Backends without streaming support only return the final text.
		if !emitted && resp != nil && len(resp.Choices) > 0 && resp.Choices[0].Content != "" {
			out.WriteString(resp.Choices[0].Content)
			return emit(ctx, []byte(resp.Choices[0].Content))
		}
		return nil
	}

	done := func(err error) {
		if err != nil {
			m.metrics.RecordError(metrics.OpLLMStream)
			m.logFailure("stream completion failed", err)
			return
		}
		in, outTokens := usage(resp, joinContent(msgs), out.String())
		m.metrics.RecordLLMUsage(metrics.OpLLMStream, time.Since(start), in, outTokens)
	}

	return newPipeStream(ctx, produce, done), nil
}

// CompleteOnce runs a non-streaming completion and returns the full reply.
func (m *Model) CompleteOnce(ctx context.Context, model string, msgs []ChatMessage) (string, error) {
	start := time.Now()

	resp, err := m.llm.GenerateContent(ctx, toMessageContent(msgs), m.callOptions(model)...)
	if err != nil {
		m.metrics.RecordError(metrics.OpLLMComplete)
		m.logFailure("completion failed", err)
		return "", providerError("complete", 0, err)
	}

	if len(resp.Choices) == 0 {
		m.metrics.RecordError(metrics.OpLLMComplete)
		return "", providerError("complete", 0, fmt.Errorf("no response choices"))
	}

	text := resp.Choices[0].Content
	in, out := usage(resp, joinContent(msgs), text)
	m.metrics.RecordLLMUsage(metrics.OpLLMComplete, time.Since(start), in, out)
	return text, nil
}

func (m *Model) callOptions(model string) []llms.CallOption {
	if model == "" {
		return nil
	}
	return []llms.CallOption{llms.WithModel(model)}
}

func (m *Model) logFailure(msg string, err error) {
	if isFatalAPIError(err) {
		m.logger.Error(msg, "model", m.modelName, "error", err)
		return
	}
	m.logger.Warn(msg, "model", m.modelName, "error", err)
}
