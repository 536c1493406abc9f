package llm

import (
	"unicode/utf8"

	"github.com/tmc/langchaingo/llms"
)

// Rough characters-per-token ratio used when a provider reports no usage.
const charsPerToken = 4

// Usage keys reported in GenerationInfo by the langchaingo providers.
var (
	inputTokenKeys  = []string{"PromptTokens", "InputTokens", "input_tokens", "prompt_eval_count"}
	outputTokenKeys = []string{"CompletionTokens", "OutputTokens", "output_tokens", "eval_count"}
)

// usage returns input and output token counts, preferring the provider's own
// numbers and falling back to an estimate from the text.
func usage(resp *llms.ContentResponse, input, output string) (int64, int64) {
	var info map[string]any
	if resp != nil && len(resp.Choices) > 0 {
		info = resp.Choices[0].GenerationInfo
	}

	in := lookupCount(info, inputTokenKeys)
	if in == 0 {
		in = estimateTokens(input)
	}
	out := lookupCount(info, outputTokenKeys)
	if out == 0 {
		out = estimateTokens(output)
	}
	return in, out
}

func lookupCount(info map[string]any, keys []string) int64 {
	for _, k := range keys {
		switch v := info[k].(type) {
		case int:
			return int64(v)
		case int32:
			return int64(v)
		case int64:
			return v
		case float64:
			return int64(v)
		}
	}
	return 0
}

func estimateTokens(s string) int64 {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return 0
	}
	return int64((n + charsPerToken - 1) / charsPerToken)
}
