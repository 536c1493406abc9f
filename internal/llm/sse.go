package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/raphaelgruber/openchat/internal/metrics"
)

const doneMarker = "[DONE]"

// SSEClient talks to an OpenAI-compatible chat completions endpoint and reads
// streamed replies as server-sent events.
type SSEClient struct {
	url        string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Collector
}

// NewSSEClient creates a client for the endpoint at url.
// model is used whenever a call does not name one.
func NewSSEClient(url, apiKey, model string, logger *slog.Logger, mc *metrics.Collector) *SSEClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEClient{
		url:        url,
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{},
		logger:     logger,
		metrics:    mc,
	}
}

type completionRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type completionFrame struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage,omitempty"`
}

// StreamCompletion posts msgs with stream=true and returns the reply deltas.
// A rejected request fails here, before any delta is produced.
func (c *SSEClient) StreamCompletion(ctx context.Context, model string, msgs []ChatMessage) (Stream, error) {
	start := time.Now()

	resp, err := c.post(ctx, model, msgs, true)
	if err != nil {
		c.metrics.RecordError(metrics.OpLLMStream)
		return nil, providerError("stream", 0, err)
	}
	if err := checkStatus("stream", resp); err != nil {
		c.metrics.RecordError(metrics.OpLLMStream)
		c.logger.Warn("stream request rejected", "status", resp.StatusCode, "error", err)
		return nil, err
	}

	input := joinContent(msgs)
	return newSSEStream(resp.Body, c.logger, func(output string, err error) {
		if err != nil {
			c.metrics.RecordError(metrics.OpLLMStream)
			return
		}
		c.metrics.RecordLLMUsage(metrics.OpLLMStream, time.Since(start), estimateTokens(input), estimateTokens(output))
	}), nil
}

// CompleteOnce posts msgs with stream=false and returns the whole reply.
func (c *SSEClient) CompleteOnce(ctx context.Context, model string, msgs []ChatMessage) (string, error) {
	start := time.Now()

	resp, err := c.post(ctx, model, msgs, false)
	if err != nil {
		c.metrics.RecordError(metrics.OpLLMComplete)
		return "", providerError("complete", 0, err)
	}
	defer resp.Body.Close()

	if err := checkStatus("complete", resp); err != nil {
		c.metrics.RecordError(metrics.OpLLMComplete)
		return "", err
	}

	var frame completionFrame
	if err := json.NewDecoder(resp.Body).Decode(&frame); err != nil {
		c.metrics.RecordError(metrics.OpLLMComplete)
		return "", providerError("complete", resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	if len(frame.Choices) == 0 {
		c.metrics.RecordError(metrics.OpLLMComplete)
		return "", providerError("complete", resp.StatusCode, fmt.Errorf("no response choices"))
	}

	text := frame.Choices[0].Message.Content
	in, out := estimateTokens(joinContent(msgs)), estimateTokens(text)
	if frame.Usage != nil {
		in, out = frame.Usage.PromptTokens, frame.Usage.CompletionTokens
	}
	c.metrics.RecordLLMUsage(metrics.OpLLMComplete, time.Since(start), in, out)
	return text, nil
}

func (c *SSEClient) post(ctx context.Context, model string, msgs []ChatMessage, stream bool) (*http.Response, error) {
	if model == "" {
		model = c.model
	}
	body, err := json.Marshal(completionRequest{Model: model, Messages: msgs, Stream: stream})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	return c.httpClient.Do(req)
}

// checkStatus turns a non-2xx response into a ProviderError and closes its body.
func checkStatus(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer resp.Body.Close()

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	text := strings.TrimSpace(string(msg))
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	return providerError(op, resp.StatusCode, errors.New(text))
}

// sseStream reads "data:" frames off an event-stream body.
type sseStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	logger *slog.Logger
	out    strings.Builder
	onDone func(output string, err error)
	done   bool
}

func newSSEStream(body io.ReadCloser, logger *slog.Logger, onDone func(string, error)) *sseStream {
	return &sseStream{
		body:   body,
		reader: bufio.NewReader(body),
		logger: logger,
		onDone: onDone,
	}
}

func (s *sseStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}

	for {
		line, readErr := s.reader.ReadString('\n')
		if line != "" {
			if delta, ok, end := s.parseLine(line); end {
				return "", s.finish(nil)
			} else if ok {
				s.out.WriteString(delta)
				return delta, nil
			}
		}

		if readErr == io.EOF {
			// Transport closed without [DONE]: the reply is whatever arrived.
			return "", s.finish(nil)
		}
		if readErr != nil {
			return "", s.finish(providerError("stream", 0, readErr))
		}
	}
}

// parseLine extracts the delta carried by one event-stream line.
// end reports the [DONE] terminator.
func (s *sseStream) parseLine(line string) (delta string, ok bool, end bool) {
	line = strings.TrimRight(line, "\r\n")
	payload, found := strings.CutPrefix(line, "data:")
	if !found {
		return "", false, false
	}
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return "", false, false
	}
	if payload == doneMarker {
		return "", false, true
	}

	var frame completionFrame
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		s.logger.Warn("skipping malformed stream frame", "error", err, "frame", truncate(payload, 200))
		return "", false, false
	}
	if len(frame.Choices) == 0 || frame.Choices[0].Delta.Content == "" {
		return "", false, false
	}
	return frame.Choices[0].Delta.Content, true, false
}

// finish marks the stream exhausted and returns io.EOF or err.
func (s *sseStream) finish(err error) error {
	s.done = true
	_ = s.body.Close()
	if s.onDone != nil {
		s.onDone(s.out.String(), err)
		s.onDone = nil
	}
	if err != nil {
		return err
	}
	return io.EOF
}

func (s *sseStream) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	if s.onDone != nil {
		s.onDone(s.out.String(), nil)
		s.onDone = nil
	}
	return s.body.Close()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
