// Package client talks to an openchat server over HTTP and websocket.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// UserHeader carries the user id. Behind an authenticating proxy it is
// overwritten by the proxy.
const UserHeader = "X-User-ID"

// Client is a client for the openchat server.
type Client struct {
	endpoint   string
	user       string
	httpClient *http.Client
}

// New creates a new client acting as user.
// If endpoint is empty, uses OPENCHAT_SERVER_URL env var or defaults to localhost:8484.
// Timeout can be configured via OPENCHAT_CLIENT_TIMEOUT env var (default 30s).
func New(endpoint, user string) *Client {
	if endpoint == "" {
		endpoint = os.Getenv("OPENCHAT_SERVER_URL")
	}
	if endpoint == "" {
		endpoint = "http://localhost:8484"
	}

	timeout := 30 * time.Second
	if t := os.Getenv("OPENCHAT_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		user:     user,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// do sends a request and decodes a JSON response into result if non-nil.
func (c *Client) do(ctx context.Context, method, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.user != "" {
		req.Header.Set(UserHeader, c.user)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server error: %s - %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("server error: %s - %s", resp.Status, strings.TrimSpace(string(body)))
	}

	if result != nil && len(body) > 0 {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// =============================================================================
// TYPES (matching the server's JSON)
// =============================================================================

// Conversation is a stored conversation.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Snapshot is the server-side session state.
type Snapshot struct {
	ConversationID string    `json:"conversationId"`
	Messages       []Message `json:"messages"`
	Streaming      bool      `json:"streaming"`
}

// OperationStats holds aggregated metrics for one operation.
type OperationStats struct {
	Count             int64    `json:"count"`
	Errors            int64    `json:"errors"`
	TotalTimeMs       int64    `json:"totalTimeMs"`
	AvgTimeMs         float64  `json:"avgTimeMs"`
	MinTimeMs         int64    `json:"minTimeMs"`
	MaxTimeMs         int64    `json:"maxTimeMs"`
	TotalInputTokens  *int64   `json:"totalInputTokens,omitempty"`
	TotalOutputTokens *int64   `json:"totalOutputTokens,omitempty"`
	AvgInputTokens    *float64 `json:"avgInputTokens,omitempty"`
	AvgOutputTokens   *float64 `json:"avgOutputTokens,omitempty"`
}

// ServerStats holds the server's runtime statistics.
type ServerStats struct {
	UptimeSeconds float64         `json:"uptimeSeconds"`
	LLMStream     *OperationStats `json:"llmStream,omitempty"`
	LLMComplete   *OperationStats `json:"llmComplete,omitempty"`
	StoreWrite    *OperationStats `json:"storeWrite,omitempty"`
	StoreRead     *OperationStats `json:"storeRead,omitempty"`
}

// =============================================================================
// HTTP OPERATIONS
// =============================================================================

// ListConversations returns the user's conversations, most recent first.
// A limit of 0 returns all.
func (c *Client) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	path := "/api/conversations"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var convs []Conversation
	if err := c.do(ctx, http.MethodGet, path, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// DeleteConversation removes a conversation and its messages.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/conversations/"+url.PathEscape(id), nil)
}

// GetServerStats returns in-memory runtime statistics.
func (c *Client) GetServerStats(ctx context.Context) (*ServerStats, error) {
	var stats ServerStats
	if err := c.do(ctx, http.MethodGet, "/stats", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// =============================================================================
// STREAMING OPERATIONS
// =============================================================================

type command struct {
	Type           string `json:"type"`
	Text           string `json:"text,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

type event struct {
	Type     string    `json:"type"`
	Command  string    `json:"command,omitempty"`
	Snapshot *Snapshot `json:"snapshot,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// AskOptions selects the conversation a message goes to.
type AskOptions struct {
	ConversationID string // continue this conversation
	New            bool   // start a new conversation; otherwise the most recent one is continued
}

// Ask sends text and streams the reply token by token.
// The onToken callback is invoked for each token. Return an error from onToken to abort.
// It returns the ID of the conversation the exchange was stored in.
func (c *Client) Ask(ctx context.Context, text string, opts AskOptions, onToken func(token string) error) (string, error) {
	return c.stream(ctx, selectCommand(opts), command{Type: "send", Text: text}, onToken)
}

// Regenerate replaces the last reply of a conversation, streaming the new one.
// An empty id regenerates in the most recent conversation.
func (c *Client) Regenerate(ctx context.Context, id string, onToken func(token string) error) (string, error) {
	return c.stream(ctx, selectCommand(AskOptions{ConversationID: id}), command{Type: "regenerate"}, onToken)
}

func selectCommand(opts AskOptions) command {
	switch {
	case opts.ConversationID != "":
		return command{Type: "switch", ConversationID: opts.ConversationID}
	case opts.New:
		return command{Type: "new"}
	default:
		return command{Type: "load_most_recent"}
	}
}

// stream runs setup, then cmd, forwarding growth of the last assistant
// message to onToken until cmd is done.
func (c *Client) stream(ctx context.Context, setup, cmd command, onToken func(string) error) (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	header := http.Header{}
	if c.user != "" {
		header.Set(UserHeader, c.user)
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return "", fmt.Errorf("websocket connect: %w", err)
	}

	// Track connection state for proper cleanup
	var mu sync.Mutex
	closed := false
	closeConn := func() {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			conn.Close()
		}
	}
	defer closeConn()

	// Handle context cancellation in a separate goroutine
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-done:
		}
	}()

	// run sends one command and reads events until it is done.
	run := func(cmd command, onSnapshot func(*Snapshot) error) error {
		if err := conn.WriteJSON(cmd); err != nil {
			return fmt.Errorf("send %s: %w", cmd.Type, err)
		}
		for {
			var ev event
			if err := conn.ReadJSON(&ev); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("read message: %w", err)
			}
			if ev.Snapshot != nil && onSnapshot != nil {
				if err := onSnapshot(ev.Snapshot); err != nil {
					return err
				}
			}
			if ev.Command != cmd.Type {
				continue
			}
			switch ev.Type {
			case "error":
				return fmt.Errorf("%s failed: %s", cmd.Type, ev.Error)
			case "done":
				return nil
			}
		}
	}

	if err := run(setup, nil); err != nil {
		return "", err
	}

	// Tokens are taken from snapshots of the streaming reply. The final
	// snapshot is only trusted once cmd is done, since a failed send leaves an
	// error marker in the reply slot.
	var printed string
	var final *Snapshot
	emit := func(s *Snapshot) error {
		reply := lastAssistant(s)
		if !strings.HasPrefix(reply, printed) || len(reply) == len(printed) {
			return nil
		}
		token := reply[len(printed):]
		printed = reply
		return onToken(token)
	}

	err = run(cmd, func(s *Snapshot) error {
		if !s.Streaming {
			final = s
			return nil
		}
		return emit(s)
	})
	if err != nil {
		return "", err
	}
	if final == nil {
		return "", nil
	}
	if err := emit(final); err != nil {
		return "", err
	}
	return final.ConversationID, nil
}

func lastAssistant(s *Snapshot) string {
	if n := len(s.Messages); n > 0 && s.Messages[n-1].Role == "assistant" {
		return s.Messages[n-1].Content
	}
	return ""
}
