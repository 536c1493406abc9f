// Package chat holds the conversation core: it assembles streamed replies,
// tracks the active session and reconciles it with the conversation store.
package chat

import (
	"context"
	"errors"
	"time"

	"github.com/raphaelgruber/openchat/internal/llm"
)

// Validation errors, returned before any side effect.
var (
	ErrBusy                = errors.New("a reply is already in progress")
	ErrEmptyMessage        = errors.New("message is empty")
	ErrNothingToRegenerate = errors.New("no assistant reply to regenerate")
)

// Provider generates completions for a conversation.
type Provider interface {
	StreamCompletion(ctx context.Context, model string, msgs []llm.ChatMessage) (llm.Stream, error)
	CompleteOnce(ctx context.Context, model string, msgs []llm.ChatMessage) (string, error)
}

// Store persists conversations of a single owner.
type Store interface {
	CreateConversation(ctx context.Context, title string, createdAt, updatedAt time.Time) (string, error)
	AppendMessage(ctx context.Context, conversationID string, msg llm.ChatMessage, at time.Time) error
	TouchUpdatedAt(ctx context.Context, conversationID string, at time.Time) error
	ListConversations(ctx context.Context, limit int) ([]Conversation, error)
	GetMessages(ctx context.Context, conversationID string) ([]llm.ChatMessage, error)
	DeleteConversation(ctx context.Context, conversationID string) error
	ReplaceLastAssistantMessage(ctx context.Context, conversationID string, content string, at time.Time) error
}

// Conversation is a stored conversation as shown in a listing.
// An empty ID means the conversation has not been saved yet.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Snapshot is the UI-facing view of a Session.
type Snapshot struct {
	ConversationID string            `json:"conversationId"`
	Messages       []llm.ChatMessage `json:"messages"`
	Streaming      bool              `json:"streaming"`
}
