package db

import (
	"context"
	"fmt"
	"time"

	"github.com/raphaelgruber/openchat/internal/chat"
	"github.com/raphaelgruber/openchat/internal/llm"
	"github.com/raphaelgruber/openchat/internal/metrics"
	"github.com/raphaelgruber/openchat/internal/models"
)

// ConversationStore is the conversation history of one owner.
// It implements chat.Store.
type ConversationStore struct {
	client  *Client
	owner   string
	metrics *metrics.Collector
}

var _ chat.Store = (*ConversationStore)(nil)

// ForOwner returns a store scoped to owner. mc may be nil.
func (c *Client) ForOwner(owner string, mc *metrics.Collector) *ConversationStore {
	return &ConversationStore{client: c, owner: owner, metrics: mc}
}

// Owner returns the user the store is scoped to.
func (s *ConversationStore) Owner() string {
	return s.owner
}

func (s *ConversationStore) record(op string, start time.Time, err error) {
	if err != nil {
		s.metrics.RecordError(op)
		return
	}
	s.metrics.RecordTiming(op, time.Since(start))
}

func (s *ConversationStore) CreateConversation(ctx context.Context, title string, createdAt, updatedAt time.Time) (string, error) {
	start := time.Now()
	id, err := s.client.QueryCreateConversation(ctx, s.owner, title, createdAt, updatedAt)
	s.record(metrics.OpStoreWrite, start, err)
	return id, err
}

func (s *ConversationStore) AppendMessage(ctx context.Context, conversationID string, msg llm.ChatMessage, at time.Time) error {
	start := time.Now()
	err := s.client.QueryAppendMessage(ctx, s.owner, conversationID, msg.Role, msg.Content, at)
	s.record(metrics.OpStoreWrite, start, err)
	return err
}

func (s *ConversationStore) TouchUpdatedAt(ctx context.Context, conversationID string, at time.Time) error {
	start := time.Now()
	err := s.client.QueryTouchConversation(ctx, s.owner, conversationID, at)
	s.record(metrics.OpStoreWrite, start, err)
	return err
}

func (s *ConversationStore) ListConversations(ctx context.Context, limit int) ([]chat.Conversation, error) {
	start := time.Now()
	rows, err := s.client.QueryListConversations(ctx, s.owner, limit)
	s.record(metrics.OpStoreRead, start, err)
	if err != nil {
		return nil, err
	}

	out := make([]chat.Conversation, 0, len(rows))
	for _, r := range rows {
		c, err := toConversation(r)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// GetConversation returns a single conversation or ErrNotFound.
func (s *ConversationStore) GetConversation(ctx context.Context, conversationID string) (*chat.Conversation, error) {
	start := time.Now()
	row, err := s.client.QueryGetConversation(ctx, s.owner, conversationID)
	s.record(metrics.OpStoreRead, start, err)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}

	c, err := toConversation(*row)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetMessages returns the conversation's messages oldest first.
// An unknown or foreign conversation yields ErrNotFound.
func (s *ConversationStore) GetMessages(ctx context.Context, conversationID string) ([]llm.ChatMessage, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	start := time.Now()
	rows, err := s.client.QueryGetMessages(ctx, s.owner, conversationID)
	s.record(metrics.OpStoreRead, start, err)
	if err != nil {
		return nil, err
	}

	out := make([]llm.ChatMessage, len(rows))
	for i, r := range rows {
		out[i] = llm.ChatMessage{Role: r.Role, Content: r.Content}
	}
	return out, nil
}

func (s *ConversationStore) DeleteConversation(ctx context.Context, conversationID string) error {
	start := time.Now()
	n, err := s.client.QueryDeleteConversation(ctx, s.owner, conversationID)
	s.record(metrics.OpStoreWrite, start, err)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	return nil
}

func (s *ConversationStore) ReplaceLastAssistantMessage(ctx context.Context, conversationID string, content string, at time.Time) error {
	start := time.Now()
	err := s.client.QueryReplaceLastAssistantMessage(ctx, s.owner, conversationID, content, at)
	s.record(metrics.OpStoreWrite, start, err)
	return err
}

// Stats counts the owner's conversations and messages.
func (s *ConversationStore) Stats(ctx context.Context) (*models.ConversationStats, error) {
	start := time.Now()
	stats, err := s.client.QueryConversationStats(ctx, s.owner)
	s.record(metrics.OpStoreRead, start, err)
	return stats, err
}

func toConversation(r models.Conversation) (chat.Conversation, error) {
	id, err := models.RecordIDString(r.ID)
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("conversation id: %w", err)
	}
	return chat.Conversation{
		ID:        id,
		Title:     r.Title,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}, nil
}
