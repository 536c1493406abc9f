package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/raphaelgruber/openchat/internal/llm"
)

// UntitledConversation is used whenever no title could be synthesized.
const UntitledConversation = "Untitled Conversation"

const titlePrompt = "Give a short title for this conversation."

// Quote characters models like to wrap titles in.
const titleQuotes = "\"'`“”‘’"

// AppendError reports a message write that failed. Messages before Index
// were stored.
type AppendError struct {
	Index int
	Err   error
}

func (e *AppendError) Error() string {
	return fmt.Sprintf("append message %d: %v", e.Index, e.Err)
}

func (e *AppendError) Unwrap() error { return e.Err }

// Synchronizer writes finished exchanges to the store.
type Synchronizer struct {
	store      Store
	provider   Provider
	titleModel string
	logger     *slog.Logger
	now        func() time.Time

	mu   sync.Mutex
	last time.Time
}

// NewSynchronizer creates a synchronizer that names new conversations with titleModel.
func NewSynchronizer(store Store, provider Provider, titleModel string, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		store:      store,
		provider:   provider,
		titleModel: titleModel,
		logger:     logger,
		now:        time.Now,
	}
}

// Persist stores msgs and returns the conversation ID they were written to.
//
// With an empty id a conversation is created first, titled from msgs. A
// non-empty returned ID alongside an error means the conversation exists but
// not every message made it; see Unsaved.
func (s *Synchronizer) Persist(ctx context.Context, id string, msgs []llm.ChatMessage) (string, error) {
	if id == "" {
		title := s.Title(ctx, msgs)
		now := s.stamp()
		newID, err := s.store.CreateConversation(ctx, title, now, now)
		if err != nil {
			s.logger.Error("failed to create conversation", "error", err)
			return "", fmt.Errorf("create conversation: %w", err)
		}
		s.logger.Info("conversation created", "conversation", newID, "title", title)

		if err := s.appendAll(ctx, newID, msgs); err != nil {
			return newID, err
		}
		return newID, nil
	}

	if err := s.appendAll(ctx, id, msgs); err != nil {
		return id, err
	}
	if err := s.store.TouchUpdatedAt(ctx, id, s.stamp()); err != nil {
		s.logger.Warn("failed to refresh updated_at", "conversation", id, "error", err)
	}
	return id, nil
}

// Import stores msgs as a new conversation named title. An empty title is
// synthesized like for a first exchange.
func (s *Synchronizer) Import(ctx context.Context, title string, msgs []llm.ChatMessage) (string, error) {
	if len(msgs) == 0 {
		return "", ErrEmptyMessage
	}
	for i, m := range msgs {
		if m.Role != llm.RoleUser && m.Role != llm.RoleAssistant {
			return "", fmt.Errorf("message %d: unsupported role %q", i, m.Role)
		}
	}
	if title = cleanTitle(title); title == "" {
		title = s.Title(ctx, msgs)
	}

	now := s.stamp()
	id, err := s.store.CreateConversation(ctx, title, now, now)
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	if err := s.appendAll(ctx, id, msgs); err != nil {
		return id, err
	}
	s.logger.Info("conversation imported", "conversation", id, "messages", len(msgs))
	return id, nil
}

// Unsaved returns how many of n messages passed to Persist did not reach the
// store, given the error it returned.
func Unsaved(n int, err error) int {
	if err == nil {
		return 0
	}
	var ae *AppendError
	if errors.As(err, &ae) {
		return n - ae.Index
	}
	return n
}

func (s *Synchronizer) appendAll(ctx context.Context, id string, msgs []llm.ChatMessage) error {
	for i, m := range msgs {
		if err := s.store.AppendMessage(ctx, id, m, s.stamp()); err != nil {
			s.logger.Error("failed to append message",
				"conversation", id,
				"index", i,
				"role", m.Role,
				"error", err,
			)
			return &AppendError{Index: i, Err: err}
		}
	}
	return nil
}

// Touch refreshes updated_at of a conversation that is receiving a reply.
// Failures are logged and otherwise ignored.
func (s *Synchronizer) Touch(ctx context.Context, id string) {
	if err := s.store.TouchUpdatedAt(ctx, id, s.stamp()); err != nil {
		s.logger.Warn("failed to touch conversation", "conversation", id, "error", err)
	}
}

// ReplaceReply makes content the last assistant message of conversation id.
func (s *Synchronizer) ReplaceReply(ctx context.Context, id string, content string) error {
	if err := s.store.ReplaceLastAssistantMessage(ctx, id, content, s.stamp()); err != nil {
		s.logger.Error("failed to replace reply", "conversation", id, "error", err)
		return fmt.Errorf("replace reply: %w", err)
	}
	return nil
}

// Title asks the provider for a short title of msgs.
// Never fails: any problem yields UntitledConversation.
func (s *Synchronizer) Title(ctx context.Context, msgs []llm.ChatMessage) string {
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = m.Content
	}

	text, err := s.provider.CompleteOnce(ctx, s.titleModel, []llm.ChatMessage{
		{Role: llm.RoleSystem, Content: titlePrompt},
		{Role: llm.RoleUser, Content: strings.Join(parts, "\n")},
	})
	if err != nil {
		s.logger.Warn("title synthesis failed", "error", err)
		return UntitledConversation
	}

	title := cleanTitle(text)
	if title == "" {
		s.logger.Warn("title synthesis returned nothing usable", "raw", text)
		return UntitledConversation
	}
	return title
}

func cleanTitle(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, titleQuotes)
	return strings.TrimSpace(s)
}

// stamp returns strictly increasing timestamps so messages written within the
// same clock tick keep their order on reload.
func (s *Synchronizer) stamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !now.After(s.last) {
		now = s.last.Add(time.Microsecond)
	}
	s.last = now
	return now
}
