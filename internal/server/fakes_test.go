package server

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/raphaelgruber/openchat/internal/chat"
	"github.com/raphaelgruber/openchat/internal/db"
	"github.com/raphaelgruber/openchat/internal/llm"
)

type wordStream struct {
	words []string
}

func (s *wordStream) Recv() (string, error) {
	if len(s.words) == 0 {
		return "", io.EOF
	}
	w := s.words[0]
	s.words = s.words[1:]
	return w, nil
}

func (s *wordStream) Close() error { return nil }

// echoProvider replies with "echo: <last user message>", one word per delta.
type echoProvider struct{}

func (echoProvider) StreamCompletion(_ context.Context, _ string, msgs []llm.ChatMessage) (llm.Stream, error) {
	reply := "echo: " + msgs[len(msgs)-1].Content
	return &wordStream{words: strings.SplitAfter(reply, " ")}, nil
}

func (echoProvider) CompleteOnce(context.Context, string, []llm.ChatMessage) (string, error) {
	return "Echo chamber", nil
}

type memConversation struct {
	conv chat.Conversation
	msgs []llm.ChatMessage
}

// memStores keeps one in-memory store per owner.
type memStores struct {
	mu     sync.Mutex
	owners map[string]*memStore
}

func newMemStores() *memStores {
	return &memStores{owners: map[string]*memStore{}}
}

func (m *memStores) For(owner string) chat.Store {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.owners[owner]
	if !ok {
		s = &memStore{convs: map[string]*memConversation{}, prefix: owner}
		m.owners[owner] = s
	}
	return s
}

type memStore struct {
	mu     sync.Mutex
	prefix string
	next   int
	convs  map[string]*memConversation
}

func (m *memStore) get(id string) (*memConversation, error) {
	c, ok := m.convs[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, db.ErrNotFound)
	}
	return c, nil
}

func (m *memStore) CreateConversation(_ context.Context, title string, createdAt, updatedAt time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	id := fmt.Sprintf("%s-%d", m.prefix, m.next)
	m.convs[id] = &memConversation{conv: chat.Conversation{ID: id, Title: title, CreatedAt: createdAt, UpdatedAt: updatedAt}}
	return id, nil
}

func (m *memStore) AppendMessage(_ context.Context, id string, msg llm.ChatMessage, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.get(id)
	if err != nil {
		return err
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func (m *memStore) TouchUpdatedAt(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.get(id)
	if err != nil {
		return err
	}
	if at.After(c.conv.UpdatedAt) {
		c.conv.UpdatedAt = at
	}
	return nil
}

func (m *memStore) ListConversations(_ context.Context, limit int) ([]chat.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]chat.Conversation, 0, len(m.convs))
	for _, c := range m.convs {
		out = append(out, c.conv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) GetMessages(_ context.Context, id string) ([]llm.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return append([]llm.ChatMessage(nil), c.msgs...), nil
}

func (m *memStore) DeleteConversation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.get(id); err != nil {
		return err
	}
	delete(m.convs, id)
	return nil
}

func (m *memStore) ReplaceLastAssistantMessage(_ context.Context, id string, content string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.get(id)
	if err != nil {
		return err
	}
	for i := len(c.msgs) - 1; i >= 0; i-- {
		if c.msgs[i].Role == llm.RoleAssistant {
			c.msgs[i].Content = content
			return nil
		}
	}
	c.msgs = append(c.msgs, llm.ChatMessage{Role: llm.RoleAssistant, Content: content})
	return nil
}
