package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/raphaelgruber/openchat/internal/llm"
)

// sliceStream yields deltas, then err (or io.EOF).
type sliceStream struct {
	deltas []string
	err    error
	closed bool
}

func (s *sliceStream) Recv() (string, error) {
	if len(s.deltas) > 0 {
		d := s.deltas[0]
		s.deltas = s.deltas[1:]
		return d, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

// chanStream yields whatever the test sends on ch until ch is closed.
type chanStream struct {
	ch  chan string
	err error
}

func (s *chanStream) Recv() (string, error) {
	d, ok := <-s.ch
	if !ok {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	return d, nil
}

func (s *chanStream) Close() error { return nil }

// fakeProvider serves queued streams and a fixed title.
type fakeProvider struct {
	mu       sync.Mutex
	streams  []llm.Stream
	startErr error
	title    string
	titleErr error
	prompts  [][]llm.ChatMessage
}

func (p *fakeProvider) queue(s ...llm.Stream) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streams = append(p.streams, s...)
}

func (p *fakeProvider) StreamCompletion(_ context.Context, _ string, msgs []llm.ChatMessage) (llm.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.prompts = append(p.prompts, append([]llm.ChatMessage(nil), msgs...))
	if p.startErr != nil {
		return nil, p.startErr
	}
	if len(p.streams) == 0 {
		return nil, errors.New("no stream queued")
	}
	s := p.streams[0]
	p.streams = p.streams[1:]
	return s, nil
}

func (p *fakeProvider) CompleteOnce(context.Context, string, []llm.ChatMessage) (string, error) {
	if p.titleErr != nil {
		return "", p.titleErr
	}
	return p.title, nil
}

func (p *fakeProvider) lastPrompt() []llm.ChatMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.prompts) == 0 {
		return nil
	}
	return p.prompts[len(p.prompts)-1]
}

type storedMessage struct {
	msg llm.ChatMessage
	at  time.Time
}

// memStore is an in-memory Store.
type memStore struct {
	mu        sync.Mutex
	convs     map[string]*Conversation
	msgs      map[string][]storedMessage
	nextID    int
	touches   int
	createErr error
	appendErr error
	listErr   error
	getErr    error

	// When set, DeleteConversation signals deleting and waits for release.
	deleting chan struct{}
	release  chan struct{}
}

func newMemStore() *memStore {
	return &memStore{
		convs: map[string]*Conversation{},
		msgs:  map[string][]storedMessage{},
	}
}

func (m *memStore) CreateConversation(_ context.Context, title string, createdAt, updatedAt time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return "", m.createErr
	}
	m.nextID++
	id := fmt.Sprintf("c%d", m.nextID)
	m.convs[id] = &Conversation{ID: id, Title: title, CreatedAt: createdAt, UpdatedAt: updatedAt}
	return id, nil
}

func (m *memStore) AppendMessage(_ context.Context, id string, msg llm.ChatMessage, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	if _, ok := m.convs[id]; !ok {
		return errors.New("conversation not found")
	}
	m.msgs[id] = append(m.msgs[id], storedMessage{msg: msg, at: at})
	return nil
}

func (m *memStore) TouchUpdatedAt(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return errors.New("conversation not found")
	}
	m.touches++
	if at.After(c.UpdatedAt) {
		c.UpdatedAt = at
	}
	return nil
}

func (m *memStore) ListConversations(_ context.Context, limit int) ([]Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]Conversation, 0, len(m.convs))
	for _, c := range m.convs {
		out = append(out, *c)
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
	if m.getErr != nil {
		return nil, m.getErr
	}
	if _, ok := m.convs[id]; !ok {
		return nil, errors.New("conversation not found")
	}
	stored := append([]storedMessage(nil), m.msgs[id]...)
	sort.SliceStable(stored, func(i, j int) bool { return stored[i].at.Before(stored[j].at) })
	out := make([]llm.ChatMessage, len(stored))
	for i, s := range stored {
		out[i] = s.msg
	}
	return out, nil
}

func (m *memStore) DeleteConversation(_ context.Context, id string) error {
	if m.deleting != nil {
		close(m.deleting)
		<-m.release
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.convs, id)
	delete(m.msgs, id)
	return nil
}

func (m *memStore) ReplaceLastAssistantMessage(_ context.Context, id string, content string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return errors.New("conversation not found")
	}
	msgs := m.msgs[id]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].msg.Role == llm.RoleAssistant {
			msgs[i].msg.Content = content
			c.UpdatedAt = at
			return nil
		}
	}
	m.msgs[id] = append(msgs, storedMessage{msg: llm.ChatMessage{Role: llm.RoleAssistant, Content: content}, at: at})
	c.UpdatedAt = at
	return nil
}

// seed stores a conversation with msgs and returns its ID.
func (m *memStore) seed(title string, updated time.Time, msgs ...llm.ChatMessage) string {
	id, _ := m.CreateConversation(context.Background(), title, updated, updated)
	for i, msg := range msgs {
		_ = m.AppendMessage(context.Background(), id, msg, updated.Add(time.Duration(i)*time.Millisecond))
	}
	return id
}

func (m *memStore) stored(id string) []llm.ChatMessage {
	msgs, _ := m.GetMessages(context.Background(), id)
	return msgs
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.convs)
}

func (m *memStore) touchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.touches
}

func user(s string) llm.ChatMessage      { return llm.ChatMessage{Role: llm.RoleUser, Content: s} }
func assistant(s string) llm.ChatMessage { return llm.ChatMessage{Role: llm.RoleAssistant, Content: s} }
