package chat

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/raphaelgruber/openchat/internal/llm"
	"golang.org/x/time/rate"
)

// ErrorPrefix marks an assistant slot whose reply failed.
const ErrorPrefix = "Error: "

// Options configures a Session.
type Options struct {
	Model      string // chat model, empty for the provider default
	TitleModel string // model used to name new conversations

	// TouchInterval is the minimum spacing of updated_at refreshes while a
	// reply streams into a saved conversation. Zero touches on every delta.
	TouchInterval time.Duration

	Logger *slog.Logger
}

// Session is the single live conversation of a client.
//
// All commands are safe for concurrent use. Send and Regenerate are
// single-flight: while one is running (streaming or persisting) every other
// command except Reset fails with ErrBusy. Subscribers are called
// synchronously in state-change order and must not call commands themselves.
type Session struct {
	provider      Provider
	store         Store
	sync          *Synchronizer
	model         string
	touchInterval time.Duration
	logger        *slog.Logger

	mu             sync.Mutex
	conversationID string
	messages       []llm.ChatMessage
	streaming      bool
	busy           bool
	unsaved        int    // trailing messages of a saved conversation that never reached the store
	epoch          uint64 // bumped when the session is replaced wholesale
	cancel         context.CancelFunc

	pubMu   sync.Mutex // held while publishing so snapshots keep their order
	subMu   sync.Mutex
	subs    []subscriber
	nextSub int

	touches sync.WaitGroup
}

type subscriber struct {
	id int
	fn func(Snapshot)
}

// turn is one accepted Send or Regenerate.
type turn struct {
	ctx     context.Context
	cancel  context.CancelFunc
	epoch   uint64
	convID  string
	history []llm.ChatMessage // prompt for the provider
}

// NewSession creates an empty, unsaved session.
func NewSession(provider Provider, store Store, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		provider:      provider,
		store:         store,
		sync:          NewSynchronizer(store, provider, opts.TitleModel, logger),
		model:         opts.Model,
		touchInterval: opts.TouchInterval,
		logger:        logger,
	}
}

// Send appends text as a user message and streams the assistant's reply into
// a placeholder after it. The finished exchange is persisted before Send
// returns. Provider failures leave an error marker in the placeholder, are
// not persisted and are returned.
func (s *Session) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	user := llm.ChatMessage{Role: llm.RoleUser, Content: text}

	t, err := s.begin(ctx, nil, func() {
		s.messages = append(s.messages, user, llm.ChatMessage{Role: llm.RoleAssistant})
	})
	if err != nil {
		return err
	}
	defer t.cancel()

	reply, err := s.streamReply(t)
	if err != nil {
		s.logger.Warn("reply failed", "conversation", t.convID, "error", err)
		s.end(t, func() {
			s.messages[len(s.messages)-1].Content = ErrorPrefix + err.Error()
			s.unsaved = 2
		})
		return err
	}

	s.finalize(t, reply)

	exchange := []llm.ChatMessage{user, {Role: llm.RoleAssistant, Content: reply}}
	id, perr := s.sync.Persist(t.ctx, t.convID, exchange)
	s.end(t, func() {
		s.adopt(id)
		s.unsaved = Unsaved(len(exchange), perr)
	})
	return nil
}

// Regenerate replaces the last assistant reply with a freshly streamed one.
// On failure the previous reply is restored and nothing is written.
func (s *Session) Regenerate(ctx context.Context) error {
	var previous llm.ChatMessage
	var saved bool
	var tail int

	t, err := s.begin(ctx, func() error {
		n := len(s.messages)
		if n < 2 || s.messages[n-1].Role != llm.RoleAssistant {
			return ErrNothingToRegenerate
		}
		return nil
	}, func() {
		n := len(s.messages)
		previous = s.messages[n-1]
		saved = s.conversationID != "" && s.unsaved == 0
		tail = n
		if s.conversationID != "" {
			tail = s.unsaved
		}
		s.messages[n-1] = llm.ChatMessage{Role: llm.RoleAssistant}
	})
	if err != nil {
		return err
	}
	defer t.cancel()

	reply, err := s.streamReply(t)
	if err != nil {
		s.logger.Warn("regenerate failed", "conversation", t.convID, "error", err)
		s.end(t, func() {
			s.messages[len(s.messages)-1] = previous
		})
		return err
	}

	s.finalize(t, reply)

	if saved {
		_ = s.sync.ReplaceReply(t.ctx, t.convID, reply)
		s.end(t, nil)
		return nil
	}

	// The reply being regenerated never reached the store, so the whole
	// unsaved tail is written as a regular exchange.
	pending := slices.Clone(t.history[len(t.history)-(tail-1):])
	pending = append(pending, llm.ChatMessage{Role: llm.RoleAssistant, Content: reply})
	id, perr := s.sync.Persist(t.ctx, t.convID, pending)
	s.end(t, func() {
		s.adopt(id)
		s.unsaved = Unsaved(len(pending), perr)
	})
	return nil
}

// SwitchConversation replaces the session with the stored conversation id.
// An empty id resets to a new, unsaved conversation. On error the session
// is left unchanged.
func (s *Session) SwitchConversation(ctx context.Context, id string) error {
	if id == "" {
		var err error
		s.commit(func() bool {
			if s.busy {
				err = ErrBusy
				return false
			}
			s.clearLocked()
			return true
		})
		return err
	}

	s.mu.Lock()
	busy := s.busy
	s.mu.Unlock()
	if busy {
		return ErrBusy
	}

	msgs, err := s.store.GetMessages(ctx, id)
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", id, err)
	}

	s.commit(func() bool {
		// A send may have been accepted while messages were loading.
		if s.busy {
			err = ErrBusy
			return false
		}
		s.clearLocked()
		s.conversationID = id
		s.messages = msgs
		return true
	})
	if err == nil {
		s.logger.Debug("switched conversation", "conversation", id, "messages", len(msgs))
	}
	return err
}

// NewConversation resets the session to an empty, unsaved conversation.
func (s *Session) NewConversation() error {
	return s.SwitchConversation(context.Background(), "")
}

// LoadMostRecent switches to the most recently updated conversation, if any.
// Hosts call it once at startup.
func (s *Session) LoadMostRecent(ctx context.Context) error {
	convs, err := s.store.ListConversations(ctx, 1)
	if err != nil {
		return fmt.Errorf("load most recent: %w", err)
	}
	if len(convs) == 0 {
		return nil
	}
	return s.SwitchConversation(ctx, convs[0].ID)
}

// ListConversations returns stored conversations, most recently updated first.
func (s *Session) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	return s.store.ListConversations(ctx, limit)
}

// DeleteConversation removes a stored conversation with its messages.
// Deleting the active conversation resets the session, and commands fail
// with ErrBusy until the store call returns.
func (s *Session) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	active := id != "" && id == s.conversationID
	if active {
		if s.busy {
			s.mu.Unlock()
			return ErrBusy
		}
		s.busy = true
	}
	epoch := s.epoch
	s.mu.Unlock()

	err := s.store.DeleteConversation(ctx, id)

	s.commit(func() bool {
		if s.epoch != epoch {
			// replaced meanwhile, busy was already released
			return false
		}
		if active {
			s.busy = false
		}
		if err != nil || s.conversationID != id || s.busy {
			return false
		}
		s.clearLocked()
		return true
	})
	if err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	return nil
}

// Reset clears the session and abandons any reply in flight.
func (s *Session) Reset() {
	s.commit(func() bool {
		if s.cancel != nil {
			s.cancel()
		}
		s.clearLocked()
		s.busy = false
		s.streaming = false
		return true
	})
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe registers fn to receive a snapshot after every state change.
// The returned function removes the subscription.
func (s *Session) Subscribe(fn func(Snapshot)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSub
	s.nextSub++
	s.subs = append(s.subs, subscriber{id: id, fn: fn})

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		s.subs = slices.DeleteFunc(s.subs, func(sub subscriber) bool { return sub.id == id })
	}
}

// Wait blocks until background updated_at refreshes have finished.
func (s *Session) Wait() {
	s.touches.Wait()
}

// begin accepts a turn. check validates the state, start must leave an empty
// assistant placeholder as the last message.
func (s *Session) begin(ctx context.Context, check func() error, start func()) (*turn, error) {
	var t *turn
	var err error

	s.commit(func() bool {
		if s.busy {
			err = ErrBusy
			return false
		}
		if check != nil {
			if err = check(); err != nil {
				return false
			}
		}

		start()
		s.busy = true
		s.streaming = true

		tctx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		t = &turn{
			ctx:     tctx,
			cancel:  cancel,
			epoch:   s.epoch,
			convID:  s.conversationID,
			history: slices.Clone(s.messages[:len(s.messages)-1]),
		}
		return true
	})
	return t, err
}

// streamReply streams the reply for t into the placeholder.
func (s *Session) streamReply(t *turn) (string, error) {
	stream, err := s.provider.StreamCompletion(t.ctx, s.model, t.history)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	touch := newTouchLimiter(s.touchInterval)
	return Accumulate(stream, func(text string) {
		s.commit(func() bool {
			if s.epoch != t.epoch {
				return false
			}
			s.messages[len(s.messages)-1].Content = text
			return true
		})
		if t.convID != "" {
			touch.Do(func() { s.touchAsync(t.ctx, t.convID) })
		}
	})
}

// finalize stores the complete reply and leaves streaming mode.
// The session stays busy until end.
func (s *Session) finalize(t *turn, reply string) {
	s.commit(func() bool {
		if s.epoch != t.epoch {
			return false
		}
		s.messages[len(s.messages)-1].Content = reply
		s.streaming = false
		return true
	})
}

// end releases the session unless it was reset while t ran.
func (s *Session) end(t *turn, apply func()) {
	s.commit(func() bool {
		if s.epoch != t.epoch {
			return false
		}
		if apply != nil {
			apply()
		}
		s.busy = false
		s.streaming = false
		s.cancel = nil
		return true
	})
}

// adopt records the ID of a newly created conversation. Caller holds mu.
func (s *Session) adopt(id string) {
	if id != "" && s.conversationID == "" {
		s.conversationID = id
	}
}

func (s *Session) touchAsync(ctx context.Context, id string) {
	s.touches.Add(1)
	go func() {
		defer s.touches.Done()
		s.sync.Touch(context.WithoutCancel(ctx), id)
	}()
}

// commit runs fn under the state lock and, if fn reports a change, publishes
// the new snapshot. The publish lock is taken before the state lock is
// released so subscribers see changes in the order they were made.
func (s *Session) commit(fn func() bool) {
	s.mu.Lock()
	if !fn() {
		s.mu.Unlock()
		return
	}
	snap := s.snapshotLocked()
	s.pubMu.Lock()
	s.mu.Unlock()
	defer s.pubMu.Unlock()

	s.subMu.Lock()
	subs := slices.Clone(s.subs)
	s.subMu.Unlock()
	for _, sub := range subs {
		sub.fn(snap)
	}
}

func (s *Session) clearLocked() {
	s.epoch++
	s.conversationID = ""
	s.messages = nil
	s.unsaved = 0
	s.cancel = nil
}

func (s *Session) snapshotLocked() Snapshot {
	msgs := make([]llm.ChatMessage, len(s.messages))
	copy(msgs, s.messages)
	return Snapshot{
		ConversationID: s.conversationID,
		Messages:       msgs,
		Streaming:      s.streaming,
	}
}

func newTouchLimiter(interval time.Duration) *rate.Sometimes {
	if interval <= 0 {
		return &rate.Sometimes{Every: 1}
	}
	return &rate.Sometimes{Interval: interval}
}
