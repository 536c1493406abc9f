package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/raphaelgruber/openchat/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(p *fakeProvider, store *memStore) *Session {
	return NewSession(p, store, Options{Model: "test", TitleModel: "title"})
}

// recorder collects every published snapshot.
type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) record(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) all() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snaps...)
}

func TestSendNewConversation(t *testing.T) {
	p := &fakeProvider{title: "Greeting"}
	p.queue(&sliceStream{deltas: []string{"He", "llo"}})
	store := newMemStore()
	s := newTestSession(p, store)

	rec := &recorder{}
	unsubscribe := s.Subscribe(rec.record)
	defer unsubscribe()

	require.NoError(t, s.Send(context.Background(), "hi"))

	snap := s.Snapshot()
	assert.False(t, snap.Streaming)
	assert.NotEmpty(t, snap.ConversationID, "first exchange assigns an ID")
	assert.Equal(t, []llm.ChatMessage{user("hi"), assistant("Hello")}, snap.Messages)

	assert.Equal(t, []llm.ChatMessage{user("hi"), assistant("Hello")}, store.stored(snap.ConversationID))
	assert.Equal(t, []llm.ChatMessage{user("hi")}, p.lastPrompt(), "prompt includes the new user message only")

	// Placeholder, each delta, finalize, then the ID once persisted.
	snaps := rec.all()
	require.GreaterOrEqual(t, len(snaps), 4)
	assert.True(t, snaps[0].Streaming)
	assert.Equal(t, "", snaps[0].Messages[1].Content)
	assert.Equal(t, "He", snaps[1].Messages[1].Content)
	assert.Equal(t, "Hello", snaps[2].Messages[1].Content)
	last := snaps[len(snaps)-1]
	assert.False(t, last.Streaming)
	assert.Equal(t, snap.ConversationID, last.ConversationID)
}

func TestSendExistingConversationAppendsOnlyNewMessages(t *testing.T) {
	store := newMemStore()
	id := store.seed("Old", time.Now().Add(-time.Hour), user("a"), assistant("b"))

	p := &fakeProvider{}
	p.queue(&sliceStream{deltas: []string{"d"}})
	s := newTestSession(p, store)
	require.NoError(t, s.SwitchConversation(context.Background(), id))

	require.NoError(t, s.Send(context.Background(), "c"))
	s.Wait()

	assert.Equal(t, id, s.Snapshot().ConversationID, "ID never changes")
	assert.Equal(t, []llm.ChatMessage{user("a"), assistant("b"), user("c"), assistant("d")}, store.stored(id))
	assert.Equal(t, 1, store.count())
	assert.Equal(t, []llm.ChatMessage{user("a"), assistant("b"), user("c")}, p.lastPrompt())
}

func TestSendValidation(t *testing.T) {
	s := newTestSession(&fakeProvider{}, newMemStore())

	for _, text := range []string{"", "   ", "\n\t"} {
		assert.ErrorIs(t, s.Send(context.Background(), text), ErrEmptyMessage)
	}
	assert.Empty(t, s.Snapshot().Messages, "rejected sends have no side effects")
}

func TestSendProviderFailure(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(p *fakeProvider)
		marker string
	}{
		{
			name:   "request rejected",
			setup:  func(p *fakeProvider) { p.startErr = &llm.ProviderError{Op: "stream", StatusCode: 500, Err: errors.New("boom")} },
			marker: "Error: stream: HTTP 500: boom",
		},
		{
			name:   "mid-stream failure",
			setup:  func(p *fakeProvider) { p.queue(&sliceStream{deltas: []string{"par"}, err: errors.New("reset")}) },
			marker: "Error: reset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProvider{title: "t"}
			tt.setup(p)
			store := newMemStore()
			s := newTestSession(p, store)

			err := s.Send(context.Background(), "hi")
			require.Error(t, err)

			snap := s.Snapshot()
			assert.False(t, snap.Streaming)
			assert.Empty(t, snap.ConversationID)
			require.Len(t, snap.Messages, 2)
			assert.Equal(t, tt.marker, snap.Messages[1].Content)
			assert.Equal(t, 0, store.count(), "failed turn is not persisted")
		})
	}
}

func TestSendWhileStreamingIsRejected(t *testing.T) {
	ch := make(chan string)
	p := &fakeProvider{title: "t"}
	p.queue(&chanStream{ch: ch})
	store := newMemStore()
	s := newTestSession(p, store)

	streaming := make(chan struct{})
	var once sync.Once
	s.Subscribe(func(snap Snapshot) {
		if snap.Streaming {
			once.Do(func() { close(streaming) })
		}
	})

	errc := make(chan error, 1)
	go func() { errc <- s.Send(context.Background(), "first") }()
	<-streaming

	assert.ErrorIs(t, s.Send(context.Background(), "second"), ErrBusy)
	assert.ErrorIs(t, s.Regenerate(context.Background()), ErrBusy)
	assert.ErrorIs(t, s.SwitchConversation(context.Background(), ""), ErrBusy)
	assert.ErrorIs(t, s.NewConversation(), ErrBusy)

	snap := s.Snapshot()
	assert.Len(t, snap.Messages, 2, "exactly one placeholder")
	assert.True(t, snap.Streaming)

	ch <- "ok"
	close(ch)
	require.NoError(t, <-errc)
	assert.Len(t, s.Snapshot().Messages, 2)
}

func TestRegenerate(t *testing.T) {
	store := newMemStore()
	id := store.seed("t", time.Now().Add(-time.Minute), user("q"), assistant("old"))

	p := &fakeProvider{}
	p.queue(&sliceStream{deltas: []string{"ne", "w"}})
	s := newTestSession(p, store)
	require.NoError(t, s.SwitchConversation(context.Background(), id))

	require.NoError(t, s.Regenerate(context.Background()))

	snap := s.Snapshot()
	assert.Equal(t, []llm.ChatMessage{user("q"), assistant("new")}, snap.Messages, "never three messages")
	assert.Equal(t, id, snap.ConversationID)
	assert.Equal(t, []llm.ChatMessage{user("q")}, p.lastPrompt(), "prompt excludes the replaced reply")

	assert.Equal(t, []llm.ChatMessage{user("q"), assistant("new")}, store.stored(id), "no duplicate reply stored")
	assert.Equal(t, 1, store.count(), "regenerate never creates a conversation")
}

func TestRegenerateValidation(t *testing.T) {
	store := newMemStore()
	onlyUser := store.seed("t", time.Now(), user("q"))
	endsWithUser := store.seed("t", time.Now(), user("q"), assistant("a"), user("again"))

	s := newTestSession(&fakeProvider{}, store)
	assert.ErrorIs(t, s.Regenerate(context.Background()), ErrNothingToRegenerate, "empty session")

	require.NoError(t, s.SwitchConversation(context.Background(), onlyUser))
	assert.ErrorIs(t, s.Regenerate(context.Background()), ErrNothingToRegenerate, "single message")

	require.NoError(t, s.SwitchConversation(context.Background(), endsWithUser))
	assert.ErrorIs(t, s.Regenerate(context.Background()), ErrNothingToRegenerate, "last message is not a reply")
	assert.Len(t, s.Snapshot().Messages, 3)
}

func TestRegenerateFailureRestoresReply(t *testing.T) {
	store := newMemStore()
	id := store.seed("t", time.Now(), user("q"), assistant("old"))

	p := &fakeProvider{}
	p.queue(&sliceStream{deltas: []string{"half"}, err: errors.New("reset")})
	s := newTestSession(p, store)
	require.NoError(t, s.SwitchConversation(context.Background(), id))

	require.Error(t, s.Regenerate(context.Background()))

	snap := s.Snapshot()
	assert.False(t, snap.Streaming)
	assert.Equal(t, []llm.ChatMessage{user("q"), assistant("old")}, snap.Messages)
	assert.Equal(t, []llm.ChatMessage{user("q"), assistant("old")}, store.stored(id), "nothing written")

	// The session is usable again.
	p.queue(&sliceStream{deltas: []string{"fresh"}})
	require.NoError(t, s.Regenerate(context.Background()))
	assert.Equal(t, []llm.ChatMessage{user("q"), assistant("fresh")}, store.stored(id))
}

func TestRegenerateAfterFailedSendPersistsTurn(t *testing.T) {
	store := newMemStore()
	id := store.seed("t", time.Now().Add(-time.Minute), user("a"), assistant("b"))

	p := &fakeProvider{}
	p.queue(
		&sliceStream{err: errors.New("timeout")},
		&sliceStream{deltas: []string{"d"}},
	)
	s := newTestSession(p, store)
	require.NoError(t, s.SwitchConversation(context.Background(), id))

	require.Error(t, s.Send(context.Background(), "c"))
	require.NoError(t, s.Regenerate(context.Background()))

	assert.Equal(t, []llm.ChatMessage{user("a"), assistant("b"), user("c"), assistant("d")}, s.Snapshot().Messages)
	assert.Equal(t, []llm.ChatMessage{user("a"), assistant("b"), user("c"), assistant("d")}, store.stored(id),
		"the earlier reply is kept and the retried turn is appended")
}

func TestSwitchConversationToNone(t *testing.T) {
	store := newMemStore()
	id := store.seed("t", time.Now(), user("q"), assistant("a"))

	s := newTestSession(&fakeProvider{}, store)
	require.NoError(t, s.SwitchConversation(context.Background(), id))
	require.Len(t, s.Snapshot().Messages, 2)

	require.NoError(t, s.SwitchConversation(context.Background(), ""))
	snap := s.Snapshot()
	assert.Empty(t, snap.Messages)
	assert.Empty(t, snap.ConversationID)

	require.NoError(t, s.NewConversation())
	assert.Empty(t, s.Snapshot().Messages)
}

func TestSwitchConversationStoreFailure(t *testing.T) {
	store := newMemStore()
	id := store.seed("t", time.Now(), user("q"), assistant("a"))
	s := newTestSession(&fakeProvider{}, store)
	require.NoError(t, s.SwitchConversation(context.Background(), id))

	store.getErr = errors.New("store down")
	err := s.SwitchConversation(context.Background(), "other")
	require.Error(t, err)

	snap := s.Snapshot()
	assert.Equal(t, id, snap.ConversationID, "session untouched")
	assert.Len(t, snap.Messages, 2)
}

func TestLoadMostRecent(t *testing.T) {
	store := newMemStore()
	now := time.Now()
	store.seed("older", now.Add(-time.Hour), user("old"), assistant("x"))
	recent := store.seed("recent", now, user("new"), assistant("y"))

	s := newTestSession(&fakeProvider{}, store)
	require.NoError(t, s.LoadMostRecent(context.Background()))

	snap := s.Snapshot()
	assert.Equal(t, recent, snap.ConversationID)
	assert.Equal(t, []llm.ChatMessage{user("new"), assistant("y")}, snap.Messages)
}

func TestLoadMostRecentEmptyStore(t *testing.T) {
	s := newTestSession(&fakeProvider{}, newMemStore())
	require.NoError(t, s.LoadMostRecent(context.Background()))
	assert.Empty(t, s.Snapshot().ConversationID)
	assert.Empty(t, s.Snapshot().Messages)
}

func TestTouchDuringStreaming(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		want     func(t *testing.T, touches int)
	}{
		{"every delta", 0, func(t *testing.T, touches int) {
			// three deltas plus the refresh after appending
			assert.Equal(t, 4, touches)
		}},
		{"throttled", time.Hour, func(t *testing.T, touches int) {
			// first delta plus the refresh after appending
			assert.Equal(t, 2, touches)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			id := store.seed("t", time.Now().Add(-time.Hour), user("a"), assistant("b"))

			p := &fakeProvider{}
			p.queue(&sliceStream{deltas: []string{"x", "y", "z"}})
			s := NewSession(p, store, Options{TouchInterval: tt.interval})
			require.NoError(t, s.SwitchConversation(context.Background(), id))

			require.NoError(t, s.Send(context.Background(), "c"))
			s.Wait()
			tt.want(t, store.touchCount())
		})
	}
}

func TestNoTouchForUnsavedConversation(t *testing.T) {
	store := newMemStore()
	p := &fakeProvider{title: "t"}
	p.queue(&sliceStream{deltas: []string{"x", "y"}})
	s := NewSession(p, store, Options{})

	require.NoError(t, s.Send(context.Background(), "hi"))
	s.Wait()
	assert.Equal(t, 0, store.touchCount())
}

func TestStoreFailureIsNotSurfaced(t *testing.T) {
	store := newMemStore()
	store.createErr = errors.New("store down")
	p := &fakeProvider{title: "t"}
	p.queue(&sliceStream{deltas: []string{"Hello"}})
	s := newTestSession(p, store)

	require.NoError(t, s.Send(context.Background(), "hi"))

	snap := s.Snapshot()
	assert.Empty(t, snap.ConversationID)
	assert.Equal(t, []llm.ChatMessage{user("hi"), assistant("Hello")}, snap.Messages, "session stays the source of truth")
	assert.False(t, snap.Streaming)
}

func TestRegenerateAfterFailedAppendKeepsEarlierReply(t *testing.T) {
	store := newMemStore()
	id := store.seed("saved", time.Now().Add(-time.Minute), user("q1"), assistant("a1"))
	p := &fakeProvider{title: "t"}
	p.queue(&sliceStream{deltas: []string{"a2"}}, &sliceStream{deltas: []string{"a2-new"}})
	s := newTestSession(p, store)
	require.NoError(t, s.SwitchConversation(context.Background(), id))

	store.mu.Lock()
	store.appendErr = errors.New("write timeout")
	store.mu.Unlock()
	require.NoError(t, s.Send(context.Background(), "q2"))

	store.mu.Lock()
	store.appendErr = nil
	store.mu.Unlock()
	require.NoError(t, s.Regenerate(context.Background()))

	assert.Equal(t, []llm.ChatMessage{
		user("q1"), assistant("a1"), user("q2"), assistant("a2-new"),
	}, store.stored(id), "the unsaved exchange is written, the earlier reply stays")
	assert.Equal(t, store.stored(id), s.Snapshot().Messages)
}

func TestRegenerateAfterFailedAppendToNewConversation(t *testing.T) {
	store := newMemStore()
	store.appendErr = errors.New("write timeout")
	p := &fakeProvider{title: "t"}
	p.queue(&sliceStream{deltas: []string{"first"}}, &sliceStream{deltas: []string{"second"}})
	s := newTestSession(p, store)

	require.NoError(t, s.Send(context.Background(), "hi"))
	id := s.Snapshot().ConversationID
	require.NotEmpty(t, id, "conversation was created before the append failed")
	assert.Empty(t, store.stored(id))

	store.mu.Lock()
	store.appendErr = nil
	store.mu.Unlock()
	require.NoError(t, s.Regenerate(context.Background()))

	assert.Equal(t, []llm.ChatMessage{user("hi"), assistant("second")}, store.stored(id))
	assert.Equal(t, 1, store.count(), "no second conversation")
}

func TestDeleteActiveConversationBlocksSend(t *testing.T) {
	store := newMemStore()
	id := store.seed("active", time.Now(), user("q"), assistant("a"))
	store.deleting = make(chan struct{})
	store.release = make(chan struct{})
	p := &fakeProvider{title: "t"}
	s := newTestSession(p, store)
	require.NoError(t, s.SwitchConversation(context.Background(), id))

	done := make(chan error, 1)
	go func() { done <- s.DeleteConversation(context.Background(), id) }()

	<-store.deleting
	assert.ErrorIs(t, s.Send(context.Background(), "late"), ErrBusy)
	close(store.release)

	require.NoError(t, <-done)
	assert.Empty(t, s.Snapshot().ConversationID)
	assert.Empty(t, s.Snapshot().Messages)
	assert.Empty(t, p.prompts, "nothing was streamed into the deleted conversation")
}

func TestDeleteConversation(t *testing.T) {
	store := newMemStore()
	active := store.seed("active", time.Now(), user("q"), assistant("a"))
	other := store.seed("other", time.Now().Add(-time.Hour), user("q2"), assistant("a2"))

	s := newTestSession(&fakeProvider{}, store)
	require.NoError(t, s.SwitchConversation(context.Background(), active))

	require.NoError(t, s.DeleteConversation(context.Background(), other))
	assert.Equal(t, active, s.Snapshot().ConversationID, "deleting another conversation keeps the session")

	require.NoError(t, s.DeleteConversation(context.Background(), active))
	assert.Empty(t, s.Snapshot().ConversationID)
	assert.Empty(t, s.Snapshot().Messages)
	assert.Equal(t, 0, store.count())
}

func TestResetAbandonsReplyInFlight(t *testing.T) {
	ch := make(chan string)
	p := &fakeProvider{title: "t"}
	p.queue(&chanStream{ch: ch, err: context.Canceled})
	store := newMemStore()
	s := newTestSession(p, store)

	streaming := make(chan struct{})
	var once sync.Once
	s.Subscribe(func(snap Snapshot) {
		if snap.Streaming {
			once.Do(func() { close(streaming) })
		}
	})

	errc := make(chan error, 1)
	go func() { errc <- s.Send(context.Background(), "hi") }()
	<-streaming

	s.Reset()
	close(ch)
	assert.Error(t, <-errc)

	snap := s.Snapshot()
	assert.Empty(t, snap.Messages)
	assert.False(t, snap.Streaming)
	assert.Equal(t, 0, store.count())

	p.queue(&sliceStream{deltas: []string{"again"}})
	require.NoError(t, s.Send(context.Background(), "hi"), "session accepts commands after reset")
}

func TestUnsubscribe(t *testing.T) {
	p := &fakeProvider{title: "t"}
	p.queue(&sliceStream{deltas: []string{"a"}})
	s := newTestSession(p, newMemStore())

	calls := 0
	unsubscribe := s.Subscribe(func(Snapshot) { calls++ })
	unsubscribe()

	require.NoError(t, s.Send(context.Background(), "hi"))
	assert.Equal(t, 0, calls)
}

func TestSnapshotIsACopy(t *testing.T) {
	store := newMemStore()
	id := store.seed("t", time.Now(), user("q"), assistant("a"))
	s := newTestSession(&fakeProvider{}, store)
	require.NoError(t, s.SwitchConversation(context.Background(), id))

	snap := s.Snapshot()
	snap.Messages[0].Content = "mutated"
	assert.Equal(t, "q", s.Snapshot().Messages[0].Content)
}
