package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// script answers each command type with a fixed list of events.
type script map[string][]event

// fakeServer serves /ws from a script and records received commands.
type fakeServer struct {
	mu       sync.Mutex
	commands []command
	users    []string
}

func (f *fakeServer) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]string, len(f.commands))
	for i, c := range f.commands {
		types[i] = c.Type
	}
	return types
}

func (f *fakeServer) seenUsers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.users...)
}

func newFakeServer(t *testing.T, sc script) (*httptest.Server, *fakeServer) {
	t.Helper()
	f := &fakeServer{}
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.users = append(f.users, r.Header.Get(UserHeader))
		f.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()
		for {
			var cmd command
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			f.mu.Lock()
			f.commands = append(f.commands, cmd)
			f.mu.Unlock()

			for _, ev := range sc[cmd.Type] {
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			}
		}
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, f
}

func snapshot(id string, streaming bool, reply string) *Snapshot {
	return &Snapshot{
		ConversationID: id,
		Streaming:      streaming,
		Messages: []Message{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: reply},
		},
	}
}

func TestAskStreamsTokens(t *testing.T) {
	ts, f := newFakeServer(t, script{
		"load_most_recent": {
			{Type: "snapshot", Snapshot: &Snapshot{}},
			{Type: "done", Command: "load_most_recent"},
		},
		"send": {
			{Type: "snapshot", Snapshot: snapshot("", true, "")},
			{Type: "snapshot", Snapshot: snapshot("", true, "Hel")},
			{Type: "snapshot", Snapshot: snapshot("", true, "Hello")},
			{Type: "snapshot", Snapshot: snapshot("", false, "Hello!")},
			{Type: "snapshot", Snapshot: snapshot("c1", false, "Hello!")},
			{Type: "done", Command: "send"},
		},
	})

	var tokens []string
	id, err := New(ts.URL, "alice").Ask(context.Background(), "hi", AskOptions{}, func(tok string) error {
		tokens = append(tokens, tok)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "c1", id)
	assert.Equal(t, []string{"Hel", "lo", "!"}, tokens)
	assert.Equal(t, []string{"load_most_recent", "send"}, f.received())
	assert.Equal(t, []string{"alice"}, f.seenUsers())
}

func TestAskFailureDropsErrorMarker(t *testing.T) {
	ts, _ := newFakeServer(t, script{
		"new": {{Type: "done", Command: "new"}},
		"send": {
			{Type: "snapshot", Snapshot: snapshot("", true, "")},
			{Type: "snapshot", Snapshot: snapshot("", false, "Error: HTTP 500")},
			{Type: "error", Command: "send", Error: "HTTP 500"},
		},
	})

	var tokens []string
	_, err := New(ts.URL, "").Ask(context.Background(), "hi", AskOptions{New: true}, func(tok string) error {
		tokens = append(tokens, tok)
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 500")
	assert.Empty(t, tokens)
}

func TestAskSetupFailureSendsNothing(t *testing.T) {
	ts, f := newFakeServer(t, script{
		"switch": {{Type: "error", Command: "switch", Error: "entity not found"}},
	})

	_, err := New(ts.URL, "").Ask(context.Background(), "hi", AskOptions{ConversationID: "gone"}, func(string) error { return nil })
	require.Error(t, err)
	assert.Equal(t, []string{"switch"}, f.received())
}

func TestAskCallbackAborts(t *testing.T) {
	ts, _ := newFakeServer(t, script{
		"load_most_recent": {{Type: "done", Command: "load_most_recent"}},
		"send": {
			{Type: "snapshot", Snapshot: snapshot("", true, "Hel")},
			{Type: "snapshot", Snapshot: snapshot("", true, "Hello")},
		},
	})

	stop := fmt.Errorf("stop")
	_, err := New(ts.URL, "").Ask(context.Background(), "hi", AskOptions{}, func(string) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestRegenerate(t *testing.T) {
	ts, f := newFakeServer(t, script{
		"switch": {
			{Type: "snapshot", Snapshot: snapshot("c1", false, "stale")},
			{Type: "done", Command: "switch"},
		},
		"regenerate": {
			{Type: "snapshot", Snapshot: snapshot("c1", true, "")},
			{Type: "snapshot", Snapshot: snapshot("c1", true, "fresh")},
			{Type: "snapshot", Snapshot: snapshot("c1", false, "fresh")},
			{Type: "done", Command: "regenerate"},
		},
	})

	var out string
	id, err := New(ts.URL, "").Regenerate(context.Background(), "c1", func(tok string) error {
		out += tok
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "c1", id)
	assert.Equal(t, "fresh", out)
	assert.Equal(t, []string{"switch", "regenerate"}, f.received())
}

func TestSelectCommand(t *testing.T) {
	tests := []struct {
		name string
		opts AskOptions
		want command
	}{
		{"most recent", AskOptions{}, command{Type: "load_most_recent"}},
		{"new", AskOptions{New: true}, command{Type: "new"}},
		{"conversation wins", AskOptions{ConversationID: "c1", New: true}, command{Type: "switch", ConversationID: "c1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, selectCommand(tt.opts))
		})
	}
}

func TestHTTPOperations(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/conversations", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "alice", r.Header.Get(UserHeader))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode([]Conversation{{ID: "c1", Title: "Trip"}})
	})
	mux.HandleFunc("DELETE /api/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "c1" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "conversation not found"})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"uptimeSeconds": 12.5, "llmStream": {"count": 3, "totalInputTokens": 40}}`))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := New(ts.URL+"/", "alice")
	ctx := context.Background()

	convs, err := c.ListConversations(ctx, 5)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "Trip", convs[0].Title)

	require.NoError(t, c.DeleteConversation(ctx, "c1"))
	err = c.DeleteConversation(ctx, "c2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conversation not found")

	stats, err := c.GetServerStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12.5, stats.UptimeSeconds)
	require.NotNil(t, stats.LLMStream)
	assert.Equal(t, int64(3), stats.LLMStream.Count)
	require.NotNil(t, stats.LLMStream.TotalInputTokens)
	assert.Equal(t, int64(40), *stats.LLMStream.TotalInputTokens)
	assert.Nil(t, stats.StoreRead)
}
