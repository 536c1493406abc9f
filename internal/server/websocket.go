package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/openchat/internal/chat"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxCommandSize = 1 << 20
)

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	owner := s.owner(r)
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied with an HTTP error.
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	logger := s.logger.With("user", owner)
	sess := s.newSession(s.stores(owner), owner)
	c := newConn(ws, logger)
	unsubscribe := sess.Subscribe(c.pushSnapshot)

	ctx, cancel := context.WithCancel(r.Context())
	var inflight sync.WaitGroup

	logger.Info("websocket connected")
	go c.writeLoop()
	c.readLoop(func(cmd Command) {
		s.dispatch(ctx, sess, c, cmd, &inflight)
	})

	// Abandon any reply in flight and let its goroutine finish before the
	// writer goes away.
	cancel()
	sess.Reset()
	inflight.Wait()
	sess.Wait()
	unsubscribe()
	c.close()
	logger.Info("websocket disconnected")
}

// dispatch runs cmd against sess. Send and Regenerate run in the background
// so the connection keeps reading; a second one is rejected by the session.
func (s *Server) dispatch(ctx context.Context, sess *chat.Session, c *conn, cmd Command, inflight *sync.WaitGroup) {
	finish := func(err error) {
		if err != nil {
			c.push(Event{Type: EventError, Command: cmd.Type, Error: err.Error()})
			return
		}
		c.push(Event{Type: EventDone, Command: cmd.Type})
	}

	switch cmd.Type {
	case CmdSend, CmdRegenerate:
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			if cmd.Type == CmdSend {
				finish(sess.Send(ctx, cmd.Text))
			} else {
				finish(sess.Regenerate(ctx))
			}
		}()
	case CmdSwitch:
		finish(sess.SwitchConversation(ctx, cmd.ConversationID))
	case CmdNew:
		finish(sess.NewConversation())
	case CmdLoadMostRecent:
		finish(sess.LoadMostRecent(ctx))
	case CmdList:
		convs, err := sess.ListConversations(ctx, cmd.Limit)
		if err != nil {
			finish(err)
			return
		}
		if convs == nil {
			convs = []chat.Conversation{}
		}
		c.push(Event{Type: EventConversations, Command: cmd.Type, Conversations: convs})
	case CmdDelete:
		finish(sess.DeleteConversation(ctx, cmd.ConversationID))
	case CmdSnapshot:
		snap := sess.Snapshot()
		c.push(Event{Type: EventSnapshot, Command: cmd.Type, Snapshot: &snap})
	case CmdReset:
		sess.Reset()
		finish(nil)
	default:
		c.push(Event{Type: EventError, Command: cmd.Type, Error: "unknown command"})
	}
}

// conn serializes writes to a websocket. Consecutive snapshots are coalesced
// to the newest one; every other event is delivered in push order.
type conn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	mu     sync.Mutex
	latest *chat.Snapshot
	queue  []Event
	closed bool

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

func newConn(ws *websocket.Conn, logger *slog.Logger) *conn {
	return &conn{
		ws:      ws,
		logger:  logger,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (c *conn) pushSnapshot(s chat.Snapshot) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.latest = &s
	c.mu.Unlock()
	c.signal()
}

func (c *conn) push(ev Event) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.latest != nil {
		c.queue = append(c.queue, Event{Type: EventSnapshot, Snapshot: c.latest})
		c.latest = nil
	}
	c.queue = append(c.queue, ev)
	c.mu.Unlock()
	c.signal()
}

func (c *conn) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *conn) take() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.queue
	c.queue = nil
	if c.latest != nil {
		out = append(out, Event{Type: EventSnapshot, Snapshot: c.latest})
		c.latest = nil
	}
	return out
}

func (c *conn) readLoop(handle func(Command)) {
	c.ws.SetReadLimit(maxCommandSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.logger.Warn("malformed command", "error", err, "raw", truncate(string(data), maxArgLogLen))
			c.push(Event{Type: EventError, Error: "malformed command"})
			continue
		}
		c.logger.Debug("command received", "type", cmd.Type)
		handle(cmd)
	}
}

func (c *conn) writeLoop() {
	defer close(c.stopped)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.wake:
			if !c.flush() {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.abort(err)
				return
			}
		case <-c.done:
			if c.flush() {
				_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			}
			return
		}
	}
}

func (c *conn) flush() bool {
	for _, ev := range c.take() {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteJSON(ev); err != nil {
			c.abort(err)
			return false
		}
	}
	return true
}

// abort stops accepting events and closes the socket so the read loop ends.
func (c *conn) abort(err error) {
	c.logger.Debug("websocket write failed", "error", err)
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	_ = c.ws.Close()
}

// close flushes pending events and shuts the connection down.
func (c *conn) close() {
	close(c.done)
	<-c.stopped
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	_ = c.ws.Close()
}
