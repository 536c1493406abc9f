// Package server exposes chat sessions to browser front-ends over HTTP and
// websocket.
//
// Identity comes from the X-User-ID header set by an authenticating proxy.
// Requests without it act as Options.DefaultUser, and their websocket
// upgrades are only accepted from the server's own origin or from clients
// that send no Origin header.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/openchat/internal/chat"
	"github.com/raphaelgruber/openchat/internal/db"
	"github.com/raphaelgruber/openchat/internal/metrics"
)

// UserHeader carries the user id set by an authenticating proxy.
const UserHeader = "X-User-ID"

// StoreFunc returns the conversation store of owner.
type StoreFunc func(owner string) chat.Store

// Options configures the sessions the server creates.
type Options struct {
	Model         string
	TitleModel    string
	TouchInterval time.Duration

	// DefaultUser is used when a request carries no UserHeader.
	DefaultUser string

	// Ping reports whether the store is reachable. Nil skips the check.
	Ping func(ctx context.Context) error
}

// Server serves one chat.Session per websocket connection.
type Server struct {
	provider chat.Provider
	stores   StoreFunc
	opts     Options
	metrics  *metrics.Collector
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// New creates a server. mc may be nil.
func New(provider chat.Provider, stores StoreFunc, opts Options, logger *slog.Logger, mc *metrics.Collector) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		provider: provider,
		stores:   stores,
		opts:     opts,
		metrics:  mc,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin:     checkOrigin,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// checkOrigin trusts requests the proxy has identified. Anonymous requests
// fall back to the default user and must come from the same origin.
func checkOrigin(r *http.Request) bool {
	if r.Header.Get(UserHeader) != "" {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// Handler returns the routes wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /api/conversations", s.handleListConversations)
	mux.HandleFunc("DELETE /api/conversations/{id}", s.handleDeleteConversation)
	mux.HandleFunc("GET /ws", s.handleWebsocket)

	return LoggingMiddleware(s.logger)(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.opts.Ping(ctx); err != nil {
			s.logger.Error("health check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, "store unavailable")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

// owner resolves the user a request acts for.
func (s *Server) owner(r *http.Request) string {
	if u := strings.TrimSpace(r.Header.Get(UserHeader)); u != "" {
		return u
	}
	return s.opts.DefaultUser
}

func (s *Server) newSession(store chat.Store, owner string) *chat.Session {
	return chat.NewSession(s.provider, store, chat.Options{
		Model:         s.opts.Model,
		TitleModel:    s.opts.TitleModel,
		TouchInterval: s.opts.TouchInterval,
		Logger:        s.logger.With("user", owner),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	convs, err := s.stores(s.owner(r)).ListConversations(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list conversations", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if convs == nil {
		convs = []chat.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.stores(s.owner(r)).DeleteConversation(r.Context(), id)
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
	case err != nil:
		s.logger.Error("failed to delete conversation", "conversation", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete conversation")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
