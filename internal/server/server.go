package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/calebmorgan/cosmowatch/internal/chat"
	"github.com/calebmorgan/cosmowatch/internal/presence"
	"github.com/calebmorgan/cosmowatch/internal/ratelimit"
	"github.com/calebmorgan/cosmowatch/internal/ws"
)

// Server is the HTTP server for the Cosmic Watch realtime backend: the
// WebSocket discussion endpoint plus a small read-only API.
type Server struct {
	addr    string
	mux     *http.ServeMux
	store   chat.Store
	hub     *ws.Hub
	conns   *ws.ConnManager
	limiter *ratelimit.IPLimiter
	httpSrv *http.Server

	historyLimit int
	connOpts     []ws.ConnManagerOption
}

// Option configures a Server.
type Option func(*Server)

// WithStore sets the message store backend. Defaults to an in-memory store
// with the standard retention window.
func WithStore(store chat.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithHistoryLimit overrides how many messages are sent on join and
// returned by the history endpoint.
func WithHistoryLimit(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

// WithRateLimit bounds WebSocket upgrade attempts per IP.
func WithRateLimit(max int, window time.Duration) Option {
	return func(s *Server) {
		if max > 0 {
			s.limiter = ratelimit.NewIPLimiter(max, window)
		}
	}
}

// WithConnOptions passes options through to the connection manager.
func WithConnOptions(opts ...ws.ConnManagerOption) Option {
	return func(s *Server) {
		s.connOpts = opts
	}
}

// New creates a Server listening on addr.
func New(addr string, opts ...Option) *Server {
	s := &Server{
		addr:         addr,
		mux:          http.NewServeMux(),
		historyLimit: chat.HistoryLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = chat.NewMemoryStore(chat.DefaultRetention)
	}

	s.conns = ws.NewConnManager(s.connOpts...)
	s.hub = ws.NewHub(
		s.store,
		presence.NewRegistry(),
		presence.NewTypingTracker(),
		s.conns,
		ws.WithHistoryLimit(s.historyLimit),
	)

	s.routes()
	s.httpSrv = &http.Server{Addr: addr, Handler: s.mux}
	return s
}

// Hub returns the room hub.
func (s *Server) Hub() *ws.Hub {
	return s.hub
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains WebSocket connections, stops the HTTP server and closes
// the store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.conns.Shutdown()
	if s.limiter != nil {
		s.limiter.Close()
	}
	err := s.httpSrv.Shutdown(ctx)
	if cerr := s.store.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/topics", s.handleListTopics)
	s.mux.HandleFunc("GET /api/topics/{topic}/messages", s.handleTopicMessages)
	s.mux.Handle("/ws", ws.NewHandler(s.hub, s.limiter))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// topicInfo is one row of the active-topic listing.
type topicInfo struct {
	Topic       string `json:"topic"`
	ActiveUsers int    `json:"active_users"`
}

// handleListTopics returns the topics that currently have participants,
// busiest first.
func (s *Server) handleListTopics(w http.ResponseWriter, r *http.Request) {
	counts := s.hub.Presence().Counts()
	topics := make([]topicInfo, 0, len(counts))
	for topic, n := range counts {
		topics = append(topics, topicInfo{Topic: topic, ActiveUsers: n})
	}
	sort.Slice(topics, func(i, j int) bool {
		if topics[i].ActiveUsers != topics[j].ActiveUsers {
			return topics[i].ActiveUsers > topics[j].ActiveUsers
		}
		return topics[i].Topic < topics[j].Topic
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(topics)
}

// handleTopicMessages returns recent history for a topic, oldest first.
func (s *Server) handleTopicMessages(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")

	limit := s.historyLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		if n < limit {
			limit = n
		}
	}

	msgs, err := s.store.Recent(r.Context(), topic, limit)
	if err != nil {
		http.Error(w, "message store unavailable", http.StatusServiceUnavailable)
		return
	}
	if msgs == nil {
		msgs = []*chat.Message{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(msgs)
}
