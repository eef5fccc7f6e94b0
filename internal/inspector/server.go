// Package inspector serves a read-only HTTP view of a running core: status,
// recent events and verdicts, Prometheus metrics and a websocket event
// stream.
package inspector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/panll/ensaid/internal/metrics"
	"github.com/panll/ensaid/internal/provenance"
	"github.com/panll/ensaid/pkg/events"
	"github.com/panll/ensaid/pkg/protocol"
)

const (
	defaultVerdictLimit = 50
	maxVerdictLimit     = 1000
	writeWait           = 5 * time.Second
	pingPeriod          = 30 * time.Second
)

// StatusSource reports the current core status.
type StatusSource interface {
	Status() protocol.StatusResult
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics exposes m on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithProvenance enables /api/verdicts.
func WithProvenance(l *provenance.Log) Option {
	return func(s *Server) { s.prov = l }
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// Server is the inspector HTTP + WebSocket server.
type Server struct {
	bus       events.EventBus
	status    StatusSource
	metrics   *metrics.Metrics
	prov      *provenance.Log
	logger    *slog.Logger
	mux       *http.ServeMux
	upgrader  websocket.Upgrader
	startTime time.Time

	wsMu      sync.Mutex
	wsClients map[*wsClient]bool
}

// wsClient represents a connected WebSocket client.
type wsClient struct {
	send chan []byte
}

// New creates a new inspector server.
func New(bus events.EventBus, status StatusSource, opts ...Option) *Server {
	s := &Server{
		bus:       bus,
		status:    status,
		logger:    slog.Default(),
		mux:       http.NewServeMux(),
		wsClients: make(map[*wsClient]bool),
		startTime: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/history", s.handleHistory)
	s.mux.HandleFunc("GET /api/verdicts", s.handleVerdicts)
	s.mux.HandleFunc("GET /ws", s.handleWebSocket)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe serves on port and broadcasts bus events until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.Start(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("inspector listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("inspector: %w", err)
	}
	return nil
}

// Start subscribes to the bus and forwards events to websocket clients in
// the background until ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	ch := s.bus.Subscribe()
	go func() {
		defer s.bus.Unsubscribe(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				s.broadcast(ev)
			}
		}
	}()
}

func (s *Server) broadcast(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}

	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	for client := range s.wsClients {
		select {
		case client.send <- data:
		default:
			// Client is slow, drop the event.
		}
	}
}

// Clients returns the number of connected websocket clients.
func (s *Server) Clients() int {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	return len(s.wsClients)
}

// handleWebSocket replays history then streams live events.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	client := &wsClient{send: make(chan []byte, 64)}

	for _, ev := range s.bus.History(time.Time{}) {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}

	s.wsMu.Lock()
	s.wsClients[client] = true
	s.wsMu.Unlock()
	defer func() {
		s.wsMu.Lock()
		delete(s.wsClients, client)
		s.wsMu.Unlock()
	}()

	// The inspector is read-only; reads only detect the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case msg := <-client.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type statusResponse struct {
	protocol.StatusResult
	Uptime string `json:"uptime"`
	Events int    `json:"events"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, statusResponse{
		StatusResult: s.status.Status(),
		Uptime:       time.Since(s.startTime).Round(time.Second).String(),
		Events:       len(s.bus.History(time.Time{})),
	})
}

// handleHistory returns bus history, optionally filtered by ?since=RFC3339
// and ?type=.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "since: "+err.Error(), http.StatusBadRequest)
			return
		}
		since = t
	}

	history := s.bus.History(since)
	if typ := r.URL.Query().Get("type"); typ != "" {
		filtered := make([]events.Event, 0, len(history))
		for _, ev := range history {
			if string(ev.Type) == typ {
				filtered = append(filtered, ev)
			}
		}
		history = filtered
	}
	writeJSON(w, history)
}

func (s *Server) handleVerdicts(w http.ResponseWriter, r *http.Request) {
	if s.prov == nil {
		writeJSON(w, []provenance.VerdictEntry{})
		return
	}

	limit := defaultVerdictLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxVerdictLimit)
	}

	entries, err := s.prov.RecentVerdicts(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []provenance.VerdictEntry{}
	}
	writeJSON(w, entries)
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	json.NewEncoder(w).Encode(data)
}
