package server

import (
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/haitao-520/cursor-ESP8266/internal/protocol"
)

// createMux creates the HTTP mux with all endpoints.
func (s *Server) createMux() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket endpoint. /socket is kept for firmware built against the
	// first-generation relay path.
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/socket", s.handleWebSocket)

	// Health check endpoint for monitoring
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	s.mu.RLock()
	statusHandler := s.statusHandler
	staticDir := s.staticDir
	s.mu.RUnlock()

	if statusHandler != nil {
		mux.Handle("/status", statusHandler)
		s.logger.Debug().Msg("status endpoint registered at /status")
	}

	if staticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(staticDir)))
		s.logger.Info().Str("dir", staticDir).Msg("serving control client")
	}

	return mux
}

// handleWebSocket upgrades an HTTP connection to a WebSocket session.
// Sessions start unauthenticated; identity is claimed with an auth message.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	stopped := s.stopped
	limit, burst := s.inputLimit, s.inputBurst
	s.mu.RUnlock()

	if stopped {
		http.Error(w, "relay is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	id := uuid.NewString()
	session := &Session{
		id:      id,
		conn:    conn,
		server:  s,
		send:    make(chan protocol.Message, channelBufferSize),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(limit, burst),
		logger:  s.logger.With().Str("session", id).Logger(),
	}

	// Stop may have run since the check above.
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.active.Add(1)
	s.sessions.Set(id, session)
	s.mu.Unlock()

	session.logger.Info().Str("remote", r.RemoteAddr).Int("total", s.SessionCount()).Msg("session opened")

	go session.writePump()
	go session.readPump()
}
