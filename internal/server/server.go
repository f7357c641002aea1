// Package server provides the WebSocket transport for the relay.
//
// Each accepted connection becomes a Session. The server owns the session's
// lifetime; the relay core only sees it as a relay.Endpoint. Inbound frames
// are decoded into protocol envelopes, checked against the session's role,
// and handed to the relay. When the connection ends for any reason, the
// session is reported to relay.Disconnect exactly once.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/haitao-520/cursor-ESP8266/internal/config"
	"github.com/haitao-520/cursor-ESP8266/internal/relay"
)

// channelBufferSize is the per-session outbound buffer. When it fills, new
// messages for that session are dropped rather than blocking the sender.
const channelBufferSize = 256

// stopDrainTimeout bounds how long Stop waits for sessions to finish their
// disconnect reconciliation.
const stopDrainTimeout = 5 * time.Second

// Server is the WebSocket listener in front of a relay.
type Server struct {
	// addr is the TCP address to listen on (e.g., "0.0.0.0:3000").
	addr string

	// upgrader converts HTTP connections to WebSocket connections.
	upgrader websocket.Upgrader

	relay *relay.Relay

	// sessions tracks every live connection by session id, authenticated
	// or not. The relay registry only knows authenticated ones.
	sessions cmap.ConcurrentMap[string, *Session]

	// active counts sessions whose readPump has not finished its deferred
	// Disconnect. Add happens under mu while stopped is false, so it never
	// races with the Wait in Stop.
	active sync.WaitGroup

	// ctx is canceled on Stop and bounds credential lookups.
	ctx    context.Context
	cancel context.CancelFunc

	// mu protects the fields below.
	mu            sync.RWMutex
	httpServer    *http.Server
	boundAddr     string
	stopped       bool
	staticDir     string
	statusHandler http.Handler
	inputLimit    rate.Limit
	inputBurst    int

	logger zerolog.Logger
}

// NewServer creates a new WebSocket server in front of r.
// Call Start() or StartAsync() to begin accepting connections.
func NewServer(addr string, r *relay.Relay, logger zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:     addr,
		relay:    r,
		sessions: cmap.New[*Session](),
		ctx:      ctx,
		cancel:   cancel,
		upgrader: websocket.Upgrader{
			// Devices and browser clients connect from anywhere; the
			// relay authenticates devices at the message level.
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		inputLimit: rate.Limit(config.DefaultRateLimit),
		inputBurst: config.DefaultRateBurst,
		logger:     logger.With().Str("component", "server").Logger(),
	}
}

// SetStaticDir serves the files in dir at / (the browser control client).
// Must be called before Start.
func (s *Server) SetStaticDir(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staticDir = dir
}

// SetInputRate sets the per-session inbound message rate. Non-positive
// values keep the defaults. Applies to sessions accepted afterwards.
func (s *Server) SetInputRate(perSecond float64, burst int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if perSecond > 0 {
		s.inputLimit = rate.Limit(perSecond)
	}
	if burst > 0 {
		s.inputBurst = burst
	}
}

// SetStatusHandler installs the handler served at /status.
// Must be called before Start.
func (s *Server) SetStatusHandler(h http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusHandler = h
}

// Addr returns the address the server is listening on. After StartAsync
// this is the bound address, which differs from the configured one when
// the configured port is 0.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.boundAddr != "" {
		return s.boundAddr
	}
	return s.addr
}

// SessionCount returns the number of live connections.
func (s *Server) SessionCount() int {
	return s.sessions.Count()
}
